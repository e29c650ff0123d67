// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package querycache

import (
	"strconv"

	"github.com/goccy/go-json"

	"github.com/serenova/dashsync/internal/models"
)

// Key is a structured, ordered tuple of tokens (domain, sub-resource,
// discriminator) deterministically identifying one cache slot.
//
// Two logically equivalent requests must produce byte-identical encodings
// or their cache entries silently diverge, so every key is built through
// the constructors below rather than ad-hoc literals.
type Key []string

// NewKey builds a key from raw tokens.
func NewKey(tokens ...string) Key {
	return Key(tokens)
}

// String returns the canonical encoding of the key. JSON array encoding is
// unambiguous for any token content, so equal keys always encode equally.
func (k Key) String() string {
	b, err := json.Marshal([]string(k))
	if err != nil {
		// Unreachable for string slices; keep a deterministic fallback.
		return "[]"
	}
	return string(b)
}

// HasPrefix reports whether k starts with every token of prefix, in order.
// An empty prefix matches every key.
func (k Key) HasPrefix(prefix Key) bool {
	if len(prefix) > len(k) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Equal reports whether two keys are token-for-token identical.
func (k Key) Equal(other Key) bool {
	return len(k) == len(other) && k.HasPrefix(other)
}

// Shared key constructors. Every component addressing appointment caches
// goes through these so that key shapes can never drift apart.

// AppointmentsAll is the global appointment list key.
func AppointmentsAll() Key {
	return Key{"appointments", "all"}
}

// AppointmentsByDate is the date-indexed appointment list key.
func AppointmentsByDate(date string) Key {
	return Key{"appointments", "date", date}
}

// AppointmentsByStaff is the role-scoped dashboard list key for one staff
// member, e.g. ["appointments","therapist","7"].
func AppointmentsByStaff(role string, staffID int64) Key {
	return Key{"appointments", role, strconv.FormatInt(staffID, 10)}
}

// AppointmentsByRole is the prefix matching every staff-scoped key of a
// role, regardless of id.
func AppointmentsByRole(role string) Key {
	return Key{"appointments", role}
}

// AppointmentsPrefix is the prefix covering every appointment-derived key.
func AppointmentsPrefix() Key {
	return Key{"appointments"}
}

// AppointmentKeys lists every cache key the appointment can appear under:
// the global list, its date list, one list per assigned therapist and the
// assigned driver's list.
func AppointmentKeys(a *models.Appointment) []Key {
	keys := []Key{AppointmentsAll()}
	if a.Date != "" {
		keys = append(keys, AppointmentsByDate(a.Date))
	}
	for _, tid := range a.TherapistSet() {
		keys = append(keys, AppointmentsByStaff(models.RoleTherapist, tid))
	}
	if a.DriverID != 0 {
		keys = append(keys, AppointmentsByStaff(models.RoleDriver, a.DriverID))
	}
	return keys
}
