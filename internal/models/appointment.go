// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

// Package models defines the appointment domain records shared by the
// sync pipeline: the cached Appointment, its status lifecycle, and the
// canonical event shape produced by the normalizer.
package models

import (
	"time"
)

// Status is an appointment lifecycle state. The lifecycle is ordered-ish
// but not strictly linear: rejection and cancellation branch off at any
// point before completion.
type Status string

// Appointment lifecycle states.
const (
	StatusPending            Status = "pending"
	StatusTherapistConfirmed Status = "therapist_confirmed"
	StatusDriverConfirmed    Status = "driver_confirmed"
	StatusEnRoute            Status = "en_route"
	StatusInProgress         Status = "in_progress"
	StatusCompleted          Status = "completed"
	StatusAwaitingPayment    Status = "awaiting_payment"
	StatusPaid               Status = "paid"
	StatusRejected           Status = "rejected"
	StatusCancelled          Status = "cancelled"
)

// IsTerminal reports whether the status is an end state of the lifecycle.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether the appointment is confirmed and underway
// (between confirmation and completion).
func (s Status) IsActive() bool {
	switch s {
	case StatusTherapistConfirmed, StatusDriverConfirmed, StatusEnRoute, StatusInProgress:
		return true
	default:
		return false
	}
}

// Appointment is the externally-owned scheduling record cached locally.
// The backend remains the single source of truth; cached copies are
// corrected by push events and periodic revalidation.
//
// Staff references come in three historical shapes: the primary
// TherapistID, the legacy singular Therapist field, and the TherapistIDs
// array for multi-therapist bookings. TherapistSet unions all three.
type Appointment struct {
	ID int64 `json:"id"`

	// ClientRef is a client-generated reference attached to optimistic
	// creates so the confirming server event can be matched to the
	// temporary local entry.
	ClientRef string `json:"client_ref,omitempty"`

	Date      string `json:"date"`       // YYYY-MM-DD
	StartTime string `json:"start_time"` // HH:MM
	EndTime   string `json:"end_time,omitempty"`
	Location  string `json:"location,omitempty"`

	Status Status `json:"status"`

	TherapistID  int64   `json:"therapist_id,omitempty"`
	Therapist    int64   `json:"therapist,omitempty"` // legacy singular field
	TherapistIDs []int64 `json:"therapist_ids,omitempty"`
	DriverID     int64   `json:"driver_id,omitempty"`

	ClientName string `json:"client_name,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// TherapistSet returns the deduplicated union of every therapist reference
// on the appointment, in first-seen order. Zero ids are skipped.
func (a *Appointment) TherapistSet() []int64 {
	seen := make(map[int64]struct{}, len(a.TherapistIDs)+2)
	out := make([]int64, 0, len(a.TherapistIDs)+2)

	add := func(id int64) {
		if id == 0 {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	add(a.TherapistID)
	add(a.Therapist)
	for _, id := range a.TherapistIDs {
		add(id)
	}
	return out
}

// HasStaff reports whether the appointment carries any staff reference.
// Sparse payloads (deletion events in particular) may carry none.
func (a *Appointment) HasStaff() bool {
	return a.TherapistID != 0 || a.Therapist != 0 || len(a.TherapistIDs) > 0 || a.DriverID != 0
}

// StartsAt parses the appointment's date and start time into a wall-clock
// instant in the given location.
func (a *Appointment) StartsAt(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	return time.ParseInLocation("2006-01-02 15:04", a.Date+" "+a.StartTime, loc)
}

// Role names used in staff-scoped cache keys and JWT claims.
const (
	RoleTherapist = "therapist"
	RoleDriver    = "driver"
	RoleOperator  = "operator"
)

// CurrentUser is the locally persisted session identity. It determines
// which staff-scoped cache keys are "mine" for direct-update priority.
type CurrentUser struct {
	ID   int64  `json:"id"`
	Role string `json:"role"`
	Name string `json:"name,omitempty"`
}
