// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package models

// Cached appointment lists are immutable; every edit below returns a new
// slice and leaves its input untouched.

// IndexOfAppointment matches by server id first; a zero-id or unmatched
// lookup falls back to the client reference, which pairs optimistic
// temporary entries with their confirming server record.
func IndexOfAppointment(list []Appointment, id int64, clientRef string) int {
	if id != 0 {
		for i := range list {
			if list[i].ID == id {
				return i
			}
		}
	}
	if clientRef != "" {
		for i := range list {
			if list[i].ClientRef == clientRef {
				return i
			}
		}
	}
	return -1
}

// UpsertAppointment returns a new list with a replacing its previous
// version or appended when absent.
func UpsertAppointment(list []Appointment, a Appointment) []Appointment {
	out := make([]Appointment, len(list))
	copy(out, list)

	if idx := IndexOfAppointment(out, a.ID, a.ClientRef); idx >= 0 {
		out[idx] = a
		return out
	}
	return append(out, a)
}

// RemoveAppointment returns a new list without the matching entity. A
// no-op copy when the entity is absent.
func RemoveAppointment(list []Appointment, id int64, clientRef string) []Appointment {
	idx := IndexOfAppointment(list, id, clientRef)
	if idx < 0 {
		out := make([]Appointment, len(list))
		copy(out, list)
		return out
	}
	out := make([]Appointment, 0, len(list)-1)
	out = append(out, list[:idx]...)
	return append(out, list[idx+1:]...)
}
