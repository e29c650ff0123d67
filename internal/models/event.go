// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package models

import "time"

// Op classifies what a normalized event does to the cached entity.
type Op string

// Event operations.
const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"

	// OpGeneric is the best-effort fallback for lifecycle-looking event
	// types that fall through every known case: apply as an update rather
	// than silently dropping the event.
	OpGeneric Op = "generic"
)

// Event is the canonical record produced by the normalizer. Every consumer
// downstream of the transport boundary sees this one shape, never the raw
// envelope variants.
type Event struct {
	// Type is the raw event type string from the server, kept for logging.
	Type string `json:"type"`

	Op Op `json:"op"`

	Appointment Appointment `json:"appointment"`

	ReceivedAt time.Time `json:"received_at"`
}
