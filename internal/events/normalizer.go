// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

// Package events decodes heterogeneous inbound server messages into the
// canonical event shape at the transport boundary, so no downstream
// consumer ever re-derives "is the payload under .message or .appointment".
//
// The backend has historically used three envelope shapes:
//
//	{"type":"appointment_updated","appointment":{...}}
//	{"type":"appointment_updated","message":{...}}
//	{"type":"notification","message":{"type":"appointment_updated","appointment":{...}}}
//
// All three normalize to the same models.Event. Malformed messages are
// dropped with an error; they never affect the connection.
package events

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/serenova/dashsync/internal/metrics"
	"github.com/serenova/dashsync/internal/models"
)

// Sentinel errors returned by Normalize.
var (
	// ErrMalformed indicates an unparseable message. The caller logs and
	// drops the single offending message.
	ErrMalformed = errors.New("malformed message")

	// ErrIgnored indicates a well-formed message that carries no
	// appointment event (heartbeats, presence, unknown domains).
	ErrIgnored = errors.New("message ignored")

	// ErrNoEntity indicates an appointment event whose payload is missing
	// entirely.
	ErrNoEntity = errors.New("event carries no entity")
)

// maxNesting bounds notification-envelope unwrapping.
const maxNesting = 3

type envelope struct {
	Type        string          `json:"type"`
	Appointment json.RawMessage `json:"appointment,omitempty"`
	Message     json.RawMessage `json:"message,omitempty"`
}

// Normalize parses one raw inbound frame into the canonical event.
func Normalize(raw []byte, now time.Time) (*models.Event, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return normalizeEnvelope(&env, now, 0)
}

func normalizeEnvelope(env *envelope, now time.Time, depth int) (*models.Event, error) {
	if depth >= maxNesting {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: envelope nested deeper than %d", ErrMalformed, maxNesting)
	}

	switch env.Type {
	case "heartbeat", "heartbeat_response", "pong":
		return nil, ErrIgnored
	}

	// Nested notification envelope: the payload is itself an envelope.
	if isWrapperType(env.Type) {
		payload := env.payload()
		if payload == nil {
			return nil, ErrIgnored
		}
		var inner envelope
		if err := json.Unmarshal(payload, &inner); err != nil {
			metrics.EventsDropped.WithLabelValues("malformed").Inc()
			return nil, fmt.Errorf("%w: nested envelope: %v", ErrMalformed, err)
		}
		return normalizeEnvelope(&inner, now, depth+1)
	}

	op, known := classify(env.Type)
	if !known {
		metrics.EventsDropped.WithLabelValues("unknown_type").Inc()
		return nil, fmt.Errorf("%w: type %q", ErrIgnored, env.Type)
	}

	payload := env.payload()
	if payload == nil {
		metrics.EventsDropped.WithLabelValues("no_entity").Inc()
		return nil, fmt.Errorf("%w: type %q", ErrNoEntity, env.Type)
	}

	var appt models.Appointment
	if err := json.Unmarshal(payload, &appt); err != nil {
		metrics.EventsDropped.WithLabelValues("malformed").Inc()
		return nil, fmt.Errorf("%w: entity: %v", ErrMalformed, err)
	}
	if appt.ID == 0 && appt.ClientRef == "" {
		metrics.EventsDropped.WithLabelValues("no_entity").Inc()
		return nil, fmt.Errorf("%w: type %q entity has no id", ErrNoEntity, env.Type)
	}

	metrics.EventsNormalized.WithLabelValues(string(op)).Inc()
	return &models.Event{
		Type:        env.Type,
		Op:          op,
		Appointment: appt,
		ReceivedAt:  now,
	}, nil
}

// payload returns the entity bytes, preferring the appointment field over
// the legacy message field.
func (e *envelope) payload() json.RawMessage {
	if len(e.Appointment) > 0 && string(e.Appointment) != "null" {
		return e.Appointment
	}
	if len(e.Message) > 0 && string(e.Message) != "null" {
		return e.Message
	}
	return nil
}

// isWrapperType reports whether the type string denotes an envelope whose
// payload is itself an envelope.
func isWrapperType(t string) bool {
	switch t {
	case "notification", "push", "event":
		return true
	default:
		return false
	}
}

// classify maps a raw event type string to the canonical operation.
// Lifecycle-looking types that fall through every known case degrade to a
// best-effort generic update instead of being dropped.
func classify(t string) (models.Op, bool) {
	switch t {
	case "appointment_created", "appointment_new":
		return models.OpCreate, true
	case "appointment_updated",
		"appointment_status_changed",
		"appointment_accepted",
		"appointment_rejected",
		"appointment_confirmed",
		"appointment_check_in",
		"appointment_check_out":
		return models.OpUpdate, true
	case "appointment_deleted", "appointment_removed":
		return models.OpDelete, true
	}

	if strings.HasPrefix(t, "appointment_") {
		return models.OpGeneric, true
	}
	return "", false
}
