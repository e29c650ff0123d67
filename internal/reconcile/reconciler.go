// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

/*
reconciler.go - Cache Reconciler

Consumes normalized appointment events from the bus and surgically applies
them to every cached query list the entity appears in (or must disappear
from). Direct cache writes are the fast path; the reconciler only falls
back to prefix invalidation when a deletion payload is too sparse to
locate the entity.

Reconciliation is idempotent: applying the same event twice leaves the
cache in the same state, because upserts match by entity identity and
removals of an absent entity are no-ops.
*/
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/serenova/dashsync/internal/bus"
	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/metrics"
	"github.com/serenova/dashsync/internal/models"
	"github.com/serenova/dashsync/internal/querycache"
)

// Confirmer is notified when a server event arrives for an entity with a
// pending local mutation, so the mutation's rollback snapshots can be
// discarded. Implemented by the mutation coordinator.
type Confirmer interface {
	Confirm(entityID int64, clientRef string) bool
}

// Config holds reconciler tuning parameters.
type Config struct {
	// BroadEvery is the minimum spacing between broad invalidations of
	// derived read-model keys (reports, sales, notifications). Bursts of
	// events coalesce into one. Default 2s.
	BroadEvery time.Duration
}

// Reconciler applies normalized events to the query cache.
type Reconciler struct {
	cache     *querycache.Store
	bus       *bus.Bus
	confirmer Confirmer
	broad     *broadInvalidator
}

// New creates a reconciler. confirmer may be nil when no mutation
// coordinator is wired in.
func New(cache *querycache.Store, b *bus.Bus, confirmer Confirmer, cfg Config) *Reconciler {
	if cfg.BroadEvery <= 0 {
		cfg.BroadEvery = 2 * time.Second
	}
	return &Reconciler{
		cache:     cache,
		bus:       b,
		confirmer: confirmer,
		broad:     newBroadInvalidator(cache, cfg.BroadEvery),
	}
}

// Serve consumes bus events until ctx is canceled. Implements
// suture.Service.
func (r *Reconciler) Serve(ctx context.Context) error {
	sub, err := r.bus.SubscribeEvents(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.broad.run(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub:
			if !ok {
				return ctx.Err()
			}
			ev, err := bus.DecodeEvent(msg)
			if err != nil {
				logging.Warn().Err(err).Msg("[reconcile] Undecodable bus message dropped")
				msg.Ack()
				continue
			}
			r.Apply(ev)
			msg.Ack()
		}
	}
}

// Apply reconciles one normalized event into the cache.
func (r *Reconciler) Apply(ev *models.Event) {
	metrics.ReconcileOps.WithLabelValues(string(ev.Op)).Inc()

	// A server event for an entity with a pending local mutation is its
	// confirmation; the pending snapshots must go before any rollback
	// timer can fire against the now-authoritative value.
	if r.confirmer != nil {
		r.confirmer.Confirm(ev.Appointment.ID, ev.Appointment.ClientRef)
	}

	var touched int
	switch ev.Op {
	case models.OpDelete:
		touched = r.remove(ev.Appointment)
	default:
		// Creates, updates and the generic fallback all upsert.
		touched = r.upsert(ev.Appointment)
	}
	metrics.ReconcileKeysTouched.Observe(float64(touched))

	logging.Debug().
		Str("type", ev.Type).
		Str("op", string(ev.Op)).
		Int64("id", ev.Appointment.ID).
		Int("keys_touched", touched).
		Msg("[reconcile] Event applied")

	// Appointment lifecycle changes ripple into derived read models.
	r.broad.schedule()
}

// upsert writes the appointment into every cached list it belongs to and
// removes it from cached staff lists it no longer belongs to.
func (r *Reconciler) upsert(appt models.Appointment) int {
	prior := r.findCached(appt.ID, appt.ClientRef)
	merged := mergePrior(appt, prior)

	keys := querycache.AppointmentKeys(&merged)
	if prior != nil {
		keys = appendMissing(keys, querycache.AppointmentKeys(prior))
	}

	touched := 0
	for _, key := range keys {
		if !r.hasEntry(key) {
			continue
		}
		key := key
		r.cache.Set(key, func(old any) any {
			list, _ := old.([]models.Appointment)
			if belongs(key, &merged) {
				return models.UpsertAppointment(list, merged)
			}
			return models.RemoveAppointment(list, merged.ID, merged.ClientRef)
		})
		touched++
	}
	return touched
}

// remove drops the appointment from every cached list. Sparse deletion
// payloads are resolved against the cached global list; when the entity
// cannot be located at all, the whole appointment prefix is invalidated
// as the safe fallback.
func (r *Reconciler) remove(appt models.Appointment) int {
	basis := appt
	if prior := r.findCached(appt.ID, appt.ClientRef); prior != nil {
		basis = *prior
	} else if !appt.HasStaff() && appt.Date == "" {
		logging.Debug().Int64("id", appt.ID).
			Msg("[reconcile] Sparse delete for unknown entity, invalidating appointment caches")
		return r.cache.Invalidate(querycache.AppointmentsPrefix(), querycache.RefetchLazy)
	}

	touched := 0
	for _, key := range querycache.AppointmentKeys(&basis) {
		if !r.hasEntry(key) {
			continue
		}
		r.cache.Set(key, func(old any) any {
			list, _ := old.([]models.Appointment)
			return models.RemoveAppointment(list, appt.ID, appt.ClientRef)
		})
		touched++
	}
	return touched
}

// findCached locates the current cached copy of an entity in the global
// list, matching by server id first and client reference second.
func (r *Reconciler) findCached(id int64, clientRef string) *models.Appointment {
	v, ok := r.cache.Peek(querycache.AppointmentsAll())
	if !ok {
		return nil
	}
	list, ok := v.([]models.Appointment)
	if !ok {
		return nil
	}
	if idx := models.IndexOfAppointment(list, id, clientRef); idx >= 0 {
		found := list[idx]
		return &found
	}
	return nil
}

func (r *Reconciler) hasEntry(key querycache.Key) bool {
	_, ok := r.cache.Peek(key)
	return ok
}

// appendMissing unions extra into keys without duplicates.
func appendMissing(keys, extra []querycache.Key) []querycache.Key {
	for _, k := range extra {
		dup := false
		for _, have := range keys {
			if have.Equal(k) {
				dup = true
				break
			}
		}
		if !dup {
			keys = append(keys, k)
		}
	}
	return keys
}

// belongs reports whether the appointment is a member of the list key.
func belongs(key querycache.Key, a *models.Appointment) bool {
	if len(key) < 2 || key[0] != "appointments" {
		return false
	}
	switch key[1] {
	case "all":
		return true
	case "date":
		return len(key) == 3 && key[2] == a.Date
	case models.RoleTherapist:
		if len(key) != 3 {
			return false
		}
		for _, tid := range a.TherapistSet() {
			if querycache.AppointmentsByStaff(models.RoleTherapist, tid).Equal(key) {
				return true
			}
		}
		return false
	case models.RoleDriver:
		return len(key) == 3 && a.DriverID != 0 &&
			querycache.AppointmentsByStaff(models.RoleDriver, a.DriverID).Equal(key)
	default:
		return false
	}
}

// mergePrior fills fields a sparse event payload omitted from the cached
// copy, so key derivation and the stored record stay complete.
func mergePrior(a models.Appointment, prior *models.Appointment) models.Appointment {
	if prior == nil {
		return a
	}
	if a.ClientRef == "" {
		a.ClientRef = prior.ClientRef
	}
	if a.Date == "" {
		a.Date = prior.Date
	}
	if a.StartTime == "" {
		a.StartTime = prior.StartTime
	}
	if a.EndTime == "" {
		a.EndTime = prior.EndTime
	}
	if a.Location == "" {
		a.Location = prior.Location
	}
	if a.Status == "" {
		a.Status = prior.Status
	}
	if !a.HasStaff() {
		a.TherapistID = prior.TherapistID
		a.Therapist = prior.Therapist
		a.TherapistIDs = prior.TherapistIDs
		a.DriverID = prior.DriverID
	}
	if a.ClientName == "" {
		a.ClientName = prior.ClientName
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = prior.CreatedAt
	}
	return a
}
