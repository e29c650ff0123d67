// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

/*
coordinator.go - Mutation Coordinator

Runs locally initiated appointment changes through the optimistic update
protocol: snapshot the cache entries that will be touched, patch them
immediately so dashboards update without waiting on the network, then
call the appointment service. On success the server's record replaces
the optimistic one and the mutation is registered as pending until its
event-stream echo arrives. On failure every touched entry rolls back to
its exact snapshot, unless a newer server write already superseded it -
the server always wins over a stale rollback.
*/
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/metrics"
	"github.com/serenova/dashsync/internal/models"
	"github.com/serenova/dashsync/internal/querycache"
	"github.com/serenova/dashsync/internal/upstream"
)

// Lifecycle actions accepted by UpdateStatus.
const (
	ActionAccept   = "accept"
	ActionReject   = "reject"
	ActionCheckIn  = "check_in"
	ActionCheckOut = "check_out"
)

// ErrUnknownAction is returned for a lifecycle action the coordinator
// does not recognize.
var ErrUnknownAction = errors.New("unknown lifecycle action")

// Backend is the slice of the appointment service the coordinator needs.
type Backend interface {
	CreateAppointment(ctx context.Context, a models.Appointment) (models.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id int64, action string) (models.Appointment, error)
	DeleteAppointment(ctx context.Context, id int64) error
}

// Coordinator executes optimistic mutations against the query cache and
// the appointment service.
type Coordinator struct {
	cache   *querycache.Store
	backend Backend
	pending *Registry
}

// NewCoordinator creates a mutation coordinator.
func NewCoordinator(cache *querycache.Store, backend Backend, pending *Registry) *Coordinator {
	return &Coordinator{cache: cache, backend: backend, pending: pending}
}

// snapshot records one cache entry as it stood before the optimistic
// patch, plus the revision the patch produced. Rollback restores the
// value only while that revision is still current.
type snapshot struct {
	key   querycache.Key
	value any
	rev   uint64
}

// Create books a new appointment. The returned record is the server's;
// dashboards see an optimistic temporary entry in the meantime, matched
// up by client reference when the server record lands.
func (c *Coordinator) Create(ctx context.Context, a models.Appointment) (models.Appointment, error) {
	a.ID = 0
	a.ClientRef = uuid.NewString()
	if a.Status == "" {
		a.Status = models.StatusPending
	}
	a.CreatedAt = time.Now()

	snaps := c.patch(querycache.AppointmentKeys(&a), func(list []models.Appointment) []models.Appointment {
		return models.UpsertAppointment(list, a)
	})

	confirmed, err := c.backend.CreateAppointment(ctx, a)
	if err != nil {
		c.rollback(snaps)
		return models.Appointment{}, c.fail("create", a.ClientRef, err)
	}
	if confirmed.ClientRef == "" {
		confirmed.ClientRef = a.ClientRef
	}

	c.commit(querycache.AppointmentKeys(&confirmed), func(list []models.Appointment) []models.Appointment {
		return models.UpsertAppointment(list, confirmed)
	})
	c.pending.Add(confirmed.ID, confirmed.ClientRef, "create")
	c.invalidateDerived()

	metrics.MutationsTotal.WithLabelValues("create", "committed").Inc()
	logging.Info().Int64("id", confirmed.ID).Str("client_ref", confirmed.ClientRef).
		Msg("[mutation] Appointment created")
	return confirmed, nil
}

// UpdateStatus applies a lifecycle action on behalf of actor. The
// optimistic status depends on who is acting: a driver accepting confirms
// the drive, a therapist accepting confirms the treatment.
func (c *Coordinator) UpdateStatus(ctx context.Context, id int64, action string, actor models.CurrentUser) (models.Appointment, error) {
	optimistic, err := optimisticStatus(action, actor.Role)
	if err != nil {
		return models.Appointment{}, err
	}

	var snaps []snapshot
	if prior := c.findCached(id); prior != nil {
		patched := *prior
		patched.Status = optimistic
		patched.UpdatedAt = time.Now()
		snaps = c.patch(querycache.AppointmentKeys(prior), func(list []models.Appointment) []models.Appointment {
			return models.UpsertAppointment(list, patched)
		})
	}

	confirmed, err := c.backend.UpdateAppointmentStatus(ctx, id, action)
	if err != nil {
		c.rollback(snaps)
		// The action name rides along so the dashboard can tell a failed
		// reject from a failed accept.
		return models.Appointment{}, c.fail("update_status:"+action, "", err)
	}

	c.commit(querycache.AppointmentKeys(&confirmed), func(list []models.Appointment) []models.Appointment {
		return models.UpsertAppointment(list, confirmed)
	})
	c.pending.Add(id, "", "update_status:"+action)
	c.invalidateDerived()

	metrics.MutationsTotal.WithLabelValues("update_status", "committed").Inc()
	logging.Info().Int64("id", id).Str("action", action).Str("status", string(confirmed.Status)).
		Msg("[mutation] Status updated")
	return confirmed, nil
}

// Delete cancels and removes an appointment.
func (c *Coordinator) Delete(ctx context.Context, id int64) error {
	var snaps []snapshot
	if prior := c.findCached(id); prior != nil {
		snaps = c.patch(querycache.AppointmentKeys(prior), func(list []models.Appointment) []models.Appointment {
			return models.RemoveAppointment(list, id, "")
		})
	}

	if err := c.backend.DeleteAppointment(ctx, id); err != nil {
		c.rollback(snaps)
		return c.fail("delete", "", err)
	}

	c.pending.Add(id, "", "delete")
	c.invalidateDerived()

	metrics.MutationsTotal.WithLabelValues("delete", "committed").Inc()
	logging.Info().Int64("id", id).Msg("[mutation] Appointment deleted")
	return nil
}

// patch applies edit to every currently cached key in keys and returns
// rollback snapshots in application order.
func (c *Coordinator) patch(keys []querycache.Key, edit func([]models.Appointment) []models.Appointment) []snapshot {
	var snaps []snapshot
	for _, key := range keys {
		prior, ok := c.cache.Peek(key)
		if !ok {
			continue
		}
		rev := c.cache.Set(key, func(old any) any {
			list, _ := old.([]models.Appointment)
			return edit(list)
		})
		snaps = append(snaps, snapshot{key: key, value: prior, rev: rev})
	}
	return snaps
}

// commit writes the server-confirmed record; unlike patch it does not
// snapshot, the server's answer is final.
func (c *Coordinator) commit(keys []querycache.Key, edit func([]models.Appointment) []models.Appointment) {
	for _, key := range keys {
		if _, ok := c.cache.Peek(key); !ok {
			continue
		}
		c.cache.Set(key, func(old any) any {
			list, _ := old.([]models.Appointment)
			return edit(list)
		})
	}
}

// rollback restores each snapshot unless a newer write (a server event,
// another mutation) landed after the optimistic patch; those entries are
// already more authoritative than the snapshot.
func (c *Coordinator) rollback(snaps []snapshot) {
	for _, s := range snaps {
		if !c.cache.SetIfRevision(s.key, s.rev, func(any) any { return s.value }) {
			logging.Debug().Str("key", s.key.String()).
				Msg("[mutation] Rollback skipped, entry superseded")
		}
	}
}

// fail classifies a backend error for metrics and wraps it. The operation
// may carry an action suffix ("update_status:reject"); the metric label
// uses only the base operation to keep the series stable.
func (c *Coordinator) fail(operation, clientRef string, err error) error {
	result := "rolled_back"
	if errors.Is(err, upstream.ErrSessionExpired) {
		result = "session_expired"
	}
	base, _, _ := strings.Cut(operation, ":")
	metrics.MutationsTotal.WithLabelValues(base, result).Inc()

	logging.Warn().Err(err).Str("operation", operation).Str("result", result).
		Msg("[mutation] Mutation failed, cache rolled back")
	if clientRef != "" {
		return fmt.Errorf("%s (client_ref %s): %w", operation, clientRef, err)
	}
	return fmt.Errorf("%s: %w", operation, err)
}

// invalidateDerived marks the derived read models stale after a committed
// mutation. Best-effort: the primary write already succeeded and is never
// undone on account of a derived cache.
func (c *Coordinator) invalidateDerived() {
	for _, prefix := range []querycache.Key{{"reports"}, {"sales"}, {"notifications"}} {
		c.cache.Invalidate(prefix, querycache.RefetchLazy)
	}
}

// findCached locates the cached copy of an entity in the global list.
func (c *Coordinator) findCached(id int64) *models.Appointment {
	v, ok := c.cache.Peek(querycache.AppointmentsAll())
	if !ok {
		return nil
	}
	list, ok := v.([]models.Appointment)
	if !ok {
		return nil
	}
	if idx := models.IndexOfAppointment(list, id, ""); idx >= 0 {
		found := list[idx]
		return &found
	}
	return nil
}

// optimisticStatus predicts the post-action status for the optimistic
// patch. The server's confirmed record replaces the prediction.
func optimisticStatus(action, role string) (models.Status, error) {
	switch action {
	case ActionAccept:
		if role == models.RoleDriver {
			return models.StatusDriverConfirmed, nil
		}
		return models.StatusTherapistConfirmed, nil
	case ActionReject:
		return models.StatusRejected, nil
	case ActionCheckIn:
		if role == models.RoleDriver {
			return models.StatusEnRoute, nil
		}
		return models.StatusInProgress, nil
	case ActionCheckOut:
		return models.StatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}
