// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package mutation

import (
	"strconv"
	"sync"
	"time"

	"github.com/serenova/dashsync/internal/metrics"
)

// pendingMutation is a locally initiated change acknowledged over REST
// but not yet echoed back by the event stream.
type pendingMutation struct {
	EntityID  int64
	ClientRef string
	Operation string
	CreatedAt time.Time
}

// Registry tracks pending mutations. The reconciler confirms entries as
// their server events arrive; the fallback poller treats entries that
// stay unconfirmed too long as a sign the event stream dropped something.
type Registry struct {
	mu    sync.Mutex
	items map[string]pendingMutation
	now   func() time.Time
}

// NewRegistry creates an empty pending-mutation registry.
func NewRegistry() *Registry {
	return &Registry{
		items: make(map[string]pendingMutation),
		now:   time.Now,
	}
}

func registryKey(id int64, clientRef string) string {
	if id != 0 {
		return "id:" + strconv.FormatInt(id, 10)
	}
	return "ref:" + clientRef
}

// Add registers a mutation awaiting its confirming event.
func (r *Registry) Add(id int64, clientRef, operation string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items[registryKey(id, clientRef)] = pendingMutation{
		EntityID:  id,
		ClientRef: clientRef,
		Operation: operation,
		CreatedAt: r.now(),
	}
	metrics.PendingMutations.Set(float64(len(r.items)))
}

// Confirm discards the pending entry for an entity, matching by server
// id first and client reference second. Returns whether an entry was
// discarded. Safe to call for entities with no pending mutation; most
// events are not confirmations.
func (r *Registry) Confirm(id int64, clientRef string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id != 0 {
		if _, ok := r.items[registryKey(id, "")]; ok {
			delete(r.items, registryKey(id, ""))
			metrics.PendingMutations.Set(float64(len(r.items)))
			return true
		}
	}
	if clientRef != "" {
		for k, p := range r.items {
			if p.ClientRef == clientRef {
				delete(r.items, k)
				metrics.PendingMutations.Set(float64(len(r.items)))
				return true
			}
		}
	}
	return false
}

// StaleCount returns how many entries have waited longer than maxAge for
// their confirming event.
func (r *Registry) StaleCount(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	n := 0
	for _, p := range r.items {
		if p.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n
}

// Clear discards every pending entry and returns how many there were.
// Called after a forced resync makes the whole cache authoritative again.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.items)
	r.items = make(map[string]pendingMutation)
	metrics.PendingMutations.Set(0)
	return n
}

// Len returns the number of pending entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
