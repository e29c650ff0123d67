// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

/*
poller.go - Fallback Poller

Safety net for the event stream. A mutation that was acknowledged over
REST must be echoed back as a push event; when one stays unconfirmed past
the staleness threshold, the stream has dropped something and the cached
appointment state can no longer be trusted. The poller then forces
exactly one full invalidation of the appointment caches and discards the
stale records, so one bad window never triggers a resync storm.
*/
package poller

import (
	"context"
	"time"

	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/metrics"
	"github.com/serenova/dashsync/internal/mutation"
	"github.com/serenova/dashsync/internal/querycache"
)

// Config holds poller tuning parameters.
type Config struct {
	// Interval is the check cadence. Default 15s.
	Interval time.Duration

	// StaleAfter is how long a pending mutation may wait for its
	// confirming event before a forced resync. Default 30s.
	StaleAfter time.Duration
}

// Poller periodically checks for unconfirmed mutations and forces a
// cache resync when it finds any.
type Poller struct {
	cache      *querycache.Store
	pending    *mutation.Registry
	interval   time.Duration
	staleAfter time.Duration
}

// New creates a fallback poller.
func New(cache *querycache.Store, pending *mutation.Registry, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Second
	}
	return &Poller{
		cache:      cache,
		pending:    pending,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
	}
}

// Serve ticks until ctx is canceled. Implements suture.Service.
func (p *Poller) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.check()
		}
	}
}

// check performs one poll pass.
func (p *Poller) check() {
	stale := p.pending.StaleCount(p.staleAfter)
	if stale == 0 {
		return
	}

	// One invalidation covers every stale record. The registry is cleared
	// whole, not just the stale entries: every pending record was already
	// committed upstream before it was registered, so the forced refetch
	// returns server state that includes the younger ones too, and a
	// confirmation event arriving after the clear is a harmless no-op.
	touched := p.cache.Invalidate(querycache.AppointmentsPrefix(), querycache.RefetchActive)
	discarded := p.pending.Clear()
	metrics.ForcedResyncs.Inc()

	logging.Warn().
		Int("stale_mutations", stale).
		Int("discarded", discarded).
		Int("entries_invalidated", touched).
		Msg("[poller] Unconfirmed mutations exceeded staleness threshold, forced resync")
}
