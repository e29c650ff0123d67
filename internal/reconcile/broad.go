// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package reconcile

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/serenova/dashsync/internal/metrics"
	"github.com/serenova/dashsync/internal/querycache"
)

// broadPrefixes are the derived read-model caches whose contents depend on
// appointment state but are not reconciled surgically. They are marked
// dirty wholesale and refetched when next read.
var broadPrefixes = []querycache.Key{
	{"reports"},
	{"sales"},
	{"notifications"},
}

// broadInvalidator coalesces bursts of appointment events into rate-limited
// broad invalidations of the derived read-model prefixes. Failures here are
// never allowed to affect the primary reconciliation path.
type broadInvalidator struct {
	cache   *querycache.Store
	limiter *rate.Limiter
	dirty   chan struct{}
}

func newBroadInvalidator(cache *querycache.Store, every time.Duration) *broadInvalidator {
	return &broadInvalidator{
		cache:   cache,
		limiter: rate.NewLimiter(rate.Every(every), 1),
		dirty:   make(chan struct{}, 1),
	}
}

// schedule marks the derived read models dirty. Non-blocking; a burst of
// calls while one pass is queued coalesces into it.
func (b *broadInvalidator) schedule() {
	select {
	case b.dirty <- struct{}{}:
	default:
		metrics.BroadInvalidations.WithLabelValues("skipped").Inc()
	}
}

// run executes queued invalidation passes until ctx is canceled.
func (b *broadInvalidator) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.dirty:
		}

		if err := b.limiter.Wait(ctx); err != nil {
			return
		}
		for _, prefix := range broadPrefixes {
			b.cache.Invalidate(prefix, querycache.RefetchLazy)
		}
		metrics.BroadInvalidations.WithLabelValues("ok").Inc()
	}
}
