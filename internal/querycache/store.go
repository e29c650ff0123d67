// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

// Package querycache implements the shared in-memory query cache: a
// key-value store mapping structured query keys to cached results with
// staleness tracking, subscription-based change notification, prefix
// invalidation and idle-entry garbage collection.
//
// The cache is the single shared mutable resource of the sync pipeline.
// Every reader and writer goes through Get/Set/Invalidate; cached list
// values are treated as immutable, and writers always produce new slices.
//
// Each entry carries a monotonic revision counter. A writer that raced a
// slower fetch uses SetIfRevision to guarantee the late fetch result never
// clobbers a newer value, so ordering between optimistic writes and
// server-confirmed writes does not depend on callback scheduling.
package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/metrics"
	"github.com/serenova/dashsync/internal/models"
)

// State describes an entry's freshness.
type State int

// Entry states.
const (
	StateFresh State = iota
	StateStale
	StateRefetching
)

// RefetchMode controls what Invalidate does beyond marking entries stale.
type RefetchMode int

const (
	// RefetchNone only marks matching entries stale.
	RefetchNone RefetchMode = iota

	// RefetchLazy marks entries stale; a refetch is triggered on the next
	// read of the entry.
	RefetchLazy

	// RefetchActive marks entries stale and immediately refetches every
	// matching entry that has at least one subscriber.
	RefetchActive
)

func (m RefetchMode) String() string {
	switch m {
	case RefetchLazy:
		return "lazy"
	case RefetchActive:
		return "active"
	default:
		return "none"
	}
}

// UpdaterFunc transforms the previous cached value into the next one.
// old is nil when the entry has never been written.
type UpdaterFunc func(old any) any

// Fetcher loads the authoritative value for a key from the remote store.
// Used by refetch-on-invalidate and refetch-on-stale-read.
type Fetcher func(ctx context.Context, key Key) (any, error)

// Subscriber is notified synchronously after every write to its key.
// The value passed is the entry's new value; it must not be mutated.
type Subscriber func(key Key, value any)

type entry struct {
	key        Key
	value      any
	present    bool
	revision   uint64
	state      State
	updatedAt  time.Time
	lastAccess time.Time
	subs       map[int64]Subscriber

	// refetchOnRead marks an entry invalidated with RefetchLazy: the next
	// read serves the stale value and kicks off a background refetch.
	refetchOnRead bool
}

// Config holds cache tuning parameters.
type Config struct {
	// StaleAfter is how long a written value counts as fresh.
	StaleAfter time.Duration

	// GCIdle is how long an entry with no subscribers may go unread
	// before the garbage collector removes it.
	GCIdle time.Duration

	// GCInterval is how often the garbage collector runs.
	GCInterval time.Duration

	// FetchTimeout bounds a single background refetch.
	FetchTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StaleAfter:   60 * time.Second,
		GCIdle:       5 * time.Minute,
		GCInterval:   time.Minute,
		FetchTimeout: 10 * time.Second,
	}
}

// Store is the thread-safe query cache.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	cfg     Config
	fetcher Fetcher
	nextSub int64

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a query cache and starts its garbage collection loop.
// Call Close to stop the collector.
func New(cfg Config) *Store {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 60 * time.Second
	}
	if cfg.GCIdle <= 0 {
		cfg.GCIdle = 5 * time.Minute
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}

	s := &Store{
		entries: make(map[string]*entry),
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
	go s.gcLoop()
	return s
}

// Close stops the garbage collection loop.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// SetFetcher installs the remote loader used for refetches. A nil fetcher
// disables refetching; invalidation then only marks entries stale.
func (s *Store) SetFetcher(f Fetcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetcher = f
}

// Get returns the cached value for key. A stale entry is still returned
// (stale-but-shown) while a background refetch is kicked off if a fetcher
// is installed.
func (s *Store) Get(key Key) (any, bool) {
	s.mu.Lock()

	e, ok := s.entries[key.String()]
	if !ok || !e.present {
		s.mu.Unlock()
		metrics.CacheMisses.Inc()
		return nil, false
	}

	e.lastAccess = time.Now()
	if e.state == StateFresh && time.Since(e.updatedAt) > s.cfg.StaleAfter {
		// Aged past the staleness threshold: stale-but-shown, refetch on use.
		e.state = StateStale
		e.refetchOnRead = true
	}

	value := e.value
	needsRefetch := e.state == StateStale && e.refetchOnRead && s.fetcher != nil
	if needsRefetch {
		e.state = StateRefetching
		e.refetchOnRead = false
	}
	rev := e.revision
	s.mu.Unlock()

	if needsRefetch {
		go s.refetch(key, rev)
	}

	metrics.CacheHits.Inc()
	return value, true
}

// Peek returns the cached value for key without hit accounting, access
// tracking or refetch side effects. Used by internal writers that consult
// the cache while deciding what to update.
func (s *Store) Peek(key Key) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key.String()]
	if !ok || !e.present {
		return nil, false
	}
	return e.value, true
}

// Appointments returns the cached appointment list for key, or nil if the
// entry is absent or holds a different type.
func (s *Store) Appointments(key Key) ([]models.Appointment, bool) {
	v, ok := s.Get(key)
	if !ok {
		return nil, false
	}
	list, ok := v.([]models.Appointment)
	return list, ok
}

// Revision returns the current revision of key's entry.
func (s *Store) Revision(key Key) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key.String()]
	if !ok {
		return 0, false
	}
	return e.revision, e.present
}

// Set applies updater to the entry's current value (nil if never written),
// bumps the revision, marks the entry fresh and synchronously notifies
// subscribers. Returns the new revision.
func (s *Store) Set(key Key, updater UpdaterFunc) uint64 {
	s.mu.Lock()
	e := s.ensureLocked(key)

	var old any
	if e.present {
		old = e.value
	}
	e.value = updater(old)
	e.present = true
	e.revision++
	e.state = StateFresh
	e.refetchOnRead = false
	e.updatedAt = time.Now()
	e.lastAccess = e.updatedAt

	rev := e.revision
	subs, value := s.snapshotSubsLocked(e)
	s.mu.Unlock()

	notify(subs, key, value)
	return rev
}

// SetIfRevision applies updater only if the entry's revision still equals
// expected. Returns false when the entry moved on, which means a newer
// write already superseded the caller's data.
func (s *Store) SetIfRevision(key Key, expected uint64, updater UpdaterFunc) bool {
	s.mu.Lock()
	e, ok := s.entries[key.String()]
	if !ok || e.revision != expected {
		// Revert a refetch-in-progress marker if the entry lost the race.
		if ok && e.state == StateRefetching {
			e.state = StateFresh
		}
		s.mu.Unlock()
		return false
	}

	var old any
	if e.present {
		old = e.value
	}
	e.value = updater(old)
	e.present = true
	e.revision++
	e.state = StateFresh
	e.refetchOnRead = false
	e.updatedAt = time.Now()
	e.lastAccess = e.updatedAt

	subs, value := s.snapshotSubsLocked(e)
	s.mu.Unlock()

	notify(subs, key, value)
	return true
}

// Invalidate marks every entry matching prefix stale and, depending on
// mode, refetches subscribed entries immediately or arms a refetch on the
// next read. Returns the number of entries touched. Malformed or unknown
// prefixes simply match nothing.
func (s *Store) Invalidate(prefix Key, mode RefetchMode) int {
	s.mu.Lock()

	var matched []*entry
	for _, e := range s.entries {
		if e.key.HasPrefix(prefix) {
			matched = append(matched, e)
		}
	}

	var refetches []Key
	for _, e := range matched {
		if e.state == StateRefetching {
			continue
		}
		e.state = StateStale
		switch {
		case mode == RefetchActive && s.fetcher != nil && len(e.subs) > 0:
			e.state = StateRefetching
			refetches = append(refetches, e.key)
		case mode == RefetchActive, mode == RefetchLazy:
			// Nobody to refetch for right now (no subscriber, or no
			// fetcher installed): arm the next read instead, so the
			// entry cannot stay stale with no path back to fresh.
			e.refetchOnRead = true
		}
	}
	revs := make(map[string]uint64, len(refetches))
	for _, k := range refetches {
		revs[k.String()] = s.entries[k.String()].revision
	}
	s.mu.Unlock()

	for _, k := range refetches {
		go s.refetch(k, revs[k.String()])
	}

	metrics.CacheInvalidations.WithLabelValues(mode.String()).Add(float64(len(matched)))
	return len(matched)
}

// Subscribe registers a synchronous change callback for key, creating the
// entry if it does not exist yet. The returned function unsubscribes.
func (s *Store) Subscribe(key Key, fn Subscriber) func() {
	s.mu.Lock()
	e := s.ensureLocked(key)
	s.nextSub++
	id := s.nextSub
	e.subs[id] = fn
	s.mu.Unlock()

	ks := key.String()
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if e, ok := s.entries[ks]; ok {
			delete(e.subs, id)
		}
	}
}

// Clear wipes all cached values, e.g. on logout. Entries with active
// subscribers survive as empty slots (their subscribers are notified with
// a nil value); unobserved entries are dropped outright.
func (s *Store) Clear() {
	s.mu.Lock()

	type pending struct {
		key  Key
		subs []Subscriber
	}
	var notifies []pending

	for ks, e := range s.entries {
		if len(e.subs) == 0 {
			delete(s.entries, ks)
			continue
		}
		e.value = nil
		e.present = false
		e.revision++
		e.state = StateStale
		subs, _ := s.snapshotSubsLocked(e)
		notifies = append(notifies, pending{key: e.key, subs: subs})
	}
	metrics.CacheEntries.Set(float64(len(s.entries)))
	s.mu.Unlock()

	for _, n := range notifies {
		notify(n.subs, n.key, nil)
	}
}

// Len returns the current number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// ensureLocked returns the entry for key, creating it if absent.
// Caller must hold s.mu.
func (s *Store) ensureLocked(key Key) *entry {
	ks := key.String()
	e, ok := s.entries[ks]
	if !ok {
		e = &entry{
			key:        key,
			subs:       make(map[int64]Subscriber),
			lastAccess: time.Now(),
		}
		s.entries[ks] = e
		metrics.CacheEntries.Set(float64(len(s.entries)))
	}
	return e
}

// snapshotSubsLocked copies the entry's subscribers and value so callbacks
// can run outside the lock. Caller must hold s.mu.
func (s *Store) snapshotSubsLocked(e *entry) ([]Subscriber, any) {
	if len(e.subs) == 0 {
		return nil, e.value
	}
	subs := make([]Subscriber, 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	return subs, e.value
}

func notify(subs []Subscriber, key Key, value any) {
	for _, fn := range subs {
		fn(key, value)
	}
}

// refetch loads the authoritative value for key and applies it unless a
// newer write landed while the fetch was in flight.
func (s *Store) refetch(key Key, expected uint64) {
	s.mu.Lock()
	fetcher := s.fetcher
	timeout := s.cfg.FetchTimeout
	s.mu.Unlock()

	if fetcher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	value, err := fetcher(ctx, key)
	if err != nil {
		logging.Warn().Err(err).Str("key", key.String()).Msg("Refetch failed, entry stays stale")
		s.mu.Lock()
		if e, ok := s.entries[key.String()]; ok && e.state == StateRefetching {
			// Back to stale with the read trigger re-armed: the next
			// Get retries instead of serving the old value forever.
			e.state = StateStale
			e.refetchOnRead = true
		}
		s.mu.Unlock()
		return
	}

	if !s.SetIfRevision(key, expected, func(any) any { return value }) {
		logging.Debug().Str("key", key.String()).Msg("Refetch result discarded, newer write won")
	}
}

// gcLoop periodically removes idle, unsubscribed entries.
func (s *Store) gcLoop() {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.gc()
		}
	}
}

// gc removes entries with no subscribers that have not been read within
// the idle window.
func (s *Store) gc() {
	cutoff := time.Now().Add(-s.cfg.GCIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for ks, e := range s.entries {
		if len(e.subs) == 0 && e.lastAccess.Before(cutoff) {
			delete(s.entries, ks)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheEntries.Set(float64(len(s.entries)))
		logging.Debug().Int("removed", removed).Msg("Query cache GC")
	}
}
