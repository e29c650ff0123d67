// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/serenova/dashsync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(DefaultConfig())
	t.Cleanup(s.Close)
	return s
}

func TestSetAndGet(t *testing.T) {
	s := newTestStore(t)
	key := AppointmentsAll()

	s.Set(key, func(old any) any {
		if old != nil {
			t.Error("expected nil old value on first write")
		}
		return []models.Appointment{{ID: 1}}
	})

	list, ok := s.Appointments(key)
	if !ok || len(list) != 1 || list[0].ID != 1 {
		t.Fatalf("Appointments() = %v, %v", list, ok)
	}
}

func TestGetMissesOnUnwrittenKey(t *testing.T) {
	s := newTestStore(t)

	if _, ok := s.Get(AppointmentsByDate("2026-03-15")); ok {
		t.Error("expected miss for unwritten key")
	}

	// Subscribing creates the entry but it still has no value.
	unsub := s.Subscribe(AppointmentsByDate("2026-03-15"), func(Key, any) {})
	defer unsub()

	if _, ok := s.Get(AppointmentsByDate("2026-03-15")); ok {
		t.Error("expected miss for subscribed-but-unwritten key")
	}
}

func TestSetNotifiesSubscribersSynchronously(t *testing.T) {
	s := newTestStore(t)
	key := AppointmentsByStaff(models.RoleTherapist, 7)

	var got []models.Appointment
	unsub := s.Subscribe(key, func(_ Key, value any) {
		got, _ = value.([]models.Appointment)
	})
	defer unsub()

	s.Set(key, func(any) any { return []models.Appointment{{ID: 42}} })

	// Notification is synchronous: the callback already ran.
	if len(got) != 1 || got[0].ID != 42 {
		t.Errorf("subscriber saw %v", got)
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	s := newTestStore(t)
	key := AppointmentsAll()

	calls := 0
	unsub := s.Subscribe(key, func(Key, any) { calls++ })

	s.Set(key, func(any) any { return []models.Appointment{} })
	unsub()
	s.Set(key, func(any) any { return []models.Appointment{{ID: 1}} })

	if calls != 1 {
		t.Errorf("expected 1 notification, got %d", calls)
	}
}

func TestRevisionIncrementsPerWrite(t *testing.T) {
	s := newTestStore(t)
	key := AppointmentsAll()

	r1 := s.Set(key, func(any) any { return []models.Appointment{} })
	r2 := s.Set(key, func(any) any { return []models.Appointment{{ID: 1}} })

	if r2 != r1+1 {
		t.Errorf("revisions %d then %d, want monotonic +1", r1, r2)
	}

	rev, ok := s.Revision(key)
	if !ok || rev != r2 {
		t.Errorf("Revision() = %d, %v, want %d", rev, ok, r2)
	}
}

func TestSetIfRevisionRejectsStaleWriter(t *testing.T) {
	s := newTestStore(t)
	key := AppointmentsAll()

	rev := s.Set(key, func(any) any { return []models.Appointment{{ID: 1, Status: models.StatusPending}} })

	// A newer write lands while a fetch is in flight.
	s.Set(key, func(any) any {
		return []models.Appointment{{ID: 1, Status: models.StatusTherapistConfirmed}}
	})

	// The late fetch result must be discarded.
	applied := s.SetIfRevision(key, rev, func(any) any {
		return []models.Appointment{{ID: 1, Status: models.StatusPending}}
	})
	if applied {
		t.Fatal("stale fetch result was applied over a newer write")
	}

	list, _ := s.Appointments(key)
	if list[0].Status != models.StatusTherapistConfirmed {
		t.Errorf("cache holds %q, want newer value", list[0].Status)
	}
}

func TestInvalidatePrefixMatching(t *testing.T) {
	s := newTestStore(t)

	s.Set(AppointmentsByStaff(models.RoleTherapist, 7), func(any) any { return []models.Appointment{} })
	s.Set(AppointmentsByStaff(models.RoleTherapist, 8), func(any) any { return []models.Appointment{} })
	s.Set(AppointmentsByStaff(models.RoleDriver, 2), func(any) any { return []models.Appointment{} })

	n := s.Invalidate(AppointmentsByRole(models.RoleTherapist), RefetchNone)
	if n != 2 {
		t.Errorf("Invalidate matched %d entries, want 2", n)
	}

	// Unknown prefixes simply miss.
	if n := s.Invalidate(NewKey("bogus"), RefetchNone); n != 0 {
		t.Errorf("bogus prefix matched %d entries", n)
	}
}

func TestStaleReadTriggersRefetch(t *testing.T) {
	cfg := DefaultConfig()
	s := New(cfg)
	defer s.Close()

	key := AppointmentsAll()
	s.Set(key, func(any) any { return []models.Appointment{{ID: 1, Status: models.StatusPending}} })

	fetched := make(chan struct{})
	s.SetFetcher(func(_ context.Context, k Key) (any, error) {
		defer close(fetched)
		if !k.Equal(key) {
			t.Errorf("fetcher called with %v", k)
		}
		return []models.Appointment{{ID: 1, Status: models.StatusPaid}}, nil
	})

	s.Invalidate(AppointmentsPrefix(), RefetchLazy)

	// Stale entry is still served (stale-but-shown) and a refetch starts.
	list, ok := s.Appointments(key)
	if !ok || list[0].Status != models.StatusPending {
		t.Fatalf("expected stale value to be served, got %v %v", list, ok)
	}

	select {
	case <-fetched:
	case <-time.After(2 * time.Second):
		t.Fatal("refetch never started")
	}

	waitFor(t, func() bool {
		list, _ := s.Appointments(key)
		return len(list) == 1 && list[0].Status == models.StatusPaid
	})
}

func TestRefetchActiveOnlyTouchesSubscribedEntries(t *testing.T) {
	s := newTestStore(t)

	subscribed := AppointmentsByStaff(models.RoleTherapist, 7)
	idle := AppointmentsByStaff(models.RoleTherapist, 8)
	s.Set(subscribed, func(any) any { return []models.Appointment{} })
	s.Set(idle, func(any) any { return []models.Appointment{} })

	unsub := s.Subscribe(subscribed, func(Key, any) {})
	defer unsub()

	var mu sync.Mutex
	var fetchedKeys []string
	s.SetFetcher(func(_ context.Context, k Key) (any, error) {
		mu.Lock()
		fetchedKeys = append(fetchedKeys, k.String())
		mu.Unlock()
		return []models.Appointment{}, nil
	})

	s.Invalidate(AppointmentsByRole(models.RoleTherapist), RefetchActive)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(fetchedKeys) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if fetchedKeys[0] != subscribed.String() {
		t.Errorf("refetched %v, want %v", fetchedKeys, subscribed.String())
	}
}

func TestForcedResyncRefetchesUnsubscribedEntriesOnRead(t *testing.T) {
	s := newTestStore(t)
	key := AppointmentsAll()
	s.Set(key, func(any) any { return []models.Appointment{{ID: 1, Status: models.StatusPending}} })

	var fetches atomic.Int32
	s.SetFetcher(func(context.Context, Key) (any, error) {
		fetches.Add(1)
		return []models.Appointment{{ID: 1, Status: models.StatusPaid}}, nil
	})

	// No subscriber anywhere: the invalidation cannot refetch eagerly,
	// so it must arm the next read instead.
	s.Invalidate(AppointmentsPrefix(), RefetchActive)
	if got := fetches.Load(); got != 0 {
		t.Fatalf("eager fetches without subscribers = %d, want 0", got)
	}

	list, ok := s.Appointments(key)
	if !ok || list[0].Status != models.StatusPending {
		t.Fatalf("expected stale value to be served, got %v %v", list, ok)
	}

	waitFor(t, func() bool {
		list, _ := s.Appointments(key)
		return len(list) == 1 && list[0].Status == models.StatusPaid
	})
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetches after read = %d, want 1", got)
	}
}

func TestFailedRefetchRetriesOnNextRead(t *testing.T) {
	s := newTestStore(t)
	key := AppointmentsAll()
	s.Set(key, func(any) any { return []models.Appointment{{ID: 1, Status: models.StatusPending}} })

	var attempts atomic.Int32
	s.SetFetcher(func(context.Context, Key) (any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("upstream down")
		}
		return []models.Appointment{{ID: 1, Status: models.StatusPaid}}, nil
	})

	s.Invalidate(AppointmentsPrefix(), RefetchLazy)
	s.Get(key) // first refetch fails

	// The failure must re-arm the read trigger: repeated reads retry
	// until the upstream recovers instead of serving the old value
	// forever.
	waitFor(t, func() bool {
		list, _ := s.Appointments(key)
		return len(list) == 1 && list[0].Status == models.StatusPaid
	})
	if got := attempts.Load(); got < 2 {
		t.Errorf("fetch attempts = %d, want at least 2", got)
	}
}

func TestRefetchFailureLeavesEntryStale(t *testing.T) {
	s := newTestStore(t)
	key := AppointmentsAll()
	s.Set(key, func(any) any { return []models.Appointment{{ID: 1}} })

	done := make(chan struct{})
	var once sync.Once
	s.SetFetcher(func(context.Context, Key) (any, error) {
		defer once.Do(func() { close(done) })
		return nil, errors.New("upstream down")
	})

	s.Invalidate(AppointmentsPrefix(), RefetchLazy)
	s.Get(key) // triggers refetch

	<-done

	// Value survives; failure degrades to stale data, never a crash.
	waitFor(t, func() bool {
		list, ok := s.Appointments(key)
		return ok && len(list) == 1
	})
}

func TestClearPreservesSubscriptions(t *testing.T) {
	s := newTestStore(t)
	observed := AppointmentsAll()
	idle := AppointmentsByDate("2026-03-15")

	s.Set(observed, func(any) any { return []models.Appointment{{ID: 1}} })
	s.Set(idle, func(any) any { return []models.Appointment{{ID: 2}} })

	var clearedWith any = "sentinel"
	unsub := s.Subscribe(observed, func(_ Key, value any) { clearedWith = value })
	defer unsub()

	s.Clear()

	if clearedWith != nil {
		t.Errorf("subscriber notified with %v, want nil", clearedWith)
	}
	if _, ok := s.Get(observed); ok {
		t.Error("observed entry still has a value after Clear")
	}
	if _, ok := s.Get(idle); ok {
		t.Error("idle entry survived Clear")
	}

	// Subscription still works after Clear.
	s.Set(observed, func(any) any { return []models.Appointment{{ID: 3}} })
	list, _ := clearedWith.([]models.Appointment)
	if len(list) != 1 || list[0].ID != 3 {
		t.Errorf("post-Clear notification saw %v", clearedWith)
	}
}

func TestGCRemovesIdleUnsubscribedEntries(t *testing.T) {
	s := New(Config{
		StaleAfter: time.Minute,
		GCIdle:     20 * time.Millisecond,
		GCInterval: 10 * time.Millisecond,
	})
	defer s.Close()

	kept := AppointmentsAll()
	dropped := AppointmentsByDate("2026-03-15")
	s.Set(kept, func(any) any { return []models.Appointment{} })
	s.Set(dropped, func(any) any { return []models.Appointment{} })

	unsub := s.Subscribe(kept, func(Key, any) {})
	defer unsub()

	waitFor(t, func() bool { return s.Len() == 1 })

	if _, ok := s.Get(kept); !ok {
		t.Error("subscribed entry was garbage collected")
	}
}

func TestConcurrentWriters(t *testing.T) {
	s := newTestStore(t)
	key := AppointmentsAll()
	s.Set(key, func(any) any { return []models.Appointment{} })

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			s.Set(key, func(old any) any {
				list, _ := old.([]models.Appointment)
				next := make([]models.Appointment, len(list), len(list)+1)
				copy(next, list)
				return append(next, models.Appointment{ID: id})
			})
		}(int64(i))
	}
	wg.Wait()

	list, _ := s.Appointments(key)
	if len(list) != 50 {
		t.Errorf("expected 50 appointments after concurrent writes, got %d", len(list))
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}
