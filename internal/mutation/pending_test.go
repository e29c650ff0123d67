// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package mutation

import (
	"testing"
	"time"
)

func TestRegistryConfirmById(t *testing.T) {
	r := NewRegistry()
	r.Add(42, "ref-1", "create")

	if r.Len() != 1 {
		t.Fatalf("len = %d", r.Len())
	}
	if !r.Confirm(42, "") {
		t.Error("confirm by id failed")
	}
	if r.Len() != 0 {
		t.Errorf("len after confirm = %d", r.Len())
	}
	// A second confirmation for the same entity is a no-op.
	if r.Confirm(42, "") {
		t.Error("confirm of absent entry reported true")
	}
}

func TestRegistryConfirmByClientRef(t *testing.T) {
	r := NewRegistry()
	r.Add(42, "ref-1", "create")

	// The confirming event may carry a different (or zero) id but the
	// same client reference.
	if !r.Confirm(0, "ref-1") {
		t.Error("confirm by client ref failed")
	}
	if r.Len() != 0 {
		t.Errorf("len = %d", r.Len())
	}
}

func TestRegistryStaleCount(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	r.Add(1, "", "delete")
	r.Add(2, "", "update_status:accept")

	r.now = func() time.Time { return base.Add(10 * time.Second) }
	r.Add(3, "", "create")

	r.now = func() time.Time { return base.Add(35 * time.Second) }
	if got := r.StaleCount(30 * time.Second); got != 2 {
		t.Errorf("stale count = %d, want 2", got)
	}
	if got := r.StaleCount(time.Minute); got != 0 {
		t.Errorf("stale count = %d, want 0", got)
	}
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry()
	r.Add(1, "", "delete")
	r.Add(2, "", "delete")

	if got := r.Clear(); got != 2 {
		t.Errorf("cleared = %d", got)
	}
	if r.Len() != 0 {
		t.Errorf("len = %d", r.Len())
	}
}
