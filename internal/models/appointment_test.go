// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package models

import (
	"reflect"
	"testing"
	"time"
)

func TestTherapistSetUnionsAllFields(t *testing.T) {
	a := &Appointment{
		TherapistID:  7,
		Therapist:    3, // legacy singular field
		TherapistIDs: []int64{7, 9, 3},
	}

	got := a.TherapistSet()
	want := []int64{7, 3, 9}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("TherapistSet() = %v, want %v", got, want)
	}
}

func TestTherapistSetSkipsZeroIDs(t *testing.T) {
	a := &Appointment{TherapistIDs: []int64{0, 5}}

	got := a.TherapistSet()
	if !reflect.DeepEqual(got, []int64{5}) {
		t.Errorf("TherapistSet() = %v, want [5]", got)
	}
}

func TestTherapistSetEmpty(t *testing.T) {
	a := &Appointment{}
	if got := a.TherapistSet(); len(got) != 0 {
		t.Errorf("expected empty set, got %v", got)
	}
	if a.HasStaff() {
		t.Error("HasStaff() = true for appointment with no staff references")
	}
}

func TestHasStaffDriverOnly(t *testing.T) {
	a := &Appointment{DriverID: 12}
	if !a.HasStaff() {
		t.Error("HasStaff() = false for appointment with a driver")
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusPaid, StatusRejected, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", s)
		}
	}

	if StatusPending.IsTerminal() {
		t.Error("pending reported terminal")
	}
	if StatusInProgress.IsTerminal() {
		t.Error("in_progress reported terminal")
	}
}

func TestStartsAt(t *testing.T) {
	a := &Appointment{Date: "2026-03-15", StartTime: "14:30"}

	got, err := a.StartsAt(time.UTC)
	if err != nil {
		t.Fatalf("StartsAt: %v", err)
	}

	want := time.Date(2026, 3, 15, 14, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("StartsAt() = %v, want %v", got, want)
	}
}

func TestPartitionByStatus(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	policy := BucketPolicy{
		TimeoutThreshold: 30 * time.Minute,
		UrgentThreshold:  2 * time.Hour,
	}

	appts := []Appointment{
		{ID: 1, Status: StatusPending, Date: "2026-03-16", StartTime: "12:00", CreatedAt: now.Add(-5 * time.Minute)},
		{ID: 2, Status: StatusPending, Date: "2026-03-15", StartTime: "13:00", CreatedAt: now.Add(-5 * time.Minute)},
		{ID: 3, Status: StatusPending, Date: "2026-03-16", StartTime: "12:00", CreatedAt: now.Add(-45 * time.Minute)},
		{ID: 4, Status: StatusInProgress},
		{ID: 5, Status: StatusEnRoute},
		{ID: 6, Status: StatusPaid},
		{ID: 7, Status: StatusCancelled},
	}

	b := PartitionByStatus(appts, now, time.UTC, policy)

	assertIDs := func(name string, got []Appointment, want ...int64) {
		t.Helper()
		ids := make([]int64, len(got))
		for i := range got {
			ids[i] = got[i].ID
		}
		if !reflect.DeepEqual(ids, want) {
			t.Errorf("%s bucket = %v, want %v", name, ids, want)
		}
	}

	assertIDs("pending", b.Pending, 1)
	assertIDs("urgent", b.Urgent, 2)
	assertIDs("timedout", b.TimedOut, 3)
	assertIDs("active", b.Active, 4, 5)
	assertIDs("finished", b.Finished, 6, 7)
}

func TestPartitionByStatusDoesNotMutateInput(t *testing.T) {
	appts := []Appointment{{ID: 1, Status: StatusPending}}
	snapshot := make([]Appointment, len(appts))
	copy(snapshot, appts)

	PartitionByStatus(appts, time.Now(), time.UTC, DefaultBucketPolicy())

	if !reflect.DeepEqual(appts, snapshot) {
		t.Error("input slice was mutated")
	}
}
