// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package querycache

import "testing"

func TestKeyCanonicalEncoding(t *testing.T) {
	// Logically equivalent keys built through different paths must encode
	// byte-identically.
	a := AppointmentsByStaff("therapist", 7)
	b := NewKey("appointments", "therapist", "7")

	if a.String() != b.String() {
		t.Errorf("equivalent keys encode differently: %q vs %q", a.String(), b.String())
	}
}

func TestKeyEncodingDistinguishesTokenBoundaries(t *testing.T) {
	// ["ab","c"] and ["a","bc"] must not collide.
	a := NewKey("ab", "c")
	b := NewKey("a", "bc")

	if a.String() == b.String() {
		t.Errorf("distinct keys collide on %q", a.String())
	}
}

func TestKeyHasPrefix(t *testing.T) {
	key := AppointmentsByStaff("therapist", 7)

	cases := []struct {
		prefix Key
		want   bool
	}{
		{AppointmentsPrefix(), true},
		{AppointmentsByRole("therapist"), true},
		{AppointmentsByStaff("therapist", 7), true},
		{AppointmentsByRole("driver"), false},
		{AppointmentsByStaff("therapist", 8), false},
		{NewKey(), true},
		{NewKey("appointments", "therapist", "7", "extra"), false},
	}

	for _, tc := range cases {
		if got := key.HasPrefix(tc.prefix); got != tc.want {
			t.Errorf("HasPrefix(%v) = %v, want %v", tc.prefix, got, tc.want)
		}
	}
}

func TestKeyEqual(t *testing.T) {
	if !AppointmentsAll().Equal(NewKey("appointments", "all")) {
		t.Error("identical keys not equal")
	}
	if AppointmentsAll().Equal(AppointmentsPrefix()) {
		t.Error("prefix reported equal to longer key")
	}
}
