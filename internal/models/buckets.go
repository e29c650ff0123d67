// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package models

import "time"

// BucketPolicy parameterizes the status partition thresholds. The three
// dashboards share one partition function with their own thresholds
// instead of carrying their own diverging status lists.
type BucketPolicy struct {
	// TimeoutThreshold is how long a pending appointment may wait for
	// confirmation before it is shown as timed out.
	TimeoutThreshold time.Duration

	// UrgentThreshold marks pending appointments whose start time is this
	// close as urgent.
	UrgentThreshold time.Duration
}

// DefaultBucketPolicy matches the operator dashboard's reference behavior.
func DefaultBucketPolicy() BucketPolicy {
	return BucketPolicy{
		TimeoutThreshold: 30 * time.Minute,
		UrgentThreshold:  2 * time.Hour,
	}
}

// Buckets is the result of partitioning an appointment list by status.
type Buckets struct {
	// Pending awaits confirmation and is neither urgent nor timed out.
	Pending []Appointment

	// Urgent is pending with a start time inside the urgent threshold.
	Urgent []Appointment

	// TimedOut is pending that has waited longer than the timeout threshold.
	TimedOut []Appointment

	// Active is confirmed through in-progress.
	Active []Appointment

	// Finished is completed, awaiting payment, paid, rejected or cancelled.
	Finished []Appointment
}

// PartitionByStatus splits appointments into dashboard buckets. The input
// slice is never mutated; each appointment lands in exactly one bucket.
func PartitionByStatus(appts []Appointment, now time.Time, loc *time.Location, policy BucketPolicy) Buckets {
	var b Buckets

	for i := range appts {
		a := appts[i]

		switch {
		case a.Status == StatusPending:
			if !a.CreatedAt.IsZero() && now.Sub(a.CreatedAt) > policy.TimeoutThreshold {
				b.TimedOut = append(b.TimedOut, a)
				continue
			}
			if starts, err := a.StartsAt(loc); err == nil && starts.Sub(now) <= policy.UrgentThreshold && starts.After(now) {
				b.Urgent = append(b.Urgent, a)
				continue
			}
			b.Pending = append(b.Pending, a)

		case a.Status.IsActive():
			b.Active = append(b.Active, a)

		default:
			b.Finished = append(b.Finished, a)
		}
	}

	return b
}
