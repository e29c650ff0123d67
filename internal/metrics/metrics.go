// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

// Package metrics defines the Prometheus instrumentation for the sync
// pipeline: upstream connection health, event normalization, cache
// reconciliation, mutations and the fallback poller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Upstream connection metrics

	ConnectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_connection_state",
			Help: "Upstream WebSocket state (0=disconnected 1=connecting 2=connected 3=error 4=disabled)",
		},
	)

	ConnectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstream_connection_attempts_total",
			Help: "Total upstream connection attempts",
		},
		[]string{"result"}, // "success", "failure"
	)

	HeartbeatsMissed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "upstream_heartbeats_missed_total",
			Help: "Heartbeat windows that elapsed without any traffic from the server",
		},
	)

	OutboundQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "upstream_outbound_queue_depth",
			Help: "Messages queued while the upstream connection is down",
		},
	)

	// Event pipeline metrics

	EventsReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_received_total",
			Help: "Raw frames received from the upstream WebSocket",
		},
	)

	EventsNormalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_normalized_total",
			Help: "Events normalized into the canonical shape",
		},
		[]string{"op"}, // "create", "update", "delete", "generic"
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Inbound messages dropped at the transport boundary",
		},
		[]string{"reason"}, // "malformed", "unknown_type", "no_entity"
	)

	// Query cache metrics

	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querycache_hits_total",
			Help: "Query cache lookups that found a live entry",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querycache_misses_total",
			Help: "Query cache lookups that missed",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "querycache_entries",
			Help: "Current number of query cache entries",
		},
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querycache_invalidations_total",
			Help: "Entries marked stale, by refetch mode",
		},
		[]string{"mode"}, // "none", "lazy", "active"
	)

	// Reconciliation metrics

	ReconcileOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_operations_total",
			Help: "Cache reconciliation operations applied, by op",
		},
		[]string{"op"},
	)

	ReconcileKeysTouched = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reconcile_keys_touched",
			Help:    "Cache keys touched per reconciled event",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	BroadInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_broad_invalidations_total",
			Help: "Best-effort broad invalidations of derived read-only keys",
		},
		[]string{"result"}, // "ok", "skipped", "failed"
	)

	// Mutation metrics

	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mutations_total",
			Help: "Locally initiated mutations, by operation and result",
		},
		[]string{"operation", "result"}, // result: "committed", "rolled_back", "session_expired"
	)

	PendingMutations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mutations_pending",
			Help: "Optimistically applied mutations awaiting a confirming event",
		},
	)

	// Fallback poller metrics

	ForcedResyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "poller_forced_resyncs_total",
			Help: "Full cache invalidations forced by the fallback poller",
		},
	)

	// Downstream fan-out metrics

	HubClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hub_connected_clients",
			Help: "Dashboard clients currently connected to the hub",
		},
	)

	HubBroadcasts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hub_broadcasts_total",
			Help: "Events fanned out to dashboard clients",
		},
	)
)
