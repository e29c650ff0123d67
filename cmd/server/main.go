// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

// Package main is the entry point for the dashsync sidecar.
//
// Dashsync keeps appointment dashboards synchronized with a remote
// scheduling service. It holds one WebSocket session to the upstream
// service, normalizes its push events, reconciles them into a local
// query cache and re-serves the result to dashboard clients over its
// own REST and WebSocket surface. A periodic fallback check forces a
// full resync when pushed confirmations stop arriving.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered loading from defaults, YAML file and
//     environment variables (Koanf v2)
//  2. Credential store: BadgerDB-persisted upstream session
//  3. Query cache + upstream REST client (circuit-breaker wrapped)
//  4. Event pipeline: connection manager -> normalizer -> bus ->
//     reconciler -> dashboard hub
//  5. Mutation coordinator: optimistic writes with rollback
//  6. Fallback poller: forced resync on stalled confirmations
//  7. HTTP server: JWT-protected REST API and WebSocket attach point
//
// All long-running components run under a suture supervisor tree; a
// crash in the sync layer is restarted without taking down the API.
//
// # Configuration
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins):
//   - Environment variables (DASHSYNC_ prefix)
//   - Config file (config.yaml, or DASHSYNC_CONFIG)
//   - Built-in defaults
//
// Minimal run:
//
//	export DASHSYNC_UPSTREAM_WEBSOCKET_URL=wss://api.example.com/ws
//	export DASHSYNC_UPSTREAM_REST_BASE_URL=https://api.example.com
//	export DASHSYNC_AUTH_JWT_SECRET=$(openssl rand -base64 32)
//	./dashsync
//
// # Signal Handling
//
// The server handles graceful shutdown on SIGINT and SIGTERM: the
// supervisor tree is canceled, in-flight HTTP requests get 10s to
// complete, the upstream socket closes and BadgerDB is flushed.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/serenova/dashsync/internal/api"
	"github.com/serenova/dashsync/internal/bus"
	"github.com/serenova/dashsync/internal/config"
	"github.com/serenova/dashsync/internal/connmgr"
	"github.com/serenova/dashsync/internal/credentials"
	"github.com/serenova/dashsync/internal/events"
	"github.com/serenova/dashsync/internal/hub"
	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/mutation"
	"github.com/serenova/dashsync/internal/poller"
	"github.com/serenova/dashsync/internal/querycache"
	"github.com/serenova/dashsync/internal/reconcile"
	"github.com/serenova/dashsync/internal/supervisor"
	"github.com/serenova/dashsync/internal/upstream"
)

func main() {
	// Load configuration first to get logging settings.
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("upstream_ws", cfg.Upstream.WebSocketURL).
		Str("upstream_rest", cfg.Upstream.RESTBaseURL).
		Str("storage_path", cfg.Storage.Path).
		Msg("Starting dashsync")

	// Credential store: the upstream session survives restarts.
	db, err := badger.Open(badger.DefaultOptions(cfg.Storage.Path).WithLogger(nil))
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open credential store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing credential store")
		}
	}()

	creds, err := credentials.New(db)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load persisted session")
	}

	// Query cache with upstream read-through.
	cache := querycache.New(querycache.Config{
		StaleAfter:   cfg.Cache.StaleAfter,
		GCIdle:       cfg.Cache.GCIdle,
		GCInterval:   cfg.Cache.GCInterval,
		FetchTimeout: cfg.Cache.FetchTimeout,
	})
	defer cache.Close()

	client := upstream.New(upstream.Config{
		BaseURL:         cfg.Upstream.RESTBaseURL,
		Timeout:         cfg.Upstream.RequestTimeout,
		BreakerFailures: cfg.Upstream.BreakerFailures,
		BreakerCooldown: cfg.Upstream.BreakerCooldown,
	}, creds)
	cache.SetFetcher(client.Fetcher())

	// Event pipeline: socket -> normalizer -> bus -> reconciler + hub.
	b := bus.New()
	defer func() {
		if err := b.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	dashboards := hub.New(b)

	conn := connmgr.New(connmgr.Config{
		URL:                  cfg.Upstream.WebSocketURL,
		HandshakeTimeout:     cfg.Upstream.HandshakeTimeout,
		HeartbeatInterval:    cfg.Upstream.HeartbeatInterval,
		MissedHeartbeatLimit: cfg.Upstream.MissedHeartbeatLimit,
		BackoffBase:          cfg.Upstream.BackoffBase,
		BackoffMax:           cfg.Upstream.BackoffMax,
		MaxAttempts:          cfg.Upstream.MaxAttempts,
		QueueLimit:           cfg.Upstream.QueueLimit,
	}, creds)
	conn.SetOnMessage(func(raw []byte) {
		ev, err := events.Normalize(raw, time.Now())
		if err != nil {
			if !errors.Is(err, events.ErrIgnored) {
				logging.Debug().Err(err).Msg("[events] Frame dropped")
			}
			return
		}
		if err := b.PublishEvent(ev); err != nil {
			logging.Warn().Err(err).Msg("[events] Publish failed")
		}
	})
	conn.SetOnStateChange(func(state connmgr.State) {
		dashboards.BroadcastConnectionState(state.String())
	})

	// Mutations and reconciliation share the pending registry: the
	// coordinator records optimistic writes, the reconciler confirms
	// them from push events, the poller forces a resync when
	// confirmations stall.
	pending := mutation.NewRegistry()
	coordinator := mutation.NewCoordinator(cache, client, pending)
	reconciler := reconcile.New(cache, b, pending, reconcile.Config{})
	fallback := poller.New(cache, pending, poller.Config{
		Interval:   cfg.Poller.Interval,
		StaleAfter: cfg.Poller.StaleAfter,
	})

	// Session lifecycle drives the upstream connection: login opens the
	// socket, logout tears it down and discards cached state.
	creds.Subscribe(func(loggedIn bool) {
		if loggedIn {
			conn.Connect()
			return
		}
		conn.Disable()
		cache.Clear()
		pending.Clear()
	})
	if _, ok := creds.Token(); ok {
		conn.Connect()
	}

	server := api.New(cfg.Server, cfg.Auth, api.Deps{
		Cache:    cache,
		Lister:   client,
		Mutator:  coordinator,
		Sessions: creds,
		Hub:      dashboards,
		Conn:     conn,
		Pending:  pending,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to create supervisor tree")
	}
	tree.AddUpstreamService(conn)
	tree.AddSyncService(reconciler)
	tree.AddSyncService(fallback)
	tree.AddSyncService(dashboards)
	tree.AddAPIService(server)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}

	// Drain the error channel until the supervisor finishes.
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	if len(unstopped) > 0 {
		logging.Warn().Int("count", len(unstopped)).Msg("Services failed to stop within timeout")
		for _, svc := range unstopped {
			logging.Warn().Str("service", svc.Name).Msg("Service failed to stop")
		}
	}

	logging.Info().Msg("Application stopped gracefully")
}
