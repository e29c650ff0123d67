// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestTreeConstruction(t *testing.T) {
	tree, err := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   time.Second,
		ShutdownTimeout:  10 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create tree: %v", err)
	}
	if tree.Root() == nil {
		t.Error("root supervisor should not be nil")
	}
}

func TestTreeAppliesDefaultsForZeroConfig(t *testing.T) {
	tree, err := NewTree(testLogger(), TreeConfig{})
	if err != nil {
		t.Fatalf("failed to create tree: %v", err)
	}

	if tree.config.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %f, want 5.0", tree.config.FailureThreshold)
	}
	if tree.config.FailureDecay != 30.0 {
		t.Errorf("FailureDecay = %f, want 30.0", tree.config.FailureDecay)
	}
	if tree.config.FailureBackoff != 15*time.Second {
		t.Errorf("FailureBackoff = %v, want 15s", tree.config.FailureBackoff)
	}
	if tree.config.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 10s", tree.config.ShutdownTimeout)
	}
}

func TestTreeStartsAndStopsGracefully(t *testing.T) {
	tree, err := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 5,
		FailureBackoff:   100 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("failed to create tree: %v", err)
	}

	tree.AddUpstreamService(NewMockService("mock-upstream"))
	tree.AddSyncService(NewMockService("mock-sync"))
	tree.AddAPIService(NewMockService("mock-api"))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- tree.Serve(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("tree did not shut down in time")
	}
}

func TestTreeStartsServicesInEveryLayer(t *testing.T) {
	tree, _ := NewTree(testLogger(), TreeConfig{ShutdownTimeout: time.Second})

	upstreamSvc := NewMockService("upstream-service")
	syncSvc := NewMockService("sync-service")
	apiSvc := NewMockService("api-service")
	tree.AddUpstreamService(upstreamSvc)
	tree.AddSyncService(syncSvc)
	tree.AddAPIService(apiSvc)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	go tree.Serve(ctx)
	time.Sleep(100 * time.Millisecond)

	if upstreamSvc.StartCount() < 1 {
		t.Error("upstream service was not started")
	}
	if syncSvc.StartCount() < 1 {
		t.Error("sync service was not started")
	}
	if apiSvc.StartCount() < 1 {
		t.Error("api service was not started")
	}
}

func TestFailingServiceIsRestartedWithoutDisturbingOthers(t *testing.T) {
	tree, _ := NewTree(testLogger(), TreeConfig{
		FailureThreshold: 10,
		FailureBackoff:   10 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})

	failingSvc := NewMockService("failing")
	failingSvc.SetFailCount(2)
	stableSvc := NewMockService("stable")

	tree.AddSyncService(failingSvc)
	tree.AddAPIService(stableSvc)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	go tree.Serve(ctx)
	time.Sleep(200 * time.Millisecond)

	if failingSvc.StartCount() < 3 {
		t.Errorf("failing service starts = %d, want at least 3", failingSvc.StartCount())
	}
	if stableSvc.StartCount() < 1 {
		t.Error("stable service was not started")
	}
}

func TestServeBackgroundReturnsChannel(t *testing.T) {
	tree, _ := NewTree(testLogger(), TreeConfig{ShutdownTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	errCh := tree.ServeBackground(ctx)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("did not receive from error channel")
	}
}

func TestDefaultTreeConfig(t *testing.T) {
	config := DefaultTreeConfig()

	if config.FailureThreshold != 5.0 {
		t.Errorf("FailureThreshold = %f", config.FailureThreshold)
	}
	if config.FailureDecay != 30.0 {
		t.Errorf("FailureDecay = %f", config.FailureDecay)
	}
	if config.FailureBackoff != 15*time.Second {
		t.Errorf("FailureBackoff = %v", config.FailureBackoff)
	}
	if config.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v", config.ShutdownTimeout)
	}
}
