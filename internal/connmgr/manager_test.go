// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package connmgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

type staticCreds struct {
	mu    sync.Mutex
	token string
	ok    bool
}

func (c *staticCreds) Token() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, c.ok
}

// wsServer is a minimal upstream endpoint capturing connections and
// inbound frames.
type wsServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	inbound []string
	tokens  []string

	dials    atomic.Int32
	silent   atomic.Bool // do not respond to anything
	rejectWS atomic.Bool
}

func newWSServer(t *testing.T) (*wsServer, *httptest.Server) {
	t.Helper()
	s := &wsServer{t: t}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	s.dials.Add(1)
	if s.rejectWS.Load() {
		http.Error(w, "nope", http.StatusForbidden)
		return
	}

	s.mu.Lock()
	s.tokens = append(s.tokens, r.URL.Query().Get("token"))
	s.mu.Unlock()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.inbound = append(s.inbound, string(data))
		s.mu.Unlock()

		if !s.silent.Load() && strings.Contains(string(data), "heartbeat") {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"heartbeat_response"}`))
		}
	}
}

func (s *wsServer) send(payload string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) == 0 {
		s.t.Fatal("no connection to send on")
	}
	conn := s.conns[len(s.conns)-1]
	if err := conn.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
		s.t.Logf("server send: %v", err)
	}
}

func (s *wsServer) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.inbound))
	copy(out, s.inbound)
	return out
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func startManager(t *testing.T, m *Manager) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Log("serve loop did not exit")
		}
	})
	return cancel
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.CurrentState() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.CurrentState(), want)
}

func TestConnectCarriesTokenAndDispatchesMessages(t *testing.T) {
	server, srv := newWSServer(t)

	m := New(Config{URL: wsURL(srv)}, &staticCreds{token: "tok-1", ok: true})

	var mu sync.Mutex
	var frames []string
	m.SetOnMessage(func(data []byte) {
		mu.Lock()
		frames = append(frames, string(data))
		mu.Unlock()
	})

	startManager(t, m)
	waitState(t, m, StateConnected)

	server.mu.Lock()
	token := server.tokens[0]
	server.mu.Unlock()
	if token != "tok-1" {
		t.Errorf("token query param = %q, want tok-1", token)
	}

	server.send(`{"type":"appointment_updated","appointment":{"id":1}}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(frames)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) == 0 || !strings.Contains(frames[0], `"id":1`) {
		t.Errorf("dispatched frames = %v", frames)
	}
}

func TestOutboundQueueFlushedInOrder(t *testing.T) {
	server, srv := newWSServer(t)

	creds := &staticCreds{ok: false}
	m := New(Config{URL: wsURL(srv), HeartbeatInterval: time.Hour}, creds)
	startManager(t, m)

	// Queue while no credential is available (disconnected).
	for _, msg := range []string{"first", "second", "third"} {
		if err := m.Send(map[string]string{"type": "mark", "seq": msg}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	creds.mu.Lock()
	creds.token, creds.ok = "tok", true
	creds.mu.Unlock()
	m.Kick()

	waitState(t, m, StateConnected)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(server.received()) >= 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := server.received()
	if len(got) < 3 {
		t.Fatalf("server received %d messages, want 3", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if !strings.Contains(got[i], want) {
			t.Errorf("flush order broken: got[%d] = %q, want %q", i, got[i], want)
		}
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	_, srv := newWSServer(t)
	m := New(Config{URL: wsURL(srv)}, &staticCreds{token: "tok", ok: true})
	startManager(t, m)
	waitState(t, m, StateConnected)

	// Connect while connected must not disturb the session.
	m.Connect()
	m.Connect()

	time.Sleep(50 * time.Millisecond)
	if got := m.CurrentState(); got != StateConnected {
		t.Errorf("state after redundant Connect = %v", got)
	}
}

func TestDisableClearsQueueAndBlocksSends(t *testing.T) {
	_, srv := newWSServer(t)
	m := New(Config{URL: wsURL(srv)}, &staticCreds{token: "tok", ok: true})
	startManager(t, m)
	waitState(t, m, StateConnected)

	m.Disable()
	waitState(t, m, StateDisabled)

	if err := m.Send(map[string]string{"type": "mark"}); err == nil {
		t.Error("Send succeeded while disabled")
	}

	// Explicit Connect re-enables.
	m.Connect()
	waitState(t, m, StateConnected)
}

func TestBackoffGivesUpAfterMaxAttempts(t *testing.T) {
	server, srv := newWSServer(t)
	server.rejectWS.Store(true)

	m := New(Config{
		URL:         wsURL(srv),
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		MaxAttempts: 3,
	}, &staticCreds{token: "tok", ok: true})
	startManager(t, m)

	waitState(t, m, StateError)

	dials := server.dials.Load()
	if dials != 3 {
		t.Errorf("dial attempts = %d, want 3", dials)
	}

	// Parked: no further attempts without an explicit Connect.
	time.Sleep(50 * time.Millisecond)
	if got := server.dials.Load(); got != dials {
		t.Errorf("reconnect attempted while in error state: %d dials", got)
	}

	server.rejectWS.Store(false)
	m.Connect()
	waitState(t, m, StateConnected)
}

func TestHeartbeatSentPeriodically(t *testing.T) {
	server, srv := newWSServer(t)

	m := New(Config{URL: wsURL(srv), HeartbeatInterval: 20 * time.Millisecond}, &staticCreds{token: "tok", ok: true})
	startManager(t, m)
	waitState(t, m, StateConnected)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, msg := range server.received() {
			var hb heartbeatMsg
			if err := json.Unmarshal([]byte(msg), &hb); err == nil && hb.Type == "heartbeat" {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("no heartbeat received by server")
}

func TestSilentServerTriggersReconnect(t *testing.T) {
	server, srv := newWSServer(t)
	server.silent.Store(true)

	m := New(Config{
		URL:                  wsURL(srv),
		HeartbeatInterval:    10 * time.Millisecond,
		MissedHeartbeatLimit: 2,
		BackoffBase:          time.Millisecond,
	}, &staticCreds{token: "tok", ok: true})
	startManager(t, m)
	waitState(t, m, StateConnected)

	// A half-open (silent) server must be detected via the missed
	// heartbeat threshold and redialed.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if server.dials.Load() >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no reconnect after silent server; dials = %d", server.dials.Load())
}
