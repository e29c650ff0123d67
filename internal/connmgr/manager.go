// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

/*
manager.go - Upstream WebSocket Connection Manager

Owns the single WebSocket session to the appointment service: connect,
authenticate (bearer token as a query parameter), heartbeat with an
explicit missed-heartbeat threshold, reconnect with capped exponential
backoff, and teardown on logout. Raw inbound frames are handed to a
callback; the manager knows nothing about event semantics.

The manager is an explicitly constructed, owned service with a Serve
lifecycle, injected once at the application root and supervised by the
suture tree. It is never module-level state.
*/
package connmgr

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/metrics"
)

// CredentialSource supplies the bearer token for the upstream session.
// Token returns false when no credential is available (logged out).
type CredentialSource interface {
	Token() (string, bool)
}

// Config holds connection tuning parameters.
type Config struct {
	// URL is the upstream WebSocket endpoint.
	URL string

	// HandshakeTimeout bounds the dial. Default 10s.
	HandshakeTimeout time.Duration

	// HeartbeatInterval is how often the client sends {"type":"heartbeat"}.
	// Default 30s.
	HeartbeatInterval time.Duration

	// MissedHeartbeatLimit is the number of consecutive heartbeat windows
	// with no traffic from the server before the connection is declared
	// dead and force-closed. Some network conditions produce a half-open
	// socket that never fires a close event; this is the defense.
	// Default 2.
	MissedHeartbeatLimit int

	// BackoffBase is the initial reconnect delay, doubling per attempt.
	// Default 1s.
	BackoffBase time.Duration

	// BackoffMax caps the reconnect delay. Default 32s.
	BackoffMax time.Duration

	// MaxAttempts is the number of consecutive failed connection attempts
	// before the manager enters the error state and stops reconnecting
	// until an explicit Connect call. Default 10.
	MaxAttempts int

	// QueueLimit bounds the outbound queue held while disconnected; the
	// oldest message is dropped when the limit is exceeded. Default 256.
	QueueLimit int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedHeartbeatLimit <= 0 {
		c.MissedHeartbeatLimit = 2
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 32 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = 256
	}
}

// heartbeatMsg is the client-sent keep-alive frame.
type heartbeatMsg struct {
	Type string `json:"type"`
}

// Manager owns the upstream connection lifecycle.
type Manager struct {
	cfg   Config
	creds CredentialSource

	// Callbacks (protected by cbMu)
	cbMu      sync.RWMutex
	onMessage func([]byte)
	onState   func(State)

	mu          sync.Mutex
	state       State
	conn        *websocket.Conn
	queue       [][]byte
	attempts    int
	lastTraffic time.Time

	// wmu serializes writes; gorilla/websocket permits one writer at a time.
	wmu sync.Mutex

	// kickCh wakes the serve loop on explicit Connect calls and
	// credential changes.
	kickCh chan struct{}
}

// New creates a connection manager. The manager does nothing until its
// Serve loop runs under the supervisor.
func New(cfg Config, creds CredentialSource) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:    cfg,
		creds:  creds,
		state:  StateDisconnected,
		kickCh: make(chan struct{}, 1),
	}
}

// SetOnMessage registers the raw inbound frame callback.
func (m *Manager) SetOnMessage(fn func([]byte)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onMessage = fn
}

// SetOnStateChange registers a state transition callback.
func (m *Manager) SetOnStateChange(fn func(State)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.onState = fn
}

// CurrentState returns the connection state.
func (m *Manager) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect requests a connection. Idempotent: a no-op while connecting or
// connected. Clears the error and disabled states, so it is also the
// explicit recovery path after backoff gave up or after a re-login.
func (m *Manager) Connect() {
	m.mu.Lock()
	switch m.state {
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return
	case StateError, StateDisabled:
		m.setStateLocked(StateDisconnected)
	}
	m.attempts = 0
	m.mu.Unlock()
	m.kick()
}

// Kick nudges the serve loop to retry now if disconnected and a
// credential is available (the tab-refocus trigger). Unlike Connect it
// does not clear the error or disabled states.
func (m *Manager) Kick() {
	if m.CurrentState() == StateDisconnected {
		m.kick()
	}
}

// Disable tears the connection down and clears the outbound queue
// (logout). The manager stays down until an explicit Connect.
func (m *Manager) Disable() {
	m.mu.Lock()
	m.queue = nil
	metrics.OutboundQueueDepth.Set(0)
	m.setStateLocked(StateDisabled)
	conn := m.conn
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	logging.Info().Msg("[connmgr] Disabled, connection torn down")
}

// Send delivers a JSON message to the server. While disconnected the
// message is queued and flushed in order once the connection opens.
func (m *Manager) Send(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}

	m.mu.Lock()
	if m.state != StateConnected || m.conn == nil {
		if m.state == StateDisabled {
			m.mu.Unlock()
			return fmt.Errorf("connection disabled")
		}
		if len(m.queue) >= m.cfg.QueueLimit {
			m.queue = m.queue[1:]
		}
		m.queue = append(m.queue, payload)
		metrics.OutboundQueueDepth.Set(float64(len(m.queue)))
		m.mu.Unlock()
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	return m.write(conn, payload)
}

// Serve runs the connection loop until ctx is canceled. Implements
// suture.Service.
func (m *Manager) Serve(ctx context.Context) error {
	delay := m.cfg.BackoffBase

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		switch m.CurrentState() {
		case StateDisabled, StateError:
			// Parked until an explicit Connect call.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.kickCh:
			}
			continue
		default:
		}

		token, ok := m.creds.Token()
		if !ok {
			m.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.kickCh:
			case <-time.After(5 * time.Second):
			}
			continue
		}

		conn, err := m.dial(ctx, token)
		if err != nil {
			metrics.ConnectionAttempts.WithLabelValues("failure").Inc()

			m.mu.Lock()
			m.attempts++
			attempts := m.attempts
			m.mu.Unlock()

			if attempts >= m.cfg.MaxAttempts {
				logging.Error().Err(err).Int("attempts", attempts).
					Msg("[connmgr] Giving up until explicit reconnect")
				m.setState(StateError)
				continue
			}

			logging.Warn().Err(err).Dur("retry_in", delay).Msg("[connmgr] Dial failed")
			m.setState(StateDisconnected)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.kickCh:
			case <-time.After(delay):
			}
			delay *= 2
			if delay > m.cfg.BackoffMax {
				delay = m.cfg.BackoffMax
			}
			continue
		}

		// Open: reset the backoff counter.
		metrics.ConnectionAttempts.WithLabelValues("success").Inc()
		delay = m.cfg.BackoffBase
		m.mu.Lock()
		m.attempts = 0
		m.mu.Unlock()

		m.runConnection(ctx, conn)
	}
}

// dial opens the WebSocket with the token carried as a query parameter.
func (m *Manager) dial(ctx context.Context, token string) (*websocket.Conn, error) {
	m.setState(StateConnecting)

	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout:  m.cfg.HandshakeTimeout,
		EnableCompression: true,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	logging.Info().Str("url", m.cfg.URL).Msg("[connmgr] Connected")
	return conn, nil
}

// runConnection installs conn, flushes the outbound queue, runs the
// heartbeat goroutine and blocks reading until the connection dies.
func (m *Manager) runConnection(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	m.lastTraffic = time.Now()
	pending := m.queue
	m.queue = nil
	metrics.OutboundQueueDepth.Set(0)
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	// Flush queued messages in order.
	for _, payload := range pending {
		if err := m.write(conn, payload); err != nil {
			logging.Warn().Err(err).Msg("[connmgr] Queue flush failed")
			m.teardown(conn)
			return
		}
	}

	hbStop := make(chan struct{})
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		m.heartbeatLoop(conn, hbStop)
	}()

	readWindow := m.cfg.HeartbeatInterval * time.Duration(m.cfg.MissedHeartbeatLimit+1)

	for {
		if ctx.Err() != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWindow))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Info().Msg("[connmgr] Connection closed normally")
			} else if ctx.Err() == nil && m.CurrentState() == StateConnected {
				logging.Warn().Err(err).Msg("[connmgr] Read error")
			}
			break
		}

		m.mu.Lock()
		m.lastTraffic = time.Now()
		m.mu.Unlock()

		metrics.EventsReceived.Inc()
		m.dispatch(data)
	}

	close(hbStop)
	hbDone.Wait()
	m.teardown(conn)
}

// heartbeatLoop sends periodic heartbeats and force-closes the connection
// when the server has been silent for more than MissedHeartbeatLimit
// heartbeat windows.
func (m *Manager) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			silent := time.Since(m.lastTraffic)
			m.mu.Unlock()

			if silent > m.cfg.HeartbeatInterval*time.Duration(m.cfg.MissedHeartbeatLimit) {
				metrics.HeartbeatsMissed.Inc()
				logging.Warn().Dur("silent", silent).
					Msg("[connmgr] No traffic within missed-heartbeat threshold, closing")
				_ = conn.Close()
				return
			}

			payload, _ := json.Marshal(heartbeatMsg{Type: "heartbeat"})
			if err := m.write(conn, payload); err != nil {
				logging.Warn().Err(err).Msg("[connmgr] Heartbeat send failed")
				_ = conn.Close()
				return
			}
		}
	}
}

// teardown clears the installed connection and transitions to
// disconnected unless the manager was disabled or errored meanwhile.
func (m *Manager) teardown(conn *websocket.Conn) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = conn.Close()

	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	if m.state == StateConnected || m.state == StateConnecting {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()
}

func (m *Manager) write(conn *websocket.Conn, payload []byte) error {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (m *Manager) dispatch(data []byte) {
	m.cbMu.RLock()
	fn := m.onMessage
	m.cbMu.RUnlock()
	if fn != nil {
		fn(data)
	}
}

func (m *Manager) kick() {
	select {
	case m.kickCh <- struct{}{}:
	default:
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

// setStateLocked transitions the state and notifies. Caller holds m.mu;
// the callback is invoked on a fresh goroutine to keep lock ordering
// simple for callers that read manager state from the callback.
func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	old := m.state
	m.state = s
	metrics.ConnectionState.Set(float64(s))
	logging.Debug().Str("from", old.String()).Str("to", s.String()).Msg("[connmgr] State change")

	m.cbMu.RLock()
	fn := m.onState
	m.cbMu.RUnlock()
	if fn != nil {
		go fn(s)
	}
}
