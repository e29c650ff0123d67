// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

/*
client.go - Appointment Service REST Client

HTTP client for the upstream appointment service: list queries backing
cache refetches and the mutation endpoints (create, status transition,
delete). All calls flow through one circuit breaker so a struggling
upstream fails fast instead of stacking timed-out requests.

Authentication reuses the same bearer token as the WebSocket session; a
401 or 403 maps to ErrSessionExpired so callers can distinguish "log in
again" from transient failure.
*/
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/sony/gobreaker/v2"

	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/models"
	"github.com/serenova/dashsync/internal/querycache"
)

// ErrSessionExpired is returned when the upstream rejects the bearer
// token. The session must be re-established before retrying.
var ErrSessionExpired = errors.New("upstream session expired")

// TokenSource supplies the bearer token for upstream requests.
type TokenSource interface {
	Token() (string, bool)
}

// Config holds client tuning parameters.
type Config struct {
	// BaseURL is the appointment service root, e.g. "https://api.example.com".
	BaseURL string

	// Timeout bounds a single request. Default 10s.
	Timeout time.Duration

	// BreakerFailures is the consecutive-failure count that opens the
	// circuit. Default 5.
	BreakerFailures uint32

	// BreakerCooldown is how long the circuit stays open before a probe
	// request is allowed through. Default 30s.
	BreakerCooldown time.Duration
}

// Client talks to the appointment service.
type Client struct {
	base    string
	httpc   *http.Client
	creds   TokenSource
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// New creates an upstream client.
func New(cfg Config, creds TokenSource) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "upstream-rest",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		// An expired session is an auth problem, not upstream ill health;
		// it must not open the circuit.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrSessionExpired)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("[upstream] Circuit breaker state change")
		},
	})

	return &Client{
		base:    cfg.BaseURL,
		httpc:   &http.Client{Timeout: cfg.Timeout},
		creds:   creds,
		breaker: breaker,
	}
}

// ListAppointments fetches the appointment list addressed by a cache key.
func (c *Client) ListAppointments(ctx context.Context, key querycache.Key) ([]models.Appointment, error) {
	path, err := listPath(key)
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var list []models.Appointment
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode appointment list: %w", err)
	}
	return list, nil
}

// Fetcher adapts the client to the query cache's refetch hook.
func (c *Client) Fetcher() querycache.Fetcher {
	return func(ctx context.Context, key querycache.Key) (any, error) {
		list, err := c.ListAppointments(ctx, key)
		if err != nil {
			return nil, err
		}
		return list, nil
	}
}

// CreateAppointment books a new appointment. The server assigns the id;
// the client reference survives the round trip for optimistic matching.
func (c *Client) CreateAppointment(ctx context.Context, a models.Appointment) (models.Appointment, error) {
	payload, err := json.Marshal(a)
	if err != nil {
		return models.Appointment{}, fmt.Errorf("encode appointment: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/appointments", payload)
	if err != nil {
		return models.Appointment{}, err
	}
	return decodeAppointment(body)
}

// UpdateAppointmentStatus applies a lifecycle action (accept, reject,
// check_in, check_out) and returns the server's updated record.
func (c *Client) UpdateAppointmentStatus(ctx context.Context, id int64, action string) (models.Appointment, error) {
	payload, err := json.Marshal(map[string]string{"action": action})
	if err != nil {
		return models.Appointment{}, fmt.Errorf("encode action: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, "/appointments/"+strconv.FormatInt(id, 10)+"/status", payload)
	if err != nil {
		return models.Appointment{}, err
	}
	return decodeAppointment(body)
}

// DeleteAppointment cancels and removes an appointment.
func (c *Client) DeleteAppointment(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodDelete, "/appointments/"+strconv.FormatInt(id, 10), nil)
	return err
}

// listPath maps a cache key to its query endpoint.
func listPath(key querycache.Key) (string, error) {
	if len(key) < 2 || key[0] != "appointments" {
		return "", fmt.Errorf("unfetchable cache key %s", key)
	}
	switch key[1] {
	case "all":
		return "/appointments", nil
	case "date":
		if len(key) != 3 {
			return "", fmt.Errorf("unfetchable cache key %s", key)
		}
		return "/appointments?date=" + url.QueryEscape(key[2]), nil
	case models.RoleTherapist:
		if len(key) != 3 {
			return "", fmt.Errorf("unfetchable cache key %s", key)
		}
		return "/appointments?therapist_id=" + url.QueryEscape(key[2]), nil
	case models.RoleDriver:
		if len(key) != 3 {
			return "", fmt.Errorf("unfetchable cache key %s", key)
		}
		return "/appointments?driver_id=" + url.QueryEscape(key[2]), nil
	default:
		return "", fmt.Errorf("unfetchable cache key %s", key)
	}
}

func decodeAppointment(body []byte) (models.Appointment, error) {
	var a models.Appointment
	if err := json.Unmarshal(body, &a); err != nil {
		return models.Appointment{}, fmt.Errorf("decode appointment: %w", err)
	}
	return a, nil
}

// do executes one authenticated request through the circuit breaker and
// returns the response body.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	token, ok := c.creds.Token()
	if !ok {
		return nil, ErrSessionExpired
	}

	body, err := c.breaker.Execute(func() ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, ErrSessionExpired
		case resp.StatusCode >= 300:
			return nil, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("upstream unavailable: %w", err)
		}
		return nil, err
	}
	return body, nil
}
