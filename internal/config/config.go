// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

// Package config defines the service configuration and its layered
// loading: built-in defaults, an optional YAML file, then environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the root configuration.
type Config struct {
	Upstream UpstreamConfig `koanf:"upstream"`
	Auth     AuthConfig     `koanf:"auth"`
	Cache    CacheConfig    `koanf:"cache"`
	Poller   PollerConfig   `koanf:"poller"`
	Server   ServerConfig   `koanf:"server"`
	Storage  StorageConfig  `koanf:"storage"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// UpstreamConfig addresses the remote appointment service.
type UpstreamConfig struct {
	// WebSocketURL is the push-event endpoint, e.g. "wss://api.example.com/ws".
	WebSocketURL string `koanf:"websocket_url" validate:"required"`

	// RESTBaseURL is the REST root for queries and mutations.
	RESTBaseURL string `koanf:"rest_base_url" validate:"required"`

	HandshakeTimeout     time.Duration `koanf:"handshake_timeout" validate:"gt=0"`
	HeartbeatInterval    time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	MissedHeartbeatLimit int           `koanf:"missed_heartbeat_limit" validate:"gte=1"`
	BackoffBase          time.Duration `koanf:"backoff_base" validate:"gt=0"`
	BackoffMax           time.Duration `koanf:"backoff_max" validate:"gt=0"`
	MaxAttempts          int           `koanf:"max_attempts" validate:"gte=1"`
	QueueLimit           int           `koanf:"queue_limit" validate:"gte=1"`

	RequestTimeout  time.Duration `koanf:"request_timeout" validate:"gt=0"`
	BreakerFailures uint32        `koanf:"breaker_failures" validate:"gte=1"`
	BreakerCooldown time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
}

// AuthConfig covers the dashboard-facing JWT auth.
type AuthConfig struct {
	// JWTSecret signs dashboard tokens (HMAC). Required, minimum 32 bytes.
	JWTSecret string        `koanf:"jwt_secret" validate:"required,min=32"`
	TokenTTL  time.Duration `koanf:"token_ttl" validate:"gt=0"`
}

// CacheConfig tunes the query cache.
type CacheConfig struct {
	StaleAfter   time.Duration `koanf:"stale_after" validate:"gt=0"`
	GCIdle       time.Duration `koanf:"gc_idle" validate:"gt=0"`
	GCInterval   time.Duration `koanf:"gc_interval" validate:"gt=0"`
	FetchTimeout time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
}

// PollerConfig tunes the fallback poller.
type PollerConfig struct {
	Interval   time.Duration `koanf:"interval" validate:"gt=0"`
	StaleAfter time.Duration `koanf:"stale_after" validate:"gt=0"`
}

// ServerConfig covers the dashboard-facing HTTP server.
type ServerConfig struct {
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=1"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
}

// StorageConfig locates the local credential store.
type StorageConfig struct {
	Path string `koanf:"path" validate:"required"`
}

// LoggingConfig tunes the zerolog output.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal panic"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// defaultConfig returns the built-in defaults, overridden by the file
// and environment layers.
func defaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			WebSocketURL:         "",
			RESTBaseURL:          "",
			HandshakeTimeout:     10 * time.Second,
			HeartbeatInterval:    30 * time.Second,
			MissedHeartbeatLimit: 2,
			BackoffBase:          time.Second,
			BackoffMax:           32 * time.Second,
			MaxAttempts:          10,
			QueueLimit:           256,
			RequestTimeout:       10 * time.Second,
			BreakerFailures:      5,
			BreakerCooldown:      30 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: "",
			TokenTTL:  24 * time.Hour,
		},
		Cache: CacheConfig{
			StaleAfter:   60 * time.Second,
			GCIdle:       5 * time.Minute,
			GCInterval:   time.Minute,
			FetchTimeout: 10 * time.Second,
		},
		Poller: PollerConfig{
			Interval:   15 * time.Second,
			StaleAfter: 30 * time.Second,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			CORSOrigins:     []string{"*"},
			RateLimitReqs:   100,
			RateLimitWindow: time.Minute,
		},
		Storage: StorageConfig{
			Path: "/data/dashsync",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Validate checks the configuration for structural problems.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Upstream.BackoffMax < c.Upstream.BackoffBase {
		return fmt.Errorf("invalid configuration: upstream.backoff_max below upstream.backoff_base")
	}
	return nil
}
