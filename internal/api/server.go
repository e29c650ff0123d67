// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

// Package api serves the dashboard-facing surface: a JWT-protected REST
// read API over the query cache, the mutation endpoints, the dashboard
// WebSocket attach point and the operational endpoints (health,
// Prometheus metrics).
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/serenova/dashsync/internal/config"
	"github.com/serenova/dashsync/internal/connmgr"
	"github.com/serenova/dashsync/internal/hub"
	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/models"
	"github.com/serenova/dashsync/internal/mutation"
	"github.com/serenova/dashsync/internal/querycache"
)

// SessionStore is the slice of the credential store the API needs.
type SessionStore interface {
	Login(token string, user models.CurrentUser) error
	Logout() error
	User() (models.CurrentUser, bool)
}

// Mutator executes optimistic mutations. Implemented by the mutation
// coordinator.
type Mutator interface {
	Create(ctx context.Context, a models.Appointment) (models.Appointment, error)
	UpdateStatus(ctx context.Context, id int64, action string, actor models.CurrentUser) (models.Appointment, error)
	Delete(ctx context.Context, id int64) error
}

// Lister fetches appointment lists from the upstream service for cache
// misses. Implemented by the upstream client.
type Lister interface {
	ListAppointments(ctx context.Context, key querycache.Key) ([]models.Appointment, error)
}

// ConnectionReporter exposes the upstream connection state.
type ConnectionReporter interface {
	CurrentState() connmgr.State
}

// Deps collects the server's collaborators.
type Deps struct {
	Cache    *querycache.Store
	Lister   Lister
	Mutator  Mutator
	Sessions SessionStore
	Hub      *hub.Hub
	Conn     ConnectionReporter
	Pending  *mutation.Registry
}

// Server is the dashboard-facing HTTP server.
type Server struct {
	server   config.ServerConfig
	auth     config.AuthConfig
	deps     Deps
	upgrader websocket.Upgrader
}

// New creates the API server.
func New(server config.ServerConfig, auth config.AuthConfig, deps Deps) *Server {
	return &Server{
		server: server,
		auth:   auth,
		deps:   deps,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser origin enforcement happens in the CORS layer; the
			// WebSocket endpoint is token-gated instead.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.server.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/api/v1/health", s.handleHealth)

	r.Route("/api/v1/auth", func(r chi.Router) {
		// Brute-force protection: login is the strictest endpoint.
		r.With(httprate.LimitByIP(10, time.Minute)).Post("/login", s.handleLogin)
		r.With(s.authenticate).Post("/logout", s.handleLogout)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.server.RateLimitReqs, s.server.RateLimitWindow))
		r.Use(s.authenticate)

		r.Get("/status", s.handleStatus)
		r.Get("/ws", s.handleWebSocket)

		r.Route("/appointments", func(r chi.Router) {
			r.With(s.requireRole(models.RoleOperator)).Get("/", s.handleListAll)
			r.With(s.requireRole(models.RoleOperator)).Post("/", s.handleCreate)
			r.Get("/mine", s.handleListMine)
			r.Get("/buckets", s.handleBuckets)
			r.Post("/{id}/status", s.handleUpdateStatus)
			r.With(s.requireRole(models.RoleOperator)).Delete("/{id}", s.handleDelete)
		})
	})

	return r
}

// Serve runs the HTTP server until ctx is canceled. Implements
// suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.server.Host, s.server.Port),
		Handler:      s.Routes(),
		ReadTimeout:  s.server.ReadTimeout,
		WriteTimeout: s.server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", srv.Addr).Msg("[api] HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("[api] Shutdown incomplete")
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}
