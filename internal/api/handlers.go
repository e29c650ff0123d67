// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/models"
	"github.com/serenova/dashsync/internal/mutation"
	"github.com/serenova/dashsync/internal/querycache"
	"github.com/serenova/dashsync/internal/upstream"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Warn().Err(err).Msg("[api] Response encoding failed")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// mutationError maps coordinator failures to HTTP statuses.
func mutationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, upstream.ErrSessionExpired):
		respondError(w, http.StatusUnauthorized, "upstream session expired")
	case errors.Is(err, mutation.ErrUnknownAction):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		// The coordinator's error names the failed operation (and, for
		// lifecycle changes, the action); the dashboard shows it as is.
		respondError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loginRequest forwards the upstream session token alongside the staff
// identity the dashboard token is issued for.
type loginRequest struct {
	UpstreamToken string             `json:"upstream_token"`
	User          models.CurrentUser `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UpstreamToken == "" || req.User.ID == 0 || req.User.Role == "" {
		respondError(w, http.StatusBadRequest, "upstream_token, user.id and user.role are required")
		return
	}
	switch req.User.Role {
	case models.RoleOperator, models.RoleTherapist, models.RoleDriver:
	default:
		respondError(w, http.StatusBadRequest, "unknown role")
		return
	}

	if err := s.deps.Sessions.Login(req.UpstreamToken, req.User); err != nil {
		logging.Error().Err(err).Msg("[api] Session persist failed")
		respondError(w, http.StatusInternalServerError, "session store failure")
		return
	}

	token, err := s.issueToken(req.User)
	if err != nil {
		logging.Error().Err(err).Msg("[api] Token issue failed")
		respondError(w, http.StatusInternalServerError, "token issue failure")
		return
	}

	logging.Info().Int64("user_id", req.User.ID).Str("role", req.User.Role).Msg("[api] Login")
	respondJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(s.auth.TokenTTL.Seconds()),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.Logout(); err != nil {
		logging.Error().Err(err).Msg("[api] Logout failed")
		respondError(w, http.StatusInternalServerError, "session store failure")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state := "disconnected"
	if s.deps.Conn != nil {
		state = s.deps.Conn.CurrentState().String()
	}
	payload := map[string]any{
		"connection":        state,
		"cached_queries":    s.deps.Cache.Len(),
		"pending_mutations": s.deps.Pending.Len(),
	}
	if s.deps.Hub != nil {
		payload["dashboard_clients"] = s.deps.Hub.ClientCount()
	}
	respondJSON(w, http.StatusOK, payload)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		logging.Warn().Err(err).Msg("[api] WebSocket upgrade failed")
		return
	}
	s.deps.Hub.Attach(conn, user)
}

// listFor serves key read-through: cached list when present, otherwise a
// synchronous upstream fetch whose result seeds the cache.
func (s *Server) listFor(r *http.Request, key querycache.Key) ([]models.Appointment, error) {
	if list, ok := s.deps.Cache.Appointments(key); ok {
		return list, nil
	}

	list, err := s.deps.Lister.ListAppointments(r.Context(), key)
	if err != nil {
		return nil, err
	}
	s.deps.Cache.Set(key, func(any) any { return list })
	return list, nil
}

func (s *Server) handleListAll(w http.ResponseWriter, r *http.Request) {
	key := querycache.AppointmentsAll()
	if date := r.URL.Query().Get("date"); date != "" {
		if _, err := time.Parse("2006-01-02", date); err != nil {
			respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		key = querycache.AppointmentsByDate(date)
	}

	list, err := s.listFor(r, key)
	if err != nil {
		mutationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"appointments": list})
}

func (s *Server) handleListMine(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	if user.Role != models.RoleTherapist && user.Role != models.RoleDriver {
		respondError(w, http.StatusForbidden, "staff roles only")
		return
	}

	list, err := s.listFor(r, querycache.AppointmentsByStaff(user.Role, user.ID))
	if err != nil {
		mutationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"appointments": list})
}

func (s *Server) handleBuckets(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())

	var key querycache.Key
	switch user.Role {
	case models.RoleOperator:
		key = querycache.AppointmentsAll()
	case models.RoleTherapist, models.RoleDriver:
		key = querycache.AppointmentsByStaff(user.Role, user.ID)
	default:
		respondError(w, http.StatusForbidden, "unknown role")
		return
	}

	list, err := s.listFor(r, key)
	if err != nil {
		mutationError(w, err)
		return
	}

	b := models.PartitionByStatus(list, time.Now(), time.Local, models.DefaultBucketPolicy())
	respondJSON(w, http.StatusOK, map[string]any{
		"pending":   emptyIfNil(b.Pending),
		"urgent":    emptyIfNil(b.Urgent),
		"timed_out": emptyIfNil(b.TimedOut),
		"active":    emptyIfNil(b.Active),
		"finished":  emptyIfNil(b.Finished),
	})
}

func emptyIfNil(list []models.Appointment) []models.Appointment {
	if list == nil {
		return []models.Appointment{}
	}
	return list
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var appt models.Appointment
	if err := json.NewDecoder(r.Body).Decode(&appt); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if appt.Date == "" || appt.StartTime == "" {
		respondError(w, http.StatusBadRequest, "date and start_time are required")
		return
	}
	if _, err := time.Parse("2006-01-02", appt.Date); err != nil {
		respondError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	created, err := s.deps.Mutator.Create(r.Context(), appt)
	if err != nil {
		mutationError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

type statusRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	updated, err := s.deps.Mutator.UpdateStatus(r.Context(), id, req.Action, userFrom(r.Context()))
	if err != nil {
		mutationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid appointment id")
		return
	}

	if err := s.deps.Mutator.Delete(r.Context(), id); err != nil {
		mutationError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
