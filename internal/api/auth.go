// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/serenova/dashsync/internal/models"
)

// Claims is the dashboard token payload.
type Claims struct {
	UserID int64  `json:"uid"`
	Role   string `json:"role"`
	Name   string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type contextKey string

const userContextKey contextKey = "dashsync.user"

// issueToken signs a dashboard JWT for user.
func (s *Server) issueToken(user models.CurrentUser) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: user.ID,
		Role:   user.Role,
		Name:   user.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "dashsync",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.auth.TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.auth.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// parseToken validates a dashboard JWT and returns its claims.
func (s *Server) parseToken(raw string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return []byte(s.auth.JWTSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// authenticate requires a valid dashboard token, from the Authorization
// header or, for WebSocket upgrades, the token query parameter.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			raw = strings.TrimPrefix(auth, "Bearer ")
		} else if q := r.URL.Query().Get("token"); q != "" {
			raw = q
		}
		if raw == "" {
			respondError(w, http.StatusUnauthorized, "missing token")
			return
		}

		claims, err := s.parseToken(raw)
		if err != nil {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		user := models.CurrentUser{ID: claims.UserID, Role: claims.Role, Name: claims.Name}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	})
}

// requireRole restricts an endpoint to the given roles.
func (s *Server) requireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := userFrom(r.Context())
			for _, role := range roles {
				if user.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			respondError(w, http.StatusForbidden, "insufficient role")
		})
	}
}

// userFrom returns the authenticated user stored by the middleware.
func userFrom(ctx context.Context) models.CurrentUser {
	user, _ := ctx.Value(userContextKey).(models.CurrentUser)
	return user
}
