// Dashsync - Real-Time Appointment Dashboard Synchronization
// Copyright 2026 Serenova Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/serenova/dashsync

// Package credentials persists the upstream session (bearer token and
// current user) in BadgerDB so a restart resumes the session without a
// fresh login, and notifies subscribers on login and logout so the
// connection manager and cache can react.
package credentials

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/serenova/dashsync/internal/logging"
	"github.com/serenova/dashsync/internal/models"
)

// Key prefixes for BadgerDB storage
const (
	tokenKey = "credentials:token"
	userKey  = "credentials:user"
)

// Listener is notified after every session change. loggedIn is true
// after a login and false after a logout.
type Listener func(loggedIn bool)

// Store holds the persisted session. Reads are served from memory; the
// database is only touched on login, logout and startup.
type Store struct {
	db *badger.DB

	mu        sync.RWMutex
	token     string
	user      *models.CurrentUser
	listeners map[int64]Listener
	nextID    int64
}

// New creates a credential store over an open BadgerDB handle and loads
// any persisted session into memory.
func New(db *badger.DB) (*Store, error) {
	s := &Store{
		db:        db,
		listeners: make(map[int64]Listener),
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("load persisted credentials: %w", err)
	}
	return s, nil
}

// Token returns the current bearer token. Implements the credential
// source interfaces of the connection manager and the REST client.
func (s *Store) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.token != ""
}

// User returns the current user identity.
func (s *Store) User() (models.CurrentUser, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return models.CurrentUser{}, false
	}
	return *s.user, true
}

// Login persists a new session and notifies subscribers.
func (s *Store) Login(token string, user models.CurrentUser) error {
	if token == "" {
		return errors.New("empty token")
	}
	userData, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(tokenKey), []byte(token)); err != nil {
			return fmt.Errorf("set token: %w", err)
		}
		if err := txn.Set([]byte(userKey), userData); err != nil {
			return fmt.Errorf("set user: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.token = token
	u := user
	s.user = &u
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	logging.Info().Int64("user_id", user.ID).Str("role", user.Role).Msg("[credentials] Session stored")
	for _, fn := range listeners {
		fn(true)
	}
	return nil
}

// Logout discards the persisted session and notifies subscribers.
// Idempotent.
func (s *Store) Logout() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(tokenKey)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete token: %w", err)
		}
		if err := txn.Delete([]byte(userKey)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete user: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	hadSession := s.token != ""
	s.token = ""
	s.user = nil
	listeners := s.snapshotListenersLocked()
	s.mu.Unlock()

	if !hadSession {
		return nil
	}
	logging.Info().Msg("[credentials] Session cleared")
	for _, fn := range listeners {
		fn(false)
	}
	return nil
}

// Subscribe registers a session-change listener. The returned function
// unsubscribes.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// load reads the persisted session, tolerating a clean database.
func (s *Store) load() error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(tokenKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		if err := item.Value(func(val []byte) error {
			s.token = string(val)
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get([]byte(userKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		return item.Value(func(val []byte) error {
			var u models.CurrentUser
			if err := json.Unmarshal(val, &u); err != nil {
				return fmt.Errorf("unmarshal user: %w", err)
			}
			s.user = &u
			return nil
		})
	})
}

// snapshotListenersLocked copies the listener set so callbacks run
// outside the lock. Caller must hold s.mu.
func (s *Store) snapshotListenersLocked() []Listener {
	if len(s.listeners) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		out = append(out, fn)
	}
	return out
}
