// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package session tracks client sessions and their execution contexts.
//
// A session is a uuid handed to the client; its id doubles as the
// execution context id, so one session maps to exactly one analysis
// state. When session scoping is disabled in configuration, the server
// routes every request to the shared DefaultID session instead.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultID is the shared session used when session scoping is off.
const DefaultID = "default"

// ErrNotFound indicates an unknown or expired session.
var ErrNotFound = errors.New("session not found")

// Session is one client session.
type Session struct {
	// ID is the session identifier, also used as the context id.
	ID string `json:"id"`

	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Manager owns live sessions.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	now      func() time.Time
}

// NewManager returns a Manager. Sessions idle longer than ttl are
// dropped by Sweep; ttl <= 0 disables expiry.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		now:      time.Now,
	}
}

// Create registers a new session with a random id.
func (m *Manager) Create() *Session {
	now := m.now().UTC()
	s := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		LastUsedAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s
}

// Touch marks a session as used and returns it. The DefaultID session is
// created on first touch so the shared mode needs no setup call.
func (m *Manager) Touch(id string) (*Session, error) {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		if id != DefaultID {
			return nil, ErrNotFound
		}
		s = &Session{ID: DefaultID, CreatedAt: now}
		m.sessions[id] = s
	}
	s.LastUsedAt = now
	return s, nil
}

// Get returns a session without updating its last-used time.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete removes a session. Returns false if it did not exist.
func (m *Manager) Delete(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return false
	}
	delete(m.sessions, id)
	return true
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Sweep removes sessions idle past the ttl and returns their ids so the
// caller can tear down the matching execution contexts.
func (m *Manager) Sweep() []string {
	if m.ttl <= 0 {
		return nil
	}
	cutoff := m.now().Add(-m.ttl)

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []string
	for id, s := range m.sessions {
		if s.LastUsedAt.Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	return expired
}
