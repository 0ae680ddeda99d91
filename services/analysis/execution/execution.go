// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package execution manages per-context analysis state.
//
// Each execution context owns exactly one AnalysisState. All mutation of
// a context's state is serialized through its writer lock, held for the
// full duration of one stage's compute-and-annotate step, so concurrent
// requests against the same context queue rather than interleave.
// Distinct contexts are fully isolated and proceed in parallel.
package execution

import (
	"errors"
	"sync"

	"github.com/AleutianAI/cellpipe/services/analysis/state"
)

var (
	// ErrContextUnavailable indicates the execution context was torn down
	// or never existed.
	ErrContextUnavailable = errors.New("execution context unavailable")
)

// Handle is a reference to one execution context's state. All access goes
// through Update (writer) or Read (reader); the state pointer itself
// never escapes the lock.
type Handle struct {
	id string
	mu sync.RWMutex

	// torn is set under mu; a torn-down handle rejects all access.
	torn  bool
	state *state.AnalysisState
}

// ID returns the context identifier.
func (h *Handle) ID() string { return h.id }

// Update runs fn with exclusive access to the state. The lock is held for
// the full call, so a stage's compute-and-annotate step commits atomically
// with respect to other requests on this context.
func (h *Handle) Update(fn func(s *state.AnalysisState) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.torn {
		return ErrContextUnavailable
	}
	return fn(h.state)
}

// Read runs fn with shared access to the state. fn must not mutate the
// state or retain references past the call.
func (h *Handle) Read(fn func(s *state.AnalysisState) error) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.torn {
		return ErrContextUnavailable
	}
	return fn(h.state)
}

// Manager owns the execution contexts.
//
// Thread Safety: safe for concurrent use.
type Manager struct {
	mu       sync.RWMutex
	contexts map[string]*Handle
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{contexts: make(map[string]*Handle)}
}

// Acquire returns the handle for id, creating the context with a fresh
// empty state on first use.
func (m *Manager) Acquire(id string) *Handle {
	m.mu.RLock()
	h, ok := m.contexts[id]
	m.mu.RUnlock()
	if ok {
		return h
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.contexts[id]; ok {
		return h
	}
	h = &Handle{id: id, state: state.New()}
	m.contexts[id] = h
	return h
}

// Get returns the handle for id without creating it.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.contexts[id]
	return h, ok
}

// Teardown removes a context. In-flight operations finish under the
// handle's lock; anything after that observes ErrContextUnavailable.
func (m *Manager) Teardown(id string) bool {
	m.mu.Lock()
	h, ok := m.contexts[id]
	delete(m.contexts, id)
	m.mu.Unlock()
	if !ok {
		return false
	}

	h.mu.Lock()
	h.torn = true
	h.state = nil
	h.mu.Unlock()
	return true
}

// IDs returns the identifiers of all live contexts.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.contexts))
	for id := range m.contexts {
		out = append(out, id)
	}
	return out
}

// Len returns the number of live contexts.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}
