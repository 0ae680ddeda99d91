// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package execution

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/cellpipe/services/analysis/state"
)

func TestAcquireIsIdempotent(t *testing.T) {
	m := NewManager()

	a := m.Acquire("ctx-1")
	b := m.Acquire("ctx-1")
	assert.Same(t, a, b)
	assert.Equal(t, "ctx-1", a.ID())
	assert.Equal(t, 1, m.Len())
}

func TestContextsAreIsolated(t *testing.T) {
	m := NewManager()

	a := m.Acquire("ctx-a")
	b := m.Acquire("ctx-b")

	require.NoError(t, a.Update(func(s *state.AnalysisState) error {
		s.Apply(&state.Delta{Stage: "load", Params: "{}"})
		return nil
	}))

	require.NoError(t, b.Read(func(s *state.AnalysisState) error {
		assert.Empty(t, s.AppliedStageIDs())
		return nil
	}))
	require.NoError(t, a.Read(func(s *state.AnalysisState) error {
		assert.Equal(t, []string{"load"}, s.AppliedStageIDs())
		return nil
	}))
}

func TestTeardownRejectsLaterAccess(t *testing.T) {
	m := NewManager()
	h := m.Acquire("ctx")

	require.True(t, m.Teardown("ctx"))
	assert.False(t, m.Teardown("ctx"))

	err := h.Update(func(s *state.AnalysisState) error { return nil })
	assert.ErrorIs(t, err, ErrContextUnavailable)
	err = h.Read(func(s *state.AnalysisState) error { return nil })
	assert.ErrorIs(t, err, ErrContextUnavailable)

	_, ok := m.Get("ctx")
	assert.False(t, ok)
}

func TestTeardownCreatesFreshStateOnReacquire(t *testing.T) {
	m := NewManager()

	h := m.Acquire("ctx")
	require.NoError(t, h.Update(func(s *state.AnalysisState) error {
		s.Apply(&state.Delta{Stage: "load", Params: "{}"})
		return nil
	}))

	m.Teardown("ctx")
	fresh := m.Acquire("ctx")

	assert.NotSame(t, h, fresh)
	require.NoError(t, fresh.Read(func(s *state.AnalysisState) error {
		assert.Empty(t, s.AppliedStageIDs())
		return nil
	}))
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	m := NewManager()
	h := m.Acquire("ctx")

	const writers = 16
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Update(func(s *state.AnalysisState) error {
				// Read-modify-write on the journal: races would lose
				// entries without the writer lock.
				n := len(s.AppliedStageIDs())
				s.Apply(&state.Delta{Stage: "s" + string(rune('a'+n)), Params: "{}"})
				return nil
			})
		}()
	}
	wg.Wait()

	require.NoError(t, h.Read(func(s *state.AnalysisState) error {
		assert.Len(t, s.AppliedStageIDs(), writers)
		return nil
	}))
}
