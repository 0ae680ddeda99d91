// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndTouch(t *testing.T) {
	m := NewManager(0)

	s := m.Create()
	assert.NotEmpty(t, s.ID)

	got, err := m.Touch(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	_, err = m.Touch("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDefaultSessionAutoCreates(t *testing.T) {
	m := NewManager(0)

	s, err := m.Touch(DefaultID)
	require.NoError(t, err)
	assert.Equal(t, DefaultID, s.ID)

	_, ok := m.Get(DefaultID)
	assert.True(t, ok)
}

func TestDelete(t *testing.T) {
	m := NewManager(0)
	s := m.Create()

	assert.True(t, m.Delete(s.ID))
	assert.False(t, m.Delete(s.ID))
	_, ok := m.Get(s.ID)
	assert.False(t, ok)
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	m := NewManager(time.Hour)
	now := time.Now()
	m.now = func() time.Time { return now }

	old := m.Create()
	now = now.Add(2 * time.Hour)
	fresh := m.Create()

	expired := m.Sweep()
	assert.Equal(t, []string{old.ID}, expired)

	_, ok := m.Get(old.ID)
	assert.False(t, ok)
	_, ok = m.Get(fresh.ID)
	assert.True(t, ok)
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	m := NewManager(0)
	m.Create()
	assert.Nil(t, m.Sweep())
	assert.Len(t, m.List(), 1)
}
