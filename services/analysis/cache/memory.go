// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"container/list"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// memEntry is one entry of the memory tier.
type memEntry struct {
	key      string
	value    []byte
	storedAt time.Time
	elem     *list.Element
}

// memoryTier is the hot tier: an LRU map with TTL expiry and bounded
// entry count and byte size.
//
// Thread Safety:
//
//	Safe for concurrent use; a single mutex guards the map and LRU list.
//	Stored byte slices are treated as immutable by all callers.
type memoryTier struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	lru     *list.List
	ttl     time.Duration

	maxEntries int
	maxBytes   int64
	curBytes   int64

	hits      int64
	misses    int64
	evictions int64
}

func newMemoryTier(maxEntries int, maxBytes int64, ttl time.Duration) *memoryTier {
	return &memoryTier{
		entries:    make(map[string]*memEntry),
		lru:        list.New(),
		ttl:        ttl,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// get returns the value for key, refreshing its LRU position. Expired
// entries are removed and reported as misses.
func (t *memoryTier) get(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok {
		atomic.AddInt64(&t.misses, 1)
		return nil, false
	}
	if t.ttl > 0 && time.Since(e.storedAt) > t.ttl {
		t.removeLocked(e)
		atomic.AddInt64(&t.misses, 1)
		return nil, false
	}

	t.lru.MoveToFront(e.elem)
	atomic.AddInt64(&t.hits, 1)
	return e.value, true
}

// put stores or replaces an entry, evicting LRU entries while over the
// configured limits.
func (t *memoryTier) put(key string, value []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok {
		t.curBytes += int64(len(value)) - int64(len(e.value))
		e.value = value
		e.storedAt = time.Now()
		t.lru.MoveToFront(e.elem)
	} else {
		e := &memEntry{key: key, value: value, storedAt: time.Now()}
		e.elem = t.lru.PushFront(key)
		t.entries[key] = e
		t.curBytes += int64(len(value))
	}

	for (t.maxEntries > 0 && len(t.entries) > t.maxEntries) ||
		(t.maxBytes > 0 && t.curBytes > t.maxBytes) {
		if !t.evictOldestLocked() {
			break
		}
	}
}

// invalidatePrefix removes every entry whose key starts with prefix and
// returns the number removed.
func (t *memoryTier) invalidatePrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, e := range t.entries {
		if strings.HasPrefix(key, prefix) {
			t.removeLocked(e)
			removed++
		}
	}
	return removed
}

// clear removes everything.
func (t *memoryTier) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[string]*memEntry)
	t.lru = list.New()
	t.curBytes = 0
}

func (t *memoryTier) evictOldestLocked() bool {
	elem := t.lru.Back()
	if elem == nil {
		return false
	}
	key := elem.Value.(string)
	e, ok := t.entries[key]
	if !ok {
		t.lru.Remove(elem)
		return true
	}
	t.removeLocked(e)
	atomic.AddInt64(&t.evictions, 1)
	return true
}

func (t *memoryTier) removeLocked(e *memEntry) {
	t.lru.Remove(e.elem)
	delete(t.entries, e.key)
	t.curBytes -= int64(len(e.value))
}

// memoryStats is a snapshot of the tier's counters.
type memoryStats struct {
	Entries   int   `json:"entries"`
	Bytes     int64 `json:"bytes"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

func (t *memoryTier) stats() memoryStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return memoryStats{
		Entries:   len(t.entries),
		Bytes:     t.curBytes,
		Hits:      atomic.LoadInt64(&t.hits),
		Misses:    atomic.LoadInt64(&t.misses),
		Evictions: atomic.LoadInt64(&t.evictions),
	}
}
