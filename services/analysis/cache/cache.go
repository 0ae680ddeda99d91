// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the two-tier artifact cache for stage results.
//
// Tier order on read is memory then disk; a disk hit is promoted into
// memory. Writes go to both tiers. Keys are namespaced by stage
// ("<stage>/<hash>"), so invalidating a stage is a prefix purge across
// both tiers. Concurrent computations of the same key are deduplicated
// with singleflight: one caller computes, the rest share the result.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/cellpipe/services/analysis/storage/badgerdb"
)

// Tier identifies where a cache result came from.
type Tier string

const (
	// TierMemory is the in-process LRU tier.
	TierMemory Tier = "memory"

	// TierDisk is the BadgerDB tier.
	TierDisk Tier = "disk"

	// TierCompute means the value was computed, not served from cache.
	TierCompute Tier = "compute"
)

// Default tier limits.
const (
	DefaultMemoryMaxEntries = 256
	DefaultMemoryMaxBytes   = 512 << 20 // 512 MiB
	DefaultMemoryTTL        = 30 * time.Minute
	DefaultDiskTTL          = 24 * time.Hour
	DefaultSweepInterval    = 10 * time.Minute
)

// Options configures the cache tiers. Zero values fall back to defaults;
// a negative TTL disables expiry for that tier.
type Options struct {
	MemoryMaxEntries int
	MemoryMaxBytes   int64
	MemoryTTL        time.Duration
	DiskTTL          time.Duration
	SweepInterval    time.Duration
}

func (o Options) withDefaults() Options {
	if o.MemoryMaxEntries == 0 {
		o.MemoryMaxEntries = DefaultMemoryMaxEntries
	}
	if o.MemoryMaxBytes == 0 {
		o.MemoryMaxBytes = DefaultMemoryMaxBytes
	}
	if o.MemoryTTL == 0 {
		o.MemoryTTL = DefaultMemoryTTL
	}
	if o.DiskTTL == 0 {
		o.DiskTTL = DefaultDiskTTL
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.MemoryTTL < 0 {
		o.MemoryTTL = 0
	}
	if o.DiskTTL < 0 {
		o.DiskTTL = 0
	}
	return o
}

// Key builds the cache key for a stage execution: the stage id as a
// purgeable namespace prefix, then a hash binding the stage, its
// canonical parameters, and the state fingerprint the stage would run
// against.
func Key(stage, params, fingerprint string) string {
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{'|'})
	h.Write([]byte(params))
	h.Write([]byte{'|'})
	h.Write([]byte(fingerprint))
	return stage + "/" + hex.EncodeToString(h.Sum(nil))
}

// ComputeFunc produces the serialized artifact for a key on miss.
type ComputeFunc func(ctx context.Context) ([]byte, error)

// Cache is the tiered artifact cache.
//
// Thread Safety: safe for concurrent use.
type Cache struct {
	mem    *memoryTier
	disk   *diskTier
	flight singleflight.Group
	logger *slog.Logger
	closed atomic.Bool
	shared int64
}

// New builds a Cache. db may be nil for a memory-only cache (used in
// tests and when persistence is disabled); the disk tier is then skipped.
func New(db *badgerdb.DB, opts Options, logger *slog.Logger) *Cache {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		mem:    newMemoryTier(opts.MemoryMaxEntries, opts.MemoryMaxBytes, opts.MemoryTTL),
		logger: logger,
	}
	if db != nil {
		c.disk = newDiskTier(db, opts.DiskTTL, opts.SweepInterval, logger)
	}
	return c
}

// Get checks memory then disk. A disk hit is promoted into memory.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, Tier, bool) {
	start := time.Now()
	ctx, span := startSpan(ctx, "Get", key)
	defer span.End()

	if c.closed.Load() {
		return nil, "", false
	}

	if value, ok := c.mem.get(key); ok {
		recordHit(ctx, TierMemory)
		recordGetLatency(ctx, time.Since(start), true)
		span.SetAttributes(attribute.String("cache.tier", string(TierMemory)))
		return value, TierMemory, true
	}
	recordMiss(ctx, TierMemory)

	if c.disk != nil {
		if value, ok := c.disk.get(ctx, key); ok {
			c.mem.put(key, value)
			recordHit(ctx, TierDisk)
			recordGetLatency(ctx, time.Since(start), true)
			span.SetAttributes(attribute.String("cache.tier", string(TierDisk)))
			return value, TierDisk, true
		}
		recordMiss(ctx, TierDisk)
	}

	recordGetLatency(ctx, time.Since(start), false)
	return nil, "", false
}

// Put stores the value in both tiers.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.mem.put(key, value)
	if c.disk != nil {
		if err := c.disk.put(ctx, key, value); err != nil {
			return fmt.Errorf("disk cache put %s: %w", key, err)
		}
	}
	return nil
}

// flightResult carries the value and origin tier through singleflight.
type flightResult struct {
	value []byte
	tier  Tier
}

// GetOrCompute returns the cached value for key, computing and storing it
// on miss. Concurrent calls for the same key are collapsed into a single
// computation; late arrivals share the leader's result.
//
// The leader's context drives the computation. A store failure is logged
// but does not fail the call: the computed value is still returned.
func (c *Cache) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) ([]byte, Tier, error) {
	if c.closed.Load() {
		return nil, "", ErrClosed
	}

	if value, tier, ok := c.Get(ctx, key); ok {
		return value, tier, nil
	}

	result, err, sharedFlight := c.flight.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have stored the
		// value between our miss and acquiring the flight slot.
		if value, tier, ok := c.Get(ctx, key); ok {
			return flightResult{value: value, tier: tier}, nil
		}

		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if putErr := c.Put(ctx, key, value); putErr != nil {
			c.logger.Warn("cache store failed after compute", "key", key, "error", putErr)
		}
		return flightResult{value: value, tier: TierCompute}, nil
	})
	if err != nil {
		return nil, "", err
	}

	if sharedFlight {
		atomic.AddInt64(&c.shared, 1)
	}
	fr := result.(flightResult)
	return fr.value, fr.tier, nil
}

// Invalidate purges every artifact of a stage from both tiers and returns
// how many entries each tier dropped.
func (c *Cache) Invalidate(ctx context.Context, stage string) (memRemoved, diskRemoved int, err error) {
	ctx, span := startSpan(ctx, "Invalidate", stage)
	defer span.End()

	if c.closed.Load() {
		return 0, 0, ErrClosed
	}

	prefix := stage + "/"
	memRemoved = c.mem.invalidatePrefix(prefix)
	for i := 0; i < memRemoved; i++ {
		recordEviction(ctx, TierMemory)
	}

	if c.disk != nil {
		diskRemoved, err = c.disk.invalidatePrefix(ctx, prefix)
		if err != nil {
			return memRemoved, diskRemoved, fmt.Errorf("disk invalidate %s: %w", stage, err)
		}
		for i := 0; i < diskRemoved; i++ {
			recordEviction(ctx, TierDisk)
		}
	}

	c.logger.Info("cache invalidated",
		"stage", stage, "memory_removed", memRemoved, "disk_removed", diskRemoved)
	return memRemoved, diskRemoved, nil
}

// Clear empties the memory tier. Disk artifacts are left for TTL expiry.
func (c *Cache) Clear() {
	c.mem.clear()
}

// Stats is a combined snapshot of both tiers.
type Stats struct {
	Memory memoryStats `json:"memory"`
	Disk   *diskStats  `json:"disk,omitempty"`
	Shared int64       `json:"singleflight_shared"`
}

// Stats returns current counters.
func (c *Cache) Stats() Stats {
	s := Stats{
		Memory: c.mem.stats(),
		Shared: atomic.LoadInt64(&c.shared),
	}
	if c.disk != nil {
		ds := c.disk.stats()
		s.Disk = &ds
	}
	return s
}

// Close stops background work. The BadgerDB handle is owned by the
// caller and is not closed here.
func (c *Cache) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.disk != nil {
		c.disk.close()
	}
}
