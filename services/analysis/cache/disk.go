// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/cellpipe/services/analysis/storage/badgerdb"
)

// Key prefixes of the disk tier. Every artifact is a pair: the payload
// under artPrefix and a metadata sidecar under metaPrefix.
const (
	artPrefix  = "art:"
	metaPrefix = "meta:"
)

// diskMeta is the metadata sidecar stored next to each artifact.
type diskMeta struct {
	CreatedAt  time.Time `json:"created_at"`
	TTLSeconds int64     `json:"ttl_seconds"`
	Size       int       `json:"size"`
	Checksum   string    `json:"checksum"`
}

func (m diskMeta) expired(now time.Time) bool {
	if m.TTLSeconds <= 0 {
		return false
	}
	return now.After(m.CreatedAt.Add(time.Duration(m.TTLSeconds) * time.Second))
}

// diskTier is the warm tier: serialized artifacts in BadgerDB, verified
// by checksum on every read. A corrupted or orphaned pair is purged and
// reported as a miss, so a bad write never wedges a key.
type diskTier struct {
	db     *badgerdb.DB
	ttl    time.Duration
	logger *slog.Logger

	sweepStop chan struct{}
	sweepDone chan struct{}

	hits        int64
	misses      int64
	corruptions int64
}

// newDiskTier wraps db. When sweepInterval > 0 a background sweeper
// removes expired pairs; badger's own value-log GC reclaims the space.
func newDiskTier(db *badgerdb.DB, ttl, sweepInterval time.Duration, logger *slog.Logger) *diskTier {
	t := &diskTier{db: db, ttl: ttl, logger: logger}
	if sweepInterval > 0 {
		t.sweepStop = make(chan struct{})
		t.sweepDone = make(chan struct{})
		go t.sweepLoop(sweepInterval)
	}
	return t
}

// get reads and verifies one artifact.
func (t *diskTier) get(ctx context.Context, key string) ([]byte, bool) {
	var value []byte
	var meta diskMeta
	haveMeta := false

	err := t.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(artPrefix + key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return err
		}

		mItem, err := txn.Get([]byte(metaPrefix + key))
		if err != nil {
			return err
		}
		raw, err := mItem.ValueCopy(nil)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("%w: meta decode: %v", ErrCorrupted, err)
		}
		haveMeta = true
		return nil
	})

	switch {
	case err == nil:
	case errors.Is(err, badger.ErrKeyNotFound):
		// An orphaned half of the pair is corruption; a fully absent key
		// is an ordinary miss.
		if value != nil || haveMeta {
			t.purge(ctx, key, "orphaned pair")
		}
		atomic.AddInt64(&t.misses, 1)
		return nil, false
	case errors.Is(err, ErrCorrupted):
		t.purge(ctx, key, err.Error())
		atomic.AddInt64(&t.misses, 1)
		return nil, false
	default:
		t.logger.Warn("disk cache read failed", "key", key, "error", err)
		atomic.AddInt64(&t.misses, 1)
		return nil, false
	}

	if meta.expired(time.Now()) {
		t.remove(ctx, key)
		atomic.AddInt64(&t.misses, 1)
		return nil, false
	}
	if checksum(value) != meta.Checksum || len(value) != meta.Size {
		t.purge(ctx, key, "checksum mismatch")
		atomic.AddInt64(&t.misses, 1)
		return nil, false
	}

	atomic.AddInt64(&t.hits, 1)
	return value, true
}

// put writes the artifact and its sidecar in a single transaction.
func (t *diskTier) put(ctx context.Context, key string, value []byte) error {
	meta, err := json.Marshal(diskMeta{
		CreatedAt:  time.Now().UTC(),
		TTLSeconds: int64(t.ttl / time.Second),
		Size:       len(value),
		Checksum:   checksum(value),
	})
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}

	return t.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Set([]byte(artPrefix+key), value); err != nil {
			return err
		}
		return txn.Set([]byte(metaPrefix+key), meta)
	})
}

// invalidatePrefix deletes every pair whose key starts with prefix and
// returns the number of artifacts removed.
func (t *diskTier) invalidatePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := t.scanKeys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		t.remove(ctx, key)
	}
	return len(keys), nil
}

// scanKeys lists artifact keys (without the art: prefix) under prefix.
func (t *diskTier) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := t.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(artPrefix + prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(artPrefix):]))
		}
		return nil
	})
	return keys, err
}

// remove deletes one pair, ignoring not-found.
func (t *diskTier) remove(ctx context.Context, key string) {
	err := t.db.WithTxn(ctx, func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(artPrefix + key)); err != nil {
			return err
		}
		return txn.Delete([]byte(metaPrefix + key))
	})
	if err != nil {
		t.logger.Warn("disk cache delete failed", "key", key, "error", err)
	}
}

// purge removes a damaged pair and counts the corruption.
func (t *diskTier) purge(ctx context.Context, key, reason string) {
	t.logger.Warn("purging corrupted cache entry", "key", key, "reason", reason)
	atomic.AddInt64(&t.corruptions, 1)
	recordCorruption(ctx)
	t.remove(ctx, key)
}

// sweepLoop periodically removes expired pairs.
func (t *diskTier) sweepLoop(interval time.Duration) {
	defer close(t.sweepDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.sweepStop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

// sweep scans metadata sidecars and removes expired artifacts.
func (t *diskTier) sweep() {
	ctx := context.Background()
	now := time.Now()
	var expired []string

	err := t.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(metaPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(metaPrefix):])
			raw, err := item.ValueCopy(nil)
			if err != nil {
				continue
			}
			var meta diskMeta
			if err := json.Unmarshal(raw, &meta); err != nil || meta.expired(now) {
				expired = append(expired, key)
			}
		}
		return nil
	})
	if err != nil {
		t.logger.Warn("disk cache sweep failed", "error", err)
		return
	}

	for _, key := range expired {
		t.remove(ctx, key)
	}
	if len(expired) > 0 {
		t.logger.Debug("disk cache sweep removed expired artifacts", "count", len(expired))
	}
}

// close stops the sweeper. The underlying DB is owned by the caller.
func (t *diskTier) close() {
	if t.sweepStop != nil {
		close(t.sweepStop)
		<-t.sweepDone
	}
}

// diskStats is a snapshot of the tier's counters.
type diskStats struct {
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Corruptions int64 `json:"corruptions"`
}

func (t *diskTier) stats() diskStats {
	return diskStats{
		Hits:        atomic.LoadInt64(&t.hits),
		Misses:      atomic.LoadInt64(&t.misses),
		Corruptions: atomic.LoadInt64(&t.corruptions),
	}
}

// checksum returns the hex sha256 of data.
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
