// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persistence durably snapshots selected cache tiers to a
// BadgerDB-backed row store, emulating the single cache_entries table the
// upstream design describes. Rows are written synchronously by the Store*
// calls; the optional background task only sweeps (CleanupExpired) at a
// fixed interval and does not write cache contents. Sweep failures log
// and retry next cycle rather than propagating, since persistence failure
// never affects in-memory correctness.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/semdedup/internal/errs"
)

// defaultRowTTL matches the original schema's default expiry for a fresh
// row (24h); callers can override per-call via StoreSimilarity/StoreGroups.
const defaultRowTTL = 24 * time.Hour

// defaultSoftCap is the row-count ceiling past which CleanupExpired also
// evicts least-recently-accessed rows, even if they have not expired.
const defaultSoftCap = 100_000

// Stats reports row counts per cache_type plus overall store health.
type Stats struct {
	SimilarityRows int64
	GroupRows      int64
	LastPersistErr error
	LastCleanupN   int
}

// Store is a durable, BadgerDB-backed implementation of the spec's cache
// persistence contract. The zero value is not usable; construct with
// Open.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	softCap int

	similarityRows atomic.Int64
	groupRows      atomic.Int64
	lastCleanupN   atomic.Int64
	lastErr        atomic.Pointer[error]

	closeOnce   sync.Once
	bgStarted   atomic.Bool
	stopBG      chan struct{}
	bgDone      chan struct{}
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSoftCap overrides the row-count soft cap used by CleanupExpired's
// least-recently-accessed eviction pass.
func WithSoftCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.softCap = n
		}
	}
}

// Open opens (or creates) a BadgerDB instance at dir and wraps it as a
// Store. Callers own the Store's lifecycle and must call Close.
func Open(dir string, opts ...Option) (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("%w: open badger store: %v", errs.ErrPersistenceFailure, err)
	}

	s := &Store{
		db:      db,
		logger:  slog.Default(),
		softCap: defaultSoftCap,
		stopBG:  make(chan struct{}),
		bgDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// Seed the per-type row counters from the rows already on disk.
	_ = db.View(func(txn *badger.Txn) error {
		for _, ct := range []string{cacheTypeSimilarity, cacheTypeGroups} {
			itOpts := badger.DefaultIteratorOptions
			itOpts.PrefetchValues = false
			itOpts.Prefix = rowKey(ct, "")
			it := txn.NewIterator(itOpts)
			for it.Rewind(); it.Valid(); it.Next() {
				s.bumpRowCount(ct, 1)
			}
			it.Close()
		}
		return nil
	})
	return s, nil
}

// Close stops the background task (if started) and closes the underlying
// BadgerDB handle.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopBG)
	})
	if s.bgStarted.Load() {
		<-s.bgDone
	}
	return s.db.Close()
}

// StartBackgroundTask runs CleanupExpired once per interval until ctx is
// cancelled or Close is called. It does not write cache contents; rows
// reach the store only through the Store* calls. Each cycle's failures
// are logged and retried next cycle; they never stop the loop.
func (s *Store) StartBackgroundTask(ctx context.Context, interval time.Duration) {
	s.bgStarted.Store(true)
	go func() {
		defer close(s.bgDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopBG:
				return
			case <-ticker.C:
				if _, err := s.CleanupExpired(ctx); err != nil {
					s.logger.Warn("persistence: cleanup failed, retrying next cycle", slog.Any("error", err))
				}
			}
		}
	}()
}

// StoreSimilarity upserts the similarity score for the canonical pair
// (s1ID, s2ID) with the default 24h TTL.
func (s *Store) StoreSimilarity(ctx context.Context, s1ID, s2ID string, score float64) error {
	return s.upsert(ctx, cacheTypeSimilarity, pairCacheKey(s1ID, s2ID), score, defaultRowTTL)
}

// GetSimilarity reads through to the score for (s1ID, s2ID), updating
// access_count and last_accessed. ok is false on miss or expiry.
func (s *Store) GetSimilarity(ctx context.Context, s1ID, s2ID string) (score float64, ok bool, err error) {
	var v float64
	found, err := s.readThrough(ctx, cacheTypeSimilarity, pairCacheKey(s1ID, s2ID), &v)
	return v, found, err
}

// StoreGroups upserts the duplicate-group result for projectID with a 6h
// TTL, shorter than the 24h row default; StoreGroupsWithTTL takes an
// explicit TTL instead.
func (s *Store) StoreGroups(ctx context.Context, projectID string, groups [][]string) error {
	return s.StoreGroupsWithTTL(ctx, projectID, groups, 6*time.Hour)
}

// StoreGroupsWithTTL is StoreGroups with an explicit TTL.
func (s *Store) StoreGroupsWithTTL(ctx context.Context, projectID string, groups [][]string, ttl time.Duration) error {
	return s.upsert(ctx, cacheTypeGroups, projectID, groups, ttl)
}

// GetGroups reads through to the duplicate-group result for projectID.
func (s *Store) GetGroups(ctx context.Context, projectID string) (groups [][]string, ok bool, err error) {
	var v [][]string
	found, err := s.readThrough(ctx, cacheTypeGroups, projectID, &v)
	return v, found, err
}

func pairCacheKey(s1ID, s2ID string) string {
	if s1ID <= s2ID {
		return s1ID + ":" + s2ID
	}
	return s2ID + ":" + s1ID
}

func (s *Store) upsert(ctx context.Context, cacheType, cacheKey string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode cache value: %v", errs.ErrPersistenceFailure, err)
	}

	now := time.Now()
	r := row{
		CacheKey:     cacheKey,
		CacheType:    cacheType,
		CachedValue:  raw,
		AccessCount:  0,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(ttl),
	}

	encoded, err := json.Marshal(&r)
	if err != nil {
		return fmt.Errorf("%w: encode row: %v", errs.ErrPersistenceFailure, err)
	}

	var existed bool
	err = s.db.Update(func(txn *badger.Txn) error {
		var txnErr error
		existed, txnErr = removeExistingIndexEntries(txn, cacheType, cacheKey)
		if txnErr != nil {
			return txnErr
		}

		entry := badger.NewEntry(rowKey(cacheType, cacheKey), encoded).WithTTL(ttl)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		if err := txn.Set(expiresIndexKey(r.ExpiresAt, cacheType, cacheKey), rowKey(cacheType, cacheKey)); err != nil {
			return err
		}
		return txn.Set(accessIndexKey(r.LastAccessed, cacheType, cacheKey), rowKey(cacheType, cacheKey))
	})
	if err != nil {
		s.recordErr(err)
		return fmt.Errorf("%w: upsert: %v", errs.ErrPersistenceFailure, err)
	}

	if !existed {
		s.bumpRowCount(cacheType, 1)
	}
	return nil
}

// removeExistingIndexEntries drops the previous index entries for
// (cacheType, cacheKey), if a row already exists, so a re-upsert doesn't
// leave stale index pointers behind at the old timestamp. Reports whether
// a prior row existed, so callers can tell an upsert's insert and update
// paths apart for row-count bookkeeping.
func removeExistingIndexEntries(txn *badger.Txn, cacheType, cacheKey string) (existed bool, err error) {
	item, err := txn.Get(rowKey(cacheType, cacheKey))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var existing row
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &existing)
	}); err != nil {
		return false, err
	}

	if err := txn.Delete(expiresIndexKey(existing.ExpiresAt, cacheType, cacheKey)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	if err := txn.Delete(accessIndexKey(existing.LastAccessed, cacheType, cacheKey)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	return true, nil
}

func (s *Store) readThrough(ctx context.Context, cacheType, cacheKey string, out any) (bool, error) {
	var r row
	found := false

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(cacheType, cacheKey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &r)
		}); err != nil {
			return err
		}

		if r.expired(time.Now()) {
			return nil
		}
		found = true

		if _, err := removeExistingIndexEntries(txn, cacheType, cacheKey); err != nil {
			return err
		}
		r.AccessCount++
		r.LastAccessed = time.Now()
		encoded, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		ttlRemaining := time.Until(r.ExpiresAt)
		if ttlRemaining <= 0 {
			return nil
		}
		entry := badger.NewEntry(rowKey(cacheType, cacheKey), encoded).WithTTL(ttlRemaining)
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		if err := txn.Set(expiresIndexKey(r.ExpiresAt, cacheType, cacheKey), rowKey(cacheType, cacheKey)); err != nil {
			return err
		}
		return txn.Set(accessIndexKey(r.LastAccessed, cacheType, cacheKey), rowKey(cacheType, cacheKey))
	})
	if err != nil {
		s.recordErr(err)
		return false, fmt.Errorf("%w: read: %v", errs.ErrPersistenceFailure, err)
	}
	if !found {
		return false, nil
	}

	if err := json.Unmarshal(r.CachedValue, out); err != nil {
		return false, fmt.Errorf("%w: decode cache value: %v", errs.ErrPersistenceFailure, err)
	}
	return true, nil
}

// CleanupExpired deletes rows past their deadline via the expires_at
// synthetic index, and, if the remaining row count exceeds the soft cap,
// additionally evicts least-recently-accessed rows via the last_accessed
// index until the store is back under cap.
func (s *Store) CleanupExpired(ctx context.Context) (removed int, err error) {
	now := time.Now()

	err = s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(expiresIdxPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		nowKey := expiresIndexKey(now, "\xff", "\xff") // upper bound: any type/key at this timestamp
		var toDelete [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().KeyCopy(nil)
			if bytes.Compare(k, nowKey) > 0 {
				break
			}
			toDelete = append(toDelete, k)
		}

		for _, idxKey := range toDelete {
			if err := s.deleteIndexedRow(txn, idxKey); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		s.recordErr(err)
		return removed, fmt.Errorf("%w: cleanup_expired: %v", errs.ErrPersistenceFailure, err)
	}

	if extra, err := s.evictOverSoftCap(ctx); err != nil {
		s.recordErr(err)
		return removed, fmt.Errorf("%w: soft cap eviction: %v", errs.ErrPersistenceFailure, err)
	} else {
		removed += extra
	}

	s.lastCleanupN.Store(int64(removed))
	return removed, nil
}

// deleteIndexedRow reads the primary row pointed to by an expires_at (or
// last_accessed) index entry, deletes the row and both of its index
// entries. Caller must hold the write transaction.
func (s *Store) deleteIndexedRow(txn *badger.Txn, idxKey []byte) error {
	item, err := txn.Get(idxKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	primaryKey, err := item.ValueCopy(nil)
	if err != nil {
		return err
	}

	rowItem, err := txn.Get(primaryKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return txn.Delete(idxKey)
	}
	if err != nil {
		return err
	}

	var r row
	if err := rowItem.Value(func(val []byte) error { return json.Unmarshal(val, &r) }); err != nil {
		return err
	}

	if err := txn.Delete(primaryKey); err != nil {
		return err
	}
	if err := txn.Delete(expiresIndexKey(r.ExpiresAt, r.CacheType, r.CacheKey)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	if err := txn.Delete(accessIndexKey(r.LastAccessed, r.CacheType, r.CacheKey)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}

	s.bumpRowCount(r.CacheType, -1)
	return nil
}

// evictOverSoftCap removes least-recently-accessed rows, oldest first,
// until the total row count is back at or under softCap.
func (s *Store) evictOverSoftCap(ctx context.Context) (int, error) {
	total := s.similarityRows.Load() + s.groupRows.Load()
	if total <= int64(s.softCap) {
		return 0, nil
	}
	overBy := int(total - int64(s.softCap))

	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(accessIdxPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && removed < overBy; it.Next() {
			if err := s.deleteIndexedRow(txn, it.Item().KeyCopy(nil)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}

func (s *Store) bumpRowCount(cacheType string, delta int64) {
	switch cacheType {
	case cacheTypeSimilarity:
		s.similarityRows.Add(delta)
	case cacheTypeGroups:
		s.groupRows.Add(delta)
	}
}

func (s *Store) recordErr(err error) {
	s.lastErr.Store(&err)
}

// Stats returns current row counts per cache_type, plus the last persist
// error (if any) and the row count removed by the most recent cleanup.
func (s *Store) Stats() Stats {
	var lastErr error
	if p := s.lastErr.Load(); p != nil {
		lastErr = *p
	}
	return Stats{
		SimilarityRows: s.similarityRows.Load(),
		GroupRows:      s.groupRows.Load(),
		LastPersistErr: lastErr,
		LastCleanupN:   int(s.lastCleanupN.Load()),
	}
}
