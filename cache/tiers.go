// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Level identifies one of the three tiers an entry can occupy.
type Level int

const (
	L1 Level = iota
	L2
	L3
)

func (l Level) String() string {
	switch l {
	case L1:
		return "L1"
	case L2:
		return "L2"
	case L3:
		return "L3"
	default:
		return "unknown"
	}
}

// Default promotion/demotion windows (spec §4.4). T_cold has no default
// named in the spec; 1 hour is chosen as the "long-term storage" window
// for an entry that has seen light use — see DESIGN.md's Open Question
// log.
const (
	defaultWarmWindow = 300 * time.Second
	defaultColdWindow = time.Hour
)

// entry is the value wrapped by every tier. accessCount and lastAccess
// drive the promote/demote rules; expiresAt implements per-entry TTL.
type entry[V any] struct {
	value       V
	accessCount uint64
	createdAt   time.Time
	lastAccess  time.Time
	expiresAt   time.Time
}

func newEntry[V any](value V, ttl time.Duration) *entry[V] {
	now := time.Now()
	e := &entry[V]{value: value, accessCount: 1, createdAt: now, lastAccess: now}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return e
}

func (e *entry[V]) touch() {
	e.accessCount++
	e.lastAccess = time.Now()
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// shouldPromote mirrors the original hierarchical cache's permissive rule:
// any access at all, or a touch within the warm window, is enough to earn
// promotion toward a hotter tier.
func (e *entry[V]) shouldPromote(warmWindow time.Duration) bool {
	return e.accessCount >= 1 || time.Since(e.lastAccess) < warmWindow
}

// shouldDemote fires only once an entry is both rarely used and old.
func (e *entry[V]) shouldDemote(coldWindow time.Duration) bool {
	return e.accessCount < 2 && time.Since(e.lastAccess) > coldWindow
}

// tier wraps a single hashicorp/golang-lru Cache with the bookkeeping the
// multi-tier cascade needs: explicit capacity checks and RemoveOldest so
// the caller can inspect and redirect the victim itself, rather than
// losing it to an eviction callback.
type tier[V any] struct {
	mu       sync.RWMutex
	level    Level
	capacity int
	lru      *lru.Cache[string, *entry[V]]
}

func newTier[V any](level Level, capacity int) *tier[V] {
	c, err := lru.New[string, *entry[V]](capacity)
	if err != nil {
		// capacity <= 0; lru.New only fails for a non-positive size, which
		// is a caller configuration error we still want usable at a
		// minimal size rather than a panic deep in a cache hit path.
		c, _ = lru.New[string, *entry[V]](1)
		capacity = 1
	}
	return &tier[V]{level: level, capacity: capacity, lru: c}
}

func (t *tier[V]) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lru.Len()
}

// get returns the entry for key without removing it, touching it on hit.
func (t *tier[V]) get(key string) (*entry[V], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Get(key)
	if !ok {
		return nil, false
	}
	e.touch()
	return e, true
}

// pop removes and returns the entry for key, if present.
func (t *tier[V]) pop(key string) (*entry[V], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.lru.Get(key)
	if !ok {
		return nil, false
	}
	t.lru.Remove(key)
	return e, true
}

func (t *tier[V]) contains(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lru.Contains(key)
}

// putEvictOldest inserts key/e. If the tier is at capacity, it first
// removes its own LRU victim and returns it (evictedKey, evictedEntry,
// true) so the caller can decide whether to cascade it to the next tier.
func (t *tier[V]) putEvictOldest(key string, e *entry[V]) (evictedKey string, evicted *entry[V], hadEviction bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lru.Len() >= t.capacity && !t.lru.Contains(key) {
		evictedKey, evicted, hadEviction = t.lru.RemoveOldest()
	}
	t.lru.Add(key, e)
	return
}

// put inserts without eviction bookkeeping, used during promote/demote
// moves. If the tier is full, the LRU drops its oldest entry and that
// entry is not reported to the caller or cascaded to another tier.
func (t *tier[V]) put(key string, e *entry[V]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lru.Add(key, e)
}

// keysSnapshot returns a defensive copy of all keys currently resident,
// used by maintenance passes that need to scan for promote/demote
// candidates.
func (t *tier[V]) keysSnapshot() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lru.Keys()
}

// peek returns the entry without touching access stats or LRU order.
func (t *tier[V]) peek(key string) (*entry[V], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lru.Peek(key)
}

func (t *tier[V]) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lru.Remove(key)
}

func (t *tier[V]) getCapacity() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.capacity
}

func (t *tier[V]) setCapacity(c int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.capacity = c
	t.lru.Resize(c)
}
