// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the deduplication core's three-tier (L1/L2/L3)
// cache, plus the three content-typed caches it hosts: pairwise similarity
// floats, per-symbol derived features, and per-batch duplicate-group
// results. Every read/write path holds a per-shard lock only for the
// duration of its tier operation; the exactly-one-tier invariant is kept
// by always removing from the source tier before inserting into the
// destination, under the same critical section.
package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// Sizes configures the three tier capacities. Zero fields fall back to the
// spec defaults (1000, 5000, 20000).
type Sizes struct {
	L1 int `yaml:"l1"`
	L2 int `yaml:"l2"`
	L3 int `yaml:"l3"`
}

// DefaultSizes returns the spec's default tier capacities.
func DefaultSizes() Sizes {
	return Sizes{L1: 1000, L2: 5000, L3: 20000}
}

const (
	defaultFeatureTTL = 24 * time.Hour
	defaultGroupTTL   = 6 * time.Hour

	// adaptiveSizeThreshold is the working-set size (symbols/batch) past
	// which a size_adaptation event is recorded.
	adaptiveSizeThreshold = 1500
	// adaptiveGrowthFactor scales tier capacity when adaptive sizing
	// triggers, bounded by adaptiveHardCapFactor relative to the
	// original configured size.
	adaptiveGrowthFactor  = 1.5
	adaptiveHardCapFactor = 4.0
)

// Stats is a snapshot of one tiered cache's distribution and performance.
type Stats struct {
	L1Count          int
	L2Count          int
	L3Count          int
	Hits             uint64
	Misses           uint64
	PromoteOps       uint64
	DemoteOps        uint64
	SizeAdaptations  uint64
	AvgOperationTime time.Duration
}

// TieredCache is a generic L1/L2/L3 cache over values of type V, keyed by
// string. One TieredCache instance backs each of the MultiCache's three
// content-typed caches.
type TieredCache[V any] struct {
	name string

	l1, l2, l3 *tier[V]
	baseSizes  Sizes
	ttl        time.Duration
	warmWindow time.Duration
	coldWindow time.Duration

	group singleflight.Group

	hits, misses          atomic.Uint64
	promoteOps, demoteOps atomic.Uint64
	sizeAdaptations       atomic.Uint64
	opDuration            atomic.Int64
	opCount                atomic.Uint64

	mu sync.Mutex // guards adaptive-resize decisions only
}

// NewTieredCache builds a tiered cache named name (used only in metric
// labels), sized per sizes, with entries expiring after ttl (0 disables
// expiry).
func NewTieredCache[V any](name string, sizes Sizes, ttl time.Duration) *TieredCache[V] {
	if sizes.L1 <= 0 {
		sizes.L1 = DefaultSizes().L1
	}
	if sizes.L2 <= 0 {
		sizes.L2 = DefaultSizes().L2
	}
	if sizes.L3 <= 0 {
		sizes.L3 = DefaultSizes().L3
	}

	return &TieredCache[V]{
		name:       name,
		l1:         newTier[V](L1, sizes.L1),
		l2:         newTier[V](L2, sizes.L2),
		l3:         newTier[V](L3, sizes.L3),
		baseSizes:  sizes,
		ttl:        ttl,
		warmWindow: defaultWarmWindow,
		coldWindow: defaultColdWindow,
	}
}

// Get performs an atomic lookup across L1, then L2, then L3, touching and
// possibly promoting on hit. A present-but-expired entry is treated as
// absent and removed lazily.
func (c *TieredCache[V]) Get(key string) (V, bool) {
	start := time.Now()
	defer c.recordOp(start)

	var zero V
	now := time.Now()

	if e, ok := c.l1.get(key); ok {
		if e.expired(now) {
			c.l1.remove(key)
			c.misses.Add(1)
			return zero, false
		}
		c.hits.Add(1)
		return e.value, true
	}

	if e, ok := c.l2.pop(key); ok {
		if e.expired(now) {
			c.misses.Add(1)
			return zero, false
		}
		c.hits.Add(1)
		e.touch()
		if e.shouldPromote(c.warmWindow) {
			c.cascadeInto(c.l1, c.l2, key, e)
			c.promoteOps.Add(1)
		} else {
			c.l2.put(key, e)
		}
		return e.value, true
	}

	if e, ok := c.l3.pop(key); ok {
		if e.expired(now) {
			c.misses.Add(1)
			return zero, false
		}
		c.hits.Add(1)
		e.touch()
		if e.shouldPromote(c.warmWindow) {
			c.cascadeInto(c.l2, c.l3, key, e)
			c.promoteOps.Add(1)
		} else {
			c.l3.put(key, e)
		}
		return e.value, true
	}

	c.misses.Add(1)
	return zero, false
}

// GetOrCompute performs Get, and on miss calls fn exactly once even under
// concurrent callers for the same key (singleflight), storing and
// returning its result. fn's error is never cached.
func (c *TieredCache[V]) GetOrCompute(key string, fn func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		if cached, ok := c.Get(key); ok {
			return cached, nil
		}
		computed, err := fn()
		if err != nil {
			return computed, err
		}
		c.Put(key, computed)
		return computed, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Invalidate removes key from every tier, if present. Intended for a
// caller that detects a previously-stored value should no longer count as
// a cache hit — e.g. a speculative placeholder that must not be returned
// as if it were a real computed result.
func (c *TieredCache[V]) Invalidate(key string) {
	c.l1.remove(key)
	c.l2.remove(key)
	c.l3.remove(key)
}

// Put inserts value into L1, first removing any copy of key held in L2 or
// L3. If L1 is at capacity, its LRU victim is considered for promotion to
// L2 (should_promote); L2 overflow cascades to L3; L3 overflow discards the
// victim entirely.
func (c *TieredCache[V]) Put(key string, value V) {
	start := time.Now()
	defer c.recordOp(start)

	e := newEntry(value, c.ttl)
	c.l2.remove(key)
	c.l3.remove(key)
	evictedKey, evicted, had := c.l1.putEvictOldest(key, e)
	if !had {
		return
	}
	if !evicted.shouldPromote(c.warmWindow) {
		return
	}
	c.promoteOps.Add(1)
	c.cascadeDown(c.l2, c.l3, evictedKey, evicted)
}

// cascadeInto moves an entry that was just popped from src into dst,
// handling dst's own overflow by pushing its victim further down into
// the next tier. It's used for promotions discovered during Get.
func (c *TieredCache[V]) cascadeInto(dst, src *tier[V], key string, e *entry[V]) {
	_ = src // entry already popped from src by caller
	evictedKey, evicted, had := dst.putEvictOldest(key, e)
	if !had {
		return
	}
	switch dst.level {
	case L1:
		if evicted.shouldPromote(c.warmWindow) {
			c.cascadeDown(c.l2, c.l3, evictedKey, evicted)
		}
	case L2:
		c.l3.put(evictedKey, evicted)
	}
}

// cascadeDown pushes an L1 (or L2) overflow victim into dst; if dst also
// overflows, its own victim is pushed once more into next, with any
// further overflow simply discarded (L3 has no tier beneath it).
func (c *TieredCache[V]) cascadeDown(dst, next *tier[V], key string, e *entry[V]) {
	evictedKey, evicted, had := dst.putEvictOldest(key, e)
	if !had || next == nil {
		return
	}
	next.put(evictedKey, evicted)
}

// Maintenance runs a bulk promote/demote pass: L2 entries that now
// qualify for promotion move to L1; L1 entries that have gone cold move
// to L2. Returns the number of entries moved. Call periodically and
// whenever memory pressure rises.
func (c *TieredCache[V]) Maintenance() int {
	moved := 0
	now := time.Now()

	for _, key := range c.l2.keysSnapshot() {
		e, ok := c.l2.peek(key)
		if !ok || e.expired(now) {
			c.l2.remove(key)
			continue
		}
		if e.shouldPromote(c.warmWindow) {
			if popped, ok := c.l2.pop(key); ok {
				c.cascadeDown(c.l1, c.l2, key, popped)
				c.promoteOps.Add(1)
				moved++
			}
		}
	}

	for _, key := range c.l1.keysSnapshot() {
		e, ok := c.l1.peek(key)
		if !ok || e.expired(now) {
			c.l1.remove(key)
			continue
		}
		if e.shouldDemote(c.coldWindow) {
			if popped, ok := c.l1.pop(key); ok {
				c.cascadeDown(c.l2, c.l3, key, popped)
				c.demoteOps.Add(1)
				moved++
			}
		}
	}

	for _, key := range c.l3.keysSnapshot() {
		if e, ok := c.l3.peek(key); ok && e.expired(now) {
			c.l3.remove(key)
		}
	}

	return moved
}

// NoteWorkingSetSize records a size_adaptation event, and grows tier
// capacity by adaptiveGrowthFactor (bounded by adaptiveHardCapFactor
// times the originally configured size), when workingSet exceeds the
// adaptive sizing threshold.
func (c *TieredCache[V]) NoteWorkingSetSize(workingSet int) {
	if workingSet <= adaptiveSizeThreshold {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sizeAdaptations.Add(1)

	hardCap := int(float64(c.baseSizes.L1) * adaptiveHardCapFactor)
	current := c.l1.getCapacity()
	target := int(float64(current) * adaptiveGrowthFactor)
	if target > hardCap {
		target = hardCap
	}
	if target > current {
		c.l1.setCapacity(target)
	}
}

func (c *TieredCache[V]) recordOp(start time.Time) {
	c.opDuration.Add(int64(time.Since(start)))
	c.opCount.Add(1)
}

// Stats returns a snapshot of this cache's distribution and performance.
func (c *TieredCache[V]) Stats() Stats {
	var avg time.Duration
	if n := c.opCount.Load(); n > 0 {
		avg = time.Duration(c.opDuration.Load() / int64(n))
	}
	return Stats{
		L1Count:          c.l1.len(),
		L2Count:          c.l2.len(),
		L3Count:          c.l3.len(),
		Hits:             c.hits.Load(),
		Misses:           c.misses.Load(),
		PromoteOps:       c.promoteOps.Load(),
		DemoteOps:        c.demoteOps.Load(),
		SizeAdaptations:  c.sizeAdaptations.Load(),
		AvgOperationTime: avg,
	}
}

// CleanupExpired sweeps every tier for expired entries, removing them. It
// mirrors the persistence layer's cleanup_expired so the in-memory and
// durable sides use the same verb.
func (c *TieredCache[V]) CleanupExpired() int {
	now := time.Now()
	removed := 0
	for _, t := range []*tier[V]{c.l1, c.l2, c.l3} {
		for _, key := range t.keysSnapshot() {
			if e, ok := t.peek(key); ok && e.expired(now) {
				t.remove(key)
				removed++
			}
		}
	}
	return removed
}

// FeatureSet is the per-symbol derived-feature payload cached by
// MultiCache.Features: the normalized signature, an embedding hash, and a
// flattened feature vector consumed by anomaly-style scoring.
type FeatureSet struct {
	NormalizedSignature string
	EmbeddingHash       string
	Vector              []float64
}

// GroupResult is the per-batch duplicate-group payload cached by
// MultiCache.Groups, keyed by a stable order-independent hash of the
// input symbol-ID set.
type GroupResult struct {
	GroupIDs [][]string
}

// MultiCache hosts the three content-typed tiered caches the spec names:
// pairwise similarity, per-symbol features, and per-batch group results.
// Group results use a shorter TTL than features, per §4.4.
type MultiCache struct {
	Similarity *TieredCache[float64]
	Features   *TieredCache[FeatureSet]
	Groups     *TieredCache[GroupResult]
}

// NewMultiCache builds the three sub-caches at the given tier sizes,
// shared across all three (each content type gets its own independent
// L1/L2/L3, not a shared pool).
func NewMultiCache(sizes Sizes) *MultiCache {
	return &MultiCache{
		Similarity: NewTieredCache[float64]("similarity", sizes, defaultFeatureTTL),
		Features:   NewTieredCache[FeatureSet]("features", sizes, defaultFeatureTTL),
		Groups:     NewTieredCache[GroupResult]("groups", sizes, defaultGroupTTL),
	}
}

// Maintenance runs a maintenance pass across all three sub-caches.
func (m *MultiCache) Maintenance() int {
	return m.Similarity.Maintenance() + m.Features.Maintenance() + m.Groups.Maintenance()
}

// CleanupExpired sweeps expired entries from all three sub-caches.
func (m *MultiCache) CleanupExpired() int {
	return m.Similarity.CleanupExpired() + m.Features.CleanupExpired() + m.Groups.CleanupExpired()
}

// promMetrics exposes the three sub-caches' hit/miss counters as
// Prometheus collectors through MultiCache's Collect/Describe methods.
// Construction does not register with a default registry; callers
// register explicitly.
type promMetrics struct {
	hits   *prometheus.Desc
	misses *prometheus.Desc
}

func newPromMetrics() *promMetrics {
	return &promMetrics{
		hits:   prometheus.NewDesc("semdedup_cache_hits_total", "Cache hits by sub-cache.", []string{"cache"}, nil),
		misses: prometheus.NewDesc("semdedup_cache_misses_total", "Cache misses by sub-cache.", []string{"cache"}, nil),
	}
}

// Collect implements prometheus.Collector for a MultiCache snapshot.
func (m *MultiCache) Collect(ch chan<- prometheus.Metric) {
	pm := newPromMetrics()
	for name, s := range map[string]Stats{
		"similarity": m.Similarity.Stats(),
		"features":   m.Features.Stats(),
		"groups":     m.Groups.Stats(),
	} {
		ch <- prometheus.MustNewConstMetric(pm.hits, prometheus.CounterValue, float64(s.Hits), name)
		ch <- prometheus.MustNewConstMetric(pm.misses, prometheus.CounterValue, float64(s.Misses), name)
	}
}

// Describe implements prometheus.Collector.
func (m *MultiCache) Describe(ch chan<- *prometheus.Desc) {
	pm := newPromMetrics()
	ch <- pm.hits
	ch <- pm.misses
}
