// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTieredCache_PutThenGet(t *testing.T) {
	c := NewTieredCache[string]("t", Sizes{L1: 10, L2: 10, L3: 10}, 0)
	c.Put("k", "v")
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestTieredCache_MissIncrementsMisses(t *testing.T) {
	c := NewTieredCache[string]("t", Sizes{L1: 10, L2: 10, L3: 10}, 0)
	_, ok := c.Get("missing")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Misses)
}

// TestTieredCache_ExactlyOneTierInvariant is the §8 property: a key is
// never resident in more than one tier at once.
func TestTieredCache_ExactlyOneTierInvariant(t *testing.T) {
	c := NewTieredCache[int]("t", Sizes{L1: 2, L2: 2, L3: 2}, 0)

	for i := 0; i < 20; i++ {
		c.Put(fmt.Sprintf("k-%d", i), i)
	}

	seen := map[string]int{}
	for _, tr := range []*tier[int]{c.l1, c.l2, c.l3} {
		for _, k := range tr.keysSnapshot() {
			seen[k]++
		}
	}
	for k, count := range seen {
		assert.Equal(t, 1, count, "key %q resident in %d tiers", k, count)
	}
}

func TestTieredCache_OverflowCascadesL1ToL2ToL3(t *testing.T) {
	c := NewTieredCache[int]("t", Sizes{L1: 1, L2: 1, L3: 1}, 0)

	c.Put("a", 1)
	c.Put("b", 2) // evicts "a" from L1; a.accessCount==1 so it should_promote -> cascades to L2
	c.Put("c", 3) // evicts "b" from L1 -> cascades, pushing through L2 into L3 as L2 fills

	total := c.l1.len() + c.l2.len() + c.l3.len()
	assert.LessOrEqual(t, total, 3)
	assert.Greater(t, total, 0)
}

func TestTieredCache_GetPromotesFromL3ToL2(t *testing.T) {
	c := NewTieredCache[string]("t", Sizes{L1: 5, L2: 5, L3: 5}, 0)

	e := newEntry("v", 0)
	c.l3.put("k", e)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.False(t, c.l3.contains("k"))
	assert.True(t, c.l2.contains("k") || c.l1.contains("k"))
}

func TestTieredCache_ExpiredEntryTreatedAsMiss(t *testing.T) {
	c := NewTieredCache[string]("t", Sizes{L1: 5, L2: 5, L3: 5}, time.Millisecond)
	c.Put("k", "v")
	time.Sleep(5 * time.Millisecond)

	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestTieredCache_CleanupExpired_RemovesAllExpired(t *testing.T) {
	c := NewTieredCache[string]("t", Sizes{L1: 5, L2: 5, L3: 5}, time.Millisecond)
	c.Put("a", "1")
	c.Put("b", "2")
	time.Sleep(5 * time.Millisecond)

	removed := c.CleanupExpired()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 0, c.l1.len()+c.l2.len()+c.l3.len())
}

// TestTieredCache_GetOrCompute_SecondCallIsFaster is the §8 property:
// after the first GetOrCompute populates the cache, subsequent calls for
// the same key must not re-invoke the compute function.
func TestTieredCache_GetOrCompute_SecondCallIsFaster(t *testing.T) {
	c := NewTieredCache[int]("t", Sizes{L1: 10, L2: 10, L3: 10}, 0)

	var calls int32
	compute := func() (int, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return 42, nil
	}

	v1, err := c.GetOrCompute("k", compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v1)

	v2, err := c.GetOrCompute("k", compute)
	require.NoError(t, err)
	assert.Equal(t, 42, v2)

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestTieredCache_GetOrCompute_CollapsesConcurrentMisses(t *testing.T) {
	c := NewTieredCache[int]("t", Sizes{L1: 10, L2: 10, L3: 10}, 0)

	var calls int32
	compute := func() (int, error) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return 7, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrCompute("shared-key", compute)
			assert.NoError(t, err)
			assert.Equal(t, 7, v)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestTieredCache_NoteWorkingSetSize_GrowsL1BoundedByHardCap(t *testing.T) {
	c := NewTieredCache[int]("t", Sizes{L1: 100, L2: 100, L3: 100}, 0)

	c.NoteWorkingSetSize(adaptiveSizeThreshold + 1)
	grown := c.l1.getCapacity()
	assert.Greater(t, grown, 100)

	for i := 0; i < 10; i++ {
		c.NoteWorkingSetSize(adaptiveSizeThreshold + 1)
	}
	hardCap := int(float64(100) * adaptiveHardCapFactor)
	assert.LessOrEqual(t, c.l1.getCapacity(), hardCap)
	assert.Greater(t, c.Stats().SizeAdaptations, uint64(0))
}

func TestTieredCache_NoteWorkingSetSize_BelowThresholdNoOp(t *testing.T) {
	c := NewTieredCache[int]("t", Sizes{L1: 100, L2: 100, L3: 100}, 0)
	c.NoteWorkingSetSize(10)
	assert.Equal(t, 100, c.l1.getCapacity())
	assert.Zero(t, c.Stats().SizeAdaptations)
}

func TestMultiCache_IndependentSubCaches(t *testing.T) {
	m := NewMultiCache(Sizes{L1: 10, L2: 10, L3: 10})
	m.Similarity.Put("pair", 0.9)
	m.Groups.Put("batch", GroupResult{GroupIDs: [][]string{{"a", "b"}}})

	_, ok := m.Features.Get("pair")
	assert.False(t, ok, "similarity key must not leak into the features sub-cache")

	v, ok := m.Similarity.Get("pair")
	require.True(t, ok)
	assert.Equal(t, 0.9, v)
}

func TestMultiCache_Maintenance_RunsAllSubCaches(t *testing.T) {
	m := NewMultiCache(Sizes{L1: 10, L2: 10, L3: 10})
	assert.NotPanics(t, func() { m.Maintenance() })
}
