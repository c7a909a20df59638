// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package dedup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/semdedup/bloom"
	"github.com/AleutianAI/semdedup/cache"
	"github.com/AleutianAI/semdedup/similarity"
	"github.com/AleutianAI/semdedup/symbol"
)

func sym(id, name, sig, file string) *symbol.Symbol {
	return &symbol.Symbol{
		ID:             id,
		Name:           name,
		NormalizedName: symbol.NormalizeName(name),
		Signature:      sig,
		Language:       symbol.LanguageGo,
		FilePath:       file,
		StartLine:      1,
		EndLine:        10,
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	f := bloom.New(1000)
	mc := cache.NewMultiCache(cache.Sizes{L1: 1000, L2: 1000, L3: 1000})
	return New(cfg, similarity.New(), f, mc)
}

func TestEngine_SimilarityScore_CachesResult(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	a := sym("a", "GetUserByID", "(id int) User", "x.go")
	b := sym("b", "FetchUserById", "(id int) User", "y.go")

	first, err := e.SimilarityScore(context.Background(), a, b)
	require.NoError(t, err)

	second, err := e.SimilarityScore(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEngine_SimilarityScore_CancelledContextErrors(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.SimilarityScore(ctx, sym("a", "Foo", "()", "x.go"), sym("b", "Bar", "()", "y.go"))
	assert.Error(t, err)
}

func TestEngine_AreSimilar_RespectsThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 0.99
	e := newTestEngine(t, cfg)

	similar, err := e.AreSimilar(context.Background(), sym("a", "Foo", "()", "x.go"), sym("b", "Foo", "()", "x.go"))
	require.NoError(t, err)
	assert.True(t, similar)

	dissimilar, err := e.AreSimilar(context.Background(), sym("a", "Foo", "()", "x.go"), sym("c", "CompletelyUnrelatedZzz", "(x, y, z string) bool", "other/dir.go"))
	require.NoError(t, err)
	assert.False(t, dissimilar)
}

func TestEngine_AreSimilar_OverrideAppliesOnlyToThisCall(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 0.99
	e := newTestEngine(t, cfg)

	a := sym("a", "GetUserByID", "(id int) User", "pkg/users.go")
	b := sym("b", "FetchUserById", "(id int) User", "pkg/users.go")

	lenient, err := e.AreSimilar(context.Background(), a, b, 0.1)
	require.NoError(t, err)
	assert.True(t, lenient)

	assert.Equal(t, 0.99, e.cfg.SimilarityThreshold, "override must not mutate the shared default")
}

// TestEngine_FindDuplicates_IsDeterministic is the §8 property: a fixed
// batch plus fixed adaptive state yields the same groups every call.
func TestEngine_FindDuplicates_IsDeterministic(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	batch := []*symbol.Symbol{
		sym("a", "GetUserByID", "(id int) User", "pkg/users.go"),
		sym("b", "GetUserByID", "(id int) User", "pkg/users.go"),
		sym("c", "CompletelyDifferentZzz", "(x, y, z string) bool", "other/dir.go"),
	}

	first, err := e.FindDuplicates(context.Background(), batch)
	require.NoError(t, err)

	second, err := e.FindDuplicates(context.Background(), batch)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Primary.ID, second[i].Primary.ID)
		assert.Equal(t, first[i].GroupConfidence, second[i].GroupConfidence)
	}
}

func TestEngine_FindDuplicates_EmptyBatchReturnsNil(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	groups, err := e.FindDuplicates(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, groups)
}

func TestEngine_FindDuplicates_GroupsNearIdenticalSymbols(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	batch := []*symbol.Symbol{
		sym("a", "GetUserByID", "(id int) User", "pkg/users.go"),
		sym("b", "GetUserByID", "(id int) User", "pkg/users.go"),
	}

	groups, err := e.FindDuplicates(context.Background(), batch)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Duplicates, 1)
	assert.GreaterOrEqual(t, groups[0].GroupConfidence, e.cfg.GroupConfidenceFloor)
}

func TestEngine_FindDuplicates_SecondCallHitsGroupCache(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	batch := []*symbol.Symbol{
		sym("a", "GetUserByID", "(id int) User", "pkg/users.go"),
		sym("b", "GetUserByID", "(id int) User", "pkg/users.go"),
	}

	_, err := e.FindDuplicates(context.Background(), batch)
	require.NoError(t, err)
	statsAfterFirst := e.Stats()

	_, err = e.FindDuplicates(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, statsAfterFirst.BatchesProcessed, e.Stats().BatchesProcessed, "cached batch must not re-run admission/scoring")
}

func TestEngine_AdmitCandidatePairs_DegradesWhenFilterAtCapacity(t *testing.T) {
	f := bloom.New(4, bloom.WithMaxBits(64))
	mc := cache.NewMultiCache(cache.Sizes{L1: 1000, L2: 1000, L3: 1000})
	e := New(DefaultConfig(), similarity.New(), f, mc)

	batch := make([]*symbol.Symbol, 0, 50)
	for i := 0; i < 50; i++ {
		batch = append(batch, sym(string(rune('a'+i)), "sym", "()", "f.go"))
	}

	_, degraded := e.admitCandidatePairs(batch)
	assert.True(t, degraded, "a tiny max-bits filter must force degraded exhaustive enumeration")
}

func TestWeaklyConnectedComponents_GroupsConnectedAboveThreshold(t *testing.T) {
	symbols := []*symbol.Symbol{
		{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"},
	}
	edges := []scoredEdge{
		{a: "a", b: "b", score: 0.9},
		{a: "b", b: "c", score: 0.8},
	}

	components := weaklyConnectedComponents(symbols, edges, 0.7)
	require.Len(t, components, 1)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, components[0])
}

func TestWeaklyConnectedComponents_BelowThresholdEdgesAreIgnored(t *testing.T) {
	symbols := []*symbol.Symbol{{ID: "a"}, {ID: "b"}}
	edges := []scoredEdge{{a: "a", b: "b", score: 0.1}}

	components := weaklyConnectedComponents(symbols, edges, 0.7)
	assert.Empty(t, components)
}

func TestChoosePrimary_LexicographicIDWins(t *testing.T) {
	members := []*symbol.Symbol{
		{ID: "zzz"},
		{ID: "aaa"},
		{ID: "mmm"},
	}
	assert.Equal(t, "aaa", choosePrimary(members).ID)
}

func TestChoosePrimary_TieBreaksOnConfidenceThenSignatureLength(t *testing.T) {
	low := float32(0.2)
	high := float32(0.9)
	members := []*symbol.Symbol{
		{ID: "a", Confidence: &low, Signature: "(x)"},
		{ID: "a", Confidence: &high, Signature: "(x, y)"},
	}
	best := choosePrimary(members)
	assert.Equal(t, &high, best.Confidence)
}

func TestBuildGroup_RejectsBelowConfidenceFloor(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GroupConfidenceFloor = 0.9
	e := newTestEngine(t, cfg)

	members := []*symbol.Symbol{{ID: "a"}, {ID: "b"}}
	byScore := map[symbol.PairKey]float64{symbol.NewPairKey("a", "b"): 0.5}

	_, ok := e.buildGroup(members, byScore)
	assert.False(t, ok)
}

func TestStrategyFor_Breakpoints(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	assert.Equal(t, StrategyAutoMerge, e.strategyFor(0.95))
	assert.Equal(t, StrategyManualReview, e.strategyFor(0.8))
	assert.Equal(t, StrategyIgnore, e.strategyFor(0.71))
}

func TestStrategy_String(t *testing.T) {
	assert.Equal(t, "auto_merge", StrategyAutoMerge.String())
	assert.Equal(t, "manual_review", StrategyManualReview.String())
	assert.Equal(t, "ignore", StrategyIgnore.String())
}

// TestBuildGroup_TransitiveChain_ConfidenceUsesAllComponentEdges covers a
// component A-B-C where A (the chosen primary) has no direct scored edge
// to C: confidence must be the mean of the two real edges that actually
// exist (A-B, B-C), not (A-B + an absent A-C treated as 0)/2.
func TestBuildGroup_TransitiveChain_ConfidenceUsesAllComponentEdges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GroupConfidenceFloor = 0.7
	e := newTestEngine(t, cfg)

	members := []*symbol.Symbol{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	byScore := map[symbol.PairKey]float64{
		symbol.NewPairKey("a", "b"): 0.9,
		symbol.NewPairKey("b", "c"): 0.8,
		// a-c was never an admitted candidate pair: absent from the map.
	}

	g, ok := e.buildGroup(members, byScore)
	require.True(t, ok, "a valid transitive chain must not be dropped by a missing primary-incident edge")
	assert.InDelta(t, 0.85, g.GroupConfidence, 1e-9)

	for _, d := range g.Duplicates {
		assert.Greater(t, d.Similarity, 0.0, "member %s must not be reported with similarity 0 just because its edge to the primary was never scored", d.Symbol.ID)
	}
}

func TestSimilarityScore_IgnoresStalePlaceholderAndRecomputes(t *testing.T) {
	e := newTestEngine(t, DefaultConfig())
	a := sym("a", "GetUserByID", "(id int) User", "x.go")
	b := sym("b", "FetchUserById", "(id int) User", "y.go")

	key := symbol.NewPairKey(a.ID, b.ID).String()
	e.cache.Similarity.Put(key, -1.0) // simulates preload.Warm's provisional sentinel

	score, err := e.SimilarityScore(context.Background(), a, b)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, score, 0.5, "a warmed placeholder must never be returned as the real similarity score")
}

func TestSimilarityScore_OnScoreFiresOnlyOnRealComputation(t *testing.T) {
	var calls []float64
	f := bloom.New(1000)
	mc := cache.NewMultiCache(cache.Sizes{L1: 1000, L2: 1000, L3: 1000})
	e := New(DefaultConfig(), similarity.New(), f, mc, WithScoreObserver(func(aID, bID string, score float64) {
		calls = append(calls, score)
	}))

	a := sym("a", "GetUserByID", "(id int) User", "x.go")
	b := sym("b", "FetchUserById", "(id int) User", "y.go")

	_, err := e.SimilarityScore(context.Background(), a, b)
	require.NoError(t, err)
	require.Len(t, calls, 1, "observer must fire exactly once for the genuine computation")

	_, err = e.SimilarityScore(context.Background(), a, b)
	require.NoError(t, err)
	assert.Len(t, calls, 1, "observer must not fire again on a cache hit")
}
