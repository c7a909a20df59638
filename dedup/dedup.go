// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dedup is the deduplication core's top-level orchestration: it
// wires the symbol model, bloom filter, similarity scorer, and multi-tier
// cache into find_duplicates, similarity_score, and are_similar. Blocking
// admits candidate pairs cheaply via the bloom filter plus normalized
// prefix/language/semantic-hash pre-filters; scoring runs in parallel
// across admitted pairs; components are built with an adjacency-map plus
// iterative weakly-connected-components walk, the same style the symbol
// graph builder uses for its own edge/node bookkeeping.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/semdedup/bloom"
	"github.com/AleutianAI/semdedup/cache"
	"github.com/AleutianAI/semdedup/internal/errs"
	"github.com/AleutianAI/semdedup/similarity"
	"github.com/AleutianAI/semdedup/symbol"
)

// Strategy is the recommended disposition for a duplicate group, per spec
// §4.7 step 7.
type Strategy int

const (
	StrategyAutoMerge Strategy = iota
	StrategyManualReview
	StrategyIgnore
)

func (s Strategy) String() string {
	switch s {
	case StrategyAutoMerge:
		return "auto_merge"
	case StrategyManualReview:
		return "manual_review"
	default:
		return "ignore"
	}
}

// DuplicateGroup is one connected component of symbols the Deduplicator
// considers likely duplicates of one another.
type DuplicateGroup struct {
	Primary         *symbol.Symbol
	Duplicates      []DuplicateMember
	GroupConfidence float64
	Strategy        Strategy
}

// DuplicateMember is a non-primary symbol in a DuplicateGroup, carrying
// its similarity score against the primary.
type DuplicateMember struct {
	Symbol     *symbol.Symbol
	Similarity float64
}

// Config holds the thresholds the Engine applies. Construct via
// semdedupconfig and adapt, or build directly for tests.
type Config struct {
	GroupConfidenceFloor   float64
	SimilarityThreshold    float64
	AutoMergeConfidence    float64
	ManualReviewConfidence float64
}

// DefaultConfig matches spec §4.7's named defaults.
func DefaultConfig() Config {
	return Config{
		GroupConfidenceFloor:   0.7,
		SimilarityThreshold:    0.7,
		AutoMergeConfidence:    0.9,
		ManualReviewConfidence: 0.75,
	}
}

// Stats reports degraded-mode and other operational counters an operator
// dashboard would want.
type Stats struct {
	DegradedBatches  uint64
	BatchesProcessed uint64
}

// Engine is the top-level Deduplicator. Safe for concurrent use; all
// mutable state is either per-call or delegated to the thread-safe bloom
// filter and cache it holds.
type Engine struct {
	cfg Config

	scorer *similarity.Scorer
	filter *bloom.Filter
	cache  *cache.MultiCache

	logger *slog.Logger
	tracer trace.Tracer

	// onScore, if set, is called with every pair SimilarityScore computes
	// from scratch — never on a cache hit. The root aggregate wires this to
	// the predictive preloader's RecordRealScore.
	onScore func(aID, bID string, score float64)

	degradedBatches  atomic.Uint64
	batchesProcessed atomic.Uint64
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithScoreObserver registers fn to be called with (s1.ID, s2.ID, score)
// every time SimilarityScore computes a genuine score — a cache miss, or a
// stale placeholder being overwritten — never on a cache hit. The root
// aggregate wires this to the predictive preloader's RecordRealScore, so a
// warmed pair's provisional entry is replaced and counted as a successful
// prediction the moment the real score exists.
func WithScoreObserver(fn func(aID, bID string, score float64)) Option {
	return func(e *Engine) {
		e.onScore = fn
	}
}

// New builds an Engine from its collaborators plus a Config.
func New(cfg Config, scorer *similarity.Scorer, filter *bloom.Filter, multiCache *cache.MultiCache, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		scorer: scorer,
		filter: filter,
		cache:  multiCache,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/AleutianAI/semdedup/dedup"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats reports the Engine's operational counters.
func (e *Engine) Stats() Stats {
	return Stats{
		DegradedBatches:  e.degradedBatches.Load(),
		BatchesProcessed: e.batchesProcessed.Load(),
	}
}

// SimilarityScore is the cache-routed scorer: it reads through the
// similarity sub-cache, computing and storing on miss. A cached value
// outside [0,1] — every channel Score composes is normalized into that
// range, so Overall always is too — is never a real score; it is a
// placeholder another collaborator (the predictive preloader's Warm)
// installed speculatively, and is evicted and recomputed rather than
// handed back as a hit.
func (e *Engine) SimilarityScore(ctx context.Context, s1, s2 *symbol.Symbol) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}

	key := symbol.NewPairKey(s1.ID, s2.ID).String()
	if cached, ok := e.cache.Similarity.Get(key); ok {
		if isRealSimilarityScore(cached) {
			return cached, nil
		}
		e.cache.Similarity.Invalidate(key)
	}

	score, err := e.cache.Similarity.GetOrCompute(key, func() (float64, error) {
		computed := e.scorer.Score(s1, s2).Overall
		if e.onScore != nil {
			e.onScore(s1.ID, s2.ID, computed)
		}
		return computed, nil
	})
	if err != nil {
		return 0, err
	}
	return score, nil
}

// isRealSimilarityScore reports whether v falls within the range the
// similarity scorer can actually produce.
func isRealSimilarityScore(v float64) bool {
	return v >= 0 && v <= 1
}

// AreSimilar applies a similarity threshold to SimilarityScore's result.
// Per Open Question (a), it shares Config.SimilarityThreshold with
// group-edge admission by default, but a caller may pass one override
// value to check against a different threshold for this call only — the
// shared default is never mutated. See DESIGN.md.
func (e *Engine) AreSimilar(ctx context.Context, s1, s2 *symbol.Symbol, override ...float64) (bool, error) {
	threshold := e.cfg.SimilarityThreshold
	if len(override) > 0 {
		threshold = override[0]
	}

	score, err := e.SimilarityScore(ctx, s1, s2)
	if err != nil {
		return false, err
	}
	return score >= threshold, nil
}

// FindDuplicates runs the full duplicate-detection algorithm: batch-hash
// short-circuit, blocking, parallel scoring, component grouping, primary
// selection, confidence/strategy assignment, and result caching.
// Deterministic for a fixed symbols slice and fixed adaptive cache/bloom
// state.
func (e *Engine) FindDuplicates(ctx context.Context, symbols []*symbol.Symbol) (_ []DuplicateGroup, err error) {
	ctx, span := e.tracer.Start(ctx, "dedup.FindDuplicates",
		trace.WithAttributes(attribute.Int("semdedup.batch_size", len(symbols))))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}
	if len(symbols) == 0 {
		return nil, nil
	}

	byID := make(map[string]*symbol.Symbol, len(symbols))
	for _, s := range symbols {
		byID[s.ID] = s
	}

	batchHash := batchHashOf(symbols)
	if cached, ok := e.cache.Groups.Get(batchHash); ok {
		return e.hydrateGroups(byID, cached), nil
	}

	pairs, degraded := e.admitCandidatePairs(symbols)
	if degraded {
		e.degradedBatches.Add(1)
	}
	e.batchesProcessed.Add(1)

	edges, err := e.scorePairs(ctx, byID, pairs)
	if err != nil {
		return nil, err
	}

	components := weaklyConnectedComponents(symbols, edges, e.cfg.SimilarityThreshold)

	byPairScore := make(map[symbol.PairKey]float64, len(edges))
	for _, edge := range edges {
		byPairScore[symbol.NewPairKey(edge.a, edge.b)] = edge.score
	}

	groups := make([]DuplicateGroup, 0, len(components))
	var cacheable cache.GroupResult
	for _, compIDs := range components {
		members := make([]*symbol.Symbol, 0, len(compIDs))
		for _, id := range compIDs {
			if s, ok := byID[id]; ok {
				members = append(members, s)
			}
		}
		g, ok := e.buildGroup(members, byPairScore)
		if !ok {
			continue
		}
		groups = append(groups, g)

		ids := make([]string, 0, len(members))
		ids = append(ids, g.Primary.ID)
		for _, m := range g.Duplicates {
			ids = append(ids, m.Symbol.ID)
		}
		cacheable.GroupIDs = append(cacheable.GroupIDs, symbol.SortIDs(ids))
	}

	e.cache.Groups.Put(batchHash, cacheable)
	span.SetAttributes(
		attribute.Int("semdedup.groups_found", len(groups)),
		attribute.Bool("semdedup.degraded", degraded),
	)
	return groups, nil
}

// hydrateGroups rebuilds DuplicateGroup values (with live *symbol.Symbol
// pointers and fresh similarity lookups) from a cached GroupResult.
// Re-reading similarity is itself cache-routed, so hydration after a
// cache hit is still far cheaper than recomputing the whole batch.
func (e *Engine) hydrateGroups(byID map[string]*symbol.Symbol, cached cache.GroupResult) []DuplicateGroup {
	groups := make([]DuplicateGroup, 0, len(cached.GroupIDs))
	for _, ids := range cached.GroupIDs {
		members := make([]*symbol.Symbol, 0, len(ids))
		for _, id := range ids {
			if s, ok := byID[id]; ok {
				members = append(members, s)
			}
		}
		if len(members) == 0 {
			continue
		}

		byPairScore := make(map[symbol.PairKey]float64, len(members)*len(members))
		for i := 0; i < len(members); i++ {
			for j := i + 1; j < len(members); j++ {
				pk := symbol.NewPairKey(members[i].ID, members[j].ID)
				score, ok := e.cache.Similarity.Get(pk.String())
				if !ok {
					score = e.scorer.Score(members[i], members[j]).Overall
				}
				byPairScore[pk] = score
			}
		}

		if g, ok := e.buildGroup(members, byPairScore); ok {
			groups = append(groups, g)
		}
	}
	return groups
}

// admitCandidatePairs generates candidate pairs by blocking: the bloom
// filter plus cheap prefilters (shared normalized prefix, language, or
// semantic-hash bucket). Every admitted pair is inserted into the bloom
// filter. If the filter reports AtCapacity, the Engine falls back to
// exhaustive O(n^2) enumeration for this batch and reports degraded=true.
func (e *Engine) admitCandidatePairs(symbols []*symbol.Symbol) (pairs []symbol.PairKey, degraded bool) {
	n := len(symbols)
	prefixBuckets := make(map[string][]*symbol.Symbol)
	hashBuckets := make(map[string][]*symbol.Symbol)
	for _, s := range symbols {
		prefix := normalizedPrefix(s.NormalizedName)
		prefixBuckets[prefix] = append(prefixBuckets[prefix], s)
		if s.SemanticHash != "" {
			hashBuckets[s.SemanticHash] = append(hashBuckets[s.SemanticHash], s)
		}
	}

	seen := make(map[symbol.PairKey]struct{})
	addCandidate := func(a, b *symbol.Symbol) {
		if a.ID == b.ID {
			return
		}
		seen[symbol.NewPairKey(a.ID, b.ID)] = struct{}{}
	}

	for _, bucket := range prefixBuckets {
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				addCandidate(bucket[i], bucket[j])
			}
		}
	}
	for _, bucket := range hashBuckets {
		for i := 0; i < len(bucket); i++ {
			for j := i + 1; j < len(bucket); j++ {
				addCandidate(bucket[i], bucket[j])
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if symbols[i].Language == symbols[j].Language || e.filter.MightContain(symbols[i].ID, symbols[j].ID) {
				addCandidate(symbols[i], symbols[j])
			}
		}
	}

	pairs = make([]symbol.PairKey, 0, len(seen))
	for pk := range seen {
		pairs = append(pairs, pk)
		if err := e.filter.Insert(pk.Min, pk.Max); err != nil {
			if errors.Is(err, errs.ErrAtCapacity) {
				degraded = true
			}
		}
	}

	if degraded {
		// The blocking prefilters above cover only a subset; exhaustive
		// enumeration is a strict superset, so rebuild from scratch
		// rather than merge partial results.
		pairs = pairs[:0]
		for i := 0; i < n; i++ {
			for j := i + 1; j < n; j++ {
				pairs = append(pairs, symbol.NewPairKey(symbols[i].ID, symbols[j].ID))
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Less(pairs[j]) })
	return pairs, degraded
}

func normalizedPrefix(normalized string) string {
	const prefixLen = 4
	if len(normalized) <= prefixLen {
		return normalized
	}
	return normalized[:prefixLen]
}

// scoredEdge is one candidate pair's computed similarity.
type scoredEdge struct {
	a, b  string
	score float64
}

// scorePairs computes or fetches (via SimilarityScore's cache routing)
// the score for every candidate pair, in parallel via errgroup.
func (e *Engine) scorePairs(ctx context.Context, byID map[string]*symbol.Symbol, pairs []symbol.PairKey) ([]scoredEdge, error) {
	edges := make([]scoredEdge, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelism)

	for i, pk := range pairs {
		i, pk := i, pk
		a, aOK := byID[pk.Min]
		b, bOK := byID[pk.Max]
		if !aOK || !bOK {
			continue
		}
		g.Go(func() error {
			score, err := e.SimilarityScore(gctx, a, b)
			if err != nil {
				return err
			}
			edges[i] = scoredEdge{a: pk.Min, b: pk.Max, score: score}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return edges, nil
}

const maxParallelism = 16

// weaklyConnectedComponents builds an undirected adjacency map from edges
// at or above threshold, then walks it iteratively (BFS) to find
// components — the same adjacency-map-plus-walk idiom the symbol graph
// builder uses for edge extraction, rather than a generic graph library.
func weaklyConnectedComponents(symbols []*symbol.Symbol, edges []scoredEdge, threshold float64) [][]string {
	adjacency := make(map[string]map[string]struct{})
	for _, e := range edges {
		if e.score < threshold || e.a == "" || e.b == "" {
			continue
		}
		if adjacency[e.a] == nil {
			adjacency[e.a] = make(map[string]struct{})
		}
		if adjacency[e.b] == nil {
			adjacency[e.b] = make(map[string]struct{})
		}
		adjacency[e.a][e.b] = struct{}{}
		adjacency[e.b][e.a] = struct{}{}
	}

	visited := make(map[string]struct{})
	var components [][]string

	orderedIDs := make([]string, 0, len(symbols))
	for _, s := range symbols {
		orderedIDs = append(orderedIDs, s.ID)
	}
	sort.Strings(orderedIDs)

	for _, id := range orderedIDs {
		if _, ok := visited[id]; ok {
			continue
		}
		if len(adjacency[id]) == 0 {
			continue // isolated node: not part of any duplicate group
		}

		queue := []string{id}
		visited[id] = struct{}{}
		var comp []string
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			comp = append(comp, cur)

			neighbors := make([]string, 0, len(adjacency[cur]))
			for neighbor := range adjacency[cur] {
				neighbors = append(neighbors, neighbor)
			}
			sort.Strings(neighbors)
			for _, neighbor := range neighbors {
				if _, ok := visited[neighbor]; ok {
					continue
				}
				visited[neighbor] = struct{}{}
				queue = append(queue, neighbor)
			}
		}
		sort.Strings(comp)
		components = append(components, comp)
	}
	return components
}

// buildGroup selects the primary among members, computes group confidence
// as the mean of the component's edges, and assigns a Strategy. Reports
// ok=false if the result falls below GroupConfidenceFloor, or if members
// has fewer than two elements.
func (e *Engine) buildGroup(members []*symbol.Symbol, byPairScore map[symbol.PairKey]float64) (DuplicateGroup, bool) {
	if len(members) < 2 {
		return DuplicateGroup{}, false
	}

	primary := choosePrimary(members)
	dups := make([]DuplicateMember, 0, len(members)-1)
	for _, m := range members {
		if m == primary {
			continue
		}
		score, ok := byPairScore[symbol.NewPairKey(primary.ID, m.ID)]
		if !ok {
			// primary isn't directly adjacent to m in the candidate graph
			// (m joined the component through another member); score their
			// actual similarity rather than reporting an absent edge as 0.
			score = e.scorer.Score(primary, m).Overall
		}
		dups = append(dups, DuplicateMember{Symbol: m, Similarity: score})
	}

	confidence := e.componentConfidence(members, byPairScore)
	if confidence < e.cfg.GroupConfidenceFloor {
		return DuplicateGroup{}, false
	}

	sort.Slice(dups, func(i, j int) bool { return dups[i].Symbol.ID < dups[j].Symbol.ID })

	return DuplicateGroup{
		Primary:         primary,
		Duplicates:      dups,
		GroupConfidence: confidence,
		Strategy:        e.strategyFor(confidence),
	}, true
}

// componentConfidence computes group_confidence as the mean over every
// edge in the component — every member pair scored at or above
// SimilarityThreshold, the same admission rule weaklyConnectedComponents
// used to form this component — not just the primary's incident edges. A
// pair that was never scored (no candidate edge exists for it) is simply
// excluded from the average rather than counted as a 0 score, so a
// transitive chain (A-B-C with no direct A-C edge) isn't dragged below
// GroupConfidenceFloor by an edge that was never computed.
func (e *Engine) componentConfidence(members []*symbol.Symbol, byPairScore map[symbol.PairKey]float64) float64 {
	var sum float64
	var n int
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			score, ok := byPairScore[symbol.NewPairKey(members[i].ID, members[j].ID)]
			if !ok || score < e.cfg.SimilarityThreshold {
				continue
			}
			sum += score
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (e *Engine) strategyFor(confidence float64) Strategy {
	switch {
	case confidence >= e.cfg.AutoMergeConfidence:
		return StrategyAutoMerge
	case confidence >= e.cfg.ManualReviewConfidence:
		return StrategyManualReview
	default:
		return StrategyIgnore
	}
}

// choosePrimary picks the lexicographically smallest ID, tie-broken by
// highest Confidence then longest Signature, matching spec §4.7 step 6.
func choosePrimary(members []*symbol.Symbol) *symbol.Symbol {
	best := members[0]
	for _, m := range members[1:] {
		if betterPrimary(m, best) {
			best = m
		}
	}
	return best
}

func betterPrimary(candidate, current *symbol.Symbol) bool {
	if candidate.ID != current.ID {
		return candidate.ID < current.ID
	}
	candConf, curConf := confidenceOf(candidate), confidenceOf(current)
	if candConf != curConf {
		return candConf > curConf
	}
	return len(candidate.Signature) > len(current.Signature)
}

func confidenceOf(s *symbol.Symbol) float32 {
	if s.Confidence == nil {
		return 0
	}
	return *s.Confidence
}

// batchHashOf computes a stable hash over a symbol batch's IDs, used to
// short-circuit find_duplicates when the same batch (by ID set) has
// already been grouped and cached.
func batchHashOf(symbols []*symbol.Symbol) string {
	ids := make([]string, len(symbols))
	for i, s := range symbols {
		ids[i] = s.ID
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
