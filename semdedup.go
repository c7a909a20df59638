// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semdedup wires the deduplication core's components (symbol,
// bloom, similarity, cache, preload, persistence, pattern, dedup) into a
// single Engine. New, FindDuplicates, SimilarityScore and AreSimilar take
// an explicit context.Context, and no call reaches for a package-level
// singleton, so a caller embedding this core in a larger service controls
// cancellation, deadlines, and lifecycle itself.
package semdedup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/semdedup/bloom"
	"github.com/AleutianAI/semdedup/cache"
	"github.com/AleutianAI/semdedup/dedup"
	"github.com/AleutianAI/semdedup/pattern"
	"github.com/AleutianAI/semdedup/persistence"
	"github.com/AleutianAI/semdedup/preload"
	"github.com/AleutianAI/semdedup/semdedupconfig"
	"github.com/AleutianAI/semdedup/similarity"
	"github.com/AleutianAI/semdedup/symbol"
)

// defaultProjectID is the persistence group-row key used when a caller
// does not set one via WithProjectID. Most embedders run one core per
// project/workspace and never need more than this.
const defaultProjectID = "default"

// Stats aggregates the operational counters of every wired component.
type Stats struct {
	Dedup       dedup.Stats
	Bloom       bloom.Stats
	Preload     preload.Stats
	Persistence *persistence.Stats
}

// Engine is the root aggregate: the single entry point an embedding
// service uses instead of constructing C1-C8 by hand.
type Engine struct {
	dedup     *dedup.Engine
	filter    *bloom.Filter
	preloader *preload.Preloader
	patterns  *pattern.Engine
	store     *persistence.Store
	logger    *slog.Logger
	projectID string
}

// Option configures an Engine at construction time.
type Option func(*engineOptions)

type engineOptions struct {
	logger        *slog.Logger
	persistDir    string
	projectID     string
	enablePattern bool
}

// WithLogger overrides the default slog.Default() logger, threaded down
// into every wired component that accepts one.
func WithLogger(logger *slog.Logger) Option {
	return func(o *engineOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPersistenceDir enables durable cache persistence (C6) at dir. When
// unset, the Engine runs in-memory only, matching the non-goal in the
// dedup component's own spec of never requiring durability to operate
// correctly.
func WithPersistenceDir(dir string) Option {
	return func(o *engineOptions) { o.persistDir = dir }
}

// WithProjectID sets the persistence group-row key FindDuplicates stores
// resolved groups under. Defaults to "default".
func WithProjectID(id string) Option {
	return func(o *engineOptions) {
		if id != "" {
			o.projectID = id
		}
	}
}

// WithPatternEngine enables the pattern engine (C8), which duplicate
// groups feed detections into for evolving-pattern tracking and async
// validation requests. Off by default: a caller that only wants
// find_duplicates should not pay for pattern bookkeeping it never reads.
func WithPatternEngine() Option {
	return func(o *engineOptions) { o.enablePattern = true }
}

// New builds an Engine from cfg, wiring a fresh bloom filter, similarity
// scorer, multi-tier cache, and predictive preloader, optionally adding
// cache persistence and the pattern engine per opts. ctx bounds the
// persistence store's background cleanup task only; New itself
// does no blocking I/O beyond opening that store.
func New(ctx context.Context, cfg *semdedupconfig.Config, opts ...Option) (*Engine, error) {
	o := engineOptions{
		logger:    slog.Default(),
		projectID: defaultProjectID,
	}
	for _, opt := range opts {
		opt(&o)
	}

	scorer := similarity.New()
	filter := bloom.New(cfg.BloomExpectedInsertions, cfg.BloomOptions()...)
	multiCache := cache.NewMultiCache(cfg.CacheSizes)

	preloader := preload.New(
		multiCache.Similarity,
		preload.WithMLPredictionEnabled(cfg.MLPredictionEnabled),
	)

	dedupEngine := dedup.New(
		dedup.Config{
			GroupConfidenceFloor:   cfg.GroupConfidenceFloor,
			SimilarityThreshold:    cfg.SimilarityThreshold,
			AutoMergeConfidence:    cfg.AutoMergeConfidence,
			ManualReviewConfidence: cfg.ManualReviewConfidence,
		},
		scorer,
		filter,
		multiCache,
		dedup.WithLogger(o.logger),
		dedup.WithScoreObserver(preloader.RecordRealScore),
	)

	e := &Engine{
		dedup:     dedupEngine,
		filter:    filter,
		preloader: preloader,
		logger:    o.logger,
		projectID: o.projectID,
	}

	if o.enablePattern {
		e.patterns = pattern.New(scorer)
	}

	if o.persistDir != "" {
		store, err := persistence.Open(o.persistDir, persistence.WithLogger(o.logger), persistence.WithSoftCap(cfg.PersistenceSoftCap))
		if err != nil {
			return nil, fmt.Errorf("semdedup: open persistence store: %w", err)
		}
		interval := time.Duration(cfg.PersistenceIntervalSeconds) * time.Second
		if interval > 0 {
			store.StartBackgroundTask(ctx, interval)
		}
		e.store = store
	}

	return e, nil
}

// FindDuplicates runs the full duplicate-detection pipeline against
// symbols, trains the preloader's associator on the batch, and — if the
// pattern engine is enabled — feeds the resulting groups' symbols into
// DetectPatterns. If persistence is enabled, the resolved groups are
// persisted under the Engine's project ID before returning.
func (e *Engine) FindDuplicates(ctx context.Context, symbols []*symbol.Symbol) ([]dedup.DuplicateGroup, error) {
	e.preloader.Train(symbols)

	groups, err := e.dedup.FindDuplicates(ctx, symbols)
	if err != nil {
		return nil, err
	}

	if e.patterns != nil {
		for _, g := range groups {
			members := make([]*symbol.Symbol, 0, len(g.Duplicates)+1)
			members = append(members, g.Primary)
			for _, d := range g.Duplicates {
				members = append(members, d.Symbol)
			}
			e.patterns.DetectPatterns(members)
		}
	}

	if e.store != nil && len(groups) > 0 {
		rows := make([][]string, 0, len(groups))
		for _, g := range groups {
			ids := make([]string, 0, len(g.Duplicates)+1)
			ids = append(ids, g.Primary.ID)
			for _, d := range g.Duplicates {
				ids = append(ids, d.Symbol.ID)
			}
			rows = append(rows, ids)
		}
		if err := e.store.StoreGroups(ctx, e.projectID, rows); err != nil {
			e.logger.Warn("semdedup: persist groups failed", "error", err)
		}
	}

	return groups, nil
}

// AreSimilar reports whether s1 and s2 meet the similarity threshold,
// optionally overridden for this one call. See dedup.Engine.AreSimilar.
func (e *Engine) AreSimilar(ctx context.Context, s1, s2 *symbol.Symbol, override ...float64) (bool, error) {
	return e.dedup.AreSimilar(ctx, s1, s2, override...)
}

// SimilarityScore returns the cache-routed overall similarity score
// between s1 and s2. See dedup.Engine.SimilarityScore.
func (e *Engine) SimilarityScore(ctx context.Context, s1, s2 *symbol.Symbol) (float64, error) {
	return e.dedup.SimilarityScore(ctx, s1, s2)
}

// Warm asks the predictive preloader to populate provisional cache
// entries for target based on trained associations. See
// preload.Preloader.Warm.
func (e *Engine) Warm(target *symbol.Symbol) {
	e.preloader.Warm(target)
}

// Patterns returns the pattern engine, or nil if WithPatternEngine was
// not set at construction.
func (e *Engine) Patterns() *pattern.Engine {
	return e.patterns
}

// Stats returns a snapshot of every wired component's operational
// counters. Persistence is nil if persistence was not enabled.
func (e *Engine) Stats() Stats {
	s := Stats{
		Dedup:   e.dedup.Stats(),
		Bloom:   e.filter.Stats(),
		Preload: e.preloader.Stats(),
	}
	if e.store != nil {
		stats := e.store.Stats()
		s.Persistence = &stats
	}
	return s
}

// Close releases the preloader's worker goroutine and, if enabled, closes
// the persistence store (stopping its background task first).
func (e *Engine) Close() error {
	e.preloader.Close()
	if e.store != nil {
		return e.store.Close()
	}
	return nil
}
