// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package preload implements the predictive preloader: a lightweight
// associator trained on observed symbol naming patterns (shared
// suffixes/prefixes) that warms cache entries for symbols likely to be
// compared against a target, ahead of the caller actually asking for
// them. Modeled as design note 3 asks: a producer goroutine publishing to
// a bounded channel, consumed by one worker goroutine that populates the
// cache — no
// shared mutable state beyond the cache's own primitives.
package preload

import (
	_ "embed"
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/semdedup/cache"
	"github.com/AleutianAI/semdedup/symbol"
)

//go:embed patterns.yaml
var defaultPatternsYAML []byte

type patternConfig struct {
	Suffixes []string `yaml:"suffixes"`
	Prefixes []string `yaml:"prefixes"`
}

func defaultPatterns() patternConfig {
	var cfg patternConfig
	_ = yaml.Unmarshal(defaultPatternsYAML, &cfg)
	return cfg
}

// Stats reports the preloader's effectiveness per spec §4.5.
type Stats struct {
	Preloaded            uint64
	WarmingEvents        uint64
	SuccessfulPredictions uint64
	// PreloadHitRate is SuccessfulPredictions / Preloaded, 0 when nothing
	// has been preloaded yet.
	PreloadHitRate float64
}

// association records how strongly a candidate symbol ID shares trained
// suffix/prefix tags with a prediction target, used to rank warm
// candidates.
type association struct {
	id     string
	weight int
}

// Preloader trains a suffix/prefix associator and warms a similarity
// cache for the top-N symbols it predicts will be compared against a
// target next. Safe for concurrent use.
type Preloader struct {
	mu       sync.RWMutex
	suffixes []string
	prefixes []string

	// byTag maps a normalized-name suffix/prefix tag to the symbol IDs
	// observed carrying it, built once per Train call.
	byTag map[string][]string

	simCache *cache.TieredCache[float64]
	limiter  *rate.Limiter
	topN     int
	mlEnabled bool

	warmTracker sync.Map // key -> struct{}, marks a key as provisional

	preloaded     atomic.Uint64
	warmingEvents atomic.Uint64
	successful    atomic.Uint64

	workCh chan warmRequest
	wg     sync.WaitGroup
}

type warmRequest struct {
	key string
}

// Option configures a Preloader at construction time.
type Option func(*Preloader)

// WithTopN overrides how many predicted symbols Warm populates per call.
// Default 5.
func WithTopN(n int) Option {
	return func(p *Preloader) {
		if n > 0 {
			p.topN = n
		}
	}
}

// WithRateLimit overrides the warm-event rate limiter. Default 50/s burst 10.
func WithRateLimit(eventsPerSecond float64, burst int) Option {
	return func(p *Preloader) {
		p.limiter = rate.NewLimiter(rate.Limit(eventsPerSecond), burst)
	}
}

// WithMLPredictionEnabled sets ml_prediction_enabled. The value is stored
// but not read: Predict is the same pattern matcher over the suffix/prefix
// table whether it is true or false.
func WithMLPredictionEnabled(enabled bool) Option {
	return func(p *Preloader) { p.mlEnabled = enabled }
}

// New builds a Preloader backed by simCache, using the embedded default
// suffix/prefix table unless overridden.
func New(simCache *cache.TieredCache[float64], opts ...Option) *Preloader {
	cfg := defaultPatterns()
	p := &Preloader{
		suffixes:  cfg.Suffixes,
		prefixes:  cfg.Prefixes,
		byTag:     make(map[string][]string),
		simCache:  simCache,
		limiter:   rate.NewLimiter(rate.Limit(50), 10),
		topN:      5,
		mlEnabled: true,
		workCh:    make(chan warmRequest, 256),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.wg.Add(1)
	go p.worker()
	return p
}

// Close stops the background warm worker. Safe to call once; further
// Warm calls after Close are dropped rather than blocking forever.
func (p *Preloader) Close() {
	close(p.workCh)
	p.wg.Wait()
}

// Train builds the associator from a representative symbol corpus.
// Idempotent — repeated calls replace the prior association table rather
// than accumulating duplicate entries. Training never blocks lookups: it
// only takes the write lock for the final table swap.
func (p *Preloader) Train(symbols []*symbol.Symbol) {
	byTag := make(map[string][]string)
	for _, sym := range symbols {
		for _, tag := range p.matchingTags(sym.NormalizedName) {
			byTag[tag] = append(byTag[tag], sym.ID)
		}
	}

	p.mu.Lock()
	p.byTag = byTag
	p.mu.Unlock()
}

// matchingTags returns every configured suffix/prefix that name carries.
func (p *Preloader) matchingTags(name string) []string {
	var tags []string
	for _, suf := range p.suffixes {
		if strings.HasSuffix(name, suf) {
			tags = append(tags, "suffix:"+suf)
		}
	}
	for _, pre := range p.prefixes {
		if strings.HasPrefix(name, pre) {
			tags = append(tags, "prefix:"+pre)
		}
	}
	return tags
}

// Predict returns up to topN symbol IDs, other than target itself, that
// share a trained tag with target — ranked by how many tags they share.
// When ml_prediction_enabled is false this still runs (it is itself the
// pure pattern matcher the spec calls the degraded mode).
func (p *Preloader) Predict(target *symbol.Symbol) []string {
	tags := p.matchingTags(target.NormalizedName)
	if len(tags) == 0 {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	scores := make(map[string]int)
	for _, tag := range tags {
		for _, id := range p.byTag[tag] {
			if id == target.ID {
				continue
			}
			scores[id]++
		}
	}
	if len(scores) == 0 {
		return nil
	}

	ranked := make([]association, 0, len(scores))
	for id, w := range scores {
		ranked = append(ranked, association{id: id, weight: w})
	}
	sortByWeightDesc(ranked)

	n := p.topN
	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].id
	}
	return out
}

func sortByWeightDesc(a []association) {
	// Simple insertion sort: candidate lists are always small (bounded by
	// topN's typical use, a handful of symbols sharing a naming tag).
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j].weight > a[j-1].weight; j-- {
			a[j], a[j-1] = a[j-1], a[j]
		}
	}
}

// Warm predicts related symbols for target and enqueues a provisional
// cache entry for each, via the bounded worker channel. Warm itself never
// blocks on the cache; it returns as soon as the requests are enqueued
// (or dropped, if the channel is full — a missed preload is never an
// error, just a missed optimization).
func (p *Preloader) Warm(target *symbol.Symbol) {
	// After Close the channel is closed and a send panics; recover so such
	// a Warm is dropped, as Close documents.
	defer func() { _ = recover() }()
	for _, otherID := range p.Predict(target) {
		key := symbol.NewPairKey(target.ID, otherID).String()
		select {
		case p.workCh <- warmRequest{key: key}:
		default:
			// Worker is backed up; skip rather than block the caller.
		}
	}
}

// worker consumes warm requests and inserts the provisional placeholder,
// rate-limited so a training burst cannot flood the cache with
// speculative entries.
func (p *Preloader) worker() {
	defer p.wg.Done()
	ctx := context.Background()
	for req := range p.workCh {
		if err := p.limiter.Wait(ctx); err != nil {
			continue
		}
		if _, exists := p.simCache.Get(req.key); exists {
			continue
		}
		p.warmTracker.Store(req.key, struct{}{})
		p.simCache.Put(req.key, provisionalScore)
		p.preloaded.Add(1)
		p.warmingEvents.Add(1)
	}
}

// provisionalScore is the placeholder value Warm installs; it is never a
// real score and must be overwritten by RecordRealScore before a caller
// treats a hit on this key as meaningful.
const provisionalScore = -1.0

// RecordRealScore installs a true computed score for (a, b), replacing
// any provisional placeholder. If the key was warmed (whether or not it has
// been read since), this first real score counts as the "successful
// prediction" per the chosen convention: first real score, not first
// read. Later scores for the same key do not count again. Design
// note 9(b) leaves this open; the core uses "first real score" because it
// is the simpler signal to compute without an extra read-tracking map per
// key.
func (p *Preloader) RecordRealScore(a, b string, score float64) {
	key := symbol.NewPairKey(a, b).String()
	if _, wasWarmed := p.warmTracker.LoadAndDelete(key); wasWarmed {
		p.successful.Add(1)
	}
	p.simCache.Put(key, score)
}

// Stats reports preloaded count, warming events, successful predictions,
// and preload hit rate.
func (p *Preloader) Stats() Stats {
	preloaded := p.preloaded.Load()
	successful := p.successful.Load()

	var hitRate float64
	if preloaded > 0 {
		hitRate = float64(successful) / float64(preloaded)
	}

	return Stats{
		Preloaded:             preloaded,
		WarmingEvents:         p.warmingEvents.Load(),
		SuccessfulPredictions: successful,
		PreloadHitRate:        hitRate,
	}
}
