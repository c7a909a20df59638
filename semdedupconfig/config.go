// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package semdedupconfig defines the deduplication core's single
// configuration surface: tier sizes, thresholds, and the capacity/pressure
// knobs named in spec §6. It is loaded once (from the embedded defaults,
// or from a complete YAML document via LoadFromYAML, with Option
// overrides on top) and treated as immutable afterward; every
// component that needs it receives a *Config value explicitly, never a
// package-level singleton.
package semdedupconfig

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/semdedup/bloom"
	"github.com/AleutianAI/semdedup/cache"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config is the deduplication core's external configuration surface, per
// spec §6: tier sizes, group/similarity thresholds, bloom filter sizing,
// and feature toggles. Immutable after Load.
type Config struct {
	CacheSizes cache.Sizes `yaml:"cache_sizes"`

	// GroupConfidenceFloor is the minimum group_confidence find_duplicates
	// requires before returning a group (default 0.7).
	GroupConfidenceFloor float64 `yaml:"group_confidence_floor"`

	// SimilarityThreshold (τ_group) is the edge threshold used to connect
	// two symbols into the same duplicate-candidate component, and the
	// default are_similar threshold (default 0.7). See Open Question (a):
	// this core keeps them shared, documented in DESIGN.md.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// AutoMergeConfidence and ManualReviewConfidence are the strategy
	// breakpoints from spec §4.7 step 7 (defaults 0.9 and 0.75).
	AutoMergeConfidence    float64 `yaml:"auto_merge_confidence"`
	ManualReviewConfidence float64 `yaml:"manual_review_confidence"`

	// BloomExpectedInsertions sizes the adaptive bloom filter's initial
	// allocation.
	BloomExpectedInsertions int `yaml:"bloom_expected_insertions"`

	// BloomTargetFPR is the false-positive rate the bloom filter sizes
	// itself for.
	BloomTargetFPR float64 `yaml:"bloom_target_fpr"`

	// MLPredictionEnabled is passed to the predictive preloader, which
	// stores it; prediction is the same suffix/prefix pattern matching
	// whether it is true or false.
	MLPredictionEnabled bool `yaml:"ml_prediction_enabled"`

	// PersistenceIntervalSeconds is how often the background cleanup
	// task (persistence.Store.CleanupExpired) runs.
	PersistenceIntervalSeconds int `yaml:"persistence_interval_seconds"`

	// PersistenceSoftCap is the row-count ceiling past which
	// cleanup_expired also evicts least-recently-accessed rows.
	PersistenceSoftCap int `yaml:"persistence_soft_cap"`
}

// Option mutates a Config during Load, after YAML decode and before
// validation — the same functional-option shape used across this module
// for in-code overrides layered on top of file-based defaults.
type Option func(*Config)

// WithGroupConfidenceFloor overrides the minimum group confidence.
func WithGroupConfidenceFloor(f float64) Option {
	return func(c *Config) { c.GroupConfidenceFloor = f }
}

// WithSimilarityThreshold overrides τ_group / are_similar's default.
func WithSimilarityThreshold(t float64) Option {
	return func(c *Config) { c.SimilarityThreshold = t }
}

// WithCacheSizes overrides the three tier capacities.
func WithCacheSizes(s cache.Sizes) Option {
	return func(c *Config) { c.CacheSizes = s }
}

// WithMLPredictionEnabled overrides MLPredictionEnabled.
func WithMLPredictionEnabled(enabled bool) Option {
	return func(c *Config) { c.MLPredictionEnabled = enabled }
}

// Load parses the embedded default configuration and applies opts on top
// of it.
func Load(opts ...Option) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("semdedupconfig: parse embedded defaults: %w", err)
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromYAML parses raw as a full configuration (not merged with
// embedded defaults — raw must be complete), applying opts afterward.
func LoadFromYAML(raw []byte, opts ...Option) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("semdedupconfig: parse yaml: %w", err)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.GroupConfidenceFloor < 0 || c.GroupConfidenceFloor > 1 {
		return fmt.Errorf("semdedupconfig: group_confidence_floor %v outside [0,1]", c.GroupConfidenceFloor)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("semdedupconfig: similarity_threshold %v outside [0,1]", c.SimilarityThreshold)
	}
	if c.CacheSizes.L1 <= 0 || c.CacheSizes.L2 <= 0 || c.CacheSizes.L3 <= 0 {
		return fmt.Errorf("semdedupconfig: cache sizes must be positive, got %+v", c.CacheSizes)
	}
	return nil
}

// BloomOptions translates this Config's bloom-related fields into
// bloom.Option values for bloom.New.
func (c *Config) BloomOptions() []bloom.Option {
	return []bloom.Option{
		bloom.WithTargetFPR(c.BloomTargetFPR),
	}
}
