// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package semdedupconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/semdedup/cache"
)

func TestLoad_EmbeddedDefaultsMatchDocumentedValues(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, cache.Sizes{L1: 1000, L2: 5000, L3: 20000}, cfg.CacheSizes)
	assert.Equal(t, 0.7, cfg.GroupConfidenceFloor)
	assert.Equal(t, 0.7, cfg.SimilarityThreshold)
	assert.Equal(t, 0.9, cfg.AutoMergeConfidence)
	assert.Equal(t, 0.75, cfg.ManualReviewConfidence)
	assert.Equal(t, 10000, cfg.BloomExpectedInsertions)
	assert.Equal(t, 0.01, cfg.BloomTargetFPR)
	assert.True(t, cfg.MLPredictionEnabled)
	assert.Equal(t, 60, cfg.PersistenceIntervalSeconds)
	assert.Equal(t, 10000, cfg.PersistenceSoftCap)
}

func TestLoad_OptionsOverrideDefaults(t *testing.T) {
	cfg, err := Load(
		WithGroupConfidenceFloor(0.5),
		WithSimilarityThreshold(0.6),
		WithCacheSizes(cache.Sizes{L1: 1, L2: 2, L3: 3}),
		WithMLPredictionEnabled(false),
	)
	require.NoError(t, err)

	assert.Equal(t, 0.5, cfg.GroupConfidenceFloor)
	assert.Equal(t, 0.6, cfg.SimilarityThreshold)
	assert.Equal(t, cache.Sizes{L1: 1, L2: 2, L3: 3}, cfg.CacheSizes)
	assert.False(t, cfg.MLPredictionEnabled)
}

func TestLoadFromYAML_ParsesCompleteDocument(t *testing.T) {
	raw := []byte(`
cache_sizes:
  l1: 10
  l2: 20
  l3: 30
group_confidence_floor: 0.6
similarity_threshold: 0.65
auto_merge_confidence: 0.85
manual_review_confidence: 0.7
bloom_expected_insertions: 500
bloom_target_fpr: 0.02
ml_prediction_enabled: false
persistence_interval_seconds: 60
persistence_soft_cap: 1000
`)
	cfg, err := LoadFromYAML(raw)
	require.NoError(t, err)
	assert.Equal(t, cache.Sizes{L1: 10, L2: 20, L3: 30}, cfg.CacheSizes)
	assert.Equal(t, 0.6, cfg.GroupConfidenceFloor)
	assert.False(t, cfg.MLPredictionEnabled)
}

func TestLoadFromYAML_InvalidYAMLFails(t *testing.T) {
	_, err := LoadFromYAML([]byte("not: [valid"))
	assert.Error(t, err)
}

func TestValidate_RejectsOutOfRangeGroupConfidenceFloor(t *testing.T) {
	_, err := Load(WithGroupConfidenceFloor(1.5))
	assert.Error(t, err)
}

func TestValidate_RejectsOutOfRangeSimilarityThreshold(t *testing.T) {
	_, err := Load(WithSimilarityThreshold(-0.1))
	assert.Error(t, err)
}

func TestValidate_RejectsNonPositiveCacheSizes(t *testing.T) {
	_, err := Load(WithCacheSizes(cache.Sizes{L1: 0, L2: 5, L3: 5}))
	assert.Error(t, err)
}

func TestConfig_BloomOptions_CarriesTargetFPR(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	opts := cfg.BloomOptions()
	assert.Len(t, opts, 1)
}
