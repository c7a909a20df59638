// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package preload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/semdedup/cache"
	"github.com/AleutianAI/semdedup/symbol"
)

func newTestPreloader(t *testing.T, opts ...Option) *Preloader {
	t.Helper()
	simCache := cache.NewTieredCache[float64]("similarity", cache.Sizes{L1: 100, L2: 100, L3: 100}, 0)
	allOpts := append([]Option{WithRateLimit(1000, 1000)}, opts...)
	p := New(simCache, allOpts...)
	t.Cleanup(p.Close)
	return p
}

func sym(id, name string) *symbol.Symbol {
	return &symbol.Symbol{ID: id, Name: name, NormalizedName: symbol.NormalizeName(name)}
}

func TestPreloader_TrainAndPredict_SharedSuffix(t *testing.T) {
	p := newTestPreloader(t)
	p.Train([]*symbol.Symbol{
		sym("a", "user_service"),
		sym("b", "order_service"),
		sym("c", "unrelated_thing"),
	})

	predicted := p.Predict(sym("target", "payment_service"))
	assert.Contains(t, predicted, "a")
	assert.Contains(t, predicted, "b")
	assert.NotContains(t, predicted, "c")
}

func TestPreloader_Predict_ExcludesSelf(t *testing.T) {
	p := newTestPreloader(t)
	p.Train([]*symbol.Symbol{sym("a", "user_service")})

	predicted := p.Predict(sym("a", "user_service"))
	assert.NotContains(t, predicted, "a")
}

func TestPreloader_Predict_RespectsTopN(t *testing.T) {
	p := newTestPreloader(t, WithTopN(2))
	p.Train([]*symbol.Symbol{
		sym("a", "alpha_service"),
		sym("b", "beta_service"),
		sym("c", "gamma_service"),
	})

	predicted := p.Predict(sym("target", "delta_service"))
	assert.LessOrEqual(t, len(predicted), 2)
}

func TestPreloader_Train_IsIdempotentReplace(t *testing.T) {
	p := newTestPreloader(t)
	p.Train([]*symbol.Symbol{sym("a", "user_service")})
	p.Train([]*symbol.Symbol{sym("b", "order_service")})

	predicted := p.Predict(sym("target", "payment_service"))
	assert.Contains(t, predicted, "b")
	assert.NotContains(t, predicted, "a")
}

func TestPreloader_Warm_InstallsProvisionalEntryAsynchronously(t *testing.T) {
	simCache := cache.NewTieredCache[float64]("similarity", cache.Sizes{L1: 100, L2: 100, L3: 100}, 0)
	p := New(simCache, WithRateLimit(1000, 1000))
	defer p.Close()

	p.Train([]*symbol.Symbol{sym("a", "user_service")})
	p.Warm(sym("target", "payment_service"))

	key := symbol.NewPairKey("target", "a").String()
	require.Eventually(t, func() bool {
		_, ok := simCache.Get(key)
		return ok
	}, time.Second, time.Millisecond)
}

func TestPreloader_RecordRealScore_CountsSuccessfulPredictionOnlyIfWarmed(t *testing.T) {
	simCache := cache.NewTieredCache[float64]("similarity", cache.Sizes{L1: 100, L2: 100, L3: 100}, 0)
	p := New(simCache, WithRateLimit(1000, 1000))
	defer p.Close()

	p.Train([]*symbol.Symbol{sym("a", "user_service")})
	p.Warm(sym("target", "payment_service"))

	key := symbol.NewPairKey("target", "a").String()
	require.Eventually(t, func() bool {
		_, ok := simCache.Get(key)
		return ok
	}, time.Second, time.Millisecond)

	p.RecordRealScore("target", "a", 0.87)
	assert.EqualValues(t, 1, p.Stats().SuccessfulPredictions)

	v, ok := simCache.Get(key)
	require.True(t, ok)
	assert.Equal(t, 0.87, v)

	// A second real-score write for an unwarmed pair must not double count.
	p.RecordRealScore("x", "y", 0.5)
	assert.EqualValues(t, 1, p.Stats().SuccessfulPredictions)
}

func TestPreloader_Stats_HitRateComputation(t *testing.T) {
	p := newTestPreloader(t)
	s := p.Stats()
	assert.Zero(t, s.PreloadHitRate)
}

func TestPreloader_Close_StopsWorkerAndIsSafeOnce(t *testing.T) {
	simCache := cache.NewTieredCache[float64]("similarity", cache.Sizes{L1: 10, L2: 10, L3: 10}, 0)
	p := New(simCache)
	assert.NotPanics(t, func() { p.Close() })
}
