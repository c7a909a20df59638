// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bloom implements the adaptive bloom filter the deduplicator uses
// to cheaply reject symbol pairs that cannot possibly be duplicates before
// paying for a full similarity score. It tracks canonical symbol.PairKey
// pairs, auto-resizes as load grows, and adapts k and its growth factor to
// a caller-supplied memory pressure signal.
package bloom

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"github.com/AleutianAI/semdedup/internal/errs"
	"github.com/AleutianAI/semdedup/symbol"
)

// Pressure is the memory-pressure signal a caller feeds to Filter to trade
// false-positive rate for memory. Effective asynchronously, but guaranteed
// to apply by the next Insert.
type Pressure int

const (
	// PressureLow behaves identically to PressureNormal today; it exists
	// so callers have a symmetric low/high pair around Normal.
	PressureLow Pressure = iota
	PressureNormal
	PressureHigh
)

const (
	defaultTargetFPR     = 0.01
	defaultGrowthNormal  = 2.0
	defaultGrowthHigh    = 1.5
	resizeLoadFactor     = 0.8
	minK                 = 2
	defaultMaxBits       = 1 << 34 // ~2 GiB of bit storage; AtCapacity above this
)

// Stats is the snapshot returned by Filter.Stats.
type Stats struct {
	Capacity         uint64
	Insertions       uint64
	LoadFactor       float64
	MeasuredFPR      float64
	AvgInsertionTime time.Duration
	K                int
	Resizes          int
	Pressure         Pressure
}

// Option configures a Filter at construction time.
type Option func(*Filter)

// WithTargetFPR overrides the false-positive rate the filter sizes itself
// for. Default 0.01.
func WithTargetFPR(p float64) Option {
	return func(f *Filter) {
		if p > 0 && p < 1 {
			f.targetFPR = p
		}
	}
}

// WithMaxBits caps how large the bit array may grow across resizes. An
// Insert that would need to resize past this cap returns errs.ErrAtCapacity
// instead, so callers can fall back to exhaustive pair enumeration.
func WithMaxBits(maxBits uint64) Option {
	return func(f *Filter) {
		if maxBits > 0 {
			f.maxBits = maxBits
		}
	}
}

// WithInitialPressure sets the starting memory-pressure level. Default
// PressureNormal.
func WithInitialPressure(p Pressure) Option {
	return func(f *Filter) {
		f.pressure = p
	}
}

// Filter is a resizable bloom filter over canonical symbol.PairKey pairs.
// All exported methods are safe for concurrent use; might_contain readers
// never block each other (sync.RWMutex).
type Filter struct {
	mu sync.RWMutex

	bits []uint64 // bit array, word-packed
	m    uint64   // number of bits
	k    int      // number of hash probes per key

	// ledger records every key inserted so far so that a resize can
	// rebuild the bit array from scratch without ever losing a
	// previously-true membership result.
	ledger []string

	targetFPR float64
	maxBits   uint64
	pressure  Pressure
	resizes   int

	insertCount    uint64
	insertDuration time.Duration
}

// New builds a Filter sized for expectedInsertions pairs at the default (or
// overridden) target false-positive rate.
func New(expectedInsertions int, opts ...Option) *Filter {
	if expectedInsertions < 1 {
		expectedInsertions = 1
	}

	f := &Filter{
		targetFPR: defaultTargetFPR,
		maxBits:   defaultMaxBits,
		pressure:  PressureNormal,
	}
	for _, opt := range opts {
		opt(f)
	}

	f.m, f.k = optimalSize(expectedInsertions, f.targetFPR)
	f.k = f.effectiveK(f.k)
	f.bits = make([]uint64, wordsFor(f.m))
	return f
}

// SaveLedger writes the filter's insertion ledger (the canonical pair keys
// inserted so far, not the bit array itself) to path as JSON. Persisting
// the ledger rather than the raw bits lets a reloaded filter rebuild at
// whatever size/k/pressure the caller requests, the same replay idiom
// resizeLocked already uses internally.
func (f *Filter) SaveLedger(path string) error {
	f.mu.RLock()
	keys := make([]string, len(f.ledger))
	copy(keys, f.ledger)
	f.mu.RUnlock()

	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("%w: encode bloom ledger: %v", errs.ErrPersistenceFailure, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write bloom ledger %s: %v", errs.ErrPersistenceFailure, path, err)
	}
	return nil
}

// LoadLedgerFile builds a Filter sized for expectedInsertions and replays
// the pair keys saved at path (by a prior SaveLedger) into it via Insert,
// so MightContain behaves identically to the filter that was saved. If a
// key's replay insert hits ErrAtCapacity, the remainder of the ledger is
// skipped rather than erroring the whole load, since MightContain on the
// partially-replayed filter is still correct for every key that did get
// reinserted.
func LoadLedgerFile(path string, expectedInsertions int, opts ...Option) (*Filter, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read bloom ledger %s: %v", errs.ErrPersistenceFailure, path, err)
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: decode bloom ledger %s: %v", errs.ErrPersistenceFailure, path, err)
	}

	f := New(expectedInsertions, opts...)
	for _, key := range keys {
		a, b := splitPairKey(key)
		if err := f.Insert(a, b); err != nil {
			break
		}
	}
	return f, nil
}

func splitPairKey(key string) (a, b string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

// optimalSize computes the standard bloom filter m (bits) and k (hashes)
// for n expected insertions at false-positive rate p.
func optimalSize(n int, p float64) (m uint64, k int) {
	nf := float64(n)
	mf := math.Ceil(-nf * math.Log(p) / (math.Ln2 * math.Ln2))
	if mf < 64 {
		mf = 64
	}
	kf := math.Round((mf / nf) * math.Ln2)
	if kf < minK {
		kf = minK
	}
	return uint64(mf), int(kf)
}

func wordsFor(bits uint64) uint64 {
	return (bits + 63) / 64
}

// effectiveK applies the memory-pressure floor: High pressure never uses
// fewer than minK hash probes, and never more than the computed k.
func (f *Filter) effectiveK(k int) int {
	if f.pressure == PressureHigh && k > minK {
		// High pressure trades accuracy for CPU/memory: fewer probes per
		// insert/lookup, at the cost of a higher false-positive rate.
		return minK
	}
	if k < minK {
		return minK
	}
	return k
}

func (f *Filter) growthFactor() float64 {
	if f.pressure == PressureHigh {
		return defaultGrowthHigh
	}
	return defaultGrowthNormal
}

// Insert records the canonical pair (a, b). It is O(k). If the resulting
// load factor crosses the resize threshold, Insert grows and rebuilds the
// filter before returning. Returns errs.ErrAtCapacity if a required resize
// would exceed the configured maximum bit-array size; the pair is still
// recorded in the current (un-resized) array in that case, so
// MightContain remains correct for everything inserted so far, it just
// runs at a higher false-positive rate than targeted.
func (f *Filter) Insert(a, b string) error {
	start := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	key := symbol.NewPairKey(a, b).String()
	f.setBitsLocked(key)
	f.ledger = append(f.ledger, key)

	f.insertCount++
	f.insertDuration += time.Since(start)

	if f.loadFactorLocked() >= resizeLoadFactor {
		if err := f.resizeLocked(); err != nil {
			return err
		}
	}
	return nil
}

// MightContain reports whether the canonical pair (a, b) may have been
// inserted. False is definitive; true is probabilistic.
func (f *Filter) MightContain(a, b string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	key := symbol.NewPairKey(a, b).String()
	return f.testBitsLocked(key)
}

// SetMemoryPressure updates the pressure level. Under High pressure k drops
// to minK immediately, so the next Insert already uses it; membership is
// kept because the probe positions for a smaller k are a prefix of those
// for a larger one. The growth factor changes from the next resize on; the
// current bit array is not rebuilt.
func (f *Filter) SetMemoryPressure(p Pressure) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressure = p
	f.k = f.effectiveK(f.k)
}

// Stats returns a point-in-time snapshot of the filter's size and
// performance characteristics.
func (f *Filter) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var avg time.Duration
	if f.insertCount > 0 {
		avg = f.insertDuration / time.Duration(f.insertCount)
	}

	return Stats{
		Capacity:         f.m,
		Insertions:       uint64(len(f.ledger)),
		LoadFactor:       f.loadFactorLocked(),
		MeasuredFPR:      f.estimatedFPRLocked(),
		AvgInsertionTime: avg,
		K:                f.k,
		Resizes:          f.resizes,
		Pressure:         f.pressure,
	}
}

func (f *Filter) loadFactorLocked() float64 {
	if f.m == 0 {
		return 1
	}
	return float64(len(f.ledger)) / float64(f.m)
}

// estimatedFPRLocked computes the textbook false-positive estimate
// (1 - e^(-k*n/m))^k. It is an estimate, not a measured sample rate: the
// core never runs membership probes against non-inserted data on its own
// to measure a true rate.
func (f *Filter) estimatedFPRLocked() float64 {
	if f.m == 0 {
		return 0
	}
	n := float64(len(f.ledger))
	exponent := -float64(f.k) * n / float64(f.m)
	return math.Pow(1-math.Exp(exponent), float64(f.k))
}

// hashIndices computes the k bit positions for key using double hashing
// (Kirsch-Mitzenmacher): position_i = (h1 + i*h2) mod m, derived from a
// single murmur3 128-bit hash split into two 64-bit halves.
func (f *Filter) hashIndices(key string) []uint64 {
	h1, h2 := murmur3.Sum128WithSeed([]byte(key), 0)
	indices := make([]uint64, f.k)
	for i := 0; i < f.k; i++ {
		combined := h1 + uint64(i)*h2
		indices[i] = combined % f.m
	}
	return indices
}

func (f *Filter) setBitsLocked(key string) {
	for _, idx := range f.hashIndices(key) {
		word, bit := idx/64, idx%64
		f.bits[word] |= 1 << bit
	}
}

func (f *Filter) testBitsLocked(key string) bool {
	for _, idx := range f.hashIndices(key) {
		word, bit := idx/64, idx%64
		if f.bits[word]&(1<<bit) == 0 {
			return false
		}
	}
	return true
}

// resizeLocked grows the bit array and replays the insertion ledger so
// that every key inserted so far still tests true afterward. Caller must
// hold f.mu (write lock).
func (f *Filter) resizeLocked() error {
	newM := uint64(math.Ceil(float64(f.m) * f.growthFactor()))
	if newM <= f.m {
		newM = f.m + 1
	}
	if newM > f.maxBits {
		return fmt.Errorf("%w: resize to %d bits exceeds max %d", errs.ErrAtCapacity, newM, f.maxBits)
	}

	newK := f.effectiveK(kForTarget(newM, uint64(len(f.ledger)), f.targetFPR))

	f.m = newM
	f.k = newK
	f.bits = make([]uint64, wordsFor(newM))

	for _, key := range f.ledger {
		f.setBitsLocked(key)
	}
	f.resizes++
	return nil
}

// kForTarget recomputes the number of hash probes for m bits and n
// elements as round((m/n)·ln 2), floored at minK, used after a resize to
// re-tune k for the new capacity. targetFPR does not enter the computation.
func kForTarget(m, n uint64, targetFPR float64) int {
	if n == 0 {
		return minK
	}
	k := math.Round((float64(m) / float64(n)) * math.Ln2)
	if k < minK {
		k = minK
	}
	return int(k)
}
