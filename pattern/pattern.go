// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pattern implements the duplicate-facing slice of the pattern
// engine: detecting recurring EvolvingPattern instances across a symbol
// batch, finding candidates similar to a target under those patterns, and
// an asynchronous, strictly additive external-validation feedback loop
// that adjusts a pattern's adaptive weights and success rate.
package pattern

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/semdedup/similarity"
	"github.com/AleutianAI/semdedup/symbol"
)

// Kind is a closed enum of pattern categories the engine recognizes.
type Kind int

const (
	KindFunctionSimilarity Kind = iota
	KindCrossLanguage
	KindAlgorithmicEquivalence
)

// EvolvingPattern is a detected recurring pattern whose confidence and
// per-feature weights adapt as validation feedback arrives.
type EvolvingPattern struct {
	ID              string
	Kind            Kind
	SemanticHash    string
	Confidence      float64
	DetectionCount  uint64
	SuccessRate     float64
	LastSeen        time.Time
	AdaptiveWeights map[string]float64

	// FeedbackLog records every validation outcome applied to this
	// pattern, oldest first, supplementing the spec's success-rate
	// summary with the decision history behind it (original_source's
	// ai_validations/feedback_corrections fields, folded into one log).
	FeedbackLog []FeedbackEntry
}

// FeedbackEntry is one recorded validation outcome.
type FeedbackEntry struct {
	RequestID string
	Outcome   Outcome
	Accuracy  float64 // meaningful only when Outcome == OutcomeConfirmed
	Reason    string  // meaningful only when Outcome == OutcomeRejected
	At        time.Time
}

// Outcome is the result of an external validation request.
type Outcome int

const (
	OutcomeConfirmed Outcome = iota
	OutcomeRejected
)

// Priority ranks a validation request for the external consumer reading
// the request queue; the core does not interpret it beyond forwarding.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
)

// Match is one candidate produced by FindSimilar.
type Match struct {
	Candidate  *symbol.Symbol
	Score      similarity.Result
	PatternIDs []string
}

// pendingValidation is an enqueued request awaiting an external outcome.
type pendingValidation struct {
	requestID string
	patternID string
	priority  Priority
}

// Engine detects and tracks EvolvingPatterns across symbol batches. Safe
// for concurrent use.
type Engine struct {
	scorer *similarity.Scorer

	mu       sync.RWMutex
	patterns map[string]*EvolvingPattern

	// validationCh is the bounded async queue request_validation enqueues
	// to; a consumer goroutine (started by the caller via Validations())
	// drains it toward whatever external system performs validation.
	validationCh chan pendingValidation
}

// New builds a pattern Engine using scorer to compute match scores.
func New(scorer *similarity.Scorer) *Engine {
	return &Engine{
		scorer:       scorer,
		patterns:     make(map[string]*EvolvingPattern),
		validationCh: make(chan pendingValidation, 128),
	}
}

// DetectPatterns scans symbols for recurring semantic-hash groupings and
// returns (or updates) the EvolvingPattern for each group large enough to
// be a pattern (2 or more symbols sharing a semantic hash). Newly detected
// patterns start at a neutral confidence; existing ones have their
// DetectionCount and LastSeen advanced.
func (e *Engine) DetectPatterns(symbols []*symbol.Symbol) []*EvolvingPattern {
	byHash := make(map[string][]*symbol.Symbol)
	for _, sym := range symbols {
		if sym.SemanticHash == "" {
			continue
		}
		byHash[sym.SemanticHash] = append(byHash[sym.SemanticHash], sym)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var detected []*EvolvingPattern
	now := time.Now()
	for hash, members := range byHash {
		if len(members) < 2 {
			continue
		}

		p, exists := e.patterns[hash]
		if !exists {
			p = &EvolvingPattern{
				ID:              uuid.NewString(),
				Kind:            KindFunctionSimilarity,
				SemanticHash:    hash,
				Confidence:      0.5,
				SuccessRate:     0,
				AdaptiveWeights: defaultAdaptiveWeights(),
			}
			e.patterns[hash] = p
		}
		p.DetectionCount++
		p.LastSeen = now
		detected = append(detected, p)
	}
	return detected
}

func defaultAdaptiveWeights() map[string]float64 {
	w := similarity.DefaultWeights()
	return map[string]float64{
		"name":       w.Name,
		"signature":  w.Signature,
		"structural": w.Structural,
		"context":    w.Context,
		"embedding":  w.Embedding,
	}
}

// FindSimilar scores target against every candidate, tagging each Match
// with the IDs of any detected patterns the pair's semantic hash
// participates in.
func (e *Engine) FindSimilar(target *symbol.Symbol, candidates []*symbol.Symbol) []Match {
	e.mu.RLock()
	defer e.mu.RUnlock()

	matches := make([]Match, 0, len(candidates))
	for _, cand := range candidates {
		score := e.scorer.Score(target, cand)
		var patternIDs []string
		if p, ok := e.patterns[cand.SemanticHash]; ok && cand.SemanticHash != "" {
			patternIDs = append(patternIDs, p.ID)
		}
		matches = append(matches, Match{Candidate: cand, Score: score, PatternIDs: patternIDs})
	}
	return matches
}

// RequestValidation enqueues pattern for asynchronous external validation
// and returns a request ID. Enqueueing never blocks: if the queue is
// full, the request is simply dropped rather than stalling the caller,
// since validation is advisory and additive — the core is correct with
// zero validations ever returning.
func (e *Engine) RequestValidation(pattern *EvolvingPattern, priority Priority) string {
	requestID := uuid.NewString()
	req := pendingValidation{requestID: requestID, patternID: pattern.ID, priority: priority}

	select {
	case e.validationCh <- req:
	default:
	}
	return requestID
}

// Validations exposes the pending-validation queue for an external
// consumer to drain. The channel closes when ctx is cancelled.
func (e *Engine) Validations(ctx context.Context) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case req, ok := <-e.validationCh:
				if !ok {
					return
				}
				select {
				case out <- req.requestID:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// ApplyValidation records a validation outcome for patternID, adjusting
// its confidence, success rate, and adaptive weights. Confirmed outcomes
// nudge confidence and per-channel weights toward the outcome's accuracy;
// Rejected outcomes decay confidence. Unknown pattern IDs are ignored —
// a pattern may have been evicted between request and response, and a
// stale validation must never surface as an error.
func (e *Engine) ApplyValidation(requestID, patternID string, outcome Outcome, accuracy float64, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.findByIDLocked(patternID)
	if p == nil {
		return
	}

	entry := FeedbackEntry{RequestID: requestID, Outcome: outcome, Accuracy: accuracy, Reason: reason, At: time.Now()}
	p.FeedbackLog = append(p.FeedbackLog, entry)

	const learningRate = 0.1
	switch outcome {
	case OutcomeConfirmed:
		p.Confidence += (accuracy - p.Confidence) * learningRate
		for ch, w := range p.AdaptiveWeights {
			p.AdaptiveWeights[ch] = w + (accuracy-w)*learningRate
		}
		p.SuccessRate = runningAverage(p.SuccessRate, 1.0, p.DetectionCount)
	case OutcomeRejected:
		p.Confidence *= 1 - learningRate
		p.SuccessRate = runningAverage(p.SuccessRate, 0.0, p.DetectionCount)
	}
	p.Confidence = clamp01(p.Confidence)
}

func runningAverage(prev, sample float64, n uint64) float64 {
	if n == 0 {
		return sample
	}
	return prev + (sample-prev)/float64(n)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (e *Engine) findByIDLocked(id string) *EvolvingPattern {
	for _, p := range e.patterns {
		if p.ID == id {
			return p
		}
	}
	return nil
}
