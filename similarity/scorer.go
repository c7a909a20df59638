// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package similarity scores pairs of symbol.Symbol across five independent
// channels — name, signature, structural, context, and (when both symbols
// carry one) embedding — and composes them into a single overall score.
// Every channel is pure CPU: no I/O, no allocation-heavy surprises, and no
// failing path. Missing inputs reduce a channel to 0 with a smaller
// normalizer rather than erroring.
package similarity

import (
	"math"
	"path"
	"strings"

	"github.com/AleutianAI/semdedup/symbol"
)

// Result is the five-channel score breakdown for one symbol pair, plus the
// weighted Overall. Every field is in [0,1].
type Result struct {
	Overall    float64
	Name       float64
	Signature  float64
	Structural float64
	Context    float64
	Embedding  float64
	// HasEmbedding reports whether both symbols carried an embedding, so
	// Embedding participated in Overall. When false, Embedding is always 0
	// and callers should not treat that 0 as a real score.
	HasEmbedding bool
}

// Weights are the composition weights for Score. The zero value is invalid;
// use DefaultWeights.
type Weights struct {
	Name       float64
	Signature  float64
	Structural float64
	Context    float64
	Embedding  float64
}

// DefaultWeights matches the spec's default composition: name 0.3,
// signature 0.4, structural 0.2, context 0.1, plus 0.2 for embedding when
// it participates (the other four are renormalized down to make room).
func DefaultWeights() Weights {
	return Weights{Name: 0.3, Signature: 0.4, Structural: 0.2, Context: 0.1, Embedding: 0.2}
}

// Scorer computes Result values for symbol pairs under a fixed set of
// weights and a cross-language type-alias table. The zero value is not
// usable; construct with New.
type Scorer struct {
	weights Weights
	aliases aliasTable
}

// Option configures a Scorer at construction time.
type Option func(*Scorer)

// WithWeights overrides the default composition weights.
func WithWeights(w Weights) Option {
	return func(s *Scorer) { s.weights = w }
}

// New builds a Scorer with the default weights and the embedded
// cross-language alias table, plus any Option overrides.
func New(opts ...Option) *Scorer {
	s := &Scorer{
		weights: DefaultWeights(),
		aliases: defaultAliasTable(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score computes the five-channel similarity between a and b. It is
// deterministic and symmetric in all channels. It applies no tie-break
// between candidate pairs, and no caller in this module breaks ties
// between pairs by Signature.
func (s *Scorer) Score(a, b *symbol.Symbol) Result {
	r := Result{
		Name:       s.nameSimilarity(a.NormalizedName, b.NormalizedName, a.Name, b.Name),
		Signature:  s.signatureSimilarity(a.Signature, b.Signature),
		Structural: s.structuralSimilarity(a, b),
		Context:    s.contextSimilarity(a.FilePath, b.FilePath),
	}

	w := s.weights
	weightSum := w.Name + w.Signature + w.Structural + w.Context
	weighted := w.Name*r.Name + w.Signature*r.Signature + w.Structural*r.Structural + w.Context*r.Context

	if e, ok := s.embeddingSimilarity(a.Embedding, b.Embedding); ok {
		r.Embedding = e
		r.HasEmbedding = true
		weighted += w.Embedding * e
		weightSum += w.Embedding
	}

	if weightSum > 0 {
		r.Overall = weighted / weightSum
	}
	r.Overall = clamp01(r.Overall)
	return r
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

// nameSimilarity mirrors the original calculator's cascade: exact, then
// case-insensitive, then normalized equality, then a convex combination of
// edit distance and token-Jaccard over the normalized forms. raw1/raw2 are
// the un-normalized display names, used only for the exact and
// case-insensitive checks since NormalizeName already lowercases.
func (s *Scorer) nameSimilarity(norm1, norm2, raw1, raw2 string) float64 {
	if raw1 == raw2 {
		return 1.0
	}
	if strings.EqualFold(raw1, raw2) {
		return 0.95
	}
	if norm1 == norm2 {
		return 0.9
	}

	distance := levenshtein(norm1, norm2)
	maxLen := math.Max(float64(len([]rune(norm1))), float64(len([]rune(norm2))))
	var editSim float64
	if maxLen > 0 {
		editSim = 1.0 - float64(distance)/maxLen
	}

	tokenSim := tokenJaccard(tokenize(norm1), tokenize(norm2))

	combined := editSim*0.6 + tokenSim*0.4
	if combined < 0 {
		combined = 0
	}
	return combined
}

func tokenize(normalized string) []string {
	var tokens []string
	for _, tok := range strings.Split(normalized, "_") {
		if tok != "" {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}

func tokenJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// levenshtein computes the classic edit distance between two strings, rune
// by rune.
func levenshtein(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	la, lb := len(ra), len(rb)

	prev := make([]int, lb+1)
	curr := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}

	for i := 1; i <= la; i++ {
		curr[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}

// signatureSimilarity splits a signature into its parameter list and
// return type and scores each independently, per the spec's 0.7/0.3 split
// — mirrored from the original parameter_similarity/return-type split,
// which used 0.7/0.3 for params/return.
func (s *Scorer) signatureSimilarity(sig1, sig2 string) float64 {
	if sig1 == sig2 {
		return 1.0
	}

	params1 := extractParameters(sig1)
	params2 := extractParameters(sig2)
	return1 := extractReturnType(sig1)
	return2 := extractReturnType(sig2)

	paramSim := s.parameterSimilarity(params1, params2)
	var returnSim float64
	if return1 == return2 {
		returnSim = 1.0
	} else {
		returnSim = s.typeSimilarity(return1, return2)
	}

	combined := paramSim*0.7 + returnSim*0.3
	if combined < 0 {
		combined = 0
	}
	return combined
}

func extractParameters(signature string) []string {
	start := strings.IndexByte(signature, '(')
	if start < 0 {
		return nil
	}
	end := strings.IndexByte(signature[start:], ')')
	if end < 0 {
		return nil
	}
	end += start

	raw := signature[start+1 : end]
	if raw == "" {
		return nil
	}

	var params []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			params = append(params, p)
		}
	}
	return params
}

func extractReturnType(signature string) string {
	if idx := strings.Index(signature, "->"); idx >= 0 {
		return strings.TrimSpace(signature[idx+2:])
	}
	if idx := strings.LastIndexByte(signature, ')'); idx >= 0 && idx+1 < len(signature) {
		rest := strings.TrimSpace(signature[idx+1:])
		if rest != "" {
			return rest
		}
	}
	return "void"
}

// parameterSimilarity averages pairwise type similarity when arities
// match. When arities differ, the spec scores 0.3/(1+|delta|) regardless
// of how similar the shared prefix of parameters is — a coarse penalty for
// disagreeing on arity at all.
func (s *Scorer) parameterSimilarity(params1, params2 []string) float64 {
	if len(params1) != len(params2) {
		delta := len(params1) - len(params2)
		if delta < 0 {
			delta = -delta
		}
		return 0.3 / (1.0 + float64(delta))
	}
	if len(params1) == 0 {
		return 1.0
	}

	var total float64
	for i := range params1 {
		total += s.typeSimilarity(params1[i], params2[i])
	}
	return total / float64(len(params1))
}

// typeSimilarity recognizes pointer/reference stripping, generic-base
// matches, and a closed cross-language alias table, in that order.
func (s *Scorer) typeSimilarity(type1, type2 string) float64 {
	if type1 == type2 {
		return 1.0
	}

	norm1 := normalizeType(type1)
	norm2 := normalizeType(type2)
	if norm1 == norm2 {
		return 0.9
	}

	if base1, ok1 := genericBase(norm1); ok1 {
		if base2, ok2 := genericBase(norm2); ok2 && base1 == base2 {
			return 0.8
		}
	}

	if s.aliases.match(norm1, norm2) {
		return 0.7
	}
	return 0
}

// normalizeType strips the surface-syntax noise that separates a pointer
// or reference from the underlying type: "&", "*", "mut", and surrounding
// whitespace.
func normalizeType(t string) string {
	t = strings.ReplaceAll(t, "&", "")
	t = strings.ReplaceAll(t, "*", "")
	t = strings.ReplaceAll(t, "mut", "")
	return strings.TrimSpace(t)
}

func genericBase(t string) (string, bool) {
	if idx := strings.IndexAny(t, "<["); idx >= 0 {
		return t[:idx], true
	}
	return "", false
}

// structuralSimilarity averages whichever of line-count ratio,
// language-tag equality, and confidence closeness are available. With no
// signal available it returns a neutral 0.5, matching the original's
// "no information" default.
func (s *Scorer) structuralSimilarity(a, b *symbol.Symbol) float64 {
	var score, factors float64

	lines1 := a.EndLine - a.StartLine
	lines2 := b.EndLine - b.StartLine
	if lines1 > 0 && lines2 > 0 {
		lo, hi := float64(lines1), float64(lines2)
		if lo > hi {
			lo, hi = hi, lo
		}
		score += lo / hi
		factors++
	}

	if a.Language == b.Language {
		score += 1.0
		factors++
	}

	if a.Confidence != nil && b.Confidence != nil {
		diff := math.Abs(float64(*a.Confidence) - float64(*b.Confidence))
		score += 1.0 - diff
		factors++
	}

	if factors == 0 {
		return 0.5
	}
	return score / factors
}

// contextSimilarity scores same-file 1.0, same-directory 0.8, and
// otherwise a directory common-prefix ratio scaled by 0.7.
func (s *Scorer) contextSimilarity(path1, path2 string) float64 {
	if path1 == path2 {
		return 1.0
	}

	dir1 := path.Dir(path1)
	dir2 := path.Dir(path2)
	if dir1 == dir2 {
		return 0.8
	}

	comps1 := strings.Split(strings.Trim(dir1, "/"), "/")
	comps2 := strings.Split(strings.Trim(dir2, "/"), "/")

	common := 0
	for common < len(comps1) && common < len(comps2) && comps1[common] == comps2[common] {
		common++
	}

	maxDepth := len(comps1)
	if len(comps2) > maxDepth {
		maxDepth = len(comps2)
	}
	if maxDepth == 0 {
		return 0
	}
	return (float64(common) / float64(maxDepth)) * 0.7
}

// embeddingSimilarity returns the cosine similarity between two embedding
// vectors, guarded against zero vectors and length mismatch. ok is false
// when either vector is absent, empty, or the magnitude guard trips — in
// that case the embedding channel does not participate in Overall.
func (s *Scorer) embeddingSimilarity(a, b []float32) (score float64, ok bool) {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0, false
	}

	var dot, normA, normB float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		normA += fa * fa
		normB += fb * fb
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}

	cos := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	return clamp01(cos), true
}
