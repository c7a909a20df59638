// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package symbol defines the canonical Symbol record shared by every other
// component of the deduplication core (bloom, similarity, cache, preload,
// persistence, pattern, dedup). It exposes only pure constructors and
// accessors — no I/O, per the spec's scope for the symbol model.
package symbol

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/semdedup/internal/errs"
)

// ErrInvalidEmbedding is returned when a symbol's embedding (or context
// embedding) has an inconsistent or invalid dimension. This is the one
// error kind §4.1 names explicitly for the symbol model. It wraps
// errs.ErrInvalidInput, so errors.Is matches either.
var ErrInvalidEmbedding = fmt.Errorf("%w: invalid embedding", errs.ErrInvalidInput)

// Language is a closed enum of the source languages the upstream parsers
// emit symbols for. The core treats it as an opaque comparable tag; it
// never inspects language-specific grammar.
type Language string

// Recognized language tags. Upstream parsers are the authority on which
// languages exist; this list covers what the similarity scorer's
// structural channel and the preloader's cross-language associator need
// to reason about today.
const (
	LanguageGo         Language = "go"
	LanguageRust       Language = "rust"
	LanguageTypeScript Language = "typescript"
	LanguageJavaScript Language = "javascript"
	LanguagePython     Language = "python"
	LanguageJava       Language = "java"
	LanguageCSharp     Language = "csharp"
	LanguageCPP        Language = "cpp"
	LanguageUnknown    Language = "unknown"
)

// Symbol is the canonical, read-only record the core operates on. Once a
// Symbol enters the core it must not be mutated — components hold pointers
// to it and share it freely across goroutines.
//
// Identity is ID, a stable string formed upstream from the fully qualified
// name plus source location. The core never derives ID itself; it treats
// it as an opaque comparable key.
type Symbol struct {
	// ID is the stable identity used for pair keys, cache keys, and graph
	// nodes. Must be non-empty and unique within a batch.
	ID string

	// Name is the display name as written in source.
	Name string

	// NormalizedName is the lowercase, punctuation-stripped form of Name,
	// as NormalizeName produces it. The caller sets it; Validate rejects an
	// empty value or one containing whitespace.
	NormalizedName string

	// Signature is the raw signature text (parameter list plus return
	// type), in whatever surface syntax the source language uses.
	Signature string

	// Language is the closed enum tag for the symbol's source language.
	Language Language

	// FilePath is the source file path, used by the similarity scorer's
	// context channel.
	FilePath string

	// StartLine and EndLine are 1-based, inclusive source line bounds.
	StartLine int
	EndLine   int

	// Embedding is an optional fixed-width dense vector (typically 768
	// dims). Nil means "no embedding available" — the similarity scorer's
	// embedding channel is then skipped, not zero-filled.
	Embedding []float32

	// SemanticHash is an optional opaque short digest computed upstream
	// (e.g. a structural hash of the normalized AST). Used by the
	// deduplicator's semantic-hash-bucket blocking pre-filter.
	SemanticHash string

	// ContextEmbedding is an optional smaller vector describing the
	// symbol's surrounding scope (enclosing function/class/module).
	ContextEmbedding []float32

	// Confidence is an optional [0,1] score from the upstream extractor,
	// consumed by the structural similarity channel.
	Confidence *float32

	// SemanticTags is an optional ordered list of short descriptive tags.
	SemanticTags []string

	// Intent is an optional short free-text description of the symbol's
	// purpose, as produced by an upstream classifier.
	Intent string
}

// Validate checks the invariants the core depends on: a non-empty ID and
// Name, a non-empty NormalizedName with no whitespace, and — when an
// embedding is present — a non-zero dimension. It does not check
// cross-symbol invariants; ValidateEmbeddingDimension compares one
// symbol's dimension with another's.
//
// Mirrors the hand-rolled Validate() idiom used for the upstream symbol
// record rather than struct-tag reflection, since no validation happens
// past construction time.
func (s *Symbol) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("%w: empty id", errs.ErrInvalidInput)
	}
	if s.Name == "" {
		return fmt.Errorf("%w: empty name for symbol %q", errs.ErrInvalidInput, s.ID)
	}
	if s.NormalizedName == "" {
		return fmt.Errorf("%w: empty normalized name for symbol %q", errs.ErrInvalidInput, s.ID)
	}
	if strings.ContainsAny(s.NormalizedName, " \t\n\r") {
		return fmt.Errorf("%w: normalized name %q contains whitespace", errs.ErrInvalidInput, s.NormalizedName)
	}
	if s.Embedding != nil && len(s.Embedding) == 0 {
		return fmt.Errorf("%w: symbol %q has a non-nil, zero-length embedding", ErrInvalidEmbedding, s.ID)
	}
	if s.ContextEmbedding != nil && len(s.ContextEmbedding) == 0 {
		return fmt.Errorf("%w: symbol %q has a non-nil, zero-length context embedding", ErrInvalidEmbedding, s.ID)
	}
	if s.Confidence != nil && (*s.Confidence < 0 || *s.Confidence > 1) {
		return fmt.Errorf("%w: symbol %q confidence %v outside [0,1]", errs.ErrInvalidInput, s.ID, *s.Confidence)
	}
	if s.EndLine != 0 && s.StartLine != 0 && s.EndLine < s.StartLine {
		return fmt.Errorf("%w: symbol %q end_line %d before start_line %d", errs.ErrInvalidInput, s.ID, s.EndLine, s.StartLine)
	}
	return nil
}

// ValidateEmbeddingDimension checks a candidate embedding dimension
// against the dimension already established for a session. A zero on
// either side means "no embedding" and passes. Callers that track the
// first-seen dimension invoke this before accepting a new symbol.
func ValidateEmbeddingDimension(sessionDim, candidateDim int) error {
	if sessionDim != 0 && candidateDim != 0 && sessionDim != candidateDim {
		return fmt.Errorf("%w: expected dimension %d, got %d", ErrInvalidEmbedding, sessionDim, candidateDim)
	}
	return nil
}

// NormalizeName lowercases a display name, splits camelCase at
// lower-to-upper transitions (inserting the same "_" a snake_case name
// already uses), and strips any other punctuation. This makes "getUserData"
// and "get_user_data" normalize to the identical "get_user_data", the
// flagship case the 0.9 normalized-similarity tier exists for. It is
// idempotent: NormalizeName(NormalizeName(x)) == NormalizeName(x).
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name) + 4)
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r >= 'A' && r <= 'Z':
			if i > 0 {
				prev := runes[i-1]
				if (prev >= 'a' && prev <= 'z') || (prev >= '0' && prev <= '9') {
					b.WriteByte('_')
				}
			}
			b.WriteRune(r - 'A' + 'a')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			// punctuation and whitespace are dropped, not replaced —
			// NormalizedName must never contain whitespace.
		}
	}
	return b.String()
}

// PairKey is the canonical ordered key used to index symmetric pairwise
// data (cache entries, bloom filter insertions). Similarity is symmetric
// in both symbols, so the cache and bloom filter key on Min/Max rather
// than positional order.
type PairKey struct {
	Min string
	Max string
}

// NewPairKey builds the canonical ordering for two symbol IDs: the
// lexicographically smaller ID is always Min. This gives pairKey(a,b) ==
// pairKey(b,a) regardless of call order.
func NewPairKey(idA, idB string) PairKey {
	if idA <= idB {
		return PairKey{Min: idA, Max: idB}
	}
	return PairKey{Min: idB, Max: idA}
}

// String renders the pair key as a stable cache key string.
func (k PairKey) String() string {
	return k.Min + "\x00" + k.Max
}

// Less provides a total order over PairKeys, used when batch hashing or
// sorting candidate pairs needs a deterministic iteration order.
func (k PairKey) Less(other PairKey) bool {
	if k.Min != other.Min {
		return k.Min < other.Min
	}
	return k.Max < other.Max
}

// SortIDs returns a sorted copy of ids, establishing the total order on
// IDs the spec requires for deterministic primary selection and batch
// hashing. The input is not mutated.
func SortIDs(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	sort.Strings(out)
	return out
}
