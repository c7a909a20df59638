// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package symbol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/semdedup/internal/errs"
)

func validSymbol(id string) *Symbol {
	return &Symbol{
		ID:             id,
		Name:           "DoThing",
		NormalizedName: NormalizeName("DoThing"),
		Language:       LanguageGo,
	}
}

func TestSymbol_Validate_OK(t *testing.T) {
	s := validSymbol("sym-1")
	require.NoError(t, s.Validate())
}

func TestSymbol_Validate_EmptyID(t *testing.T) {
	s := validSymbol("")
	err := s.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestSymbol_Validate_EmptyNormalizedName(t *testing.T) {
	s := validSymbol("sym-1")
	s.NormalizedName = ""
	require.ErrorIs(t, s.Validate(), errs.ErrInvalidInput)
}

func TestSymbol_Validate_WhitespaceInNormalizedName(t *testing.T) {
	s := validSymbol("sym-1")
	s.NormalizedName = "do thing"
	require.ErrorIs(t, s.Validate(), errs.ErrInvalidInput)
}

func TestSymbol_Validate_ZeroLengthEmbedding(t *testing.T) {
	s := validSymbol("sym-1")
	s.Embedding = []float32{}
	require.ErrorIs(t, s.Validate(), ErrInvalidEmbedding)
}

func TestSymbol_Validate_ConfidenceOutOfRange(t *testing.T) {
	s := validSymbol("sym-1")
	bad := float32(1.5)
	s.Confidence = &bad
	require.ErrorIs(t, s.Validate(), errs.ErrInvalidInput)
}

func TestSymbol_Validate_EndLineBeforeStartLine(t *testing.T) {
	s := validSymbol("sym-1")
	s.StartLine, s.EndLine = 10, 5
	require.ErrorIs(t, s.Validate(), errs.ErrInvalidInput)
}

func TestNormalizeName_LowercasesAndStripsPunctuation(t *testing.T) {
	assert.Equal(t, "dothing", NormalizeName("Do-Thing!"))
	assert.Equal(t, "get_user_by_id", NormalizeName("get_user_by_id"))
}

func TestNormalizeName_Idempotent(t *testing.T) {
	once := NormalizeName("Some Weird::Name()")
	twice := NormalizeName(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeName_NeverProducesWhitespace(t *testing.T) {
	out := NormalizeName("a b\tc\nd")
	for _, r := range out {
		assert.NotContains(t, " \t\n\r", string(r))
	}
}

func TestNewPairKey_SymmetricOrdering(t *testing.T) {
	ab := NewPairKey("a", "b")
	ba := NewPairKey("b", "a")
	assert.Equal(t, ab, ba)
	assert.Equal(t, "a", ab.Min)
	assert.Equal(t, "b", ab.Max)
}

func TestPairKey_String_StableAcrossOrder(t *testing.T) {
	assert.Equal(t, NewPairKey("x", "y").String(), NewPairKey("y", "x").String())
}

func TestPairKey_Less_TotalOrder(t *testing.T) {
	a := NewPairKey("a", "c")
	b := NewPairKey("a", "d")
	assert.True(t, a.Less(b))
	assert.False(t, b.Less(a))
}

func TestSortIDs_DoesNotMutateInput(t *testing.T) {
	in := []string{"c", "a", "b"}
	out := SortIDs(in)
	assert.Equal(t, []string{"a", "b", "c"}, out)
	assert.Equal(t, []string{"c", "a", "b"}, in)
}

func TestValidateEmbeddingDimension(t *testing.T) {
	require.NoError(t, ValidateEmbeddingDimension(0, 768))
	require.NoError(t, ValidateEmbeddingDimension(768, 0))
	require.NoError(t, ValidateEmbeddingDimension(768, 768))
	require.ErrorIs(t, ValidateEmbeddingDimension(768, 256), ErrInvalidEmbedding)
}
