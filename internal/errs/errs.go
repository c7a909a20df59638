// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package errs holds the sentinel error values shared by every component
// of the deduplication core. Components wrap these with fmt.Errorf("%w: ...")
// so callers can test with errors.Is instead of string matching.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput is returned when a Symbol or batch fails validation
	// (e.g. inconsistent embedding dimension). Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAtCapacity is returned by the bloom filter when a resize attempt
	// fails. Callers fall back to exhaustive pair enumeration.
	ErrAtCapacity = errors.New("at capacity")

	// ErrCancelled is returned when a caller-supplied deadline elapses
	// before a top-level operation completes. No partial results are
	// returned alongside it.
	ErrCancelled = errors.New("cancelled")

	// ErrPersistenceFailure wraps an I/O error from the background
	// snapshot task. It never affects in-memory correctness; the next
	// interval retries.
	ErrPersistenceFailure = errors.New("persistence failure")

	// ErrMaxSymbolsExceeded is returned when adding a symbol would exceed
	// a configured capacity.
	ErrMaxSymbolsExceeded = errors.New("max symbols exceeded")

	// ErrDuplicateSymbol is returned when a symbol with the same ID
	// already exists in an index.
	ErrDuplicateSymbol = errors.New("duplicate symbol")

	// ErrNotFound signals that no entry is present. Not a CacheMiss in the
	// spec sense — spec's CacheMiss is internal control flow, never
	// surfaced as an error value. The cache and persistence read-through
	// accessors do not return it; they report a miss through an ok=false
	// result.
	ErrNotFound = errors.New("not found")
)

// BatchError aggregates multiple per-item errors from a batch operation
// (e.g. Symbol validation across a stream). With one error, Error() is that
// error's message; with several, it reports the count and joins the
// messages. Unwrap exposes the first error for errors.Is chains and the
// Errors field holds the full list for detailed reporting.
type BatchError struct {
	Errors []error
}

func (e *BatchError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return formatBatchError(e.Errors)
}

// Unwrap exposes the first error so errors.Is(err, ErrInvalidInput) works
// against a *BatchError whose first element wraps ErrInvalidInput.
func (e *BatchError) Unwrap() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e.Errors[0]
}

func formatBatchError(items []error) string {
	parts := make([]string, len(items))
	for i, err := range items {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("batch error (%d errors): %s", len(items), strings.Join(parts, "; "))
}
