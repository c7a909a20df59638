// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persistence

import (
	"encoding/binary"
	"fmt"
	"time"
)

// row is the durable record the spec's single-table schema names:
//
//	CREATE TABLE cache_entries (
//	    cache_key     TEXT NOT NULL,
//	    cache_type    TEXT NOT NULL,  -- "similarity" | "duplicate_group"
//	    cached_value  TEXT NOT NULL,  -- JSON
//	    access_count  INTEGER NOT NULL DEFAULT 0,
//	    created_at    TEXT NOT NULL,
//	    last_accessed TEXT NOT NULL,
//	    expires_at    TEXT NOT NULL,
//	    UNIQUE(cache_key, cache_type)
//	);
//
// BadgerDB has no relational table or secondary index, so this comment is
// kept as the schema's doc of record and the Go struct plus the synthetic
// indexes below (keyed on expires_at and last_accessed) stand in for it.
type row struct {
	CacheKey     string    `json:"cache_key"`
	CacheType    string    `json:"cache_type"`
	CachedValue  []byte    `json:"cached_value"`
	AccessCount  int64     `json:"access_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (r *row) expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Cache type discriminants, matching the original schema's cache_type
// values (it also named a "symbol" type; this core never persists raw
// symbols, so only the two duplication-relevant types are kept).
const (
	cacheTypeSimilarity = "similarity"
	cacheTypeGroups     = "duplicate_group"
)

const (
	rowKeyPrefix     = "cache_entries/row/"
	expiresIdxPrefix = "cache_entries/idx/expires_at/"
	accessIdxPrefix  = "cache_entries/idx/last_accessed/"
)

// rowKey builds the primary key: cache_entries/row/{cache_type}/{cache_key}.
// (cache_type, cache_key) together form the UNIQUE constraint the original
// schema declares.
func rowKey(cacheType, cacheKey string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", rowKeyPrefix, cacheType, cacheKey))
}

// timeIndexKey builds a synthetic secondary-index key: prefix + a
// big-endian nanosecond timestamp (so byte-lexicographic iteration order
// equals time order) + the primary key it points at. BadgerDB iterates
// keys in byte order, which is what makes a sorted-key range scan serve
// the role a real secondary index would.
func timeIndexKey(prefix string, t time.Time, cacheType, cacheKey string) []byte {
	var tsBuf [8]byte
	binary.BigEndian.PutUint64(tsBuf[:], uint64(t.UnixNano()))

	suffix := fmt.Sprintf("%s/%s", cacheType, cacheKey)
	key := make([]byte, 0, len(prefix)+len(tsBuf)+len(suffix))
	key = append(key, prefix...)
	key = append(key, tsBuf[:]...)
	key = append(key, suffix...)
	return key
}

func expiresIndexKey(t time.Time, cacheType, cacheKey string) []byte {
	return timeIndexKey(expiresIdxPrefix, t, cacheType, cacheKey)
}

func accessIndexKey(t time.Time, cacheType, cacheKey string) []byte {
	return timeIndexKey(accessIdxPrefix, t, cacheType, cacheKey)
}
