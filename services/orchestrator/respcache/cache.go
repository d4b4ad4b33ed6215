// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package respcache caches validated answers so repeated questions skip
// the pipeline entirely.
//
// # Description
//
// The cache key binds the normalized query, the classified intent, the
// extracted entity fingerprint, and (optionally) a fingerprint of the
// previous assistant turn, so a cached answer is only ever replayed in a
// conversation state where it would have been produced. Only validated,
// non-degraded answers are stored.
package respcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// DefaultTTL is how long cached answers stay fresh.
const DefaultTTL = 5 * time.Minute

// Entry is one cached answer. The finalized response is stored whole so
// a hit replays it exactly as first served, response id and stage
// timings included; only the session binding and the cache_hit marker
// differ on replay.
type Entry struct {
	Response *datatypes.ChatResponse `json:"response"`
	StoredAt time.Time               `json:"stored_at"`
}

// Cache is the contract for response caches.
//
// Get returns (nil, nil) on a miss; cache errors are reported but callers
// treat them as misses. The cache must never be load-bearing.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Close() error
}

// Key derives the cache key.
//
// The fields are joined with a unit separator before hashing so no
// combination of values can collide by concatenation. contextFP is empty
// when conversation-context keying is disabled or the session has no
// prior assistant turn.
func Key(normalizedQuery string, intent datatypes.Intent, entityFP, contextFP string) string {
	h := sha256.New()
	h.Write([]byte(strings.Join([]string{
		normalizedQuery,
		string(intent),
		entityFP,
		contextFP,
	}, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))
}

// ContextFingerprint hashes a previous assistant answer for key binding.
func ContextFingerprint(answer string) string {
	if answer == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(answer))
	return hex.EncodeToString(sum[:16])
}
