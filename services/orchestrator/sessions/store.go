// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sessions stores multi-turn conversation state.
//
// # Description
//
// A session is a bounded window of conversation turns keyed by session ID.
// Stores enforce a maximum turn count (oldest turns fall off) and evict
// whole sessions after a TTL of inactivity. Two implementations ship: an
// in-memory store for single-node deployments and a Redis store for
// multi-replica ones.
//
// # Thread Safety
//
// All Store implementations are safe for concurrent use. Appends to the
// same session are serialized so interleaved requests cannot corrupt turn
// order.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

const (
	// DefaultMaxTurns bounds the per-session history window.
	DefaultMaxTurns = 20

	// DefaultTTL evicts sessions idle longer than this.
	DefaultTTL = 1 * time.Hour

	// DefaultSweepInterval is how often the background sweeper scans for
	// expired sessions.
	DefaultSweepInterval = 5 * time.Minute
)

// ErrSessionNotFound is returned for lookups of unknown or expired IDs.
var ErrSessionNotFound = errors.New("session not found")

// Store is the contract for session persistence.
type Store interface {
	// Get returns a defensive snapshot of the session, or
	// ErrSessionNotFound if the ID is unknown or expired.
	Get(ctx context.Context, id string) (*datatypes.Session, error)

	// Append adds turns to the session, creating it on first use. The
	// history window is trimmed to the store's max turn count and the
	// session's activity clock is reset.
	Append(ctx context.Context, id string, turns ...datatypes.Turn) error

	// List returns summaries of live sessions, most recently active
	// first. limit > 0 caps the result to the limit most recent; limit
	// <= 0 returns everything.
	List(ctx context.Context, limit int) ([]datatypes.SessionSummary, error)

	// Delete removes a session. Deleting an unknown ID is a no-op.
	Delete(ctx context.Context, id string) error

	// Close stops background work and releases resources.
	Close() error
}
