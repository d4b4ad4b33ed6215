// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"time"
)

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one recorded message in a session. Immutable once appended.
//
// User turns carry the classified intent and the flat entity map so later
// requests can resolve references against them. Assistant turns carry the
// tags of the sources that grounded the answer.
type Turn struct {
	Role       Role              `json:"role"`
	Content    string            `json:"content"`
	Timestamp  time.Time         `json:"timestamp"`
	Intent     Intent            `json:"intent,omitempty"`
	Entities   map[string]string `json:"entities,omitempty"`
	SourceTags []string          `json:"source_tags,omitempty"`
}

// Session is a bounded conversation history keyed by an opaque id.
//
// Invariants enforced by the session store:
//   - at most the configured number of turns retained, oldest discarded first
//   - turns are timestamp-monotonic in append order
//   - evictable after the configured TTL of inactivity
type Session struct {
	ID           string
	Turns        []Turn
	CreatedAt    time.Time
	LastActivity time.Time
}

// sessionWire is Session's JSON shape. message_count is derived from the
// turns on every marshal rather than stored.
type sessionWire struct {
	ID           string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	Turns        []Turn    `json:"turns"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// MarshalJSON emits the wire shape with the derived turn count.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionWire{
		ID:           s.ID,
		MessageCount: len(s.Turns),
		Turns:        s.Turns,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	})
}

// UnmarshalJSON reads the wire shape back, ignoring the derived count.
func (s *Session) UnmarshalJSON(data []byte) error {
	var w sessionWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	s.ID = w.ID
	s.Turns = w.Turns
	s.CreatedAt = w.CreatedAt
	s.LastActivity = w.LastActivity
	return nil
}

// Snapshot returns a defensive copy of the most recent n turns, oldest
// first. n <= 0 copies the full retained history. The classifier reads
// snapshots only; it never holds a handle to the live session.
func (s *Session) Snapshot(n int) []Turn {
	if s == nil || len(s.Turns) == 0 {
		return nil
	}
	start := 0
	if n > 0 && len(s.Turns) > n {
		start = len(s.Turns) - n
	}
	out := make([]Turn, len(s.Turns)-start)
	copy(out, s.Turns[start:])
	return out
}

// LastAssistantTurn returns the most recent assistant turn, or nil.
func (s *Session) LastAssistantTurn() *Turn {
	if s == nil {
		return nil
	}
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == RoleAssistant {
			t := s.Turns[i]
			return &t
		}
	}
	return nil
}

// SessionSummary is the admin-facing view of a session.
type SessionSummary struct {
	SessionID    string    `json:"session_id"`
	MessageCount int       `json:"message_count"`
	LastActivity time.Time `json:"last_activity"`
}
