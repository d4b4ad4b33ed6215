// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sessions

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryConfig configures the in-memory store. Zero values take the
// package defaults.
type MemoryConfig struct {
	MaxTurns      int
	TTL           time.Duration
	SweepInterval time.Duration
}

func (c *MemoryConfig) applyDefaults() {
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
}

// MemoryStore keeps sessions in process memory.
//
// Expired sessions are dropped two ways: opportunistically when a lookup
// touches one, and by a background sweeper that scans on an interval so
// abandoned sessions do not pin memory until someone asks for them.
type MemoryStore struct {
	cfg     MemoryConfig
	metrics *observability.Metrics

	mu       sync.Mutex
	sessions map[string]*datatypes.Session

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryStore builds the store and starts the sweeper.
func NewMemoryStore(cfg MemoryConfig, m *observability.Metrics) *MemoryStore {
	cfg.applyDefaults()
	s := &MemoryStore{
		cfg:      cfg,
		metrics:  m,
		sessions: make(map[string]*datatypes.Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.sweep()
	slog.Info("In-memory session store started",
		"max_turns", cfg.MaxTurns,
		"ttl", cfg.TTL,
		"sweep_interval", cfg.SweepInterval,
	)
	return s
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*datatypes.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.expired(sess, time.Now()) {
		s.evictLocked(id)
		return nil, ErrSessionNotFound
	}
	return s.snapshotLocked(sess), nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, id string, turns ...datatypes.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if ok && s.expired(sess, now) {
		s.evictLocked(id)
		ok = false
	}
	if !ok {
		sess = &datatypes.Session{ID: id, CreatedAt: now}
		s.sessions[id] = sess
		if s.metrics != nil {
			s.metrics.SessionsActive.Set(float64(len(s.sessions)))
		}
	}

	sess.Turns = append(sess.Turns, turns...)
	if over := len(sess.Turns) - s.cfg.MaxTurns; over > 0 {
		sess.Turns = append(sess.Turns[:0:0], sess.Turns[over:]...)
	}
	sess.LastActivity = now
	return nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, limit int) ([]datatypes.SessionSummary, error) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	summaries := make([]datatypes.SessionSummary, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if s.expired(sess, now) {
			s.evictLocked(id)
			continue
		}
		summaries = append(summaries, datatypes.SessionSummary{
			SessionID:    sess.ID,
			MessageCount: len(sess.Turns),
			LastActivity: sess.LastActivity,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; ok {
		delete(s.sessions, id)
		if s.metrics != nil {
			s.metrics.SessionsActive.Set(float64(len(s.sessions)))
		}
	}
	return nil
}

// Close stops the sweeper.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	return nil
}

// =============================================================================
// Internals
// =============================================================================

func (s *MemoryStore) expired(sess *datatypes.Session, now time.Time) bool {
	return now.Sub(sess.LastActivity) > s.cfg.TTL
}

// evictLocked removes one session and updates gauges. Caller holds mu.
func (s *MemoryStore) evictLocked(id string) {
	delete(s.sessions, id)
	if s.metrics != nil {
		s.metrics.SessionsEvictedTotal.Inc()
		s.metrics.SessionsActive.Set(float64(len(s.sessions)))
	}
}

// snapshotLocked copies the session so callers never alias store-owned
// slices. Caller holds mu.
func (s *MemoryStore) snapshotLocked(sess *datatypes.Session) *datatypes.Session {
	out := &datatypes.Session{
		ID:           sess.ID,
		CreatedAt:    sess.CreatedAt,
		LastActivity: sess.LastActivity,
		Turns:        make([]datatypes.Turn, len(sess.Turns)),
	}
	copy(out.Turns, sess.Turns)
	return out
}

func (s *MemoryStore) sweep() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			evicted := 0
			for id, sess := range s.sessions {
				if s.expired(sess, now) {
					s.evictLocked(id)
					evicted++
				}
			}
			remaining := len(s.sessions)
			s.mu.Unlock()
			if evicted > 0 {
				slog.Info("Swept expired sessions", "evicted", evicted, "remaining", remaining)
			}
		}
	}
}
