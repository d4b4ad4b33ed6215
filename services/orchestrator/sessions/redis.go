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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// Compile-time interface check.
var _ Store = (*RedisStore)(nil)

const (
	sessionKeyPrefix = "assist:session:"
	sessionIndexKey  = "assist:sessions"
)

// RedisConfig configures the Redis-backed store.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Password may be empty for unauthenticated deployments.
	Password string

	// DB selects the logical database.
	DB int

	// MaxTurns bounds the per-session history window. Default 20.
	MaxTurns int

	// TTL evicts idle sessions. Redis enforces it natively via key
	// expiry. Default 1h.
	TTL time.Duration
}

// RedisStore keeps sessions in Redis so multiple replicas share history.
//
// Each session is one JSON value under assist:session:<id> with a native
// TTL; a sorted set indexed by last-activity backs List. Per-session
// append serialization rides on WATCH/MULTI optimistic locking rather
// than process-local mutexes, since other replicas write the same keys.
type RedisStore struct {
	client   *redis.Client
	maxTurns int
	ttl      time.Duration
}

// NewRedisStore connects and pings the server.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.Addr, err)
	}
	slog.Info("Redis session store connected", "addr", cfg.Addr, "ttl", cfg.TTL)
	return &RedisStore{client: client, maxTurns: cfg.MaxTurns, ttl: cfg.TTL}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, id string) (*datatypes.Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis session read failed: %w", err)
	}
	var sess datatypes.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("corrupt session %s: %w", id, err)
	}
	return &sess, nil
}

// Append implements Store. Retries the optimistic transaction a few times
// when another replica races the same session.
func (s *RedisStore) Append(ctx context.Context, id string, turns ...datatypes.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	key := sessionKeyPrefix + id
	now := time.Now()

	txn := func(tx *redis.Tx) error {
		sess := datatypes.Session{ID: id, CreatedAt: now}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// First turn for this session.
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &sess); err != nil {
				slog.Warn("Dropping corrupt session payload", "session_id", id, "error", err)
				sess = datatypes.Session{ID: id, CreatedAt: now}
			}
		}

		sess.Turns = append(sess.Turns, turns...)
		if over := len(sess.Turns) - s.maxTurns; over > 0 {
			sess.Turns = sess.Turns[over:]
		}
		sess.LastActivity = now

		payload, err := json.Marshal(&sess)
		if err != nil {
			return fmt.Errorf("failed to encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			pipe.ZAdd(ctx, sessionIndexKey, redis.Z{Score: float64(now.UnixMilli()), Member: id})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			if err != nil {
				return fmt.Errorf("redis session append failed: %w", err)
			}
			return nil
		}
	}
	return fmt.Errorf("redis session append for %s kept losing the race", id)
}

// List implements Store. Expired entries linger in the index until listed;
// this prunes them as a side effect. The full index is always walked so
// pruning stays complete even when a limit truncates the result.
func (s *RedisStore) List(ctx context.Context, limit int) ([]datatypes.SessionSummary, error) {
	ids, err := s.client.ZRevRange(ctx, sessionIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis session index read failed: %w", err)
	}

	summaries := make([]datatypes.SessionSummary, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		sess, err := s.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(summaries) == limit {
			continue
		}
		summaries = append(summaries, datatypes.SessionSummary{
			SessionID:    sess.ID,
			MessageCount: len(sess.Turns),
			LastActivity: sess.LastActivity,
		})
	}
	if len(stale) > 0 {
		if err := s.client.ZRem(ctx, sessionIndexKey, stale...).Err(); err != nil {
			slog.Warn("Could not prune stale session index entries", "error", err)
		}
	}
	return summaries, nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+id).Err(); err != nil {
		return fmt.Errorf("redis session delete failed: %w", err)
	}
	if err := s.client.ZRem(ctx, sessionIndexKey, id).Err(); err != nil {
		slog.Warn("Could not remove session from index", "session_id", id, "error", err)
	}
	return nil
}

// Close implements Store.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
