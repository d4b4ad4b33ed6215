// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package respcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// Compile-time interface check.
var _ Cache = (*BadgerCache)(nil)

// BadgerCache persists cached answers on local disk so a restart does
// not cold-start the cache. Badger's native TTL handles expiry.
type BadgerCache struct {
	db   *badger.DB
	stop chan struct{}
	done chan struct{}
}

// NewBadgerCache opens (or creates) the cache database at dir.
func NewBadgerCache(dir string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache at %s: %w", dir, err)
	}

	c := &BadgerCache{
		db:   db,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go c.gcLoop()
	slog.Info("Badger response cache opened", "dir", dir)
	return c, nil
}

// Get implements Cache.
func (c *BadgerCache) Get(_ context.Context, key string) (*Entry, error) {
	var entry *Entry
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var e Entry
			if err := json.Unmarshal(val, &e); err != nil {
				return fmt.Errorf("corrupt cache entry: %w", err)
			}
			entry = &e
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// Set implements Cache.
func (c *BadgerCache) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), payload).WithTTL(ttl)
		return txn.SetEntry(e)
	})
}

// Close stops value-log GC and closes the database.
func (c *BadgerCache) Close() error {
	close(c.stop)
	<-c.done
	return c.db.Close()
}

// gcLoop runs badger value-log garbage collection periodically. Badger
// requires the caller to drive GC; ErrNoRewrite just means nothing to do.
func (c *BadgerCache) gcLoop() {
	defer close(c.done)
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			for {
				if err := c.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}
