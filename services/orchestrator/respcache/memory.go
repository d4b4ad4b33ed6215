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
	"sync"
	"time"
)

// Compile-time interface check.
var _ Cache = (*MemoryCache)(nil)

type memoryEntry struct {
	entry     *Entry
	expiresAt time.Time
}

// MemoryCache is a process-local TTL cache for single-node deployments.
//
// Expired entries are dropped lazily on read and by a coarse sweeper so
// a quiet cache does not grow without bound.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache builds the cache and starts its sweeper.
func NewMemoryCache() *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		stop:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Get implements Cache.
func (c *MemoryCache) Get(_ context.Context, key string) (*Entry, error) {
	c.mu.RLock()
	me, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, nil
	}
	if time.Now().After(me.expiresAt) {
		c.mu.Lock()
		// Recheck under the write lock; a Set may have raced the expiry.
		if cur, ok := c.entries[key]; ok && time.Now().After(cur.expiresAt) {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, nil
	}
	return me.entry, nil
}

// Set implements Cache.
func (c *MemoryCache) Set(_ context.Context, key string, entry *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	c.entries[key] = memoryEntry{entry: entry, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

// Close stops the sweeper.
func (c *MemoryCache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

func (c *MemoryCache) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, me := range c.entries {
				if now.After(me.expiresAt) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
