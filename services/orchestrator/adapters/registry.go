// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package adapters

import (
	"context"
	"log/slog"
	"sync"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
)

// Registry holds the configured adapters by routing name.
//
// The set is fixed at startup; routing entries reference adapters by
// name, and an entry pointing at an unregistered adapter degrades the
// request rather than failing it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

// NewRegistry builds a registry from adapter configs.
func NewRegistry(configs []Config, m *observability.Metrics) *Registry {
	r := &Registry{adapters: make(map[string]*Adapter, len(configs))}
	for _, cfg := range configs {
		if cfg.Name == "" || cfg.BaseURL == "" {
			slog.Warn("Skipping adapter with missing name or base URL", "name", cfg.Name)
			continue
		}
		r.adapters[cfg.Name] = New(cfg, m)
		slog.Info("Registered retrieval adapter", "name", cfg.Name, "base_url", cfg.BaseURL)
	}
	return r
}

// Get returns the adapter for a routing name.
func (r *Registry) Get(name string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns all registered adapter names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// HealthAll probes every adapter and reports reachability by name.
func (r *Registry) HealthAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.adapters))
	for name, a := range r.adapters {
		out[name] = a.Health(ctx) == nil
	}
	return out
}
