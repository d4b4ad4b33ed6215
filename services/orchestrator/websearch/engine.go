// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package websearch

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/adapters"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/configclient"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
)

// EngineConfig configures the fan-out engine.
type EngineConfig struct {
	// PerProviderBudget bounds each provider call. Default 5s.
	PerProviderBudget time.Duration

	// PerProviderLimit is how many hits each provider is asked for.
	// Default 5.
	PerProviderLimit int

	// MaxResults caps the fused result list. Default 8.
	MaxResults int
}

func (c *EngineConfig) applyDefaults() {
	if c.PerProviderBudget <= 0 {
		c.PerProviderBudget = 5 * time.Second
	}
	if c.PerProviderLimit <= 0 {
		c.PerProviderLimit = 5
	}
	if c.MaxResults <= 0 {
		c.MaxResults = 8
	}
}

// managedProvider pairs a provider with its breaker and fusion weight.
type managedProvider struct {
	provider Provider
	breaker  *adapters.Breaker
	weight   float64
}

// Engine fans a query out to all enabled providers and fuses the results.
type Engine struct {
	cfg       EngineConfig
	providers []*managedProvider
	flags     *configclient.Client
	metrics   *observability.Metrics
}

// NewEngine builds the engine. Provider enablement is re-checked per
// search via feature flags, so a provider can be drained without a
// restart.
func NewEngine(cfg EngineConfig, providerCfgs []ProviderConfig, flags *configclient.Client, m *observability.Metrics) *Engine {
	cfg.applyDefaults()

	onChange := func(name string, state adapters.BreakerState) {
		if m == nil {
			return
		}
		open := 0.0
		if state == adapters.BreakerOpen {
			open = 1.0
		}
		m.BreakerOpen.WithLabelValues(name).Set(open)
	}

	e := &Engine{cfg: cfg, flags: flags, metrics: m}
	for _, pc := range providerCfgs {
		if pc.Name == "" || pc.BaseURL == "" {
			slog.Warn("Skipping search provider with missing name or base URL", "name", pc.Name)
			continue
		}
		weight := pc.Weight
		if weight <= 0 {
			weight = 1.0
		}
		e.providers = append(e.providers, &managedProvider{
			provider: NewHTTPProvider(pc, m),
			breaker:  adapters.NewBreaker(pc.Name, pc.Breaker, onChange),
			weight:   weight,
		})
		slog.Info("Registered search provider", "name", pc.Name, "weight", weight)
	}
	return e
}

// ranked is one fused hit with its fusion ordering keys.
type ranked struct {
	source  datatypes.Source
	score   float64
	arrival int
}

// providerSlot collects one provider's contribution to a fan-out.
type providerSlot struct {
	results []Result
	weight  float64
	name    string
	latency time.Duration
}

// Search runs the fan-out under ctx (the caller's retrieve budget) and
// returns the fused results. Partial results are success: the only error
// case is ctx dying before anything arrived.
func (e *Engine) Search(ctx context.Context, query string) ([]datatypes.Source, error) {
	enabled := e.enabledProviders()
	if len(enabled) == 0 {
		return nil, nil
	}

	slots := make([]providerSlot, len(enabled))

	g, gctx := errgroup.WithContext(ctx)
	for i, mp := range enabled {
		g.Go(func() error {
			if !mp.breaker.Allow() {
				e.countOutcome(mp.provider.Name(), "breaker_open")
				return nil
			}

			callCtx, cancel := context.WithTimeout(gctx, e.cfg.PerProviderBudget)
			defer cancel()

			start := time.Now()
			results, err := mp.provider.Search(callCtx, query, e.cfg.PerProviderLimit)
			latency := time.Since(start)

			if err != nil {
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
					e.countOutcome(mp.provider.Name(), "timeout")
				} else {
					e.countOutcome(mp.provider.Name(), "error")
				}
				mp.breaker.Failure()
				slog.Warn("Search provider failed",
					"provider", mp.provider.Name(),
					"latency", latency,
					"error", err,
				)
				// A failed provider never fails the fan-out.
				return nil
			}

			mp.breaker.Success()
			e.countOutcome(mp.provider.Name(), "ok")
			slots[i] = providerSlot{results: results, weight: mp.weight, name: mp.provider.Name(), latency: latency}
			return nil
		})
	}
	// Workers only return nil; Wait is for joining, not error collection.
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		// The aggregate budget died; surface whatever arrived anyway.
		slog.Warn("Search fan-out cut short by budget", "error", err)
	}

	return e.fuse(slots), nil
}

// enabledProviders filters by feature flag. No config client means all
// configured providers run.
func (e *Engine) enabledProviders() []*managedProvider {
	if e.flags == nil {
		return e.providers
	}
	out := make([]*managedProvider, 0, len(e.providers))
	for _, mp := range e.providers {
		if e.flags.Flag(configclient.SearchFlagPrefix + mp.provider.Name()) {
			out = append(out, mp)
		}
	}
	return out
}

// fuse deduplicates by canonical URL (falling back to normalized title),
// keeps the best weighted score per duplicate, and orders by weighted
// score with earliest arrival breaking ties.
func (e *Engine) fuse(slots []providerSlot) []datatypes.Source {
	now := time.Now()
	byKey := make(map[string]*ranked)
	order := make([]*ranked, 0)
	arrival := 0

	for _, s := range slots {
		for _, r := range s.results {
			key := canonicalKey(r.URL, r.Title)
			if key == "" {
				continue
			}
			weighted := r.Score * s.weight
			if existing, ok := byKey[key]; ok {
				if weighted > existing.score {
					existing.score = weighted
					existing.source.Provider = s.name
					existing.source.Payload = r.Snippet
					existing.source.Title = r.Title
					existing.source.URL = r.URL
					existing.source.LatencyMS = s.latency.Milliseconds()
				}
				continue
			}
			entry := &ranked{
				source: datatypes.Source{
					Provider:  s.name,
					Kind:      datatypes.SourceKindWebSearch,
					Payload:   r.Snippet,
					Title:     r.Title,
					URL:       r.URL,
					FetchedAt: now,
					LatencyMS: s.latency.Milliseconds(),
				},
				score:   weighted,
				arrival: arrival,
			}
			arrival++
			byKey[key] = entry
			order = append(order, entry)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].score != order[j].score {
			return order[i].score > order[j].score
		}
		return order[i].arrival < order[j].arrival
	})

	if len(order) > e.cfg.MaxResults {
		order = order[:e.cfg.MaxResults]
	}
	out := make([]datatypes.Source, len(order))
	for i, r := range order {
		out[i] = r.source
	}
	return out
}

// canonicalKey normalizes a URL for deduplication: lowercased host with
// any www. prefix stripped, path without a trailing slash, no fragment.
// Unparseable URLs fall back to the normalized title.
func canonicalKey(rawURL, title string) string {
	if rawURL != "" {
		if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
			host := strings.TrimPrefix(strings.ToLower(u.Host), "www.")
			path := strings.TrimSuffix(u.Path, "/")
			return host + path + "?" + u.RawQuery
		}
	}
	t := strings.TrimSpace(strings.ToLower(title))
	if t == "" {
		return ""
	}
	return "title:" + t
}

func (e *Engine) countOutcome(provider, outcome string) {
	if e.metrics != nil {
		e.metrics.ProviderRequestsTotal.WithLabelValues(provider, outcome).Inc()
	}
}
