// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package websearch fans a query out to external search providers in
// parallel and fuses the results into a deduplicated, ranked list.
//
// # Description
//
// Providers run concurrently, each under its own budget, rate limiter,
// and circuit breaker. The engine waits for all providers (or the
// aggregate budget) and returns whatever arrived; a provider failing or
// timing out costs its results, never the request.
package websearch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/adapters"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
)

// Result is one hit from one provider, before fusion.
type Result struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Provider is one external search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// ProviderConfig configures one HTTP search provider.
type ProviderConfig struct {
	// Name identifies the provider in flags, metrics, and source tags.
	Name string

	// BaseURL of the provider proxy. The engine calls GET {BaseURL}/search.
	BaseURL string

	// Weight scales this provider's scores during fusion. Default 1.0.
	Weight float64

	// Timeout is the per-call budget. Default 5s.
	Timeout time.Duration

	// RatePerSecond caps calls to the provider. Zero disables limiting.
	RatePerSecond float64

	// Breaker tunes the provider's circuit breaker.
	Breaker adapters.BreakerConfig
}

// HTTPProvider queries a search proxy over HTTP.
//
// All external engines sit behind the same internal proxy contract:
// GET /search?q=<query>&limit=<n> returning a JSON array of results.
type HTTPProvider struct {
	name    string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	metrics *observability.Metrics
}

// NewHTTPProvider builds a provider.
func NewHTTPProvider(cfg ProviderConfig, m *observability.Metrics) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return &HTTPProvider{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
		metrics: m,
	}
}

// Name implements Provider.
func (p *HTTPProvider) Name() string { return p.name }

// Search implements Provider.
func (p *HTTPProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	u := fmt.Sprintf("%s/search?q=%s&limit=%s",
		p.baseURL, url.QueryEscape(query), strconv.Itoa(limit))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &datatypes.UpstreamUnavailableError{Provider: p.name, Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &datatypes.UpstreamUnavailableError{Provider: p.name, Reason: "truncated response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &datatypes.UpstreamUnavailableError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			Reason:     strings.TrimSpace(string(body)),
		}
	}

	var results []Result
	if err := json.Unmarshal(body, &results); err != nil {
		return nil, &datatypes.ParseError{What: "search response", Raw: string(body)}
	}
	return results, nil
}

// Compile-time interface check.
var _ Provider = (*HTTPProvider)(nil)
