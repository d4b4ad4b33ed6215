// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package adapters talks to the domain retrieval services (weather,
// sports, airports) that back structured intents.
//
// # Description
//
// Each adapter wraps one downstream HTTP service with a per-adapter call
// budget, a token-bucket rate limiter, and a circuit breaker. A tripped
// breaker fails calls immediately so a dead downstream costs microseconds
// instead of a full timeout per request.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
)

// queryPayload is the wire request to a retrieval service.
type queryPayload struct {
	Query    string            `json:"query"`
	Entities map[string]string `json:"entities,omitempty"`
}

// queryResult is the wire response from a retrieval service.
type queryResult struct {
	Documents []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"documents"`
}

// Config configures one adapter.
type Config struct {
	// Name identifies the adapter in routing entries and metrics.
	Name string

	// BaseURL of the downstream retrieval service.
	BaseURL string

	// Timeout is the per-call budget. Default 10s.
	Timeout time.Duration

	// RatePerSecond caps calls to the downstream. Zero disables limiting.
	RatePerSecond float64

	// Burst for the rate limiter. Default max(1, RatePerSecond).
	Burst int

	// Breaker tunes the circuit breaker.
	Breaker BreakerConfig
}

// Adapter is one protected downstream retrieval service.
type Adapter struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *Breaker
	limiter *rate.Limiter
	metrics *observability.Metrics
}

// New builds an adapter.
func New(cfg Config, m *observability.Metrics) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	onChange := func(name string, state BreakerState) {
		if m == nil {
			return
		}
		open := 0.0
		if state == BreakerOpen {
			open = 1.0
		}
		m.BreakerOpen.WithLabelValues(name).Set(open)
	}

	return &Adapter{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker(cfg.Name, cfg.Breaker, onChange),
		limiter: limiter,
		metrics: m,
	}
}

// Name returns the adapter's routing name.
func (a *Adapter) Name() string { return a.name }

// BreakerState exposes circuit state for health reporting.
func (a *Adapter) BreakerState() BreakerState { return a.breaker.State() }

// Retrieve queries the downstream service for documents.
//
// Breaker refusals and rate-limit waits happen before the HTTP call; a
// 5xx or transport error counts against the breaker, a 4xx does not (a
// bad request says nothing about downstream health).
func (a *Adapter) Retrieve(ctx context.Context, query string, entities map[string]string) ([]datatypes.Source, error) {
	if !a.breaker.Allow() {
		a.countOutcome("breaker_open")
		return nil, fmt.Errorf("adapter %s: %w", a.name, ErrBreakerOpen)
	}
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			// Context died while queued; downstream health is unknown, so
			// the breaker is left untouched.
			a.countOutcome("timeout")
			return nil, err
		}
	}

	start := time.Now()
	docs, err := a.query(ctx, query, entities)
	latency := time.Since(start)

	if err != nil {
		var upstream *datatypes.UpstreamUnavailableError
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			a.countOutcome("timeout")
		case errors.As(err, &upstream) && upstream.StatusCode >= 400 && upstream.StatusCode < 500:
			a.countOutcome("error")
		default:
			a.breaker.Failure()
			a.countOutcome("error")
		}
		return nil, err
	}

	a.breaker.Success()
	a.countOutcome("ok")

	sources := make([]datatypes.Source, 0, len(docs.Documents))
	now := time.Now()
	for _, d := range docs.Documents {
		sources = append(sources, datatypes.Source{
			Provider:  a.name,
			Kind:      datatypes.SourceKindRAG,
			Payload:   d.Content,
			Title:     d.Title,
			URL:       d.URL,
			FetchedAt: now,
			LatencyMS: latency.Milliseconds(),
		})
	}
	return sources, nil
}

// Health probes the downstream /health endpoint without touching the
// breaker; health checks must not trip or reset production state.
func (a *Adapter) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("adapter %s unreachable: %w", a.name, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("adapter %s unhealthy: status %d", a.name, resp.StatusCode)
	}
	return nil
}

func (a *Adapter) query(ctx context.Context, query string, entities map[string]string) (*queryResult, error) {
	payload, err := json.Marshal(queryPayload{Query: query, Entities: entities})
	if err != nil {
		return nil, fmt.Errorf("failed to encode adapter request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/query", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &datatypes.UpstreamUnavailableError{Provider: a.name, Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &datatypes.UpstreamUnavailableError{Provider: a.name, Reason: "truncated response: " + err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &datatypes.UpstreamUnavailableError{
			Provider:   a.name,
			StatusCode: resp.StatusCode,
			Reason:     strings.TrimSpace(string(body)),
		}
	}

	var result queryResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &datatypes.ParseError{What: "adapter response", Raw: string(body)}
	}
	return &result, nil
}

func (a *Adapter) countOutcome(outcome string) {
	if a.metrics != nil {
		a.metrics.ProviderRequestsTotal.WithLabelValues(a.name, outcome).Inc()
	}
}
