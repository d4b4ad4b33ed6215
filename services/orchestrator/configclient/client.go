// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package configclient pulls feature flags, the intent routing map, and
// third-party API credentials from the admin control plane.
//
// # Description
//
// All three resources are cached per process with a TTL. The client fails
// open: when the control plane is unreachable it serves the last known
// good value, and when none exists it serves hardcoded defaults and bumps
// a fallback counter. A disabled flag never fails a request; it only
// shapes behavior.
//
// # Thread Safety
//
// All methods are safe for concurrent use. The cache mutex is held only
// for map reads and swaps, never across network calls.
package configclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
)

// serviceTokenHeader carries the shared service credential on every
// control-plane call. The control plane's auth scheme is otherwise opaque
// to this component.
const serviceTokenHeader = "X-Aleutian-Service-Token"

// Well-known flag names. The control plane may define more; unknown flags
// simply resolve through the same lookup.
const (
	FlagConversationContext = "conversation_context"
	FlagLLMIntentClassify   = "enable_llm_intent_classification"
	FlagResponseCache       = "enable_response_cache"
	FlagWeatherAdapter      = "enable_weather_adapter"
	FlagSportsAdapter       = "enable_sports_adapter"
	FlagAirportsAdapter     = "enable_airports_adapter"

	// SearchFlagPrefix + provider name gates each web-search provider.
	SearchFlagPrefix = "enable_search_"
)

// FeatureFlag is one control-plane flag.
type FeatureFlag struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	Enabled  bool   `json:"enabled"`
	Required bool   `json:"required"`
}

// RoutingEntry maps an intent to its retrieval adapter.
type RoutingEntry struct {
	Intent         datatypes.Intent `json:"intent"`
	AdapterName    string           `json:"adapter_name"`
	TimeoutMS      int              `json:"timeout_ms"`
	FallbackIntent datatypes.Intent `json:"fallback_intent,omitempty"`
}

// Timeout returns the per-adapter call budget.
func (r RoutingEntry) Timeout() time.Duration {
	if r.TimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(r.TimeoutMS) * time.Millisecond
}

// defaultFlags is served when neither the control plane nor a last known
// good snapshot is available. Required flags here can never be disabled at
// runtime.
var defaultFlags = map[string]FeatureFlag{
	FlagConversationContext: {Name: FlagConversationContext, Enabled: true},
	FlagLLMIntentClassify:   {Name: FlagLLMIntentClassify, Enabled: false},
	FlagResponseCache:       {Name: FlagResponseCache, Enabled: true},
	FlagWeatherAdapter:      {Name: FlagWeatherAdapter, Enabled: true},
	FlagSportsAdapter:       {Name: FlagSportsAdapter, Enabled: true},
	FlagAirportsAdapter:     {Name: FlagAirportsAdapter, Enabled: true},
}

// defaultRouting mirrors the shipped adapter topology.
var defaultRouting = map[datatypes.Intent]RoutingEntry{
	datatypes.IntentWeather:  {Intent: datatypes.IntentWeather, AdapterName: "weather", TimeoutMS: 10000, FallbackIntent: datatypes.IntentGeneralInfo},
	datatypes.IntentSports:   {Intent: datatypes.IntentSports, AdapterName: "sports", TimeoutMS: 10000, FallbackIntent: datatypes.IntentGeneralInfo},
	datatypes.IntentAirports: {Intent: datatypes.IntentAirports, AdapterName: "airports", TimeoutMS: 10000, FallbackIntent: datatypes.IntentGeneralInfo},
	datatypes.IntentControl:  {Intent: datatypes.IntentControl, AdapterName: "control", TimeoutMS: 5000},
}

// Config configures the control-plane client.
type Config struct {
	// BaseURL of the admin control plane. Empty runs fully on defaults.
	BaseURL string

	// ServiceToken is the shared service credential supplied at startup.
	ServiceToken string

	// TTL for the flag and routing caches. Default 60s.
	TTL time.Duration

	// HTTPTimeout per control-plane call. Default 5s.
	HTTPTimeout time.Duration
}

// Client is the process-wide config handle.
type Client struct {
	cfg     Config
	http    *http.Client
	metrics *observability.Metrics

	mu           sync.Mutex
	flags        map[string]FeatureFlag
	flagsFetched time.Time
	flagsHealthy bool
	routing      map[datatypes.Intent]RoutingEntry
	routingFetch time.Time
	overrides    map[string]bool
	vault        *credentialVault
}

// New builds the client. It does not fetch eagerly; the first lookup
// populates the caches.
func New(cfg Config, m *observability.Metrics) *Client {
	if cfg.TTL <= 0 {
		cfg.TTL = 60 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 5 * time.Second
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.HTTPTimeout},
		metrics: m,
		vault:   newCredentialVault(),
	}
}

// Flag resolves a feature flag.
//
// Resolution order: local override file, fetched control-plane value
// (refreshed when stale), last known good, hardcoded default. A flag
// marked required in the defaults is always served enabled even when the
// control plane says otherwise.
func (c *Client) Flag(name string) bool {
	c.refreshFlags()

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.overrides[name]; ok {
		return v
	}
	def, hasDefault := defaultFlags[name]
	if f, ok := c.flags[name]; ok {
		if !f.Enabled && (f.Required || (hasDefault && def.Required)) {
			slog.Warn("Ignoring disabled state of required flag", "flag", name)
			return true
		}
		return f.Enabled
	}
	if hasDefault {
		return def.Enabled
	}
	return false
}

// Routing returns the routing entry for an intent, falling back to the
// shipped topology when the control plane has no entry.
func (c *Client) Routing(intent datatypes.Intent) (RoutingEntry, bool) {
	c.refreshRouting()

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.routing[intent]; ok {
		return e, true
	}
	e, ok := defaultRouting[intent]
	return e, ok
}

// ExternalKey fetches (and caches) the decrypted credential for a service.
// The decrypted key material lives only in locked memory; see Credential.
func (c *Client) ExternalKey(ctx context.Context, service string) (*Credential, error) {
	if cred := c.vault.get(service); cred != nil {
		return cred, nil
	}
	if c.cfg.BaseURL == "" {
		return nil, &datatypes.ConfigUnavailableError{What: "credential " + service, Err: fmt.Errorf("no control plane configured")}
	}

	var payload struct {
		ServiceName string  `json:"service_name"`
		APIKey      string  `json:"api_key"`
		EndpointURL string  `json:"endpoint_url"`
		RateLimit   float64 `json:"rate_limit,omitempty"`
	}
	url := fmt.Sprintf("%s/external-api-keys/public/%s/key", strings.TrimSuffix(c.cfg.BaseURL, "/"), service)
	if err := c.getJSON(ctx, url, &payload); err != nil {
		c.recordFallback("credential")
		return nil, &datatypes.ConfigUnavailableError{What: "credential " + service, Err: err}
	}

	cred := newCredential(payload.ServiceName, payload.APIKey, payload.EndpointURL, payload.RateLimit)
	c.vault.put(service, cred)
	return cred, nil
}

// Healthy reports whether the most recent control-plane fetch succeeded.
// With no control plane configured the client is healthy by definition:
// defaults are its steady state.
func (c *Client) Healthy() bool {
	if c.cfg.BaseURL == "" {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flagsHealthy
}

// SetOverrides replaces the local override set. Called by the file watcher.
func (c *Client) SetOverrides(overrides map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.overrides = overrides
}

// Close releases locked credential memory.
func (c *Client) Close() {
	c.vault.destroy()
}

// =============================================================================
// Fetch internals
// =============================================================================

func (c *Client) refreshFlags() {
	if c.cfg.BaseURL == "" {
		return
	}
	c.mu.Lock()
	stale := time.Since(c.flagsFetched) >= c.cfg.TTL
	c.mu.Unlock()
	if !stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancel()

	var fetched []FeatureFlag
	err := c.getJSON(ctx, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/features/public", &fetched)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Mark the attempt time either way so a dead control plane is probed
	// once per TTL, not once per request.
	c.flagsFetched = time.Now()
	if err != nil {
		c.flagsHealthy = false
		c.recordFallback("flags")
		slog.Warn("Feature flag fetch failed, serving last known good", "error", err)
		return
	}
	flags := make(map[string]FeatureFlag, len(fetched))
	for _, f := range fetched {
		flags[f.Name] = f
	}
	c.flags = flags
	c.flagsHealthy = true
}

func (c *Client) refreshRouting() {
	if c.cfg.BaseURL == "" {
		return
	}
	c.mu.Lock()
	stale := time.Since(c.routingFetch) >= c.cfg.TTL
	c.mu.Unlock()
	if !stale {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancel()

	var fetched []RoutingEntry
	err := c.getJSON(ctx, strings.TrimSuffix(c.cfg.BaseURL, "/")+"/routing/public", &fetched)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.routingFetch = time.Now()
	if err != nil {
		c.recordFallback("routing")
		slog.Warn("Routing map fetch failed, serving last known good", "error", err)
		return
	}
	routing := make(map[datatypes.Intent]RoutingEntry, len(fetched))
	for _, e := range fetched {
		routing[datatypes.CanonicalIntent(string(e.Intent))] = e
	}
	c.routing = routing
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build config request: %w", err)
	}
	if c.cfg.ServiceToken != "" {
		req.Header.Set(serviceTokenHeader, c.cfg.ServiceToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("config request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read config response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control plane returned status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse config response: %w", err)
	}
	return nil
}

func (c *Client) recordFallback(what string) {
	if c.metrics != nil {
		c.metrics.ConfigFallbacksTotal.WithLabelValues(what).Inc()
	}
}
