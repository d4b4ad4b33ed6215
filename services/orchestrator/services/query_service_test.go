// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/adapters"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/configclient"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/intent"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/respcache"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/sessions"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/websearch"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// mockLLM is a canned llm.Client that records what it was asked.
type mockLLM struct {
	mu         sync.Mutex
	text       string
	err        error
	calls      int
	lastPrompt string
	lastTier   llm.Tier
}

func (m *mockLLM) Generate(ctx context.Context, prompt string, tier llm.Tier, budget time.Duration, params llm.GenerationParams) (*llm.GenerationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastPrompt = prompt
	m.lastTier = tier
	if m.err != nil {
		return nil, m.err
	}
	return &llm.GenerationResult{Text: m.text, ModelID: "mock-model"}, nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// adapterServer serves the retrieval-service /query contract with fixed
// document contents.
func adapterServer(t *testing.T, status int, contents ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "downstream unavailable", status)
			return
		}
		docs := make([]map[string]any, 0, len(contents))
		for _, c := range contents {
			docs = append(docs, map[string]any{"title": "doc", "content": c, "score": 1.0})
		}
		json.NewEncoder(w).Encode(map[string]any{"documents": docs})
	}))
	t.Cleanup(srv.Close)
	return srv
}

// searchServer serves the web-search proxy /search contract.
func searchServer(t *testing.T, snippets ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := make([]map[string]any, 0, len(snippets))
		for i, s := range snippets {
			results = append(results, map[string]any{
				"title":   "result",
				"url":     "https://example.com/" + string(rune('a'+i)),
				"snippet": s,
				"score":   1.0 - float64(i)*0.1,
			})
		}
		json.NewEncoder(w).Encode(results)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// controlPlaneServer serves a custom routing map. Flags stay on their
// defaults; the served list is empty.
func controlPlaneServer(t *testing.T, routing []configclient.RoutingEntry) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/routing/public":
			json.NewEncoder(w).Encode(routing)
		case "/features/public":
			json.NewEncoder(w).Encode([]configclient.FeatureFlag{})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// serviceOpts collects the variable parts of a test pipeline.
type serviceOpts struct {
	cfg         Config
	adapterURLs map[string]string
	searchURL   string
	configURL   string
}

func newTestService(t *testing.T, mock *mockLLM, opts serviceOpts) *QueryService {
	t.Helper()

	flags := configclient.New(configclient.Config{BaseURL: opts.configURL}, nil)
	t.Cleanup(flags.Close)

	store := sessions.NewMemoryStore(sessions.MemoryConfig{}, nil)
	t.Cleanup(func() { store.Close() })

	cache := respcache.NewMemoryCache()
	t.Cleanup(func() { cache.Close() })

	var adapterCfgs []adapters.Config
	for name, url := range opts.adapterURLs {
		adapterCfgs = append(adapterCfgs, adapters.Config{Name: name, BaseURL: url})
	}
	registry := adapters.NewRegistry(adapterCfgs, nil)

	var engine *websearch.Engine
	if opts.searchURL != "" {
		engine = websearch.NewEngine(websearch.EngineConfig{},
			[]websearch.ProviderConfig{{Name: "searx", BaseURL: opts.searchURL}}, nil, nil)
	}

	classifier := intent.New(intent.Config{}, nil, nil)
	return NewQueryService(opts.cfg, mock, classifier, store, registry, engine, cache, flags, nil, nil)
}

func chatReq(query, sessionID string, meta map[string]any) *datatypes.ChatRequest {
	return &datatypes.ChatRequest{
		Messages:  []datatypes.ChatMessage{{Role: "user", Content: query}},
		SessionID: sessionID,
		Metadata:  meta,
	}
}

// =============================================================================
// Pipeline Scenarios
// =============================================================================

func TestAnswer_WeatherAdapterFlow(t *testing.T) {
	weather := adapterServer(t, http.StatusOK,
		`{"location":"Boston","high_f":72,"conditions":"sunny"}`)
	mock := &mockLLM{text: "Tomorrow in Boston looks sunny with a high of 72."}
	svc := newTestService(t, mock, serviceOpts{
		adapterURLs: map[string]string{"weather": weather.URL},
	})

	resp, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-1", nil))

	require.NoError(t, err)
	assert.Equal(t, datatypes.IntentWeather, resp.Intent)
	assert.True(t, resp.Validated)
	assert.False(t, resp.Degraded)
	assert.Equal(t, "mock-model", resp.ModelUsed)
	assert.Contains(t, resp.Choices[0].Message.Content, "Boston")
	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, datatypes.SourceKindRAG, resp.Sources[0].Kind)
	assert.Equal(t, "weather", resp.Sources[0].Provider)
	assert.Equal(t, "Boston", resp.Entities["location"])
}

func TestAnswer_UnknownIntentAsksForClarification(t *testing.T) {
	mock := &mockLLM{text: "should never be called"}
	svc := newTestService(t, mock, serviceOpts{})

	resp, err := svc.Answer(context.Background(), chatReq("hmm okay", "sess-1", nil))

	require.NoError(t, err)
	assert.Equal(t, datatypes.IntentUnknown, resp.Intent)
	assert.Contains(t, resp.Choices[0].Message.Content, "rephrase")
	assert.True(t, resp.Validated, "a clarification is the correct answer, not a degraded one")
	assert.Empty(t, resp.Sources)
	assert.Equal(t, 0, mock.callCount(), "clarifications skip synthesis")
}

func TestAnswer_SynthesisFailureDegrades(t *testing.T) {
	mock := &mockLLM{err: &llm.BackendError{ModelID: "mock-model", Err: errors.New("boom")}}
	svc := newTestService(t, mock, serviceOpts{})

	resp, err := svc.Answer(context.Background(),
		chatReq("Tell me about photosynthesis", "sess-1", nil))

	require.NoError(t, err, "backend failure degrades, it does not fail the request")
	assert.True(t, resp.Degraded)
	assert.False(t, resp.Validated)
	assert.Contains(t, resp.Choices[0].Message.Content, "try asking again")
}

func TestAnswer_UnsupportedClaimsDegrade(t *testing.T) {
	// The adapter only knows about Denver, but the model asserts Boston
	// specifics anyway.
	weather := adapterServer(t, http.StatusOK, `{"location":"Denver","high_f":65}`)
	mock := &mockLLM{text: "The high in Boston will be 72."}
	svc := newTestService(t, mock, serviceOpts{
		adapterURLs: map[string]string{"weather": weather.URL},
	})

	resp, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-1", nil))

	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.False(t, resp.Validated)
	assert.Contains(t, resp.Choices[0].Message.Content, "couldn't verify")
	assert.Contains(t, resp.Choices[0].Message.Content, "weather",
		"degraded answer names the providers that were consulted")
}

func TestAnswer_KnowledgeOnlyAnswerCarriesMarkerSource(t *testing.T) {
	mock := &mockLLM{text: "Photosynthesis converts light into chemical energy in plants."}
	svc := newTestService(t, mock, serviceOpts{})

	resp, err := svc.Answer(context.Background(),
		chatReq("Tell me about photosynthesis", "sess-1", nil))

	require.NoError(t, err)
	assert.Equal(t, datatypes.IntentGeneralInfo, resp.Intent)
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, datatypes.SourceKindLLMKnowledge, resp.Sources[0].Kind)
}

func TestAnswer_ParallelSearchFlow(t *testing.T) {
	search := searchServer(t, "The Great Gatsby was written by F. Scott Fitzgerald in 1925.")
	mock := &mockLLM{text: "F. Scott Fitzgerald wrote The Great Gatsby, published in 1925."}
	svc := newTestService(t, mock, serviceOpts{searchURL: search.URL})

	resp, err := svc.Answer(context.Background(),
		chatReq("Who wrote the great gatsby?", "sess-1", nil))

	require.NoError(t, err)
	assert.Equal(t, datatypes.IntentGeneralInfo, resp.Intent)
	assert.True(t, resp.Validated)
	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, datatypes.SourceKindWebSearch, resp.Sources[0].Kind)
}

func TestAnswer_AdapterFailureDemotesToSearch(t *testing.T) {
	weather := adapterServer(t, http.StatusInternalServerError)
	search := searchServer(t, "Boston forecast: sunny, high 72.")
	mock := &mockLLM{text: "Sunny in Boston tomorrow with a high of 72."}
	svc := newTestService(t, mock, serviceOpts{
		adapterURLs: map[string]string{"weather": weather.URL},
		searchURL:   search.URL,
	})

	resp, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-1", nil))

	require.NoError(t, err)
	assert.True(t, resp.Validated, "the demoted route still produced a supported answer")
	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, datatypes.SourceKindWebSearch, resp.Sources[0].Kind,
		"evidence came from the search fallback, not the dead adapter")
}

func TestAnswer_DemotionFollowsRoutingFallback(t *testing.T) {
	// The sports entry names an adapter that is not registered, and
	// declares weather as its fallback. The weather adapter is live.
	weather := adapterServer(t, http.StatusOK, "The Celtics won 112-104 last night.")
	plane := controlPlaneServer(t, []configclient.RoutingEntry{
		{Intent: datatypes.IntentSports, AdapterName: "sports", TimeoutMS: 1000,
			FallbackIntent: datatypes.IntentWeather},
		{Intent: datatypes.IntentWeather, AdapterName: "weather", TimeoutMS: 1000,
			FallbackIntent: datatypes.IntentGeneralInfo},
	})
	mock := &mockLLM{text: "The Celtics won 112-104 last night."}
	svc := newTestService(t, mock, serviceOpts{
		configURL:   plane.URL,
		adapterURLs: map[string]string{"weather": weather.URL},
	})

	resp, err := svc.Answer(context.Background(),
		chatReq("Did the Celtics win last night?", "sess-1", nil))

	require.NoError(t, err)
	assert.Equal(t, datatypes.IntentSports, resp.Intent)
	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, "weather", resp.Sources[0].Provider,
		"demotion follows the entry's declared fallback, not a hardcoded target")
	assert.True(t, resp.Validated)
}

func TestDecideRoute_FallbackChainsCannotLoop(t *testing.T) {
	// Two entries that name each other as fallbacks, neither adapter
	// registered. The second demotion must settle on general_info.
	plane := controlPlaneServer(t, []configclient.RoutingEntry{
		{Intent: datatypes.IntentSports, AdapterName: "sports",
			FallbackIntent: datatypes.IntentWeather},
		{Intent: datatypes.IntentWeather, AdapterName: "weather",
			FallbackIntent: datatypes.IntentSports},
	})
	svc := newTestService(t, &mockLLM{}, serviceOpts{configURL: plane.URL})

	d := svc.decideRoute(datatypes.IntentSports, false)

	assert.Equal(t, datatypes.IntentGeneralInfo, d.Target)
	assert.True(t, d.Demoted)
	assert.True(t, d.LLMOnly, "no search engine is wired, so the terminal route is LLM-only")
}

func TestAnswer_ControlDispatch(t *testing.T) {
	control := adapterServer(t, http.StatusOK, "Okay, I've turned off the living room lights.")
	mock := &mockLLM{text: "should never be called"}
	svc := newTestService(t, mock, serviceOpts{
		adapterURLs: map[string]string{"control": control.URL},
	})

	resp, err := svc.Answer(context.Background(),
		chatReq("Turn off the living room lights", "sess-1", nil))

	require.NoError(t, err)
	assert.Equal(t, datatypes.IntentControl, resp.Intent)
	assert.True(t, resp.Validated)
	assert.Equal(t, "Okay, I've turned off the living room lights.",
		resp.Choices[0].Message.Content, "the controller acknowledgment is relayed verbatim")
	assert.Equal(t, 0, mock.callCount(), "control commands never reach synthesis")
}

func TestAnswer_ControlWithoutAdapterRefusesSafely(t *testing.T) {
	mock := &mockLLM{text: "should never be called"}
	svc := newTestService(t, mock, serviceOpts{})

	resp, err := svc.Answer(context.Background(),
		chatReq("Turn off the living room lights", "sess-1", nil))

	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Choices[0].Message.Content, "haven't made any changes",
		"the user must know no device action happened")
}

func TestAnswer_SessionTurnsAppended(t *testing.T) {
	mock := &mockLLM{text: "Photosynthesis converts light into chemical energy."}
	svc := newTestService(t, mock, serviceOpts{})

	_, err := svc.Answer(context.Background(),
		chatReq("Tell me about photosynthesis", "sess-1", nil))
	require.NoError(t, err)

	sess, err := svc.sessions.Get(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 2)
	assert.Equal(t, datatypes.RoleUser, sess.Turns[0].Role)
	assert.Equal(t, "Tell me about photosynthesis", sess.Turns[0].Content)
	assert.Equal(t, datatypes.IntentGeneralInfo, sess.Turns[0].Intent)
	assert.Equal(t, datatypes.RoleAssistant, sess.Turns[1].Role)
}

func TestAnswer_MintsSessionID(t *testing.T) {
	mock := &mockLLM{text: "An answer."}
	svc := newTestService(t, mock, serviceOpts{})

	resp, err := svc.Answer(context.Background(),
		chatReq("Tell me about tides", "", nil))

	require.NoError(t, err)
	assert.NotEmpty(t, resp.SessionID)
}

// =============================================================================
// Cache Behavior
// =============================================================================

func TestAnswer_CacheReplay(t *testing.T) {
	weather := adapterServer(t, http.StatusOK,
		`{"location":"Boston","high_f":72,"conditions":"sunny"}`)
	mock := &mockLLM{text: "Sunny in Boston with a high of 72."}
	svc := newTestService(t, mock, serviceOpts{
		adapterURLs: map[string]string{"weather": weather.URL},
	})

	first, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-1", nil))
	require.NoError(t, err)
	require.True(t, first.Validated)
	assert.False(t, first.CacheHit)

	// Same question in a fresh conversation replays the stored answer.
	second, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-2", nil))
	require.NoError(t, err)

	assert.True(t, second.CacheHit)
	assert.True(t, second.Validated)
	assert.Equal(t, 1, mock.callCount(), "the replay must not re-synthesize")

	// The replay is the stored response, not a rebuild: same id, same
	// timings, same content. Only the session binding and the cache_hit
	// marker belong to the second request.
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.Timings, second.Timings)
	assert.Equal(t, first.Choices, second.Choices)
	assert.Equal(t, first.Sources, second.Sources)
	assert.Equal(t, "sess-2", second.SessionID)

	// The replay still lands in the new conversation's history.
	sess, err := svc.sessions.Get(context.Background(), "sess-2")
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2)
}

func TestAnswer_CacheKeyBindsConversationContext(t *testing.T) {
	weather := adapterServer(t, http.StatusOK,
		`{"location":"Boston","high_f":72,"conditions":"sunny"}`)
	mock := &mockLLM{text: "Sunny in Boston with a high of 72."}
	svc := newTestService(t, mock, serviceOpts{
		adapterURLs: map[string]string{"weather": weather.URL},
	})

	_, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-1", nil))
	require.NoError(t, err)

	// The same session now has an assistant turn, so the same question
	// keys differently and must miss.
	resp, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-1", nil))
	require.NoError(t, err)

	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, mock.callCount())
}

func TestAnswer_BypassCacheOption(t *testing.T) {
	weather := adapterServer(t, http.StatusOK,
		`{"location":"Boston","high_f":72,"conditions":"sunny"}`)
	mock := &mockLLM{text: "Sunny in Boston with a high of 72."}
	svc := newTestService(t, mock, serviceOpts{
		adapterURLs: map[string]string{"weather": weather.URL},
	})

	_, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-1", nil))
	require.NoError(t, err)

	resp, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-2",
			map[string]any{"bypass_cache": true}))
	require.NoError(t, err)

	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, mock.callCount())
}

func TestAnswer_DegradedAnswersAreNotCached(t *testing.T) {
	mock := &mockLLM{err: &llm.BackendError{ModelID: "mock-model", Err: errors.New("boom")}}
	svc := newTestService(t, mock, serviceOpts{})

	_, err := svc.Answer(context.Background(),
		chatReq("Tell me about photosynthesis", "sess-1", nil))
	require.NoError(t, err)

	resp, err := svc.Answer(context.Background(),
		chatReq("Tell me about photosynthesis", "sess-2", nil))
	require.NoError(t, err)

	assert.False(t, resp.CacheHit)
	assert.Equal(t, 2, mock.callCount())
}

// =============================================================================
// Cancellation and Budgets
// =============================================================================

func TestAnswer_ClientCancellation(t *testing.T) {
	mock := &mockLLM{text: "An answer."}
	svc := newTestService(t, mock, serviceOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Answer(ctx, chatReq("Tell me about tides", "sess-1", nil))
	assert.ErrorIs(t, err, datatypes.ErrCancelled)

	// An abandoned request leaves no trace: no turns in the session and
	// nothing in the response cache.
	_, err = svc.sessions.Get(context.Background(), "sess-1")
	assert.ErrorIs(t, err, sessions.ErrSessionNotFound)

	resp, err := svc.Answer(context.Background(),
		chatReq("Tell me about tides", "sess-1", nil))
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, 1, mock.callCount(), "the repeat had to be synthesized fresh")
}

func TestAnswer_WallBudgetExhaustion(t *testing.T) {
	mock := &mockLLM{text: "An answer."}
	svc := newTestService(t, mock, serviceOpts{
		cfg: Config{WallBudget: time.Nanosecond},
	})

	_, err := svc.Answer(context.Background(),
		chatReq("Tell me about tides", "sess-1", nil))

	var apiErr *datatypes.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, datatypes.ErrCodeTimeout, apiErr.Code)
}
