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
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

func TestTierFor(t *testing.T) {
	tests := []struct {
		name       string
		intent     datatypes.Intent
		confidence float64
		query      string
		want       llm.Tier
	}{
		{"confident short weather", datatypes.IntentWeather, 0.9, "weather in boston", llm.TierSmall},
		{"confidence exactly at cutoff", datatypes.IntentSports, 0.8, "did the sox win", llm.TierSmall},
		{"low confidence weather", datatypes.IntentWeather, 0.7, "weather in boston", llm.TierMedium},
		{"long structured query", datatypes.IntentWeather, 0.9,
			strings.Repeat("weather ", 10), llm.TierMedium},
		{"general info is never small", datatypes.IntentGeneralInfo, 0.95, "short", llm.TierMedium},
		{"unknown is never small", datatypes.IntentUnknown, 0.9, "short", llm.TierMedium},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierFor(tt.intent, tt.confidence, tt.query))
		})
	}
}

func TestTierFor_RuneBoundary(t *testing.T) {
	under := strings.Repeat("a", smallTierMaxQueryRunes-1)
	atLimit := strings.Repeat("a", smallTierMaxQueryRunes)

	assert.Equal(t, llm.TierSmall, TierFor(datatypes.IntentWeather, 0.9, under))
	assert.Equal(t, llm.TierMedium, TierFor(datatypes.IntentWeather, 0.9, atLimit))
}

func TestAnswer_TierSelection(t *testing.T) {
	weather := adapterServer(t, http.StatusOK,
		`{"location":"Boston","high_f":72,"conditions":"sunny"}`)
	mock := &mockLLM{text: "Sunny in Boston with a high of 72."}
	svc := newTestService(t, mock, serviceOpts{
		adapterURLs: map[string]string{"weather": weather.URL},
	})

	_, err := svc.Answer(context.Background(),
		chatReq("What's the weather in Boston tomorrow?", "sess-1", nil))
	require.NoError(t, err)
	assert.Equal(t, llm.TierSmall, mock.lastTier)
}

func TestAnswer_TierOverride(t *testing.T) {
	mock := &mockLLM{text: "An answer."}
	svc := newTestService(t, mock, serviceOpts{})

	_, err := svc.Answer(context.Background(),
		chatReq("Tell me about tides", "sess-1",
			map[string]any{"model_tier": "large"}))
	require.NoError(t, err)
	assert.Equal(t, llm.TierLarge, mock.lastTier)
}

func TestBuildPrompt_WithSources(t *testing.T) {
	mock := &mockLLM{text: "x"}
	svc := newTestService(t, mock, serviceOpts{})

	st := datatypes.NewRequestState("req-1", "What's the weather in Boston?", "sess-1")
	st.Sources = []datatypes.Source{
		{Provider: "weather", Kind: datatypes.SourceKindRAG, Payload: `{"high_f":72}`},
		{Provider: "searx", Kind: datatypes.SourceKindWebSearch,
			Title: "Boston weather", Payload: "Sunny skies expected."},
	}

	prompt := svc.buildPrompt(st)

	assert.Contains(t, prompt, "Ground your answer in the sources below")
	assert.Contains(t, prompt, "[1] weather")
	assert.Contains(t, prompt, "[2] searx: Boston weather")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(prompt),
		"Question: What's the weather in Boston?"),
		"the question comes last so it is freshest in the context window")
}

func TestBuildPrompt_WithoutSources(t *testing.T) {
	mock := &mockLLM{text: "x"}
	svc := newTestService(t, mock, serviceOpts{})

	st := datatypes.NewRequestState("req-1", "Tell me about tides", "sess-1")
	prompt := svc.buildPrompt(st)

	assert.Contains(t, prompt, "No retrieval sources are available")
	assert.NotContains(t, prompt, "Sources:")
}

func TestBuildPrompt_IncludesHistory(t *testing.T) {
	mock := &mockLLM{text: "x"}
	svc := newTestService(t, mock, serviceOpts{})

	st := datatypes.NewRequestState("req-1", "Who do they play next week?", "sess-1")
	st.History = []datatypes.Turn{
		{Role: datatypes.RoleUser, Content: "Did the Bruins win last night?"},
		{Role: datatypes.RoleAssistant, Content: "The Bruins beat the Rangers 4-2."},
	}

	prompt := svc.buildPrompt(st)

	assert.Contains(t, prompt, "Conversation so far:")
	assert.Contains(t, prompt, "user: Did the Bruins win last night?")
	assert.Contains(t, prompt, "assistant: The Bruins beat the Rangers 4-2.")
}

func TestBuildPrompt_SkipsKnowledgeMarkerSource(t *testing.T) {
	mock := &mockLLM{text: "x"}
	svc := newTestService(t, mock, serviceOpts{})

	st := datatypes.NewRequestState("req-1", "q", "sess-1")
	st.Sources = []datatypes.Source{datatypes.LLMKnowledgeSource("mock-model")}

	prompt := svc.buildPrompt(st)
	assert.NotContains(t, prompt, "mock-model",
		"the marker source is response metadata, not prompt material")
}

func TestBoundPayload(t *testing.T) {
	mock := &mockLLM{text: "x"}
	svc := newTestService(t, mock, serviceOpts{cfg: Config{MaxSourceChars: 200}})

	t.Run("short payloads pass through", func(t *testing.T) {
		assert.Equal(t, "short payload", svc.boundPayload("short payload"))
	})

	t.Run("long payloads are truncated", func(t *testing.T) {
		long := strings.Repeat("The forecast calls for sun. ", 50)
		bounded := svc.boundPayload(long)
		assert.NotEmpty(t, bounded)
		assert.LessOrEqual(t, len(bounded), 200)
	})
}

func TestUncertaintyAnswer_NoSources(t *testing.T) {
	mock := &mockLLM{text: "x"}
	svc := newTestService(t, mock, serviceOpts{})

	st := datatypes.NewRequestState("req-1", "What's the GDP of Atlantis?", "sess-1")
	answer := svc.uncertaintyAnswer(st)

	assert.Contains(t, answer, "What's the GDP of Atlantis?")
	assert.Contains(t, answer, "No retrieval sources were available")
}

func TestUncertaintyAnswer_NamesProvidersOnce(t *testing.T) {
	mock := &mockLLM{text: "x"}
	svc := newTestService(t, mock, serviceOpts{})

	st := datatypes.NewRequestState("req-1", "q", "sess-1")
	st.Sources = []datatypes.Source{
		{Provider: "searx", Kind: datatypes.SourceKindWebSearch, Payload: "a"},
		{Provider: "searx", Kind: datatypes.SourceKindWebSearch, Payload: "b"},
		{Provider: "brave", Kind: datatypes.SourceKindWebSearch, Payload: "c"},
	}

	answer := svc.uncertaintyAnswer(st)
	assert.Equal(t, 1, strings.Count(answer, "searx"))
	assert.Contains(t, answer, "brave")
}
