// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestState_AdvancesForward(t *testing.T) {
	st := NewRequestState("req-1", "weather in boston", "sess-1")
	require.Equal(t, StageNew, st.Stage())

	for _, next := range []Stage{
		StageClassified, StageRouted, StageRetrieved,
		StageSynthesized, StageValidated, StageFinalized,
	} {
		require.NoError(t, st.Advance(next))
		assert.Equal(t, next, st.Stage())
	}
	assert.True(t, st.Stage().Terminal())
}

func TestRequestState_RejectsBackwardTransition(t *testing.T) {
	st := NewRequestState("req-1", "q", "sess-1")
	require.NoError(t, st.Advance(StageRetrieved))

	assert.Error(t, st.Advance(StageClassified))
	assert.Equal(t, StageRetrieved, st.Stage(), "a rejected transition leaves the stage alone")
}

func TestRequestState_TerminalStagesAreFrozen(t *testing.T) {
	st := NewRequestState("req-1", "q", "sess-1")
	require.NoError(t, st.Advance(StageFailed))

	assert.Error(t, st.Advance(StageFinalized))
	assert.Error(t, st.Advance(StageClassified))
}

func TestRequestState_FailureSkipsAhead(t *testing.T) {
	// A fault during classify jumps straight to a terminal stage.
	st := NewRequestState("req-1", "q", "sess-1")
	require.NoError(t, st.Advance(StageClassified))

	assert.NoError(t, st.Advance(StageFinalized))
	assert.True(t, st.Stage().Terminal())
}

func TestRequestState_RecordErrorCollects(t *testing.T) {
	st := NewRequestState("req-1", "q", "sess-1")

	st.RecordError(StageRetrieved, assert.AnError)
	st.RecordError(StageRetrieved, nil)

	require.Len(t, st.Errors, 1, "nil errors are not recorded")
	assert.Equal(t, StageRetrieved, st.Errors[0].Stage)
	assert.False(t, st.Errors[0].At.IsZero())
}

func TestRequestState_HasRetrievedEvidence(t *testing.T) {
	st := NewRequestState("req-1", "q", "sess-1")
	assert.False(t, st.HasRetrievedEvidence())

	st.AddSource(LLMKnowledgeSource("some-model"))
	assert.False(t, st.HasRetrievedEvidence(),
		"the knowledge marker is provenance, not evidence")

	st.AddSource(Source{Provider: "weather", Kind: SourceKindRAG, Payload: "{}"})
	assert.True(t, st.HasRetrievedEvidence())
}

func TestChatRequest_Validate(t *testing.T) {
	tests := []struct {
		name    string
		req     ChatRequest
		wantErr bool
	}{
		{
			name: "valid",
			req: ChatRequest{Messages: []ChatMessage{
				{Role: "user", Content: "hello"},
			}},
		},
		{
			name:    "no messages",
			req:     ChatRequest{},
			wantErr: true,
		},
		{
			name: "unknown role",
			req: ChatRequest{Messages: []ChatMessage{
				{Role: "narrator", Content: "hello"},
			}},
			wantErr: true,
		},
		{
			name: "no user message",
			req: ChatRequest{Messages: []ChatMessage{
				{Role: "assistant", Content: "hello"},
			}},
			wantErr: true,
		},
		{
			name: "oversized content",
			req: ChatRequest{Messages: []ChatMessage{
				{Role: "user", Content: string(make([]byte, MaxMessageBytes+1))},
			}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChatRequest_QueryIsLastUserMessage(t *testing.T) {
	req := ChatRequest{Messages: []ChatMessage{
		{Role: "user", Content: "first question"},
		{Role: "assistant", Content: "first answer"},
		{Role: "user", Content: "  second question  "},
	}}
	assert.Equal(t, "second question", req.Query())
}

func TestChatRequest_EnsureSessionID(t *testing.T) {
	req := ChatRequest{SessionID: "sess-1"}
	assert.Equal(t, "sess-1", req.EnsureSessionID())

	minted := ChatRequest{}
	id := minted.EnsureSessionID()
	assert.NotEmpty(t, id)
	assert.Equal(t, id, minted.EnsureSessionID(), "minting is stable per request")
}

func TestChatRequest_Options(t *testing.T) {
	req := ChatRequest{Metadata: map[string]any{
		"bypass_cache":      true,
		"model_tier":        "large",
		"trace":             true,
		"max_history_turns": float64(2),
		"unknown_key":       "ignored",
	}}
	opts := req.Options()

	assert.True(t, opts.BypassCache)
	assert.Equal(t, "large", opts.ModelTier)
	assert.True(t, opts.Trace)
	assert.Equal(t, 2, opts.MaxHistoryTurns)
}

func TestChatRequest_OptionsIgnoresWrongTypes(t *testing.T) {
	req := ChatRequest{Metadata: map[string]any{
		"bypass_cache":      "yes",
		"model_tier":        "enormous",
		"max_history_turns": -3.0,
	}}
	opts := req.Options()

	assert.False(t, opts.BypassCache)
	assert.Empty(t, opts.ModelTier, "unrecognized tiers are dropped")
	assert.Equal(t, -1, opts.MaxHistoryTurns, "negative means server default")
}
