// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the request, response, and conversation shapes
// shared across the assist orchestrator.
//
// The package is dependency-light on purpose: handlers, the pipeline, the
// session store, and the caches all exchange these types, so nothing here
// may import them back.
package datatypes

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// chatValidate is the validator instance for chat datatypes.
var chatValidate *validator.Validate

// MaxMessageBytes bounds a single inbound message body. Oversized content
// is rejected at the surface rather than truncated silently.
const MaxMessageBytes = 32 * 1024

func init() {
	chatValidate = validator.New()
	if err := chatValidate.RegisterValidation("maxbytes", validateMaxBytes); err != nil {
		panic(fmt.Sprintf("failed to register maxbytes validator: %v", err))
	}
}

// validateMaxBytes enforces byte-length (not rune-length) limits on message
// content, since multi-byte input can blow past a rune-counted cap.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageBytes
}

// =============================================================================
// Request
// =============================================================================

// ChatMessage is one message in the OpenAI-style messages array.
type ChatMessage struct {
	Role    string `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// ChatRequest is the body of POST /v1/chat/completions.
//
// SessionID and UserID are opaque; a missing SessionID is minted
// server-side. Metadata carries the recognized per-request options
// (see RequestOptions); unknown keys are ignored.
type ChatRequest struct {
	Messages  []ChatMessage  `json:"messages" validate:"required,min=1,dive"`
	SessionID string         `json:"session_id,omitempty" validate:"omitempty,max=128"`
	UserID    string         `json:"user_id,omitempty" validate:"omitempty,max=128"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks structural constraints on the request.
func (r *ChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid chat request: %w", err)
	}
	if r.Query() == "" {
		return fmt.Errorf("invalid chat request: no user message present")
	}
	return nil
}

// Query returns the content of the most recent user message, which is the
// query the pipeline answers. Earlier messages are context the caller chose
// to send; session history is authoritative for multi-turn state.
func (r *ChatRequest) Query() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == string(RoleUser) {
			return strings.TrimSpace(r.Messages[i].Content)
		}
	}
	return ""
}

// EnsureSessionID returns the caller-provided session id, minting a fresh
// UUID when absent.
func (r *ChatRequest) EnsureSessionID() string {
	if r.SessionID == "" {
		r.SessionID = uuid.NewString()
	}
	return r.SessionID
}

// RequestOptions are the recognized metadata keys of a chat request.
type RequestOptions struct {
	// BypassCache skips the response-cache short circuit for this request.
	BypassCache bool

	// ModelTier overrides the deterministic tier-selection rule.
	// One of "small", "medium", "large"; empty means no override.
	ModelTier string

	// Trace requests per-stage timing detail in the response.
	Trace bool

	// MaxHistoryTurns caps how many session turns feed classification and
	// synthesis. Negative means "use server defaults".
	MaxHistoryTurns int
}

// Options parses the recognized metadata keys, ignoring anything else.
// Wrong-typed values are treated as absent rather than rejected; metadata
// is advisory, not part of the request contract.
func (r *ChatRequest) Options() RequestOptions {
	opts := RequestOptions{MaxHistoryTurns: -1}
	if r.Metadata == nil {
		return opts
	}
	if v, ok := r.Metadata["bypass_cache"].(bool); ok {
		opts.BypassCache = v
	}
	if v, ok := r.Metadata["model_tier"].(string); ok {
		switch v {
		case "small", "medium", "large":
			opts.ModelTier = v
		}
	}
	if v, ok := r.Metadata["trace"].(bool); ok {
		opts.Trace = v
	}
	// JSON numbers decode as float64.
	if v, ok := r.Metadata["max_history_turns"].(float64); ok && v >= 0 {
		opts.MaxHistoryTurns = int(v)
	}
	return opts
}

// =============================================================================
// Response
// =============================================================================

// StageTimings records per-stage wall-clock milliseconds for a request.
type StageTimings struct {
	ClassifyMS int64 `json:"classify_ms"`
	RetrieveMS int64 `json:"retrieve_ms"`
	SynthMS    int64 `json:"synth_ms"`
	ValidateMS int64 `json:"validate_ms"`
	TotalMS    int64 `json:"total_ms"`
}

// ChatChoice mirrors the OpenAI chat-completions choice shape.
type ChatChoice struct {
	Message ChatMessage `json:"message"`
}

// ChatResponse is the body of a successful chat completion.
//
// Degraded answers are still 200s: Validated is false and the content
// acknowledges what could not be confirmed. Sources list the evidence that
// was actually gathered, including partial results.
type ChatResponse struct {
	ID         string            `json:"id"`
	Choices    []ChatChoice      `json:"choices"`
	SessionID  string            `json:"session_id"`
	Sources    []Source          `json:"sources"`
	Intent     Intent            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Validated  bool              `json:"validated"`
	ModelUsed  string            `json:"model_used,omitempty"`
	Timings    StageTimings      `json:"timings"`
	Entities   map[string]string `json:"entities,omitempty"`
	Degraded   bool              `json:"degraded,omitempty"`
	CacheHit   bool              `json:"cache_hit,omitempty"`
}

// NewChatResponse assembles a response envelope with a fresh id.
func NewChatResponse(sessionID, answer string) *ChatResponse {
	return &ChatResponse{
		ID:        "resp_" + uuid.NewString(),
		SessionID: sessionID,
		Choices: []ChatChoice{
			{Message: ChatMessage{Role: string(RoleAssistant), Content: answer}},
		},
		Sources: []Source{},
	}
}

// Clone returns a deep copy that callers may mutate without touching the
// original. Used by the response cache so a stored response is replayed
// exactly while the session binding still varies per request.
func (r *ChatResponse) Clone() *ChatResponse {
	if r == nil {
		return nil
	}
	out := *r
	if r.Choices != nil {
		out.Choices = append([]ChatChoice(nil), r.Choices...)
	}
	if r.Sources != nil {
		out.Sources = append([]Source(nil), r.Sources...)
	}
	if r.Entities != nil {
		out.Entities = make(map[string]string, len(r.Entities))
		for k, v := range r.Entities {
			out.Entities[k] = v
		}
	}
	return &out
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status     string           `json:"status"`
	Components HealthComponents `json:"components"`
	CheckedAt  time.Time        `json:"checked_at"`
}

// HealthComponents reports per-dependency reachability.
type HealthComponents struct {
	LLM      bool            `json:"llm"`
	Config   bool            `json:"config"`
	Cache    bool            `json:"cache"`
	Adapters map[string]bool `json:"adapters"`
}
