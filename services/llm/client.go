// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm wraps an OpenAI-compatible chat-completions backend behind a
// tier-selecting client.
//
// Callers pick an abstract tier (small, medium, large); configuration maps
// tiers to concrete model identifiers. Every call carries an explicit
// budget, retries once on transient backend errors, and emits a telemetry
// record regardless of outcome.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Tier is an abstract model performance class.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// ParseTier maps a label to a tier, defaulting to medium for anything
// unrecognized so a bad config never blocks generation.
func ParseTier(label string) Tier {
	switch Tier(label) {
	case TierSmall, TierMedium, TierLarge:
		return Tier(label)
	default:
		return TierMedium
	}
}

// GenerationParams tunes a single generation call. Nil fields use backend
// defaults.
type GenerationParams struct {
	Temperature *float32 `json:"temperature,omitempty"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Stop        []string `json:"stop,omitempty"`
}

// GenerationResult is the outcome of a successful generation call.
type GenerationResult struct {
	Text             string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	ModelID          string
}

// Client is the contract for any LLM backend.
//
// Generate must respect ctx for cancellation and honor budget as a hard
// per-call ceiling. Implementations retry at most once with exponential
// jitter on transient errors, then surface a typed error.
type Client interface {
	Generate(ctx context.Context, prompt string, tier Tier, budget time.Duration, params GenerationParams) (*GenerationResult, error)
}

// CallRecord is the telemetry emitted once per Generate call.
type CallRecord struct {
	ModelID          string
	Tier             Tier
	Latency          time.Duration
	PromptTokens     int
	CompletionTokens int
	Err              error
}

// Recorder receives per-call telemetry. Implementations must not block;
// the client invokes them on the request path.
type Recorder interface {
	RecordLLMCall(rec CallRecord)
}

// NoopRecorder discards telemetry. Used when metrics are disabled so the
// client code reads the same either way.
type NoopRecorder struct{}

func (NoopRecorder) RecordLLMCall(CallRecord) {}

// =============================================================================
// Typed Errors
// =============================================================================

// BackendError reports a failure from the LLM backend after retries.
type BackendError struct {
	ModelID string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("llm backend error (model %s): %v", e.ModelID, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// TimeoutError reports that the per-call budget was exhausted and the
// in-flight call was cancelled.
type TimeoutError struct {
	ModelID string
	Budget  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("llm call timed out after %s (model %s)", e.Budget, e.ModelID)
}

// IsTimeout reports whether err is a llm TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
