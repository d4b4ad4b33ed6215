// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Compile-time interface check.
var _ Client = (*OpenAICompatClient)(nil)

// DefaultTierModels is the fallback tier→model mapping when the control
// plane provides none.
var DefaultTierModels = map[Tier]string{
	TierSmall:  "gpt-4o-mini",
	TierMedium: "gpt-4o",
	TierLarge:  "gpt-4o",
}

// OpenAICompatConfig configures the OpenAI-compatible client.
type OpenAICompatConfig struct {
	// BaseURL points at any OpenAI-compatible chat-completions endpoint
	// (hosted OpenAI, vLLM, llama.cpp server). Empty uses the SDK default.
	BaseURL string

	// APIKey authenticates against the backend. May be empty for local
	// backends that skip auth.
	APIKey string

	// TierModels maps abstract tiers to concrete model identifiers.
	// Missing tiers fall back to DefaultTierModels.
	TierModels map[Tier]string

	// SystemPrompt is the assistant persona prepended to every call.
	SystemPrompt string
}

// OpenAICompatClient implements Client against an OpenAI-compatible backend.
type OpenAICompatClient struct {
	client     *openai.Client
	tierModels map[Tier]string
	system     string
	recorder   Recorder
}

// NewOpenAICompatClient builds the client from explicit config.
//
// The recorder receives one CallRecord per Generate call; pass nil to
// discard telemetry.
func NewOpenAICompatClient(cfg OpenAICompatConfig, rec Recorder) (*OpenAICompatClient, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm backend needs an API key or an explicit base URL")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}

	models := make(map[Tier]string, len(DefaultTierModels))
	for tier, model := range DefaultTierModels {
		models[tier] = model
	}
	for tier, model := range cfg.TierModels {
		if model != "" {
			models[ParseTier(string(tier))] = model
		}
	}

	system := cfg.SystemPrompt
	if system == "" {
		system = "You are a helpful assistant."
	}
	if rec == nil {
		rec = NoopRecorder{}
	}

	slog.Info("Initializing OpenAI-compatible LLM client",
		"base_url", oc.BaseURL,
		"small", models[TierSmall],
		"medium", models[TierMedium],
		"large", models[TierLarge],
	)
	return &OpenAICompatClient{
		client:     openai.NewClientWithConfig(oc),
		tierModels: models,
		system:     system,
		recorder:   rec,
	}, nil
}

// NewOpenAICompatClientFromEnv reads LLM_BASE_URL, LLM_API_KEY and the
// LLM_MODEL_{SMALL,MEDIUM,LARGE} variables. The API key also falls back to
// the container secret path, matching how deployments mount credentials.
func NewOpenAICompatClientFromEnv(rec Recorder) (*OpenAICompatClient, error) {
	apiKey := os.Getenv("LLM_API_KEY")
	if apiKey == "" {
		if raw, err := os.ReadFile("/run/secrets/llm_api_key"); err == nil {
			apiKey = strings.TrimSpace(string(raw))
			slog.Info("Read the LLM API key from container secrets")
		}
	}
	cfg := OpenAICompatConfig{
		BaseURL: os.Getenv("LLM_BASE_URL"),
		APIKey:  apiKey,
		TierModels: map[Tier]string{
			TierSmall:  os.Getenv("LLM_MODEL_SMALL"),
			TierMedium: os.Getenv("LLM_MODEL_MEDIUM"),
			TierLarge:  os.Getenv("LLM_MODEL_LARGE"),
		},
		SystemPrompt: os.Getenv("SYSTEM_ROLE_PROMPT_PERSONA"),
	}
	return NewOpenAICompatClient(cfg, rec)
}

// Model returns the concrete model identifier for a tier.
func (c *OpenAICompatClient) Model(tier Tier) string {
	if m, ok := c.tierModels[tier]; ok {
		return m
	}
	return c.tierModels[TierMedium]
}

// Generate implements Client.
//
// The budget is enforced with a derived deadline so an exhausted budget
// cancels the in-flight HTTP call. One retry with exponential jitter runs
// for transient backend errors; context errors are never retried.
func (c *OpenAICompatClient) Generate(ctx context.Context, prompt string, tier Tier, budget time.Duration, params GenerationParams) (*GenerationResult, error) {
	model := c.Model(tier)
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.createCompletion(ctx, model, prompt, params)
	if err != nil && retryableBackendErr(ctx, err) {
		delay := 250*time.Millisecond + time.Duration(rand.Int63n(int64(250*time.Millisecond)))
		slog.Warn("LLM call failed, retrying once", "model", model, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			resp, err = c.createCompletion(ctx, model, prompt, params)
		}
	}
	latency := time.Since(start)

	if err != nil {
		var typed error
		if errors.Is(err, context.DeadlineExceeded) {
			typed = &TimeoutError{ModelID: model, Budget: budget}
		} else if errors.Is(err, context.Canceled) {
			typed = err
		} else {
			typed = &BackendError{ModelID: model, Err: err}
		}
		c.recorder.RecordLLMCall(CallRecord{ModelID: model, Tier: tier, Latency: latency, Err: typed})
		return nil, typed
	}

	result := &GenerationResult{
		Text:             resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		Latency:          latency,
		ModelID:          model,
	}
	c.recorder.RecordLLMCall(CallRecord{
		ModelID:          model,
		Tier:             tier,
		Latency:          latency,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
	})
	return result, nil
}

func (c *OpenAICompatClient) createCompletion(ctx context.Context, model, prompt string, params GenerationParams) (*openai.ChatCompletionResponse, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: c.system},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("backend returned no choices")
	}
	return &resp, nil
}

// retryableBackendErr allows exactly one retry for transient failures.
// Anything tied to the caller's context is final.
func retryableBackendErr(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500 || apiErr.HTTPStatusCode == 429
	}
	// Transport-level failures (connection reset, refused) are transient.
	return true
}
