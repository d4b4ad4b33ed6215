// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent classifies user queries into routable categories and
// extracts the entities each category needs.
//
// # Description
//
// Two classification paths exist. The pattern path runs ordered regex
// rules and is fully deterministic: the same (query, history) always
// yields the same (intent, entities). The LLM path, enabled by feature
// flag, asks a small model for a structured reply and falls back to the
// pattern path on any parse failure.
//
// Coreference resolution runs after classification: when the query leans
// on a pronoun or determiner, entities missing from the query text are
// filled from recent session turns and flagged as context-resolved.
package intent

import (
	"context"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/configclient"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// Classification is the classifier's output for one query.
type Classification struct {
	Intent     datatypes.Intent
	Confidence float64
	Entities   datatypes.Entities

	// Promoted records that the intent was lifted from a context turn
	// rather than the query itself. Surfaced in telemetry.
	Promoted bool

	// UsedLLM records which path produced the result.
	UsedLLM bool
}

// Config tunes the classifier. Zero values take defaults.
type Config struct {
	// HistoryTurns is how many recent turns feed coreference resolution
	// and the LLM prompt. Default 3.
	HistoryTurns int

	// LLMBudget bounds the LLM classification call. Default 2s, leaving
	// headroom inside the classify stage budget for the pattern fallback.
	LLMBudget time.Duration
}

func (c *Config) applyDefaults() {
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 3
	}
	if c.LLMBudget <= 0 {
		c.LLMBudget = 2 * time.Second
	}
}

// Classifier classifies queries. Safe for concurrent use.
type Classifier struct {
	cfg   Config
	flags *configclient.Client
	llm   llm.Client
}

// New builds a classifier. llmClient may be nil; the LLM path is then
// unavailable regardless of the flag.
func New(cfg Config, flags *configclient.Client, llmClient llm.Client) *Classifier {
	cfg.applyDefaults()
	return &Classifier{cfg: cfg, flags: flags, llm: llmClient}
}

// Classify produces (intent, confidence, entities) for a query.
//
// history is a read-only snapshot of recent session turns, most recent
// last. It is consulted only when the conversation-context flag is on and
// the query contains a referring expression.
func (c *Classifier) Classify(ctx context.Context, query string, history []datatypes.Turn) Classification {
	normalized := Normalize(query)

	contextOn := c.flags == nil || c.flags.Flag(configclient.FlagConversationContext)
	hasRef := contextOn && HasReferringExpression(normalized)
	if !hasRef {
		history = nil
	}
	if len(history) > c.cfg.HistoryTurns {
		history = history[len(history)-c.cfg.HistoryTurns:]
	}

	if c.llm != nil && c.flags != nil && c.flags.Flag(configclient.FlagLLMIntentClassify) {
		if cls, err := c.llmClassify(ctx, query, normalized, history); err == nil {
			return c.resolveReferences(cls, normalized, hasRef, history)
		} else {
			slog.Warn("LLM classification failed, falling back to pattern classifier",
				"error", err)
		}
	}

	in, conf := matchPattern(normalized)
	cls := Classification{
		Intent:     in,
		Confidence: conf,
		Entities:   extractEntities(in, query, normalized),
	}
	return c.resolveReferences(cls, normalized, hasRef, history)
}

// resolveReferences runs the coreference pass: fill missing entities from
// history, and promote a shapeless intent to the intent of the most
// recent turn that can anchor the reference.
func (c *Classifier) resolveReferences(cls Classification, normalized string, hasRef bool, history []datatypes.Turn) Classification {
	if !hasRef || len(history) == 0 {
		return cls
	}

	// Promotion first: an unknown or weakly-general query leaning on a
	// pronoun usually continues the previous topic.
	if cls.Intent == datatypes.IntentUnknown ||
		(cls.Intent == datatypes.IntentGeneralInfo && cls.Confidence <= 0.5) {
		if promoted, value, ok := promoteFromHistory(history); ok {
			cls.Intent = promoted
			cls.Confidence = 0.6
			cls.Promoted = true
			base := extractEntities(promoted, "", normalized)
			cls.Entities = withResolvedEntity(promoted, base, value)
			slog.Info("Promoted intent from conversation context",
				"intent", promoted, "resolved_entity", value)
			return cls
		}
	}

	// Fill: structured intent classified from the query, entity missing.
	if len(cls.Entities.NamedTokens()) == 0 {
		if value, ok := resolveFromHistory(cls.Intent, history); ok {
			cls.Entities = withResolvedEntity(cls.Intent, cls.Entities, value)
		}
	}
	return cls
}
