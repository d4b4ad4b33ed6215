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
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/configclient"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/respcache"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/validate"
)

// safeTimeoutAnswer is the fixed message for a synthesis that ran out of
// budget. Never retried; retrying a 20-second generation doubles the
// damage.
const safeTimeoutAnswer = "I wasn't able to put together a complete answer in time. Please try asking again in a moment."

// clarificationAnswer is the finalize payload for unknown-intent queries.
const clarificationAnswer = "I'm not sure what you're asking for. Could you rephrase that with a bit more detail, like the place, team, or topic you have in mind?"

// =============================================================================
// Tier Selection
// =============================================================================

// smallTierMaxQueryRunes is the query-length cutoff for the small tier.
const smallTierMaxQueryRunes = 64

// TierFor selects the model tier for synthesis. Pure function of the
// classifier output and query length:
//
//   - small: structured intent (weather, sports, airports) with
//     confidence >= 0.8 and a query under 64 runes
//   - medium: everything else
//
// The large tier is reachable only through the per-request override.
func TierFor(in datatypes.Intent, confidence float64, query string) llm.Tier {
	switch in {
	case datatypes.IntentWeather, datatypes.IntentSports, datatypes.IntentAirports:
		if confidence >= 0.8 && utf8.RuneCountInString(query) < smallTierMaxQueryRunes {
			return llm.TierSmall
		}
	}
	return llm.TierMedium
}

// =============================================================================
// Synthesize
// =============================================================================

// synthesize generates the candidate answer under the synth budget.
// Timeouts and backend errors degrade to the fixed safe message.
func (s *QueryService) synthesize(ctx context.Context, st *datatypes.RequestState) {
	ctx, span := queryTracer.Start(ctx, "query.synthesize")
	defer span.End()

	tier := TierFor(st.Intent, st.Confidence, st.Query)
	if st.Options.ModelTier != "" {
		tier = llm.ParseTier(st.Options.ModelTier)
	}
	prompt := s.buildPrompt(st)

	start := time.Now()
	result, err := s.llm.Generate(ctx, prompt, tier, s.cfg.SynthesizeBudget, llm.GenerationParams{})
	st.Timings.SynthMS = time.Since(start).Milliseconds()
	if s.metrics != nil {
		s.metrics.ObserveStage("synthesize", time.Since(start))
	}

	if err != nil {
		st.RecordError(datatypes.StageSynthesized, err)
		st.Answer = safeTimeoutAnswer
		st.Degraded = true
		if llm.IsTimeout(err) && s.metrics != nil {
			s.metrics.StageBudgetExceededTotal.WithLabelValues("synthesize").Inc()
		}
		slog.Warn("Synthesis failed, serving safe message",
			"request_id", st.ID, "tier", tier, "error", err)
	} else {
		st.Answer = strings.TrimSpace(result.Text)
		st.ModelUsed = result.ModelID
		if !st.HasRetrievedEvidence() {
			// Knowledge-only answers carry an explicit marker source so the
			// validator and the client both see there was no evidence.
			st.AddSource(datatypes.LLMKnowledgeSource(result.ModelID))
		}
	}

	_ = st.Advance(datatypes.StageSynthesized)
	span.SetAttributes(
		attribute.String("tier", string(tier)),
		attribute.Bool("degraded", st.Degraded),
	)
}

// buildPrompt renders the synthesis prompt: instructions, recent history
// (when the context flag is on), bounded source payloads, and the query.
func (s *QueryService) buildPrompt(st *datatypes.RequestState) string {
	var b strings.Builder

	b.WriteString("Answer the user's question conversationally and concisely.\n")
	if len(st.Sources) > 0 {
		b.WriteString("Ground your answer in the sources below. Do not assert specifics the sources do not support; say so when the sources are silent.\n")
	} else {
		b.WriteString("No retrieval sources are available. Answer from general knowledge, avoid specific figures you cannot be sure of, and say when you are uncertain.\n")
	}

	if len(st.History) > 0 && s.flagEnabled(configclient.FlagConversationContext) {
		b.WriteString("\nConversation so far:\n")
		for _, turn := range st.History {
			fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
		}
	}

	if len(st.Sources) > 0 {
		b.WriteString("\nSources:\n")
		for i, src := range st.Sources {
			if src.Kind == datatypes.SourceKindLLMKnowledge {
				continue
			}
			label := src.Provider
			if src.Title != "" {
				label += ": " + src.Title
			}
			fmt.Fprintf(&b, "[%d] %s\n%s\n", i+1, label, s.boundPayload(src.Payload))
		}
	}

	fmt.Fprintf(&b, "\nQuestion: %s\n", st.Query)
	return b.String()
}

// boundPayload truncates a source payload to the configured prompt budget
// on sentence-ish boundaries rather than mid-word.
func (s *QueryService) boundPayload(payload string) string {
	if len(payload) <= s.cfg.MaxSourceChars {
		return payload
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(s.cfg.MaxSourceChars),
		textsplitter.WithChunkOverlap(0),
	)
	chunks, err := splitter.SplitText(payload)
	if err != nil || len(chunks) == 0 {
		return payload[:s.cfg.MaxSourceChars]
	}
	return chunks[0]
}

// =============================================================================
// Validate
// =============================================================================

// validateAnswer runs the pure validator and rewrites failing answers to
// the uncertainty template. It never re-synthesizes.
func (s *QueryService) validateAnswer(st *datatypes.RequestState) {
	start := time.Now()
	result := validate.Check(st.Answer, st.Intent, st.Entities, st.Sources)
	st.Timings.ValidateMS = time.Since(start).Milliseconds()

	st.Verdict = result.Verdict
	st.VerdictReason = result.Reason
	if s.metrics != nil {
		s.metrics.ObserveStage("validate", time.Since(start))
		s.metrics.ValidationsTotal.WithLabelValues(string(result.Verdict)).Inc()
	}
	_ = st.Advance(datatypes.StageValidated)

	if result.Verdict.Passed() {
		return
	}

	st.RecordError(datatypes.StageValidated, &datatypes.ValidationFailedError{
		Verdict: result.Verdict,
		Reason:  result.Reason,
	})
	slog.Info("Validation failed, degrading answer",
		"request_id", st.ID,
		"verdict", result.Verdict,
		"reason", result.Reason,
	)
	st.Answer = s.uncertaintyAnswer(st)
	st.Degraded = true
}

// uncertaintyAnswer builds the degraded reply: acknowledge the question,
// name what was consulted, and point at an authoritative source.
func (s *QueryService) uncertaintyAnswer(st *datatypes.RequestState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "I couldn't verify an answer to %q against reliable sources.", st.Query)

	consulted := make([]string, 0, len(st.Sources))
	seen := map[string]bool{}
	for _, src := range st.Sources {
		if src.Kind == datatypes.SourceKindLLMKnowledge || seen[src.Provider] {
			continue
		}
		seen[src.Provider] = true
		consulted = append(consulted, src.Provider)
	}
	if len(consulted) > 0 {
		fmt.Fprintf(&b, " I checked %s but found nothing that confirms the specifics.", strings.Join(consulted, ", "))
	} else {
		b.WriteString(" No retrieval sources were available for this question.")
	}
	b.WriteString(" For something this specific, an authoritative source is your best bet.")
	return b.String()
}

// =============================================================================
// Clarify & Finalize
// =============================================================================

// clarify short-circuits unknown-intent queries to a clarification
// request. Not a degraded outcome; asking for detail is the right answer.
func (s *QueryService) clarify(st *datatypes.RequestState) {
	st.Answer = clarificationAnswer
	st.Verdict = datatypes.VerdictPass
}

// finalize assembles the response, appends the turns, and writes the
// cache entry for validated, non-degraded answers.
func (s *QueryService) finalize(ctx context.Context, st *datatypes.RequestState, lastAssistant *datatypes.Turn) *datatypes.ChatResponse {
	resp := datatypes.NewChatResponse(st.SessionID, st.Answer)
	resp.Intent = st.Intent
	resp.Confidence = st.Confidence
	resp.Validated = st.Verdict.Passed() && !st.Degraded
	resp.ModelUsed = st.ModelUsed
	resp.Entities = st.Entities.AsMap()
	resp.Degraded = st.Degraded
	if len(st.Sources) > 0 {
		resp.Sources = st.Sources
	}
	st.Timings.TotalMS = time.Since(st.StartedAt).Milliseconds()
	resp.Timings = st.Timings

	s.appendTurns(st, resp)

	if s.cache != nil && resp.Validated && st.Intent.Informational() &&
		st.HasRetrievedEvidence() && s.flagEnabled(configclient.FlagResponseCache) {
		// The whole finalized response is stored so a later hit replays
		// it unchanged.
		entry := &respcache.Entry{
			Response: resp.Clone(),
			StoredAt: time.Now().UTC(),
		}
		if err := s.cache.Set(ctx, s.cacheKey(st, lastAssistant), entry, s.cfg.CacheTTL); err != nil {
			slog.Warn("Response cache write failed", "request_id", st.ID, "error", err)
		} else {
			s.countCacheEvent("store")
		}
	}

	_ = st.Advance(datatypes.StageFinalized)
	st.Response = resp

	if st.Options.Trace && len(st.Errors) > 0 {
		slog.Info("Stage errors for traced request", "request_id", st.ID, "errors", st.Errors)
	}
	return resp
}

// appendTurns writes the user and assistant turns. Session writes run on
// their own short deadline: the response is already decided, and a dead
// request context must not lose the turn.
func (s *QueryService) appendTurns(st *datatypes.RequestState, resp *datatypes.ChatResponse) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	now := time.Now().UTC()
	userTurn := datatypes.Turn{
		Role:      datatypes.RoleUser,
		Content:   st.Query,
		Timestamp: now,
		Intent:    st.Intent,
		Entities:  st.Entities.AsMap(),
	}
	assistantTurn := datatypes.Turn{
		Role:       datatypes.RoleAssistant,
		Content:    resp.Choices[0].Message.Content,
		Timestamp:  now,
		SourceTags: datatypes.SourceTags(st.Sources),
	}
	if err := s.sessions.Append(ctx, st.SessionID, userTurn, assistantTurn); err != nil {
		st.RecordError(st.Stage(), err)
		slog.Warn("Failed to append session turns", "session_id", st.SessionID, "error", err)
	}
}
