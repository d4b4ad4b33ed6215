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
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/configclient"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/respcache"
)

// =============================================================================
// Classify
// =============================================================================

// classify runs the intent classifier under its stage budget and stores
// the result on the state.
func (s *QueryService) classify(ctx context.Context, st *datatypes.RequestState) {
	ctx, span := queryTracer.Start(ctx, "query.classify")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ClassifyBudget)
	defer cancel()

	start := time.Now()
	cls := s.classifier.Classify(ctx, st.Query, st.History)
	st.Timings.ClassifyMS = time.Since(start).Milliseconds()

	st.Intent = cls.Intent
	st.Confidence = cls.Confidence
	st.Entities = cls.Entities
	st.IntentPromoted = cls.Promoted
	st.LLMClassifierUsed = cls.UsedLLM
	_ = st.Advance(datatypes.StageClassified)

	if s.metrics != nil {
		s.metrics.ObserveStage("classify", time.Since(start))
	}
	span.SetAttributes(
		attribute.String("intent", string(cls.Intent)),
		attribute.Float64("confidence", cls.Confidence),
		attribute.Bool("promoted", cls.Promoted),
	)
	slog.Info("Classified query",
		"request_id", st.ID,
		"intent", cls.Intent,
		"confidence", cls.Confidence,
		"promoted", cls.Promoted,
		"llm_path", cls.UsedLLM,
	)
}

// =============================================================================
// Cache Short-Circuit
// =============================================================================

// cacheKey derives the response-cache key for the classified state.
func (s *QueryService) cacheKey(st *datatypes.RequestState, lastAssistant *datatypes.Turn) string {
	contextFP := ""
	if !s.cfg.DisableCacheContextBinding && lastAssistant != nil {
		contextFP = respcache.ContextFingerprint(lastAssistant.Content)
	}
	return respcache.Key(st.Normalized, st.Intent, st.Entities.Fingerprint(), contextFP)
}

// cacheLookup returns the cached response for this conversational state,
// or nil on miss, bypass, or disabled cache. Cache errors count as misses.
func (s *QueryService) cacheLookup(ctx context.Context, st *datatypes.RequestState, lastAssistant *datatypes.Turn) *datatypes.ChatResponse {
	if s.cache == nil || !s.flagEnabled(configclient.FlagResponseCache) {
		return nil
	}
	if st.Options.BypassCache {
		s.countCacheEvent("bypass")
		return nil
	}
	// Unknown-intent queries get clarifications, never cached answers.
	if !st.Intent.Informational() {
		return nil
	}

	entry, err := s.cache.Get(ctx, s.cacheKey(st, lastAssistant))
	if err != nil {
		st.RecordError(st.Stage(), err)
		slog.Warn("Response cache read failed, treating as miss", "error", err)
	}
	// Corrupt or empty entries read as misses.
	if entry == nil || entry.Response == nil || len(entry.Response.Choices) == 0 {
		s.countCacheEvent("miss")
		return nil
	}
	s.countCacheEvent("hit")

	// Replay the stored response as-is, id and timings included. Only
	// the session binding and the cache_hit marker are this request's.
	resp := entry.Response.Clone()
	resp.SessionID = st.SessionID
	resp.CacheHit = true

	st.CacheHit = true
	st.Answer = resp.Choices[0].Message.Content
	st.ModelUsed = resp.ModelUsed
	st.Sources = resp.Sources
	st.Verdict = datatypes.VerdictPass
	st.Timings.TotalMS = time.Since(st.StartedAt).Milliseconds()
	_ = st.Advance(datatypes.StageFinalized)
	st.Response = resp
	return resp
}

func (s *QueryService) countCacheEvent(event string) {
	if s.metrics != nil {
		s.metrics.CacheEventsTotal.WithLabelValues(event).Inc()
	}
}

// =============================================================================
// Route
// =============================================================================

// structuredFlagFor maps a structured intent to its adapter feature flag.
func structuredFlagFor(in datatypes.Intent) string {
	switch in {
	case datatypes.IntentWeather:
		return configclient.FlagWeatherAdapter
	case datatypes.IntentSports:
		return configclient.FlagSportsAdapter
	case datatypes.IntentAirports:
		return configclient.FlagAirportsAdapter
	default:
		return ""
	}
}

// route computes the RouteDecision from the classified intent, the
// routing map, and the adapter feature flags. Pure apart from config
// reads; never fails.
func (s *QueryService) route(st *datatypes.RequestState) {
	st.Route = s.decideRoute(st.Intent, false)
	_ = st.Advance(datatypes.StageRouted)
	slog.Info("Routed query",
		"request_id", st.ID,
		"target", st.Route.Target,
		"adapter", st.Route.AdapterName,
		"parallel_search", st.Route.ParallelSearch,
		"llm_only", st.Route.LLMOnly,
		"demoted", st.Route.Demoted,
	)
}

// decideRoute implements the routing table. demoted marks a re-entry
// after a structured-adapter failure; demotion follows the routing
// entry's declared fallback intent and happens at most once before
// settling on general_info.
func (s *QueryService) decideRoute(in datatypes.Intent, demoted bool) datatypes.RouteDecision {
	switch in {
	case datatypes.IntentUnknown:
		return datatypes.RouteDecision{Target: datatypes.IntentUnknown}

	case datatypes.IntentControl:
		d := datatypes.RouteDecision{Target: datatypes.IntentControl}
		if entry, ok := s.routingEntry(datatypes.IntentControl); ok {
			d.AdapterName = entry.AdapterName
			d.Timeout = entry.Timeout()
		}
		return d

	case datatypes.IntentWeather, datatypes.IntentSports, datatypes.IntentAirports:
		flag := structuredFlagFor(in)
		entry, ok := s.routingEntry(in)
		if ok && s.flagEnabled(flag) {
			if _, registered := s.adapters.Get(entry.AdapterName); registered {
				return datatypes.RouteDecision{
					Target:      in,
					AdapterName: entry.AdapterName,
					Timeout:     entry.Timeout(),
					Demoted:     demoted,
				}
			}
			slog.Warn("Routing entry names an unregistered adapter, demoting",
				"intent", in, "adapter", entry.AdapterName)
		}
		// Flag off or no usable entry: fall through along the entry's
		// fallback. A route that is already demoted goes straight to
		// general_info so fallback chains cannot loop.
		d := s.decideRoute(s.fallbackFor(in, demoted), true)
		d.Demoted = true
		return d

	default: // general_info and anything unrecognized
		if s.search != nil {
			return datatypes.RouteDecision{
				Target:         datatypes.IntentGeneralInfo,
				ParallelSearch: true,
				Timeout:        s.cfg.SearchBudget,
				Demoted:        demoted,
			}
		}
		return datatypes.RouteDecision{
			Target:  datatypes.IntentGeneralInfo,
			LLMOnly: true,
			Demoted: demoted,
		}
	}
}

// fallbackFor resolves the demotion target for a structured intent from
// its routing entry. Self-referential fallbacks and second demotions
// resolve to general_info.
func (s *QueryService) fallbackFor(in datatypes.Intent, demoted bool) datatypes.Intent {
	if demoted {
		return datatypes.IntentGeneralInfo
	}
	if entry, ok := s.routingEntry(in); ok &&
		entry.FallbackIntent != "" && entry.FallbackIntent != in {
		return entry.FallbackIntent
	}
	return datatypes.IntentGeneralInfo
}

func (s *QueryService) routingEntry(in datatypes.Intent) (configclient.RoutingEntry, bool) {
	if s.flags == nil {
		return configclient.RoutingEntry{}, false
	}
	return s.flags.Routing(in)
}

func (s *QueryService) flagEnabled(name string) bool {
	if s.flags == nil {
		// No config plane wired at all; everything defaults on except the
		// LLM classifier, which the classifier gates itself.
		return name != configclient.FlagLLMIntentClassify
	}
	return s.flags.Flag(name)
}

// =============================================================================
// Retrieve
// =============================================================================

// retrieve executes the route: one adapter call, or the parallel search
// fan-out, or nothing for LLM-only routes. An adapter failure demotes
// the route along its declared fallback exactly once; a fallback that
// also fails lands on general_info without another adapter attempt.
func (s *QueryService) retrieve(ctx context.Context, st *datatypes.RequestState) {
	ctx, span := queryTracer.Start(ctx, "query.retrieve")
	defer span.End()

	start := time.Now()
	defer func() {
		st.Timings.RetrieveMS = time.Since(start).Milliseconds()
		if s.metrics != nil {
			s.metrics.ObserveStage("retrieve", time.Since(start))
		}
		_ = st.Advance(datatypes.StageRetrieved)
		span.SetAttributes(attribute.Int("sources", len(st.Sources)))
	}()

	if st.Route.LLMOnly {
		return
	}

	if st.Route.ParallelSearch {
		s.retrieveSearch(ctx, st)
		return
	}

	if err := s.retrieveAdapter(ctx, st); err != nil {
		st.RecordError(datatypes.StageRetrieved, err)
		slog.Warn("Adapter retrieval failed, demoting route to general_info",
			"request_id", st.ID,
			"adapter", st.Route.AdapterName,
			"error", err,
		)
		if s.metrics != nil && datatypes.IsBudgetExceeded(err) {
			s.metrics.StageBudgetExceededTotal.WithLabelValues("retrieve").Inc()
		}
		// Re-enter the routing decision at most once, along the failed
		// route's declared fallback. A route that was already demoted at
		// decide time goes straight to general_info.
		st.Route = s.decideRoute(s.fallbackFor(st.Route.Target, st.Route.Demoted), true)
		switch {
		case st.Route.ParallelSearch:
			s.retrieveSearch(ctx, st)
		case st.Route.AdapterName != "":
			if err := s.retrieveAdapter(ctx, st); err != nil {
				st.RecordError(datatypes.StageRetrieved, err)
				slog.Warn("Fallback adapter retrieval failed",
					"request_id", st.ID,
					"adapter", st.Route.AdapterName,
					"error", err,
				)
				st.Route = s.decideRoute(datatypes.IntentGeneralInfo, true)
				if st.Route.ParallelSearch {
					s.retrieveSearch(ctx, st)
				}
			}
		}
	}
}

// retrieveAdapter issues the single structured-adapter call under the
// routing entry's timeout.
func (s *QueryService) retrieveAdapter(ctx context.Context, st *datatypes.RequestState) error {
	adapter, ok := s.adapters.Get(st.Route.AdapterName)
	if !ok {
		return &datatypes.UpstreamUnavailableError{Provider: st.Route.AdapterName, Reason: "not registered"}
	}

	timeout := st.Route.Timeout
	if timeout <= 0 || timeout > s.cfg.RetrieveBudget {
		timeout = s.cfg.RetrieveBudget
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sources, err := adapter.Retrieve(callCtx, st.Query, st.Entities.AsMap())
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return &datatypes.BudgetExceededError{Stage: "retrieve", Budget: timeout}
		}
		return err
	}
	for _, src := range sources {
		st.AddSource(src)
	}
	return nil
}

// retrieveSearch runs the parallel search engine under the aggregate
// search budget. Empty results are a valid outcome, not an error.
func (s *QueryService) retrieveSearch(ctx context.Context, st *datatypes.RequestState) {
	if s.search == nil {
		return
	}
	searchCtx, cancel := context.WithTimeout(ctx, s.cfg.SearchBudget)
	defer cancel()

	sources, err := s.search.Search(searchCtx, st.Query)
	if err != nil {
		st.RecordError(datatypes.StageRetrieved, err)
		slog.Warn("Parallel search failed", "request_id", st.ID, "error", err)
		return
	}
	for _, src := range sources {
		st.AddSource(src)
	}
}

// =============================================================================
// Control Dispatch
// =============================================================================

// dispatchControl forwards a device command to the control adapter and
// relays its acknowledgment verbatim. Control queries never enter the
// synthesize/validate branch.
func (s *QueryService) dispatchControl(ctx context.Context, st *datatypes.RequestState) {
	start := time.Now()
	defer func() {
		st.Timings.RetrieveMS = time.Since(start).Milliseconds()
	}()

	adapter, ok := s.adapters.Get(st.Route.AdapterName)
	if !ok {
		st.Degraded = true
		st.Verdict = datatypes.VerdictPass
		st.Answer = "I can't reach the device controller right now, so I haven't made any changes. Please try again shortly."
		st.RecordError(datatypes.StageRetrieved, &datatypes.UpstreamUnavailableError{
			Provider: st.Route.AdapterName, Reason: "not registered",
		})
		return
	}

	timeout := st.Route.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sources, err := adapter.Retrieve(callCtx, st.Query, st.Entities.AsMap())
	if err != nil || len(sources) == 0 {
		st.Degraded = true
		st.Verdict = datatypes.VerdictPass
		st.Answer = "I couldn't confirm the command went through, so I haven't made any changes. Please try again shortly."
		st.RecordError(datatypes.StageRetrieved, err)
		return
	}

	st.Verdict = datatypes.VerdictPass
	st.Answer = sources[0].Payload
	for _, src := range sources {
		st.AddSource(src)
	}
}
