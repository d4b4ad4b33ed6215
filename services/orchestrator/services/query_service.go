// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package services holds the business logic of the assist orchestrator.
//
// # Description
//
// QueryService runs the per-request pipeline:
//
//	classify → route → retrieve → synthesize → validate → finalize
//
// Each stage has its own budget and cancellation scope. The error policy
// is degrade-over-fail: a stage that times out or errors marks its output
// unavailable and the pipeline continues down a fallback branch. Hard
// failures to the HTTP surface are limited to malformed requests,
// client cancellation, overload, and internal bugs.
//
// # Thread Safety
//
// QueryService is safe for concurrent use; all per-request mutable state
// lives in the RequestState owned by the calling goroutine.
package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAssist/services/llm"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/adapters"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/configclient"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/intent"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/respcache"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/sessions"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/websearch"
)

// queryTracer is the OpenTelemetry tracer for pipeline operations.
var queryTracer = otel.Tracer("aleutian.assist.services.query")

// Config tunes the pipeline budgets. Zero values take defaults.
type Config struct {
	// Stage budgets.
	ClassifyBudget   time.Duration // default 3s
	RetrieveBudget   time.Duration // default 10s (single adapter)
	SearchBudget     time.Duration // default 15s (parallel search aggregate)
	SynthesizeBudget time.Duration // default 20s
	WallBudget       time.Duration // default 30s, end-to-end ceiling

	// CacheTTL for stored responses. Default 5m.
	CacheTTL time.Duration

	// CacheContextBinding includes the previous assistant turn in the
	// cache key so answers never cross conversational contexts. On by
	// default; disable only for stateless deployments that want higher
	// hit rates.
	DisableCacheContextBinding bool

	// HistoryTurns is how many session turns feed classification and the
	// synthesis prompt. Default 3.
	HistoryTurns int

	// MaxSourceChars bounds each source payload rendered into the
	// synthesis prompt. Default 1200.
	MaxSourceChars int
}

func (c *Config) applyDefaults() {
	if c.ClassifyBudget <= 0 {
		c.ClassifyBudget = 3 * time.Second
	}
	if c.RetrieveBudget <= 0 {
		c.RetrieveBudget = 10 * time.Second
	}
	if c.SearchBudget <= 0 {
		c.SearchBudget = 15 * time.Second
	}
	if c.SynthesizeBudget <= 0 {
		c.SynthesizeBudget = 20 * time.Second
	}
	if c.WallBudget <= 0 {
		c.WallBudget = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = respcache.DefaultTTL
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 3
	}
	if c.MaxSourceChars <= 0 {
		c.MaxSourceChars = 1200
	}
}

// QueryService runs the query pipeline. Construct with NewQueryService;
// all dependencies are injected.
type QueryService struct {
	cfg        Config
	llm        llm.Client
	classifier *intent.Classifier
	sessions   sessions.Store
	adapters   *adapters.Registry
	search     *websearch.Engine
	cache      respcache.Cache
	flags      *configclient.Client
	metrics    *observability.Metrics
	sink       observability.Sink
}

// NewQueryService wires the pipeline. cache, search, and sink may be nil;
// the corresponding features are then skipped.
func NewQueryService(
	cfg Config,
	llmClient llm.Client,
	classifier *intent.Classifier,
	store sessions.Store,
	registry *adapters.Registry,
	search *websearch.Engine,
	cache respcache.Cache,
	flags *configclient.Client,
	m *observability.Metrics,
	sink observability.Sink,
) *QueryService {
	cfg.applyDefaults()
	if sink == nil {
		sink = observability.NoopSink{}
	}
	return &QueryService{
		cfg:        cfg,
		llm:        llmClient,
		classifier: classifier,
		sessions:   store,
		adapters:   registry,
		search:     search,
		cache:      cache,
		flags:      flags,
		metrics:    m,
		sink:       sink,
	}
}

// Answer runs the full pipeline for one chat request.
//
// The returned error is non-nil only for faults that must surface as
// non-200s: client cancellation, wall-budget exhaustion at the HTTP
// layer, and internal bugs. Everything else degrades into a 200 with
// Validated=false or a clarification message.
func (s *QueryService) Answer(ctx context.Context, req *datatypes.ChatRequest) (*datatypes.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WallBudget)
	defer cancel()

	ctx, span := queryTracer.Start(ctx, "query.answer")
	defer span.End()

	if s.metrics != nil {
		s.metrics.ActiveRequests.Inc()
		defer s.metrics.ActiveRequests.Dec()
	}

	sessionID := req.EnsureSessionID()
	st := datatypes.NewRequestState(uuid.NewString(), req.Query(), sessionID)
	st.TraceID = observability.TraceID(ctx)
	st.UserID = req.UserID
	st.Options = req.Options()
	st.Normalized = intent.Normalize(st.Query)
	span.SetAttributes(
		attribute.String("request.id", st.ID),
		attribute.String("session.id", sessionID),
	)

	// Session snapshot before classify; the classifier never touches the
	// live store.
	historyTurns := s.cfg.HistoryTurns
	if st.Options.MaxHistoryTurns >= 0 && st.Options.MaxHistoryTurns < historyTurns {
		historyTurns = st.Options.MaxHistoryTurns
	}
	var lastAssistant *datatypes.Turn
	if sess, err := s.sessions.Get(ctx, sessionID); err == nil {
		st.History = sess.Snapshot(historyTurns)
		lastAssistant = sess.LastAssistantTurn()
	} else if !errors.Is(err, sessions.ErrSessionNotFound) {
		st.RecordError(datatypes.StageNew, err)
		slog.Warn("Session fetch failed, continuing without history",
			"session_id", sessionID, "error", err)
	}

	s.classify(ctx, st)
	if err := s.checkCancelled(ctx, st); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}

	if resp := s.cacheLookup(ctx, st, lastAssistant); resp != nil {
		s.appendTurns(st, resp)
		s.recordOutcome(st, "cached")
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return resp, nil
	}

	s.route(st)

	switch {
	case st.Route.Target == datatypes.IntentUnknown:
		s.clarify(st)
	case st.Route.Target == datatypes.IntentControl:
		s.dispatchControl(ctx, st)
	default:
		s.retrieve(ctx, st)
		if err := s.checkCancelled(ctx, st); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}
		s.synthesize(ctx, st)
		if err := s.checkCancelled(ctx, st); err != nil {
			span.SetStatus(codes.Error, "cancelled")
			return nil, err
		}
		s.validateAnswer(st)
	}

	resp := s.finalize(ctx, st, lastAssistant)
	outcome := "ok"
	if st.Degraded {
		outcome = "degraded"
	}
	s.recordOutcome(st, outcome)
	span.SetAttributes(
		attribute.String("intent", string(st.Intent)),
		attribute.Bool("degraded", st.Degraded),
	)
	return resp, nil
}

// checkCancelled maps a dead context to the typed cancellation error and
// records which stage the cancellation landed on.
func (s *QueryService) checkCancelled(ctx context.Context, st *datatypes.RequestState) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if s.metrics != nil {
		s.metrics.CancellationsTotal.WithLabelValues(string(st.Stage())).Inc()
	}
	st.RecordError(st.Stage(), err)
	_ = st.Advance(datatypes.StageFailed)
	s.emitTelemetry(st, true)
	if errors.Is(err, context.DeadlineExceeded) {
		return &datatypes.APIError{
			Code:    datatypes.ErrCodeTimeout,
			Message: "request exceeded the processing ceiling",
			Stage:   string(st.Stage()),
		}
	}
	return datatypes.ErrCancelled
}

// recordOutcome bumps the request counter and emits the telemetry record.
func (s *QueryService) recordOutcome(st *datatypes.RequestState, outcome string) {
	st.Timings.TotalMS = time.Since(st.StartedAt).Milliseconds()
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(string(st.Intent), outcome).Inc()
		s.metrics.ObserveStage("total", time.Since(st.StartedAt))
	}
	s.emitTelemetry(st, false)
}

func (s *QueryService) emitTelemetry(st *datatypes.RequestState, cancelled bool) {
	s.sink.Record(observability.RequestRecord{
		RequestID: st.ID,
		TraceID:   st.TraceID,
		SessionID: st.SessionID,
		Intent:    st.Intent,
		Stage:     st.Stage(),
		Verdict:   st.Verdict,
		Degraded:  st.Degraded,
		CacheHit:  st.CacheHit,
		Cancelled: cancelled,
		ModelUsed: st.ModelUsed,
		Timings:   st.Timings,
		Sources:   len(st.Sources),
		At:        time.Now().UTC(),
	})
}
