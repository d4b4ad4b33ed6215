// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides metrics and telemetry for the assist
// orchestrator.
//
// # Description
//
// Prometheus metrics cover the request pipeline end to end:
//   - request counters by intent and outcome
//   - per-stage latency histograms
//   - cache hit/miss/bypass counters
//   - retrieval provider counters and circuit-breaker state
//   - validation verdict counters
//   - LLM token usage and call latency
//
// Metrics are exposed on /metrics. All operations are thread-safe via
// Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianAssist/services/llm"
)

const (
	metricsNamespace = "aleutian"
	assistSubsystem  = "assist"
)

// Metrics holds all Prometheus collectors for the orchestrator.
//
// Initialize once at startup via InitMetrics. The zero value is unusable;
// components receive the instance by injection, never via package globals,
// except for DefaultMetrics which exists for wiring convenience.
type Metrics struct {
	// RequestsTotal counts pipeline runs.
	// Labels: intent, outcome (ok, degraded, cached, error)
	RequestsTotal *prometheus.CounterVec

	// StageDurationSeconds measures per-stage latency.
	// Labels: stage (classify, retrieve, synthesize, validate, total)
	StageDurationSeconds *prometheus.HistogramVec

	// StageBudgetExceededTotal counts stages abandoned at their budget.
	// Labels: stage
	StageBudgetExceededTotal *prometheus.CounterVec

	// CacheEventsTotal counts response-cache activity.
	// Labels: event (hit, miss, bypass, store)
	CacheEventsTotal *prometheus.CounterVec

	// ProviderRequestsTotal counts retrieval calls.
	// Labels: provider, outcome (ok, error, timeout, breaker_open)
	ProviderRequestsTotal *prometheus.CounterVec

	// BreakerOpen reports circuit-breaker state per provider (1 = open).
	// Labels: provider
	BreakerOpen *prometheus.GaugeVec

	// ValidationsTotal counts validator verdicts.
	// Labels: verdict
	ValidationsTotal *prometheus.CounterVec

	// LLMCallsTotal counts LLM calls. Labels: model, status (ok, error, timeout)
	LLMCallsTotal *prometheus.CounterVec

	// LLMTokensTotal counts tokens. Labels: model, direction (input, output)
	LLMTokensTotal *prometheus.CounterVec

	// LLMLatencySeconds measures LLM call latency. Labels: model
	LLMLatencySeconds *prometheus.HistogramVec

	// ActiveRequests gauges in-flight pipeline runs.
	ActiveRequests prometheus.Gauge

	// SessionsActive gauges sessions currently retained in the store.
	SessionsActive prometheus.Gauge

	// SessionsEvictedTotal counts TTL evictions.
	SessionsEvictedTotal prometheus.Counter

	// CancellationsTotal counts requests interrupted by the client.
	// Labels: stage (the stage at which the cancellation landed)
	CancellationsTotal *prometheus.CounterVec

	// ConfigFallbacksTotal counts config-plane fetches served from
	// last-known-good or hardcoded defaults. Labels: what (flags, routing, credential)
	ConfigFallbacksTotal *prometheus.CounterVec

	// TelemetryDroppedTotal counts telemetry records dropped because the
	// background sink queue was full.
	TelemetryDroppedTotal prometheus.Counter

	// OverloadRejectionsTotal counts requests refused by the inbound
	// concurrency limiter.
	OverloadRejectionsTotal prometheus.Counter
}

// DefaultMetrics is the process-wide instance created by InitMetrics.
var DefaultMetrics *Metrics

// InitMetrics creates and registers all collectors on the default
// registry. Call once at startup.
func InitMetrics() *Metrics {
	m := &Metrics{
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "requests_total",
			Help:      "Pipeline runs by intent and outcome.",
		}, []string{"intent", "outcome"}),

		StageDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration per pipeline stage.",
			Buckets:   []float64{.005, .025, .1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"stage"}),

		StageBudgetExceededTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "stage_budget_exceeded_total",
			Help:      "Stages abandoned because their budget elapsed.",
		}, []string{"stage"}),

		CacheEventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "cache_events_total",
			Help:      "Response cache hits, misses, bypasses, and stores.",
		}, []string{"event"}),

		ProviderRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "provider_requests_total",
			Help:      "Retrieval adapter and search provider calls by outcome.",
		}, []string{"provider", "outcome"}),

		BreakerOpen: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "breaker_open",
			Help:      "Circuit-breaker state per provider (1 = open).",
		}, []string{"provider"}),

		ValidationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "validations_total",
			Help:      "Validator verdicts.",
		}, []string{"verdict"}),

		LLMCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "llm_calls_total",
			Help:      "LLM generation calls by model and status.",
		}, []string{"model", "status"}),

		LLMTokensTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "llm_tokens_total",
			Help:      "Tokens processed by model and direction.",
		}, []string{"model", "direction"}),

		LLMLatencySeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "llm_latency_seconds",
			Help:      "LLM call latency by model.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"model"}),

		ActiveRequests: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "active_requests",
			Help:      "In-flight pipeline runs.",
		}),

		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "sessions_active",
			Help:      "Sessions currently retained in the store.",
		}),

		SessionsEvictedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "sessions_evicted_total",
			Help:      "Sessions removed by TTL eviction.",
		}),

		CancellationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "cancellations_total",
			Help:      "Requests cancelled by the client, by interrupted stage.",
		}, []string{"stage"}),

		ConfigFallbacksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "config_fallbacks_total",
			Help:      "Config fetches served from last-known-good or defaults.",
		}, []string{"what"}),

		TelemetryDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "telemetry_dropped_total",
			Help:      "Telemetry records dropped due to a full sink queue.",
		}),

		OverloadRejectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: assistSubsystem,
			Name:      "overload_rejections_total",
			Help:      "Requests refused by the inbound concurrency limiter.",
		}),
	}
	DefaultMetrics = m
	return m
}

// ObserveStage records one stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordLLMCall implements llm.Recorder so the LLM client can be wired to
// metrics without importing this package.
func (m *Metrics) RecordLLMCall(rec llm.CallRecord) {
	if m == nil {
		return
	}
	status := "ok"
	if rec.Err != nil {
		status = "error"
		if llm.IsTimeout(rec.Err) {
			status = "timeout"
		}
	}
	m.LLMCallsTotal.WithLabelValues(rec.ModelID, status).Inc()
	m.LLMLatencySeconds.WithLabelValues(rec.ModelID).Observe(rec.Latency.Seconds())
	if rec.PromptTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(rec.ModelID, "input").Add(float64(rec.PromptTokens))
	}
	if rec.CompletionTokens > 0 {
		m.LLMTokensTotal.WithLabelValues(rec.ModelID, "output").Add(float64(rec.CompletionTokens))
	}
}

// Compile-time check: Metrics satisfies llm.Recorder.
var _ llm.Recorder = (*Metrics)(nil)
