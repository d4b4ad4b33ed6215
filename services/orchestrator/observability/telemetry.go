// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package observability

import (
	"context"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// TraceID returns the active span's trace id, or "" outside a recording
// span. Telemetry records carry it so a slow request in the time-series
// sink can be joined back to its distributed trace.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// =============================================================================
// Request Telemetry Sink
// =============================================================================

// RequestRecord is the per-request telemetry written to the time-series
// sink after finalize. It is decoupled from the response payload so sink
// latency never shows up in request latency.
type RequestRecord struct {
	RequestID string
	TraceID   string
	SessionID string
	Intent    datatypes.Intent
	Stage     datatypes.Stage
	Verdict   datatypes.Verdict
	Degraded  bool
	CacheHit  bool
	Cancelled bool
	ModelUsed string
	Timings   datatypes.StageTimings
	Sources   int
	At        time.Time
}

// Sink receives request telemetry. Record must never block the caller.
type Sink interface {
	Record(rec RequestRecord)
	Close()
}

// NoopSink is wired when no telemetry backend is configured, so the
// pipeline code reads the same shape regardless.
type NoopSink struct{}

func (NoopSink) Record(RequestRecord) {}
func (NoopSink) Close()               {}

// =============================================================================
// InfluxDB Sink
// =============================================================================

// InfluxSinkConfig configures the InfluxDB telemetry sink.
type InfluxSinkConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string

	// QueueSize bounds the hand-off channel between the request path and
	// the background writer. Full queue drops the record and bumps a
	// counter instead of blocking. Default 1024.
	QueueSize int
}

// InfluxSink writes request records to InfluxDB through the non-blocking
// write API, with its own hand-off channel in front so even the point
// construction happens off the request path.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	queue    chan RequestRecord
	done     chan struct{}
	metrics  *Metrics
}

// NewInfluxSink starts the background writer goroutine.
func NewInfluxSink(cfg InfluxSinkConfig, m *Metrics) *InfluxSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		queue:    make(chan RequestRecord, cfg.QueueSize),
		done:     make(chan struct{}),
		metrics:  m,
	}
	go s.run()

	// Write-side errors surface on a channel; drain it so they are logged
	// rather than silently discarded.
	errCh := s.writeAPI.Errors()
	go func() {
		for err := range errCh {
			slog.Warn("Influx telemetry write failed", "error", err)
		}
	}()

	slog.Info("Influx telemetry sink started", "url", cfg.URL, "bucket", cfg.Bucket)
	return s
}

// Record enqueues the record without blocking. Drops on a full queue.
func (s *InfluxSink) Record(rec RequestRecord) {
	select {
	case s.queue <- rec:
	default:
		if s.metrics != nil {
			s.metrics.TelemetryDroppedTotal.Inc()
		}
	}
}

func (s *InfluxSink) run() {
	defer close(s.done)
	for rec := range s.queue {
		p := influxdb2.NewPointWithMeasurement("assist_request").
			AddTag("intent", string(rec.Intent)).
			AddTag("stage", string(rec.Stage)).
			AddTag("verdict", string(rec.Verdict)).
			AddTag("model", rec.ModelUsed).
			AddField("classify_ms", rec.Timings.ClassifyMS).
			AddField("retrieve_ms", rec.Timings.RetrieveMS).
			AddField("synth_ms", rec.Timings.SynthMS).
			AddField("validate_ms", rec.Timings.ValidateMS).
			AddField("total_ms", rec.Timings.TotalMS).
			AddField("sources", rec.Sources).
			AddField("degraded", rec.Degraded).
			AddField("cache_hit", rec.CacheHit).
			AddField("cancelled", rec.Cancelled).
			AddField("request_id", rec.RequestID).
			AddField("trace_id", rec.TraceID).
			SetTime(rec.At)
		s.writeAPI.WritePoint(p)
	}
	s.writeAPI.Flush()
}

// Close drains the queue, flushes pending points, and shuts the client down.
func (s *InfluxSink) Close() {
	close(s.queue)
	<-s.done
	s.client.Close()
}

var (
	_ Sink = (*InfluxSink)(nil)
	_ Sink = NoopSink{}
)
