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
	"fmt"
	"time"
)

// =============================================================================
// Stage Machine
// =============================================================================

// Stage is a state of the per-request pipeline.
//
// Transitions move strictly forward through the graph; a failure at any
// stage jumps directly to StageFinalized with a degraded payload, never
// backward. StageFailed is reserved for the few faults that escape to the
// HTTP surface (cancellation, overload, internal).
type Stage string

const (
	StageNew         Stage = "new"
	StageClassified  Stage = "classified"
	StageRouted      Stage = "routed"
	StageRetrieved   Stage = "retrieved"
	StageSynthesized Stage = "synthesized"
	StageValidated   Stage = "validated"
	StageFinalized   Stage = "finalized"
	StageFailed      Stage = "failed"
)

// stageOrder gives each stage its position in the forward-only ordering.
var stageOrder = map[Stage]int{
	StageNew:         0,
	StageClassified:  1,
	StageRouted:      2,
	StageRetrieved:   3,
	StageSynthesized: 4,
	StageValidated:   5,
	StageFinalized:   6,
	StageFailed:      6,
}

// Terminal reports whether the stage ends the pipeline.
func (s Stage) Terminal() bool {
	return s == StageFinalized || s == StageFailed
}

// StageError records an error encountered at a stage. The pipeline collects
// these instead of propagating them; they shape the degraded response and
// the telemetry record.
type StageError struct {
	Stage   Stage     `json:"stage"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// RouteDecision is the outcome of the route_decision stage.
type RouteDecision struct {
	// Target is the effective intent after flag fall-through.
	Target Intent

	// AdapterName names the single RAG adapter to call, when the route is
	// a structured-backend route. Empty for parallel search and
	// LLM-knowledge routes.
	AdapterName string

	// ParallelSearch routes the retrieve stage to the web-search engine.
	ParallelSearch bool

	// LLMOnly means no retrieval backend is enabled; synthesis runs on
	// model knowledge and the validator treats claims accordingly.
	LLMOnly bool

	// Timeout is the per-adapter call budget from the routing entry.
	Timeout time.Duration

	// Demoted records that the route fell through from a structured intent
	// (flag off or adapter down) to general_info.
	Demoted bool
}

// =============================================================================
// RequestState
// =============================================================================

// RequestState is the per-request object threaded through the stage graph.
//
// # Ownership
//
// The pipeline owns the state exclusively; stage handlers mutate it only
// via the owning goroutine, and it is never shared across requests. After
// the terminal stage is reached the state is frozen: further mutation
// attempts via Advance return an error, and handlers must treat the
// contents as read-only.
type RequestState struct {
	ID         string
	TraceID    string
	Query      string
	Normalized string
	SessionID  string
	UserID     string
	Options    RequestOptions

	// History is the read-only session snapshot captured before classify.
	History []Turn

	// Classifier output.
	Intent            Intent
	Confidence        float64
	Entities          Entities
	IntentPromoted    bool
	LLMClassifierUsed bool

	Route RouteDecision

	Sources []Source

	// Synthesizer output.
	Answer    string
	ModelUsed string

	// Validator output.
	Verdict       Verdict
	VerdictReason string

	Timings  StageTimings
	Errors   []StageError
	Degraded bool
	CacheHit bool

	Response *ChatResponse

	stage     Stage
	StartedAt time.Time
}

// NewRequestState initializes a state at StageNew.
func NewRequestState(id, query, sessionID string) *RequestState {
	return &RequestState{
		ID:        id,
		Query:     query,
		SessionID: sessionID,
		Entities:  NoEntities{},
		stage:     StageNew,
		StartedAt: time.Now().UTC(),
	}
}

// Stage returns the current pipeline stage.
func (st *RequestState) Stage() Stage {
	return st.stage
}

// Advance moves the state forward to next. Backward transitions and
// transitions out of a terminal stage are rejected.
func (st *RequestState) Advance(next Stage) error {
	if st.stage.Terminal() {
		return fmt.Errorf("state %s is terminal, cannot advance to %s", st.stage, next)
	}
	if stageOrder[next] <= stageOrder[st.stage] && next != StageFinalized && next != StageFailed {
		return fmt.Errorf("cannot move backward from %s to %s", st.stage, next)
	}
	st.stage = next
	return nil
}

// RecordError appends a stage-level error without failing the request.
func (st *RequestState) RecordError(stage Stage, err error) {
	if err == nil {
		return
	}
	st.Errors = append(st.Errors, StageError{
		Stage:   stage,
		Message: err.Error(),
		At:      time.Now().UTC(),
	})
}

// AddSource appends retrieved evidence.
func (st *RequestState) AddSource(src Source) {
	st.Sources = append(st.Sources, src)
}

// HasRetrievedEvidence reports whether any source carries real retrieved
// content (anything other than the llm_knowledge marker).
func (st *RequestState) HasRetrievedEvidence() bool {
	for _, s := range st.Sources {
		if s.Kind != SourceKindLLMKnowledge {
			return true
		}
	}
	return false
}
