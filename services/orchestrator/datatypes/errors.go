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
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Error Taxonomy
// =============================================================================
//
// Stage errors are caught by the pipeline, logged with the stage and the
// request id, and converted to stage-level outcomes. Only cancellation,
// overload, and internal faults escape to the HTTP surface as non-200
// responses; everything else degrades the response instead, because a
// partial conversational answer beats an outright failure.

// ErrorCode is the closed set of wire-level error codes.
type ErrorCode string

const (
	ErrCodeTimeout             ErrorCode = "timeout"
	ErrCodeUpstreamUnavailable ErrorCode = "upstream_unavailable"
	ErrCodeValidationFailed    ErrorCode = "validation_failed"
	ErrCodeOverloaded          ErrorCode = "overloaded"
	ErrCodeBadRequest          ErrorCode = "bad_request"
	ErrCodeInternal            ErrorCode = "internal"
)

// APIError is the error body for non-200 responses. On the wire it is
// always nested under a top-level "error" key:
//
//	{"error": {"code": "...", "message": "...", "stage": "...", "retryable": false}}
type APIError struct {
	Code      ErrorCode
	Message   string
	Stage     string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// apiErrorBody is the nested object inside the "error" envelope.
type apiErrorBody struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Stage     string    `json:"stage,omitempty"`
	Retryable bool      `json:"retryable"`
}

// MarshalJSON wraps the fields in the error envelope so every handler
// that serializes an APIError emits the same body shape.
func (e *APIError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error apiErrorBody `json:"error"`
	}{Error: apiErrorBody{
		Code:      e.Code,
		Message:   e.Message,
		Stage:     e.Stage,
		Retryable: e.Retryable,
	}})
}

// UnmarshalJSON reads the enveloped form back.
func (e *APIError) UnmarshalJSON(data []byte) error {
	var wire struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.Code = wire.Error.Code
	e.Message = wire.Error.Message
	e.Stage = wire.Error.Stage
	e.Retryable = wire.Error.Retryable
	return nil
}

// BudgetExceededError reports that a stage ran past its time budget. The
// pipeline marks the stage output unavailable and takes the fallback branch.
type BudgetExceededError struct {
	Stage  string
	Budget time.Duration
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("stage %s exceeded budget %s", e.Stage, e.Budget)
}

// UpstreamUnavailableError reports an adapter or provider failure: a 5xx,
// a transport error, or an open circuit breaker.
type UpstreamUnavailableError struct {
	Provider   string
	StatusCode int
	Reason     string
}

func (e *UpstreamUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream %s unavailable (status %d): %s", e.Provider, e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("upstream %s unavailable: %s", e.Provider, e.Reason)
}

// ParseError reports that the LLM produced output that could not be parsed
// into the expected structure. Callers fall back to the pattern path.
type ParseError struct {
	What string
	Raw  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unparseable %s: %.120q", e.What, e.Raw)
}

// ValidationFailedError carries a failing validator verdict.
type ValidationFailedError struct {
	Verdict Verdict
	Reason  string
}

func (e *ValidationFailedError) Error() string {
	return fmt.Sprintf("validation %s: %s", e.Verdict, e.Reason)
}

// ConfigUnavailableError reports that the control plane could not be
// reached and no last-known-good value existed.
type ConfigUnavailableError struct {
	What string
	Err  error
}

func (e *ConfigUnavailableError) Error() string {
	return fmt.Sprintf("config %s unavailable: %v", e.What, e.Err)
}

func (e *ConfigUnavailableError) Unwrap() error { return e.Err }

// Sentinel errors for conditions that need no extra payload.
var (
	// ErrOverloaded is returned when the inbound concurrency limiter
	// rejects a request. Maps to a retryable 503.
	ErrOverloaded = errors.New("server overloaded")

	// ErrCancelled is returned when the client abandoned the request.
	ErrCancelled = errors.New("cancelled by client")
)

// IsBudgetExceeded reports whether err is a BudgetExceededError.
func IsBudgetExceeded(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

// IsUpstreamUnavailable reports whether err is an UpstreamUnavailableError.
func IsUpstreamUnavailable(err error) bool {
	var ue *UpstreamUnavailableError
	return errors.As(err, &ue)
}

// IsParseError reports whether err is a ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}
