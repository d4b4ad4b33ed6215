// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the assist orchestrator.
package middleware

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
)

// DefaultMaxConcurrent is the pipeline concurrency ceiling when the
// deployment does not set one. Every admitted request can fan out to
// adapters, search providers, and an LLM generation, so the door stays
// narrow by default.
const DefaultMaxConcurrent = 8

// ConcurrencyLimiter rejects requests beyond max in-flight with a
// retryable 503. Shedding at the door keeps latency bounded for the
// requests already admitted; queueing would let every caller hit the
// wall budget instead.
func ConcurrencyLimiter(max int, m *observability.Metrics) gin.HandlerFunc {
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	slots := make(chan struct{}, max)

	return func(c *gin.Context) {
		select {
		case slots <- struct{}{}:
			defer func() { <-slots }()
			c.Next()
		default:
			if m != nil {
				m.OverloadRejectionsTotal.Inc()
			}
			slog.Warn("Rejecting request, concurrency limit reached",
				"limit", max, "path", c.Request.URL.Path)
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, &datatypes.APIError{
				Code:      datatypes.ErrCodeOverloaded,
				Message:   datatypes.ErrOverloaded.Error(),
				Retryable: true,
			})
		}
	}
}
