// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers for the assist orchestrator's
// HTTP surface.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/services"
)

var handlerTracer = otel.Tracer("aleutian.assist.handlers")

// statusClientClosedRequest is the nginx convention for a client that
// went away mid-request. No stdlib constant exists for it.
const statusClientClosedRequest = 499

// HandleChatCompletion answers POST /v1/chat/completions.
//
// Degraded answers are 200s; only malformed bodies, cancellation,
// wall-budget exhaustion, and internal faults produce non-200s.
func HandleChatCompletion(svc *services.QueryService) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "HandleChatCompletion")
		defer span.End()

		var req datatypes.ChatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Warn("Failed to parse chat request", "error", err)
			c.JSON(http.StatusBadRequest, &datatypes.APIError{
				Code:    datatypes.ErrCodeBadRequest,
				Message: "invalid request body",
			})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, &datatypes.APIError{
				Code:    datatypes.ErrCodeBadRequest,
				Message: err.Error(),
			})
			return
		}

		resp, err := svc.Answer(ctx, &req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeAnswerError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// writeAnswerError maps pipeline errors onto HTTP statuses.
func writeAnswerError(c *gin.Context, err error) {
	if errors.Is(err, datatypes.ErrCancelled) {
		// Client is gone; status is for the access log only.
		c.Status(statusClientClosedRequest)
		return
	}

	var apiErr *datatypes.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusInternalServerError
		switch apiErr.Code {
		case datatypes.ErrCodeTimeout:
			status = http.StatusGatewayTimeout
		case datatypes.ErrCodeOverloaded:
			status = http.StatusServiceUnavailable
		case datatypes.ErrCodeBadRequest:
			status = http.StatusBadRequest
		case datatypes.ErrCodeUpstreamUnavailable:
			status = http.StatusBadGateway
		}
		c.JSON(status, apiErr)
		return
	}

	slog.Error("Pipeline returned an unclassified error", "error", err)
	c.JSON(http.StatusInternalServerError, &datatypes.APIError{
		Code:    datatypes.ErrCodeInternal,
		Message: "internal error",
	})
}
