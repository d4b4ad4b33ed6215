// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/sessions"
)

// storeUnavailableError is the 500 body for session-store outages.
func storeUnavailableError() *datatypes.APIError {
	return &datatypes.APIError{
		Code:      datatypes.ErrCodeInternal,
		Message:   "session store unavailable",
		Retryable: true,
	}
}

// GetSessionHistory answers GET /v1/session/:sessionId.
func GetSessionHistory(store sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		sess, err := store.Get(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, sessions.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, &datatypes.APIError{
					Code:    datatypes.ErrCodeBadRequest,
					Message: "session not found",
				})
				return
			}
			slog.Error("Session lookup failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, storeUnavailableError())
			return
		}
		c.JSON(http.StatusOK, sess)
	}
}

// ListSessions answers GET /v1/sessions with summaries sorted by
// recency. An optional limit query parameter truncates the list to the
// N most recently active sessions; absent or malformed values mean no
// cap.
func ListSessions(store sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		summaries, err := store.List(c.Request.Context(), limit)
		if err != nil {
			slog.Error("Session list failed", "error", err)
			c.JSON(http.StatusInternalServerError, storeUnavailableError())
			return
		}
		if summaries == nil {
			summaries = []datatypes.SessionSummary{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": summaries})
	}
}

// DeleteSession answers DELETE /v1/session/:sessionId. Deleting a session
// that does not exist is a success; the goal state already holds.
func DeleteSession(store sessions.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("sessionId")
		if err := store.Delete(c.Request.Context(), id); err != nil &&
			!errors.Is(err, sessions.ErrSessionNotFound) {
			slog.Error("Session delete failed", "session_id", id, "error", err)
			c.JSON(http.StatusInternalServerError, storeUnavailableError())
			return
		}
		slog.Info("Deleted session", "session_id", id)
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": id})
	}
}
