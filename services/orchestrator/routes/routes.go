// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the assist orchestrator's HTTP surface.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianAssist/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/services"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/sessions"
)

// Deps carries everything the route table needs.
type Deps struct {
	Query         *services.QueryService
	Sessions      sessions.Store
	Health        handlers.HealthDeps
	Metrics       *observability.Metrics
	MaxConcurrent int
}

// SetupRoutes registers all endpoints on the router.
//
// Only the chat completion path sits behind the concurrency limiter;
// health, metrics, and session administration must stay reachable while
// the pipeline is saturated.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck(deps.Health))
	router.GET("/version", handlers.HandleVersion)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	{
		v1.POST("/chat/completions",
			middleware.ConcurrencyLimiter(deps.MaxConcurrent, deps.Metrics),
			handlers.HandleChatCompletion(deps.Query))

		v1.GET("/sessions", handlers.ListSessions(deps.Sessions))
		v1.GET("/session/:sessionId", handlers.GetSessionHistory(deps.Sessions))
		v1.DELETE("/session/:sessionId", handlers.DeleteSession(deps.Sessions))
	}
}
