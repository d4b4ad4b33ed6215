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
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianAssist/pkg/version"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/adapters"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/configclient"
	"github.com/AleutianAI/AleutianAssist/services/orchestrator/datatypes"
)

// healthProbeBudget caps the whole health sweep. Adapters are probed in
// parallel inside the registry; this is the outer ceiling.
const healthProbeBudget = 5 * time.Second

// HealthDeps are the probeable dependencies of the health endpoint.
// Nil members report healthy: an unconfigured component is not a fault.
type HealthDeps struct {
	Config   *configclient.Client
	Adapters *adapters.Registry

	// LLMPing checks backend reachability. Usually a cheap GET against
	// the models endpoint, never a generation call.
	LLMPing func(ctx context.Context) error

	// CachePing checks the response-cache backend.
	CachePing func(ctx context.Context) error
}

// HealthCheck answers GET /health.
//
// The status is "ok" when the LLM backend is reachable, "degraded"
// otherwise; the orchestrator can serve clarifications and cached
// answers without it, so health degradation is not a 5xx.
func HealthCheck(deps HealthDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeBudget)
		defer cancel()

		status := datatypes.HealthStatus{
			Status:    "ok",
			CheckedAt: time.Now().UTC(),
			Components: datatypes.HealthComponents{
				LLM:    true,
				Config: true,
				Cache:  true,
			},
		}

		if deps.LLMPing != nil && deps.LLMPing(ctx) != nil {
			status.Components.LLM = false
			status.Status = "degraded"
		}
		if deps.Config != nil && !deps.Config.Healthy() {
			status.Components.Config = false
			status.Status = "degraded"
		}
		if deps.CachePing != nil && deps.CachePing(ctx) != nil {
			status.Components.Cache = false
			status.Status = "degraded"
		}
		if deps.Adapters != nil {
			status.Components.Adapters = deps.Adapters.HealthAll(ctx)
			for _, up := range status.Components.Adapters {
				if !up {
					status.Status = "degraded"
					break
				}
			}
		}

		c.JSON(http.StatusOK, status)
	}
}

// HandleVersion answers GET /version with build provenance.
func HandleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, version.Get())
}
