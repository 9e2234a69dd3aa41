// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RegisterRoutes registers the intent endpoints under rg.
//
// # Endpoints
//
//	POST /v1/intent/route                 Route one utterance
//	GET  /v1/intent/ledger/:tenant        Today's ledger entry and history
//	POST /v1/intent/warmup/:tenant/enable Clear a tripped hit-rate breaker
//	GET  /v1/intent/health                Liveness
//	GET  /v1/intent/ready                 Readiness
//
// # Example
//
//	svc := intent.NewService(router, matcher, logger)
//	v1 := engine.Group("/v1")
//	intent.RegisterRoutes(v1, intent.NewHandlers(svc))
func RegisterRoutes(rg *gin.RouterGroup, handlers *Handlers) {
	g := rg.Group("/intent")
	{
		g.POST("/route", handlers.HandleRoute)
		g.GET("/ledger/:tenant", handlers.HandleLedger)
		g.POST("/warmup/:tenant/enable", handlers.HandleEnableWarmup)

		g.GET("/health", handlers.HandleHealth)
		g.GET("/ready", handlers.HandleReady)
	}
}

// RegisterMetrics serves the default Prometheus registry at /metrics.
func RegisterMetrics(r gin.IRoutes) {
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
