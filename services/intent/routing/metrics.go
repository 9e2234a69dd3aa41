// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

// =============================================================================
// Prometheus Metrics
// =============================================================================

var (
	// decisionsTotal counts routing decisions.
	// Labels: tier (1, 2, 3), method, matched (true, false)
	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "routing",
		Name:      "decisions_total",
		Help:      "Routing decisions by deciding tier, method and outcome",
	}, []string{"tier", "method", "matched"})

	// tierLatency tracks per-tier latency.
	tierLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "routing",
		Name:      "tier_latency_seconds",
		Help:      "Latency of each matching tier",
		Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"tier"})

	// routeLatency tracks end-to-end Route latency.
	routeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "intent",
		Subsystem: "routing",
		Name:      "route_latency_seconds",
		Help:      "End-to-end latency of one routing decision",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	})

	// warmupSessionsTotal counts warmup sessions by terminal state.
	warmupSessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "routing",
		Name:      "warmup_sessions_total",
		Help:      "Speculative Tier3 sessions by terminal state: used, cancelled, failed",
	}, []string{"state"})

	// warmupDecisionsTotal counts warmup decisions.
	// Labels: decision (trigger, skip, none), reason
	warmupDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "routing",
		Name:      "warmup_decisions_total",
		Help:      "Warmup decisions after Tier1 missed, by decision and reason",
	}, []string{"decision", "reason"})

	// budgetSkipsTotal counts Tier3 calls skipped for lack of budget.
	budgetSkipsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "routing",
		Name:      "budget_skips_total",
		Help:      "Tier3 calls skipped because the tenant's daily budget was exhausted",
	})

	// tierFailuresTotal counts Tier2/Tier3 failures absorbed by the router.
	tierFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "routing",
		Name:      "tier_failures_total",
		Help:      "Tier failures (timeout, error) absorbed by the router",
	}, []string{"tier", "kind"})

	// configErrorsTotal counts routing decisions that hit a tenant setup defect.
	configErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "routing",
		Name:      "config_errors_total",
		Help:      "Routing decisions refused by a configuration error, by code",
	}, []string{"code"})
)

// =============================================================================
// OTel Tracer
// =============================================================================

var tracer = otel.Tracer("intent.routing")
