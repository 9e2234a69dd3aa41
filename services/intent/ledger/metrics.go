// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for the Budget & Learning Ledger
// =============================================================================

var (
	// costUSDTotal tracks cumulative recorded Tier3 spend.
	costUSDTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "ledger",
		Name:      "cost_usd_total",
		Help:      "Cumulative recorded Tier3 cost in USD",
	})

	// lateCostUSDTotal tracks spend reported by cancelled warmups.
	lateCostUSDTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "ledger",
		Name:      "late_cost_usd_total",
		Help:      "Cost in USD reported by cancelled speculative calls after cancellation",
	})

	// budgetRefusalsTotal counts reservations refused for lack of budget.
	budgetRefusalsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "ledger",
		Name:      "budget_refusals_total",
		Help:      "Tier3 reservations refused because the daily budget was exhausted",
	})

	// autoDisabledTotal counts circuit breaker trips.
	autoDisabledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "ledger",
		Name:      "warmup_auto_disabled_total",
		Help:      "Times warmup was auto-disabled for a tenant by the hit-rate breaker",
	})

	// writeFailuresTotal counts persistence failures after retries.
	// Labels: sink (store, mirror)
	writeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "ledger",
		Name:      "write_failures_total",
		Help:      "Ledger writes that failed after all retries, by sink",
	}, []string{"sink"})

	// patternsPromotedTotal counts learned patterns merged into Tier1.
	patternsPromotedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "intent",
		Subsystem: "ledger",
		Name:      "patterns_promoted_total",
		Help:      "Learned patterns promoted into Tier1 triggers",
	})
)
