// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routing is the tiered intent cascade: a deterministic Tier1
// matcher, a semantic Tier2 matcher, a cost-bounded Tier3 LLM fallback, the
// warmup scheduler that races Tier2 against a speculative Tier3, and the
// Router that sequences them into one MatchResult per utterance.
package routing

import (
	"errors"

	"github.com/AleutianAI/intentcascade/services/intent/ledger"
	"github.com/AleutianAI/intentcascade/services/intent/scenario"
	"github.com/AleutianAI/intentcascade/services/llm"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrBudgetExhausted means Tier3 was skipped because the tenant's daily
	// budget cannot cover the call. Never surfaced to the caller.
	ErrBudgetExhausted = ledger.ErrBudgetExhausted

	// ErrRateLimited means the per-tenant Tier3 rate limit refused the call.
	ErrRateLimited = llm.ErrRateLimited

	// ErrTierTimeout wraps a Tier2 or Tier3 call that exceeded its deadline.
	ErrTierTimeout = errors.New("tier timed out")

	// ErrInvalidTransition is returned for an illegal warmup state change.
	ErrInvalidTransition = errors.New("invalid warmup transition")

	// ErrTierUnavailable means a tier has no backing implementation.
	ErrTierUnavailable = errors.New("tier unavailable")
)

// =============================================================================
// MatchResult
// =============================================================================

// Tier identifies the stage that produced a result.
type Tier int

const (
	Tier1 Tier = 1
	Tier2 Tier = 2
	Tier3 Tier = 3
)

// Match methods. Method says how the result was produced, Tier says where.
const (
	MethodKeyword         = "keyword"
	MethodRegex           = "regex"
	MethodSemantic        = "semantic"
	MethodLLM             = "llm"
	MethodNoMatch         = "no_match"
	MethodBudgetExhausted = "budget_exhausted"
	MethodTierFailed      = "tier_failed"
	MethodConfigError     = "config_error"
)

// MatchResult is the single outcome of routing one utterance.
//
// CostUSD is zero for tiers 1 and 2 and for a cancelled speculative Tier3.
// When Matched is false, Confidence carries the best score the last tier saw
// and Reply carries the tenant's fallback text.
type MatchResult struct {
	DecisionID  string             `json:"decision_id,omitempty"`
	Matched     bool               `json:"matched"`
	Confidence  float64            `json:"confidence"`
	Scenario    *scenario.Scenario `json:"scenario,omitempty"`
	TemplateID  string             `json:"template_id,omitempty"`
	Category    string             `json:"category,omitempty"`
	Tier        Tier               `json:"tier"`
	CostUSD     float64            `json:"cost_usd"`
	LatencyMs   int64              `json:"latency_ms"`
	Method      string             `json:"method"`
	Reply       string             `json:"reply,omitempty"`
	Answer      string             `json:"answer,omitempty"`
	WarmupState WarmupState        `json:"warmup_state,omitempty"`
}

// ScenarioID returns the matched scenario id or "".
func (r MatchResult) ScenarioID() string {
	if r.Scenario == nil {
		return ""
	}
	return r.Scenario.ID
}

func noMatch(tier Tier, confidence float64, category string) MatchResult {
	return MatchResult{
		Tier:       tier,
		Confidence: confidence,
		Category:   category,
		Method:     MethodNoMatch,
	}
}
