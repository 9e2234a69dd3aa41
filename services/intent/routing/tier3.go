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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/ledger"
	"github.com/AleutianAI/intentcascade/services/intent/scenario"
	"github.com/AleutianAI/intentcascade/services/intent/session"
	"github.com/AleutianAI/intentcascade/services/llm"
)

// =============================================================================
// Tier3 Fallback
// =============================================================================

// Tier3Request is the input to an LLM fallback call.
type Tier3Request struct {
	TenantID       string
	Cleaned        string
	Pool           *scenario.Pool
	Gate           Gate
	Turns          []session.Turn
	DailyBudgetUSD float64
	Settings       config.Tier3Settings
	Now            time.Time
}

// Tier3Result is a completed LLM call whose cost is held in a budget
// reservation until the caller settles it.
type Tier3Result struct {
	Result   MatchResult
	Patterns []ledger.LearnedPattern
	Usage    llm.Usage

	reservation *ledger.Reservation
}

// Settle records the call against the ledger with the given classification.
// Cost and the Tier3 call count are filled in from the result. Only the
// first Settle or Release has effect.
func (r *Tier3Result) Settle(o ledger.Outcome) {
	if r == nil || r.reservation == nil {
		return
	}
	o.Tier3Call = 1
	o.CostUSD = r.Result.CostUSD
	r.reservation.Settle(o)
}

// Release drops the reservation without recording anything.
func (r *Tier3Result) Release() {
	if r == nil || r.reservation == nil {
		return
	}
	r.reservation.Release()
}

// FallbackTier is the Tier3 contract the Router depends on.
type FallbackTier interface {
	Match(ctx context.Context, req Tier3Request) (*Tier3Result, error)
}

// LLMFallback is the cost-bounded Tier3.
//
// # Description
//
// Before any billable call it checks the tenant rate limit and reserves the
// worst-case cost (prompt estimate plus MaxTokens of output) against the
// tenant's remaining daily budget. A refused reservation returns
// ErrBudgetExhausted without contacting the provider. After the call the
// actual cost is computed from reported usage and left on the reservation;
// the caller settles it as used, late or failed.
//
// The model is asked for a JSON object naming a scenario, a free-form answer
// and proposed (phrase → scenario) patterns. Only scenarios present in the
// pool that pass the usual gates are accepted.
//
// # Thread Safety
//
// Safe for concurrent use.
type LLMFallback struct {
	client  llm.ChatClient
	pricing *llm.Pricing
	ledger  *ledger.Ledger
	limiter *llm.RateLimiter
	indexes *indexCache
	logger  *slog.Logger
}

// NewLLMFallback creates the Tier3 matcher.
//
// # Inputs
//
//   - client: Provider client. Required.
//   - pricing: Nil uses llm.NewPricing(nil).
//   - l: Ledger for budget reservations. Required.
//   - limiter: Per-tenant rate limiter. Nil disables limiting.
//   - logger: May be nil.
func NewLLMFallback(client llm.ChatClient, pricing *llm.Pricing, l *ledger.Ledger, limiter *llm.RateLimiter, logger *slog.Logger) *LLMFallback {
	if pricing == nil {
		pricing = llm.NewPricing(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMFallback{
		client:  client,
		pricing: pricing,
		ledger:  l,
		limiter: limiter,
		indexes: newIndexCache(defaultIndexCacheSize, defaultBM25K1, logger),
		logger:  logger,
	}
}

// Match implements FallbackTier.
//
// # Outputs
//
//   - *Tier3Result: The answer with its reservation still open. The caller
//     must Settle or Release it.
//   - error: ErrBudgetExhausted, ErrRateLimited, ErrTierTimeout or a
//     provider error. No reservation is left open on error.
func (f *LLMFallback) Match(ctx context.Context, req Tier3Request) (*Tier3Result, error) {
	ctx, span := tracer.Start(ctx, "routing.LLMFallback.Match",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.String("llm.model", req.Settings.Model),
		),
	)
	defer span.End()

	res, err := f.match(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("tier3.cost_usd", res.Result.CostUSD),
		attribute.Bool("tier3.matched", res.Result.Matched),
		attribute.Int("tier3.patterns", len(res.Patterns)),
	)
	return res, nil
}

func (f *LLMFallback) match(ctx context.Context, req Tier3Request) (*Tier3Result, error) {
	if f.client == nil || f.ledger == nil {
		return nil, ErrTierUnavailable
	}
	if req.Pool == nil {
		return nil, fmt.Errorf("tier3: nil pool: %w", ErrTierUnavailable)
	}
	if err := f.limiter.Allow(req.TenantID); err != nil {
		return nil, err
	}

	creq := completionRequest(req)
	estimate := f.pricing.Estimate(creq, req.Settings.Model)
	reservation, err := f.ledger.Reserve(req.TenantID, req.DailyBudgetUSD, estimate)
	if err != nil {
		return nil, err
	}

	comp, err := f.client.Complete(ctx, creq)
	if err != nil {
		reservation.Release()
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("tier3: %w: %v", ErrTierTimeout, err)
		}
		return nil, fmt.Errorf("tier3: %w", err)
	}

	model := comp.Model
	if model == "" {
		model = req.Settings.Model
	}
	cost := f.pricing.Cost(model, comp.Usage)
	answer := parseTier3Answer(comp.Text)

	result := f.resolve(req, answer)
	result.CostUSD = cost
	patterns := f.proposals(req, answer)

	f.logger.Debug("tier3 answered",
		slog.String("tenant_id", req.TenantID),
		slog.String("utterance", llm.SafeLogString(req.Cleaned)),
		slog.String("scenario_id", result.ScenarioID()),
		slog.Float64("confidence", result.Confidence),
		slog.Float64("cost_usd", cost),
		slog.Int("patterns", len(patterns)),
	)
	return &Tier3Result{
		Result:      result,
		Patterns:    patterns,
		Usage:       comp.Usage,
		reservation: reservation,
	}, nil
}

// EstimateCost returns the worst-case USD cost Match would reserve for req.
// A request without a pool estimates to zero.
func (f *LLMFallback) EstimateCost(req Tier3Request) float64 {
	if req.Pool == nil {
		return 0
	}
	return f.pricing.Estimate(completionRequest(req), req.Settings.Model)
}

func completionRequest(req Tier3Request) llm.CompletionRequest {
	system, messages := buildTier3Prompt(req.Cleaned, req.Pool, req.Turns)
	return llm.CompletionRequest{
		Model:       req.Settings.Model,
		System:      system,
		Messages:    messages,
		MaxTokens:   req.Settings.MaxTokens,
		Temperature: req.Settings.Temperature,
		JSONMode:    true,
	}
}

// resolve maps the model's answer onto the pool.
func (f *LLMFallback) resolve(req Tier3Request, a tier3Answer) MatchResult {
	r := MatchResult{Tier: Tier3, Method: MethodLLM, Confidence: a.Confidence, Answer: a.Answer}
	if a.ScenarioID != "" {
		idx := f.indexes.get(req.Pool)
		if cs, ok := idx.byID[a.ScenarioID]; ok {
			ok, reason := eligible(cs, req.Cleaned, gateOrEmpty(req.Gate), req.Now)
			if ok {
				r.Matched = true
				r.Scenario = cs.sc
				r.TemplateID = cs.sc.TemplateID
				r.Category = cs.sc.Category
				return r
			}
			f.logger.Debug("tier3: proposed scenario not eligible",
				slog.String("tenant_id", req.TenantID),
				slog.String("scenario_id", a.ScenarioID),
				slog.String("reason", reason),
			)
		}
	}
	r.Matched = a.Answer != ""
	if !r.Matched {
		r.Method = MethodNoMatch
	}
	return r
}

// proposals keeps patterns that name a pool scenario and a non-empty phrase.
// Phrases are normalized with the pool's normalizer so that a promoted
// trigger lines up with how future utterances are cleaned.
func (f *LLMFallback) proposals(req Tier3Request, a tier3Answer) []ledger.LearnedPattern {
	if len(a.Patterns) == 0 {
		return nil
	}
	norm := req.Pool.Normalizer()
	out := make([]ledger.LearnedPattern, 0, len(a.Patterns))
	for _, p := range a.Patterns {
		if _, ok := req.Pool.Scenario(p.ScenarioID); !ok {
			continue
		}
		phrase := norm.Normalize(p.Phrase)
		if phrase == "" {
			continue
		}
		out = append(out, ledger.LearnedPattern{
			TenantID:     req.TenantID,
			Phrase:       phrase,
			ScenarioID:   p.ScenarioID,
			Confidence:   clamp01(p.Confidence),
			DiscoveredAt: req.Now,
			Source:       ledger.PatternSourceLLM,
		})
	}
	return out
}
