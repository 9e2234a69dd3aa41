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
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
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
// Router
// =============================================================================

// RouteRequest is one caller utterance to route.
type RouteRequest struct {
	TenantID  string         `json:"tenant_id" binding:"required"`
	CallID    string         `json:"call_id"`
	Utterance string         `json:"utterance" binding:"required"`
	Entities  map[string]any `json:"entities,omitempty"`
}

// Options wires a Router.
type Options struct {
	// Store serves the tenant/template catalog. Required.
	Store *config.Store

	// Defaults is the immutable bottom configuration layer.
	Defaults config.EngineDefaults

	// Pools caches scenario pools. Nil creates one sized from Defaults.
	Pools *scenario.Registry

	// Sessions holds call sessions. Nil creates one sized from Defaults.
	Sessions *session.Registry

	// Ledger records warmup outcomes and Tier3 cost. Nil creates an
	// in-memory ledger.
	Ledger *ledger.Ledger

	// Learner promotes Tier3 patterns. Nil disables learning.
	Learner *ledger.Learner

	// Tier2 and Tier3 are optional. A nil tier is skipped.
	Tier2 SemanticTier
	Tier3 FallbackTier

	// Clock returns the current time for cooldowns. Nil uses time.Now.
	Clock func() time.Time

	Logger *slog.Logger
}

// Router sequences the tiers into one MatchResult per utterance.
//
// # Description
//
// For each call it resolves the tenant's effective configuration from the
// current catalog snapshot, takes the tenant's pool snapshot, normalizes the
// utterance and runs Tier1. On a Tier1 miss it asks the WarmupScheduler
// whether to race Tier2 against a speculative Tier3; otherwise Tier2 and
// Tier3 run in sequence. The winning result gets a reply (scenario reply,
// LLM answer, or the tenant fallback), the call session is updated, and
// exactly one "routing decision" record is logged.
//
// Tier failures never escape Route. Only configuration errors are returned,
// always together with a fallback MatchResult.
//
// # Thread Safety
//
// Safe for concurrent use across calls and tenants.
type Router struct {
	store    *config.Store
	defaults config.EngineDefaults
	pools    *scenario.Registry
	sessions *session.Registry
	ledger   *ledger.Ledger
	learner  *ledger.Learner
	tier1    *Tier1Matcher
	tier2    SemanticTier
	tier3    FallbackTier
	warmup   *WarmupScheduler
	clock    func() time.Time
	logger   *slog.Logger

	background sync.WaitGroup
}

// NewRouter creates a Router.
//
// # Outputs
//
//   - *Router: Ready to route.
//   - error: When Options.Store is nil.
func NewRouter(opts Options) (*Router, error) {
	if opts.Store == nil {
		return nil, errors.New("routing: nil config store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	pools := opts.Pools
	if pools == nil {
		pools = scenario.NewRegistry(opts.Defaults.PoolCacheSize, logger)
	}
	sessions := opts.Sessions
	if sessions == nil {
		sessions = session.NewRegistry(opts.Defaults.Session.MaxSessions, opts.Defaults.Session.TTL)
	}
	l := opts.Ledger
	if l == nil {
		l = ledger.New(ledger.Options{Clock: clock, Logger: logger})
	}
	return &Router{
		store:    opts.Store,
		defaults: opts.Defaults,
		pools:    pools,
		sessions: sessions,
		ledger:   l,
		learner:  opts.Learner,
		tier1:    NewTier1Matcher(opts.Defaults.Tier1, logger),
		tier2:    opts.Tier2,
		tier3:    opts.Tier3,
		warmup:   NewWarmupScheduler(l, opts.Tier2, opts.Tier3, logger),
		clock:    clock,
		logger:   logger,
	}, nil
}

// Ledger returns the router's ledger.
func (r *Router) Ledger() *ledger.Ledger { return r.ledger }

// Pools returns the router's pool registry.
func (r *Router) Pools() *scenario.Registry { return r.pools }

// Sessions returns the router's session registry.
func (r *Router) Sessions() *session.Registry { return r.sessions }

// Store returns the router's config store.
func (r *Router) Store() *config.Store { return r.store }

// Resolve returns a tenant's effective configuration and current pool
// snapshot, as Route would see them.
func (r *Router) Resolve(ctx context.Context, tenantID string) (config.Effective, *scenario.Pool, error) {
	return r.resolve(ctx, tenantID)
}

// EnableWarmup clears a tripped hit-rate breaker for tenantID.
func (r *Router) EnableWarmup(tenantID string) bool {
	return r.ledger.EnableWarmup(tenantID)
}

// Drain waits for cancelled Tier3 calls and pattern learning still running
// in the background.
func (r *Router) Drain(ctx context.Context) error {
	if err := r.warmup.Drain(ctx); err != nil {
		return err
	}
	return waitGroupCtx(ctx, &r.background)
}

// Route decides the response for one utterance.
//
// # Inputs
//
//   - ctx: Request context. Cancelling it cancels in-flight tiers.
//   - req: Tenant, call and utterance. Entities are merged into the call
//     session before matching.
//
// # Outputs
//
//   - MatchResult: Always populated, with Reply set.
//   - error: A *config.Error (or pool build failure) for this tenant only.
//
// # Thread Safety
//
// Safe for concurrent use.
func (r *Router) Route(ctx context.Context, req RouteRequest) (MatchResult, error) {
	start := time.Now()
	decisionID := uuid.NewString()

	ctx, span := tracer.Start(ctx, "routing.Router.Route",
		trace.WithAttributes(
			attribute.String("decision.id", decisionID),
			attribute.String("tenant.id", req.TenantID),
			attribute.String("call.id", req.CallID),
		),
	)
	defer span.End()

	res, err := r.route(ctx, req)
	res.DecisionID = decisionID
	res.LatencyMs = time.Since(start).Milliseconds()
	routeLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "config error")
	}
	span.SetAttributes(
		attribute.Int("routing.tier", int(res.Tier)),
		attribute.Bool("routing.matched", res.Matched),
		attribute.String("routing.method", res.Method),
		attribute.Float64("routing.confidence", res.Confidence),
		attribute.Float64("routing.cost_usd", res.CostUSD),
		attribute.String("routing.warmup_state", string(res.WarmupState)),
	)
	r.record(req, res)
	return res, err
}

func (r *Router) route(ctx context.Context, req RouteRequest) (MatchResult, error) {
	eff, pool, err := r.resolve(ctx, req.TenantID)
	if err != nil {
		return r.configFailure(req, err), err
	}

	sess := r.session(req)
	sess.MergeEntities(req.Entities)
	now := r.clock()
	cleaned := pool.Normalizer().Normalize(req.Utterance)

	t1start := time.Now()
	res := r.tier1.Match(cleaned, pool, eff.Thresholds.Tier1, sess, now)
	tierLatency.WithLabelValues("1").Observe(time.Since(t1start).Seconds())

	var t3used *Tier3Result
	if !res.Matched {
		res, t3used = r.escalate(ctx, eff, pool, sess, cleaned, res, now)
	}

	r.reply(eff, pool, sess, req, &res, now)
	if t3used != nil && len(t3used.Patterns) > 0 {
		r.learn(ctx, eff, t3used.Patterns)
	}
	return res, nil
}

// resolve produces the effective config and pool snapshot for a tenant.
func (r *Router) resolve(ctx context.Context, tenantID string) (config.Effective, *scenario.Pool, error) {
	snap := r.store.Snapshot()
	if snap == nil || snap.Catalog == nil {
		return config.Effective{}, nil, &config.Error{
			Code: config.CodeInvalidCatalog, TenantID: tenantID,
			Message: "no catalog loaded", Err: config.ErrInvalidCatalog,
		}
	}
	tenant, ok := snap.Catalog.Tenant(tenantID)
	if !ok {
		return config.Effective{}, nil, &config.Error{
			Code: config.CodeMissingTenant, TenantID: tenantID,
			Message: "tenant not in catalog", Err: config.ErrMissingTenant,
		}
	}
	eff, err := config.Resolve(tenant, &snap.Catalog.Global, r.defaults)
	if err != nil {
		return config.Effective{}, nil, err
	}
	templates, err := snap.Catalog.TemplatesFor(tenant)
	if err != nil {
		return config.Effective{}, nil, err
	}
	pool, err := r.pools.Get(ctx, scenario.PoolSpec{
		TenantID:        tenantID,
		ConfigVersion:   eff.Version,
		CatalogRevision: snap.Revision,
		Templates:       templates,
		Disabled:        eff.DisabledScenarios,
		ReplyPolicy:     scenario.ReplyPolicy(eff.ReplyPolicy),
	})
	if err != nil {
		return config.Effective{}, nil, fmt.Errorf("tenant %s pool: %w", tenantID, err)
	}
	return eff, pool, nil
}

// session returns the call's session. A request without a call id gets a
// throwaway session.
func (r *Router) session(req RouteRequest) *session.State {
	if req.CallID == "" {
		return session.NewState(req.TenantID, "", 0)
	}
	return r.sessions.GetOrCreate(req.TenantID, req.CallID)
}

// escalate runs everything after a Tier1 miss. It returns the Tier3 result
// whose answer was used, if any.
func (r *Router) escalate(ctx context.Context, eff config.Effective, pool *scenario.Pool, sess *session.State,
	cleaned string, tier1 MatchResult, now time.Time) (MatchResult, *Tier3Result) {

	t2req := Tier2Request{Cleaned: cleaned, Pool: pool, Threshold: eff.Thresholds.Tier2, Gate: sess, Now: now}
	t3req := Tier3Request{
		TenantID:       eff.TenantID,
		Cleaned:        cleaned,
		Pool:           pool,
		Gate:           sess,
		Turns:          sess.RecentTurns(eff.Tier3.ContextTurns),
		DailyBudgetUSD: eff.DailyBudgetUSD,
		Settings:       eff.Tier3,
		Now:            now,
	}

	decision := r.warmup.Decide(eff, tier1, t3req)
	if decision.Trigger {
		ws := NewWarmupSession(eff.TenantID)
		r.logger.Debug("warmup triggered",
			slog.String("tenant_id", eff.TenantID),
			slog.String("warmup_session_id", ws.ID),
			slog.String("reason", decision.Reason),
			slog.Float64("tier1_score", tier1.Confidence),
		)
		out := r.warmup.Race(ctx, ws, eff, t2req, t3req)
		return out.result, out.tier3
	}

	best := tier1
	if r.tier2 != nil {
		t2, err := runTier2(ctx, r.tier2, eff.Tier2Timeout(), t2req)
		if err != nil {
			r.logger.Warn("tier2 failed",
				slog.String("tenant_id", eff.TenantID),
				slog.String("error", err.Error()),
			)
		} else if t2.Matched {
			return t2, nil
		} else {
			best = t2
		}
	}
	if r.tier3 == nil {
		return best, nil
	}

	t3start := time.Now()
	t3ctx, cancel := context.WithTimeout(ctx, eff.Tier3Timeout())
	defer cancel()
	t3, err := r.tier3.Match(t3ctx, t3req)
	tierLatency.WithLabelValues("3").Observe(time.Since(t3start).Seconds())
	if err != nil {
		if !errors.Is(err, ErrBudgetExhausted) {
			r.logger.Warn("tier3 failed",
				slog.String("tenant_id", eff.TenantID),
				slog.String("error", err.Error()),
			)
		}
		return tier3Failure(err, best), nil
	}
	t3.Settle(ledger.Outcome{})
	return t3.Result, t3
}

// reply attaches the response text and records the turn in the session.
func (r *Router) reply(eff config.Effective, pool *scenario.Pool, sess *session.State, req RouteRequest, res *MatchResult, now time.Time) {
	switch {
	case res.Matched && res.Scenario != nil:
		res.Reply = sess.NextReply(res.Scenario, scenario.VariantQuick, pool.ReplyPolicy())
		sess.MarkUsed(res.Scenario.ID, now)
	case res.Matched && res.Answer != "":
		res.Reply = res.Answer
	}
	if res.Reply == "" {
		res.Reply = eff.FallbackReply
	}
	sess.AddTurn(session.RoleCaller, req.Utterance, now)
	sess.AddTurn(session.RoleAgent, res.Reply, now)
}

// learn hands Tier3 proposals to the learner off the request path.
func (r *Router) learn(ctx context.Context, eff config.Effective, patterns []ledger.LearnedPattern) {
	if r.learner == nil {
		return
	}
	bar := ledger.PromotionBar{MinConfidence: eff.Promotion.MinConfidence, MinRepeats: eff.Promotion.MinRepeats}
	ctx = context.WithoutCancel(ctx)
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		for _, p := range patterns {
			promoted, err := r.learner.Observe(ctx, p, bar)
			if err != nil {
				r.logger.Warn("pattern promotion failed",
					slog.String("tenant_id", p.TenantID),
					slog.String("scenario_id", p.ScenarioID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !promoted {
				r.logger.Debug("pattern sighting recorded",
					slog.String("tenant_id", p.TenantID),
					slog.String("scenario_id", p.ScenarioID),
					slog.String("phrase", llm.SafeLogString(p.Phrase)),
				)
			}
		}
	}()
}

// configFailure builds the fallback result for a setup defect and raises
// it to observability.
func (r *Router) configFailure(req RouteRequest, err error) MatchResult {
	code := "pool"
	var ce *config.Error
	if errors.As(err, &ce) {
		code = string(ce.Code)
	}
	configErrorsTotal.WithLabelValues(code).Inc()
	r.logger.Error("routing config error",
		slog.String("tenant_id", req.TenantID),
		slog.String("call_id", req.CallID),
		slog.String("code", code),
		slog.String("error", err.Error()),
	)
	return MatchResult{
		Tier:   Tier1,
		Method: MethodConfigError,
		Reply:  r.defaults.FallbackReply,
	}
}

// record emits the one decision record for a routed utterance.
func (r *Router) record(req RouteRequest, res MatchResult) {
	decisionsTotal.WithLabelValues(strconv.Itoa(int(res.Tier)), res.Method, strconv.FormatBool(res.Matched)).Inc()
	r.logger.Info("routing decision",
		slog.String("decision_id", res.DecisionID),
		slog.String("tenant_id", req.TenantID),
		slog.String("call_id", req.CallID),
		slog.Int("tier", int(res.Tier)),
		slog.Bool("matched", res.Matched),
		slog.Float64("confidence", res.Confidence),
		slog.Float64("cost_usd", res.CostUSD),
		slog.Int64("latency_ms", res.LatencyMs),
		slog.String("method", res.Method),
		slog.String("warmup_state", string(res.WarmupState)),
		slog.String("scenario_id", res.ScenarioID()),
	)
}
