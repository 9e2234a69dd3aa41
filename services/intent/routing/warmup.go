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
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/ledger"
)

// =============================================================================
// Warmup Session
// =============================================================================

// WarmupState is a step in the speculative Tier3 lifecycle.
type WarmupState string

const (
	WarmupIdle      WarmupState = "idle"
	WarmupTriggered WarmupState = "triggered"
	WarmupRacing    WarmupState = "racing"
	WarmupUsed      WarmupState = "used"
	WarmupCancelled WarmupState = "cancelled"
	WarmupFailed    WarmupState = "failed"
)

var warmupTransitions = map[WarmupState][]WarmupState{
	WarmupIdle:      {WarmupTriggered},
	WarmupTriggered: {WarmupRacing},
	WarmupRacing:    {WarmupUsed, WarmupCancelled, WarmupFailed},
}

// IsTerminal reports whether no transition leaves s.
func (s WarmupState) IsTerminal() bool {
	return s == WarmupUsed || s == WarmupCancelled || s == WarmupFailed
}

// WarmupSession is the per-turn speculative execution state machine:
// idle → triggered → racing → {used | cancelled | failed}.
//
// # Thread Safety
//
// Safe for concurrent use.
type WarmupSession struct {
	ID       string
	TenantID string

	mu    sync.Mutex
	state WarmupState
}

// NewWarmupSession creates an idle session with a fresh id.
func NewWarmupSession(tenantID string) *WarmupSession {
	return &WarmupSession{ID: uuid.NewString(), TenantID: tenantID, state: WarmupIdle}
}

// State returns the current state.
func (s *WarmupSession) State() WarmupState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transition moves the session to next.
//
// # Outputs
//
//   - error: ErrInvalidTransition (wrapped) when next is not reachable from
//     the current state. Terminal states have no exits.
func (s *WarmupSession) Transition(next WarmupState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, allowed := range warmupTransitions[s.state] {
		if allowed == next {
			s.state = next
			if next.IsTerminal() {
				warmupSessionsTotal.WithLabelValues(string(next)).Inc()
			}
			return nil
		}
	}
	return fmt.Errorf("%s -> %s: %w", s.state, next, ErrInvalidTransition)
}

// =============================================================================
// Warmup Decision
// =============================================================================

// Warmup decision reasons.
const (
	warmupReasonBand        = "band"
	warmupReasonAlways      = "always_category"
	warmupReasonBelow       = "below_trigger"
	warmupReasonDisabled    = "disabled"
	warmupReasonUnavailable = "tier3_unavailable"
	warmupReasonNever       = "never_category"
	warmupReasonBudget      = "budget_exhausted"
	warmupReasonBreaker     = "breaker_open"
)

// WarmupDecision is the outcome of evaluating warmup after Tier1 missed.
type WarmupDecision struct {
	Trigger bool
	Wanted  bool
	Reason  string
}

func (d WarmupDecision) label() string {
	switch {
	case d.Trigger:
		return "trigger"
	case d.Wanted:
		return "skip"
	default:
		return "none"
	}
}

// warmupWanted is the threshold half of the decision. Tier1 must have missed
// but scored at least the looser warmup trigger, or the attempted category
// must be on the always list.
func warmupWanted(tier1Score float64, category string, eff config.Effective) (bool, string) {
	if category != "" && eff.AlwaysWarmup[category] {
		return true, warmupReasonAlways
	}
	if tier1Score >= eff.Thresholds.WarmupTrigger && tier1Score < eff.Thresholds.Tier1 && tier1Score > 0 {
		return true, warmupReasonBand
	}
	return false, warmupReasonBelow
}

// =============================================================================
// Warmup Scheduler
// =============================================================================

// WarmupScheduler decides whether to start Tier3 speculatively and runs the
// Tier2 ∥ Tier3 race.
//
// # Description
//
// Tier2 success always wins, even when Tier3 finishes first: the scheduler
// awaits Tier2 before looking at Tier3. A losing Tier3 is cancelled through
// its context and then drained by a background reaper, which books any
// cost the provider still reported as late cost. The caller's result for a
// cancelled session never carries Tier3 cost.
//
// # Thread Safety
//
// Safe for concurrent use.
type WarmupScheduler struct {
	ledger *ledger.Ledger
	tier2  SemanticTier
	tier3  FallbackTier
	logger *slog.Logger

	reapers sync.WaitGroup
}

// NewWarmupScheduler creates a scheduler. tier2 and tier3 may be nil.
func NewWarmupScheduler(l *ledger.Ledger, tier2 SemanticTier, tier3 FallbackTier, logger *slog.Logger) *WarmupScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WarmupScheduler{ledger: l, tier2: tier2, tier3: tier3, logger: logger}
}

// Decide evaluates the warmup rules for one missed Tier1 result.
//
// # Description
//
// Skips are checked only when warmup is wanted, in order: disabled for the
// tenant, no Tier3 configured, category on the never list, remaining budget
// unable to cover the Tier3 estimate for t3, hit-rate breaker open. The
// breaker is consulted last because evaluating it may trip it.
func (w *WarmupScheduler) Decide(eff config.Effective, tier1 MatchResult, t3 Tier3Request) WarmupDecision {
	wanted, reason := warmupWanted(tier1.Confidence, tier1.Category, eff)
	d := WarmupDecision{Wanted: wanted, Reason: reason}
	if wanted {
		switch {
		case !eff.WarmupEnabled:
			d.Reason = warmupReasonDisabled
		case w.tier3 == nil || w.ledger == nil:
			d.Reason = warmupReasonUnavailable
		case tier1.Category != "" && eff.NeverWarmup[tier1.Category]:
			d.Reason = warmupReasonNever
		case !w.budgetCovers(eff, t3):
			d.Reason = warmupReasonBudget
		default:
			allowed, _ := w.ledger.WarmupAllowed(eff.TenantID, ledger.BreakerPolicy{
				MinimumHitRate: eff.MinimumHitRate,
				WindowDays:     eff.HitRateWindowDays,
				MinSamples:     eff.HitRateMinSamples,
			})
			if allowed {
				d.Trigger = true
			} else {
				d.Reason = warmupReasonBreaker
			}
		}
	}
	warmupDecisionsTotal.WithLabelValues(d.label(), d.Reason).Inc()
	return d
}

// costEstimator is implemented by fallback tiers that can price a request
// before running it.
type costEstimator interface {
	EstimateCost(req Tier3Request) float64
}

// budgetCovers reports whether the tenant's remaining budget can fund the
// Tier3 call. Tiers without an estimator only need a positive remainder.
func (w *WarmupScheduler) budgetCovers(eff config.Effective, t3 Tier3Request) bool {
	remaining := w.ledger.RemainingBudget(eff.TenantID, eff.DailyBudgetUSD)
	if remaining <= 0 {
		return false
	}
	if est, ok := w.tier3.(costEstimator); ok {
		return est.EstimateCost(t3) <= remaining
	}
	return true
}

// neverRan reports whether a Tier3 error means the call was refused before
// reaching the provider. Such warmups spent nothing and are not booked.
func neverRan(err error) bool {
	return errors.Is(err, ErrBudgetExhausted) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTierUnavailable)
}

// raceOutcome is what the race hands back to the Router.
type raceOutcome struct {
	result MatchResult
	state  WarmupState
	tier3  *Tier3Result // set only when the Tier3 result was used
}

type tier2Reply struct {
	res MatchResult
	err error
}

type tier3Reply struct {
	res *Tier3Result
	err error
}

// Race runs Tier2 and a speculative Tier3 concurrently.
//
// # Description
//
//  1. idle → triggered → racing: both tiers start, each with its own timeout.
//  2. Tier2 matched: Tier3 is cancelled, racing → cancelled, and Tier2's
//     result is returned with zero cost.
//  3. Otherwise the Tier3 result is awaited. Success: racing → used and its
//     cost is booked. Error or timeout: racing → failed.
//
// Ledger counters are booked once the Tier3 outcome is known. A Tier3 that
// refused the call before reaching the provider (budget, rate limit) leaves
// no triggered, cancelled or failed count behind, so refusals do not drag
// down the hit rate.
//
// # Inputs
//
//   - ctx: Request context. Cancelling it cancels both tiers.
//   - sess: A fresh idle session.
//   - eff: Effective config for timeouts.
//   - t2: Tier2 input.
//   - t3: Tier3 input.
//
// # Thread Safety
//
// Safe for concurrent use. Call Drain before shutdown to wait for reapers.
func (w *WarmupScheduler) Race(ctx context.Context, sess *WarmupSession, eff config.Effective, t2 Tier2Request, t3 Tier3Request) raceOutcome {
	ctx, span := tracer.Start(ctx, "routing.WarmupScheduler.Race",
		trace.WithAttributes(
			attribute.String("tenant.id", sess.TenantID),
			attribute.String("warmup.session_id", sess.ID),
		),
	)
	defer span.End()

	_ = sess.Transition(WarmupTriggered)
	_ = sess.Transition(WarmupRacing)

	t3ctx, cancel3 := context.WithTimeout(ctx, eff.Tier3Timeout())
	t3ch := make(chan tier3Reply, 1)
	t3start := time.Now()
	go func() {
		res, err := w.tier3.Match(t3ctx, t3)
		tierLatency.WithLabelValues("3").Observe(time.Since(t3start).Seconds())
		t3ch <- tier3Reply{res: res, err: err}
	}()

	t2res, t2err := w.runTier2(ctx, eff, t2)
	if t2err == nil && t2res.Matched {
		cancel3()
		_ = sess.Transition(WarmupCancelled)
		w.reap(sess, t3ch, true)
		span.SetAttributes(attribute.String("warmup.state", string(WarmupCancelled)))
		t2res.CostUSD = 0
		t2res.WarmupState = WarmupCancelled
		return raceOutcome{result: t2res, state: WarmupCancelled}
	}
	if t2err != nil && !errors.Is(t2err, ErrTierUnavailable) {
		w.logger.Warn("tier2 failed during warmup race",
			slog.String("tenant_id", sess.TenantID),
			slog.String("warmup_session_id", sess.ID),
			slog.String("error", t2err.Error()),
		)
	}

	var reply tier3Reply
	select {
	case reply = <-t3ch:
	case <-t3ctx.Done():
		// The provider ignored cancellation; whatever it returns is late.
		w.reap(sess, t3ch, false)
		reply = tier3Reply{err: fmt.Errorf("tier3: %w: %v", ErrTierTimeout, t3ctx.Err())}
	}
	cancel3()

	if reply.err != nil {
		_ = sess.Transition(WarmupFailed)
		if !neverRan(reply.err) {
			w.ledger.Record(sess.TenantID, ledger.Outcome{Triggered: 1, Failed: 1})
		}
		span.RecordError(reply.err)
		span.SetAttributes(attribute.String("warmup.state", string(WarmupFailed)))
		res := tier3Failure(reply.err, t2res)
		res.WarmupState = WarmupFailed
		return raceOutcome{result: res, state: WarmupFailed}
	}

	_ = sess.Transition(WarmupUsed)
	reply.res.Settle(ledger.Outcome{Triggered: 1, Used: 1})
	span.SetAttributes(
		attribute.String("warmup.state", string(WarmupUsed)),
		attribute.Float64("warmup.cost_usd", reply.res.Result.CostUSD),
	)
	res := reply.res.Result
	res.WarmupState = WarmupUsed
	return raceOutcome{result: res, state: WarmupUsed, tier3: reply.res}
}

// runTier2 runs Tier2 under its own timeout. A Tier2 that ignores its
// context is abandoned at the deadline.
func (w *WarmupScheduler) runTier2(ctx context.Context, eff config.Effective, req Tier2Request) (MatchResult, error) {
	if w.tier2 == nil {
		return noMatch(Tier2, 0, ""), ErrTierUnavailable
	}
	return runTier2(ctx, w.tier2, eff.Tier2Timeout(), req)
}

// reap settles an abandoned Tier3 call once it returns. Cost reported after
// cancellation is booked as late cost; the session keeps its state. When
// cancelled is set the warmup is also booked as triggered and cancelled,
// unless Tier3 refused the call before reaching the provider.
func (w *WarmupScheduler) reap(sess *WarmupSession, ch <-chan tier3Reply, cancelled bool) {
	w.reapers.Add(1)
	go func() {
		defer w.reapers.Done()
		reply := <-ch
		var o ledger.Outcome
		if cancelled {
			o = ledger.Outcome{Triggered: 1, Cancelled: 1}
		}
		if reply.err != nil {
			if cancelled && !neverRan(reply.err) {
				w.ledger.Record(sess.TenantID, o)
			}
			return
		}
		o.Late = true
		reply.res.Settle(o)
		if reply.res.Result.CostUSD > 0 {
			w.logger.Info("late tier3 cost recorded",
				slog.String("tenant_id", sess.TenantID),
				slog.String("warmup_session_id", sess.ID),
				slog.Float64("cost_usd", reply.res.Result.CostUSD),
			)
		}
	}()
}

// Drain waits for background reapers to finish or ctx to expire.
func (w *WarmupScheduler) Drain(ctx context.Context) error {
	return waitGroupCtx(ctx, &w.reapers)
}

// =============================================================================
// Shared tier helpers
// =============================================================================

func runTier2(ctx context.Context, t SemanticTier, timeout time.Duration, req Tier2Request) (MatchResult, error) {
	start := time.Now()
	defer func() { tierLatency.WithLabelValues("2").Observe(time.Since(start).Seconds()) }()

	t2ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := make(chan tier2Reply, 1)
	go func() {
		res, err := t.Match(t2ctx, req)
		ch <- tier2Reply{res: res, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			tierFailuresTotal.WithLabelValues("2", "timeout").Inc()
			return noMatch(Tier2, 0, ""), fmt.Errorf("tier2: %w: %v", ErrTierTimeout, r.err)
		}
		if r.err != nil {
			tierFailuresTotal.WithLabelValues("2", "error").Inc()
		}
		return r.res, r.err
	case <-t2ctx.Done():
		tierFailuresTotal.WithLabelValues("2", "timeout").Inc()
		return noMatch(Tier2, 0, ""), fmt.Errorf("tier2: %w: %v", ErrTierTimeout, t2ctx.Err())
	}
}

// tier3Failure converts a Tier3 error into the caller's unmatched result.
// The best Tier2 score is kept as confidence.
func tier3Failure(err error, t2 MatchResult) MatchResult {
	res := noMatch(Tier3, t2.Confidence, t2.Category)
	switch {
	case errors.Is(err, ErrBudgetExhausted):
		budgetSkipsTotal.Inc()
		res.Method = MethodBudgetExhausted
	case errors.Is(err, ErrTierTimeout):
		tierFailuresTotal.WithLabelValues("3", "timeout").Inc()
		res.Method = MethodTierFailed
	default:
		tierFailuresTotal.WithLabelValues("3", "error").Inc()
		res.Method = MethodTierFailed
	}
	return res
}

func waitGroupCtx(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
