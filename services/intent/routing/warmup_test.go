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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/ledger"
)

// =============================================================================
// WarmupSession
// =============================================================================

func TestWarmupSession_Lifecycle(t *testing.T) {
	for _, terminal := range []WarmupState{WarmupUsed, WarmupCancelled, WarmupFailed} {
		t.Run(string(terminal), func(t *testing.T) {
			s := NewWarmupSession("acme")
			assert.NotEmpty(t, s.ID)
			assert.Equal(t, WarmupIdle, s.State())

			require.NoError(t, s.Transition(WarmupTriggered))
			require.NoError(t, s.Transition(WarmupRacing))
			require.NoError(t, s.Transition(terminal))
			assert.True(t, s.State().IsTerminal())

			for _, next := range []WarmupState{WarmupIdle, WarmupTriggered, WarmupRacing, WarmupUsed, WarmupCancelled, WarmupFailed} {
				assert.ErrorIs(t, s.Transition(next), ErrInvalidTransition, "terminal %s -> %s", terminal, next)
			}
			assert.Equal(t, terminal, s.State())
		})
	}
}

func TestWarmupSession_RejectsSkippedSteps(t *testing.T) {
	s := NewWarmupSession("acme")
	assert.ErrorIs(t, s.Transition(WarmupRacing), ErrInvalidTransition)
	assert.ErrorIs(t, s.Transition(WarmupUsed), ErrInvalidTransition)

	require.NoError(t, s.Transition(WarmupTriggered))
	assert.ErrorIs(t, s.Transition(WarmupCancelled), ErrInvalidTransition)
	assert.Equal(t, WarmupTriggered, s.State())
}

func TestWarmupSession_UniqueIDs(t *testing.T) {
	assert.NotEqual(t, NewWarmupSession("acme").ID, NewWarmupSession("acme").ID)
}

// =============================================================================
// Decide
// =============================================================================

func warmupEffective() config.Effective {
	return config.Effective{
		TenantID:          "acme",
		Thresholds:        config.Thresholds{Tier1: 0.8, Tier2: 0.6, WarmupTrigger: 0.3},
		DailyBudgetUSD:    5,
		WarmupEnabled:     true,
		AlwaysWarmup:      map[string]bool{"emergency": true},
		NeverWarmup:       map[string]bool{"billing": true},
		MinimumHitRate:    0.2,
		HitRateWindowDays: 3,
		HitRateMinSamples: 1,
	}
}

func TestWarmupScheduler_Decide(t *testing.T) {
	tier3 := NewLLMFallback(&fakeChat{}, nil, newTestLedger(), nil, nil)

	tests := []struct {
		name    string
		tier1   MatchResult
		mutate  func(*config.Effective)
		ledger  func(*ledger.Ledger)
		noTier3 bool
		trigger bool
		reason  string
	}{
		{
			name:    "in band",
			tier1:   noMatch(Tier1, 0.45, "hvac"),
			trigger: true,
			reason:  warmupReasonBand,
		},
		{
			name:    "band lower edge is inclusive",
			tier1:   noMatch(Tier1, 0.3, "hvac"),
			trigger: true,
			reason:  warmupReasonBand,
		},
		{
			name:   "below trigger",
			tier1:  noMatch(Tier1, 0.1, "hvac"),
			reason: warmupReasonBelow,
		},
		{
			name:    "always category below trigger",
			tier1:   noMatch(Tier1, 0.1, "emergency"),
			trigger: true,
			reason:  warmupReasonAlways,
		},
		{
			name:   "disabled for tenant",
			tier1:  noMatch(Tier1, 0.45, "hvac"),
			mutate: func(e *config.Effective) { e.WarmupEnabled = false },
			reason: warmupReasonDisabled,
		},
		{
			name:    "no tier3",
			tier1:   noMatch(Tier1, 0.45, "hvac"),
			noTier3: true,
			reason:  warmupReasonUnavailable,
		},
		{
			name:   "never category",
			tier1:  noMatch(Tier1, 0.45, "billing"),
			reason: warmupReasonNever,
		},
		{
			name:   "budget exhausted",
			tier1:  noMatch(Tier1, 0.45, "hvac"),
			ledger: func(l *ledger.Ledger) { l.Record("acme", ledger.Outcome{CostUSD: 5}) },
			reason: warmupReasonBudget,
		},
		{
			name:   "budget below tier3 estimate",
			tier1:  noMatch(Tier1, 0.45, "hvac"),
			ledger: func(l *ledger.Ledger) { l.Record("acme", ledger.Outcome{CostUSD: 5 - 1e-6}) },
			reason: warmupReasonBudget,
		},
		{
			name:  "breaker open",
			tier1: noMatch(Tier1, 0.45, "hvac"),
			ledger: func(l *ledger.Ledger) {
				l.Restore([]ledger.Entry{
					{TenantID: "acme", Date: "2026-04-30", TriggeredCount: 10},
					{TenantID: "acme", Date: "2026-04-29", TriggeredCount: 10},
					{TenantID: "acme", Date: "2026-04-28", TriggeredCount: 10},
				})
			},
			reason: warmupReasonBreaker,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff := warmupEffective()
			if tt.mutate != nil {
				tt.mutate(&eff)
			}
			l := newTestLedger()
			if tt.ledger != nil {
				tt.ledger(l)
			}
			var t3 FallbackTier = tier3
			if tt.noTier3 {
				t3 = nil
			}
			w := NewWarmupScheduler(l, nil, t3, nil)

			d := w.Decide(eff, tt.tier1, tier3Request(t, "my thermostat"))
			assert.Equal(t, tt.trigger, d.Trigger)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestWarmupScheduler_DecideWithoutEstimatorNeedsPositiveBudget(t *testing.T) {
	l := newTestLedger()
	l.Record("acme", ledger.Outcome{CostUSD: 5 - 1e-6})
	w := NewWarmupScheduler(l, nil, &refusingTier3{}, nil)

	d := w.Decide(warmupEffective(), noMatch(Tier1, 0.45, "hvac"), Tier3Request{})
	assert.True(t, d.Trigger)
	assert.Equal(t, warmupReasonBand, d.Reason)
}

// =============================================================================
// Race
// =============================================================================

// refusingTier3 fails every call with err before doing any work.
type refusingTier3 struct {
	err   error
	delay time.Duration
	calls atomic.Int64
}

func (f *refusingTier3) Match(ctx context.Context, req Tier3Request) (*Tier3Result, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return nil, f.err
}

func raceEffective() config.Effective {
	eff := warmupEffective()
	eff.Tier2.Timeout = time.Second
	eff.Tier3.Timeout = time.Second
	return eff
}

func raceTier2Request(t *testing.T) Tier2Request {
	t.Helper()
	req := tier3Request(t, "my thermostat")
	return Tier2Request{Cleaned: req.Cleaned, Pool: req.Pool, Threshold: 0.6, Now: testNow}
}

func TestWarmupScheduler_RaceRefusedTier3IsNotBooked(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		method string
	}{
		{name: "budget exhausted", err: ErrBudgetExhausted, method: MethodBudgetExhausted},
		{name: "rate limited", err: ErrRateLimited, method: MethodTierFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger()
			t3 := &refusingTier3{err: tt.err}
			w := NewWarmupScheduler(l, &fakeTier2{scenarioID: "thermostat", score: 0.2}, t3, nil)
			sess := NewWarmupSession("acme")

			out := w.Race(context.Background(), sess, raceEffective(), raceTier2Request(t), tier3Request(t, "my thermostat"))
			require.NoError(t, w.Drain(context.Background()))

			assert.Equal(t, WarmupFailed, out.state)
			assert.Equal(t, tt.method, out.result.Method)
			assert.False(t, out.result.Matched)
			assert.EqualValues(t, 1, t3.calls.Load())

			e := l.TodayEntry("acme")
			assert.Zero(t, e.TriggeredCount)
			assert.Zero(t, e.FailedCount)
			assert.Zero(t, e.Tier3Calls)
		})
	}
}

func TestWarmupScheduler_RaceProviderErrorCountsAsFailed(t *testing.T) {
	l := newTestLedger()
	w := NewWarmupScheduler(l, &fakeTier2{scenarioID: "thermostat", score: 0.2}, &refusingTier3{err: ErrTierTimeout}, nil)

	out := w.Race(context.Background(), NewWarmupSession("acme"), raceEffective(), raceTier2Request(t), tier3Request(t, "my thermostat"))
	assert.Equal(t, WarmupFailed, out.state)
	assert.Equal(t, MethodTierFailed, out.result.Method)

	e := l.TodayEntry("acme")
	assert.EqualValues(t, 1, e.TriggeredCount)
	assert.EqualValues(t, 1, e.FailedCount)
	assert.Zero(t, e.HitRate())
}

func TestWarmupScheduler_Tier2WinOverRefusedTier3IsNotBooked(t *testing.T) {
	l := newTestLedger()
	t3 := &refusingTier3{err: ErrBudgetExhausted, delay: 20 * time.Millisecond}
	w := NewWarmupScheduler(l, &fakeTier2{scenarioID: "thermostat", score: 0.65}, t3, nil)

	out := w.Race(context.Background(), NewWarmupSession("acme"), raceEffective(), raceTier2Request(t), tier3Request(t, "my thermostat"))
	require.NoError(t, w.Drain(context.Background()))

	assert.Equal(t, WarmupCancelled, out.state)
	assert.Equal(t, Tier2, out.result.Tier)
	assert.True(t, out.result.Matched)

	e := l.TodayEntry("acme")
	assert.Zero(t, e.TriggeredCount)
	assert.Zero(t, e.CancelledCount)
}
