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
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/ledger"
	"github.com/AleutianAI/intentcascade/services/intent/scenario"
)

// =============================================================================
// Helpers
// =============================================================================

// lockedBuffer collects log output written from request and reaper
// goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeTier2 matches one scenario at a fixed score after an optional delay.
type fakeTier2 struct {
	scenarioID string
	score      float64
	delay      time.Duration
	err        error
	calls      atomic.Int64
}

func (f *fakeTier2) Match(ctx context.Context, req Tier2Request) (MatchResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		timer := time.NewTimer(f.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return noMatch(Tier2, 0, ""), ctx.Err()
		}
	}
	if f.err != nil {
		return noMatch(Tier2, 0, ""), f.err
	}
	sc, ok := req.Pool.Scenario(f.scenarioID)
	if !ok || f.score < req.Threshold {
		return noMatch(Tier2, f.score, ""), nil
	}
	return MatchResult{
		Matched:    true,
		Confidence: f.score,
		Scenario:   sc,
		TemplateID: sc.TemplateID,
		Category:   sc.Category,
		Tier:       Tier2,
		Method:     MethodSemantic,
	}, nil
}

type routerFixture struct {
	router *Router
	ledger *ledger.Ledger
	store  *config.Store
	logs   *lockedBuffer
}

type fixtureOptions struct {
	template scenario.Template
	tier2    SemanticTier
	chat     *fakeChat
	learn    bool
	defaults func(*config.EngineDefaults)
}

// homeTemplate has an appointment scenario and an hvac thermostat scenario.
func homeTemplate() scenario.Template {
	thermo := live("thermostat", "thermostat broken")
	thermo.Category = "hvac"
	tpl := template(live("appt", "need an appointment"), thermo)
	tpl.FillerWords = []string{"umm"}
	return tpl
}

func acmeCatalog(t *testing.T, tpl scenario.Template) *config.Catalog {
	t.Helper()
	catalog, err := config.NewCatalog(config.GlobalConfig{}, []scenario.Template{tpl}, []config.TenantConfig{
		{ID: "acme", Version: 1, TemplateIDs: []string{tpl.ID}},
	})
	require.NoError(t, err)
	return catalog
}

func newRouterFixture(t *testing.T, o fixtureOptions) *routerFixture {
	t.Helper()
	if o.template.ID == "" {
		o.template = homeTemplate()
	}
	defaults := config.MustLoadEngineDefaults()
	if o.defaults != nil {
		o.defaults(&defaults)
	}

	logs := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	store := config.NewStaticStore(acmeCatalog(t, o.template), logger)
	l := newTestLedger()
	pools := scenario.NewRegistry(defaults.PoolCacheSize, logger)

	opts := Options{
		Store:    store,
		Defaults: defaults,
		Pools:    pools,
		Ledger:   l,
		Tier2:    o.tier2,
		Clock:    func() time.Time { return testNow },
		Logger:   logger,
	}
	if o.chat != nil {
		opts.Tier3 = NewLLMFallback(o.chat, nil, l, nil, logger)
	}
	if o.learn {
		opts.Learner = ledger.NewLearner(nil, pools, nil, logger)
	}
	r, err := NewRouter(opts)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Drain(ctx)
	})
	return &routerFixture{router: r, ledger: l, store: store, logs: logs}
}

func (f *routerFixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.router.Drain(ctx))
}

func route(t *testing.T, r *Router, callID, utterance string) MatchResult {
	t.Helper()
	res, err := r.Route(context.Background(), RouteRequest{TenantID: "acme", CallID: callID, Utterance: utterance})
	require.NoError(t, err)
	return res
}

const thermostatAnswer = `{"scenario_id":"thermostat","confidence":0.9,"answer":""}`

// =============================================================================
// Tier1 path
// =============================================================================

func TestRouter_Tier1MatchRepliesFromScenario(t *testing.T) {
	t2 := &fakeTier2{scenarioID: "appt", score: 0.99}
	chat := &fakeChat{text: thermostatAnswer, usage: testUsage}
	f := newRouterFixture(t, fixtureOptions{tier2: t2, chat: chat})

	res := route(t, f.router, "call-1", "umm I need an appointment")
	require.True(t, res.Matched)
	assert.Equal(t, Tier1, res.Tier)
	assert.Equal(t, MethodKeyword, res.Method)
	assert.Equal(t, "appt", res.ScenarioID())
	assert.Equal(t, 1.0, res.Confidence)
	assert.Zero(t, res.CostUSD)
	assert.Equal(t, "reply appt", res.Reply)
	assert.NotEmpty(t, res.DecisionID)
	assert.Empty(t, res.WarmupState)

	assert.Zero(t, t2.calls.Load())
	assert.Zero(t, chat.Calls())

	sess, ok := f.router.Sessions().Get("call-1")
	require.True(t, ok)
	turns := sess.RecentTurns(10)
	require.Len(t, turns, 2)
	assert.Equal(t, "umm I need an appointment", turns[0].Text)
	assert.Equal(t, "reply appt", turns[1].Text)
	_, used := sess.LastUsed("appt")
	assert.True(t, used)
}

func TestRouter_NegativeTriggerFallsBack(t *testing.T) {
	appt := live("appt", "need an appointment")
	appt.NegativeTriggers = []string{"cancel"}
	tpl := template(appt)
	tpl.FillerWords = []string{"umm"}
	f := newRouterFixture(t, fixtureOptions{template: tpl})

	res := route(t, f.router, "call-1", "umm I need to cancel an appointment")
	assert.False(t, res.Matched)
	assert.Equal(t, MethodNoMatch, res.Method)
	assert.Zero(t, res.Confidence)
	assert.Equal(t, config.MustLoadEngineDefaults().FallbackReply, res.Reply)
	assert.Zero(t, f.ledger.TodayEntry("acme").Tier3Calls)
}

func TestRouter_NoCallIDUsesThrowawaySession(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})

	res := route(t, f.router, "", "need an appointment")
	require.True(t, res.Matched)
	assert.Equal(t, "reply appt", res.Reply)
	assert.Zero(t, f.router.Sessions().Len())
}

// =============================================================================
// Warmup race
// =============================================================================

func TestRouter_Tier2WinsCancelledWarmupCostsNothing(t *testing.T) {
	t2 := &fakeTier2{scenarioID: "thermostat", score: 0.65, delay: 10 * time.Millisecond}
	chat := &fakeChat{text: thermostatAnswer, usage: testUsage, delay: 2 * time.Second, honorCancel: true}
	f := newRouterFixture(t, fixtureOptions{tier2: t2, chat: chat})

	res := route(t, f.router, "call-1", "my thermostat")
	require.True(t, res.Matched)
	assert.Equal(t, Tier2, res.Tier)
	assert.Equal(t, MethodSemantic, res.Method)
	assert.Equal(t, "thermostat", res.ScenarioID())
	assert.InDelta(t, 0.65, res.Confidence, 1e-9)
	assert.Zero(t, res.CostUSD)
	assert.Equal(t, WarmupCancelled, res.WarmupState)
	assert.Equal(t, "reply thermostat", res.Reply)

	f.drain(t)
	e := f.ledger.TodayEntry("acme")
	assert.EqualValues(t, 1, e.TriggeredCount)
	assert.EqualValues(t, 1, e.CancelledCount)
	assert.Zero(t, e.UsedCount)
	assert.Zero(t, e.Tier3Calls)
	assert.Zero(t, e.TotalCostUSD)
	assert.Equal(t, 5.0, f.ledger.RemainingBudget("acme", 5))
}

func TestRouter_LateTier3CostIsBookedAfterCancel(t *testing.T) {
	t2 := &fakeTier2{scenarioID: "thermostat", score: 0.65, delay: 30 * time.Millisecond}
	chat := &fakeChat{text: thermostatAnswer, usage: testUsage}
	f := newRouterFixture(t, fixtureOptions{tier2: t2, chat: chat})

	res := route(t, f.router, "call-1", "my thermostat")
	require.True(t, res.Matched)
	assert.Equal(t, Tier2, res.Tier)
	assert.Zero(t, res.CostUSD)
	assert.Equal(t, WarmupCancelled, res.WarmupState)

	f.drain(t)
	e := f.ledger.TodayEntry("acme")
	assert.EqualValues(t, 1, e.TriggeredCount)
	assert.EqualValues(t, 1, e.CancelledCount)
	assert.Zero(t, e.UsedCount)
	assert.EqualValues(t, 1, e.Tier3Calls)
	assert.InDelta(t, testUsageCost, e.TotalCostUSD, 1e-12)
	assert.InDelta(t, testUsageCost, e.LateCostUSD, 1e-12)
	assert.Contains(t, f.logs.String(), "late tier3 cost recorded")
}

func TestRouter_Tier3WinsRace(t *testing.T) {
	t2 := &fakeTier2{scenarioID: "thermostat", score: 0.2}
	chat := &fakeChat{text: thermostatAnswer, usage: testUsage}
	f := newRouterFixture(t, fixtureOptions{tier2: t2, chat: chat})

	res := route(t, f.router, "call-1", "my thermostat")
	require.True(t, res.Matched)
	assert.Equal(t, Tier3, res.Tier)
	assert.Equal(t, MethodLLM, res.Method)
	assert.Equal(t, "thermostat", res.ScenarioID())
	assert.InDelta(t, testUsageCost, res.CostUSD, 1e-12)
	assert.Equal(t, WarmupUsed, res.WarmupState)
	assert.Equal(t, "reply thermostat", res.Reply)

	e := f.ledger.TodayEntry("acme")
	assert.EqualValues(t, 1, e.TriggeredCount)
	assert.EqualValues(t, 1, e.UsedCount)
	assert.EqualValues(t, 1, e.Tier3Calls)
	assert.InDelta(t, testUsageCost, e.TotalCostUSD, 1e-12)
	assert.Zero(t, e.LateCostUSD)
	assert.Equal(t, 1.0, e.HitRate())
}

func TestRouter_Tier3FailsDuringRace(t *testing.T) {
	t2 := &fakeTier2{scenarioID: "thermostat", score: 0.2}
	chat := &fakeChat{err: errors.New("provider down")}
	f := newRouterFixture(t, fixtureOptions{tier2: t2, chat: chat})

	res := route(t, f.router, "call-1", "my thermostat")
	assert.False(t, res.Matched)
	assert.Equal(t, Tier3, res.Tier)
	assert.Equal(t, MethodTierFailed, res.Method)
	assert.InDelta(t, 0.2, res.Confidence, 1e-9)
	assert.Equal(t, WarmupFailed, res.WarmupState)
	assert.Equal(t, config.MustLoadEngineDefaults().FallbackReply, res.Reply)

	e := f.ledger.TodayEntry("acme")
	assert.EqualValues(t, 1, e.TriggeredCount)
	assert.EqualValues(t, 1, e.FailedCount)
	assert.Zero(t, e.TotalCostUSD)
	assert.Equal(t, 5.0, f.ledger.RemainingBudget("acme", 5))
}

// =============================================================================
// Sequential path
// =============================================================================

func TestRouter_BudgetExhaustedSkipsTier3(t *testing.T) {
	t2 := &fakeTier2{scenarioID: "thermostat", score: 0.2}
	chat := &fakeChat{text: thermostatAnswer, usage: testUsage}
	f := newRouterFixture(t, fixtureOptions{tier2: t2, chat: chat})
	f.ledger.Record("acme", ledger.Outcome{Tier3Call: 1, CostUSD: 5})

	res := route(t, f.router, "call-1", "my thermostat")
	assert.False(t, res.Matched)
	assert.Equal(t, MethodBudgetExhausted, res.Method)
	assert.Zero(t, res.CostUSD)
	assert.Empty(t, res.WarmupState)
	assert.Equal(t, config.MustLoadEngineDefaults().FallbackReply, res.Reply)

	assert.Zero(t, chat.Calls())
	assert.EqualValues(t, 1, t2.calls.Load())
	e := f.ledger.TodayEntry("acme")
	assert.Zero(t, e.TriggeredCount)
	assert.EqualValues(t, 1, e.Tier3Calls)
	assert.Equal(t, 5.0, e.TotalCostUSD)
}

func TestRouter_BudgetBelowEstimateSkipsWarmup(t *testing.T) {
	t2 := &fakeTier2{scenarioID: "thermostat", score: 0.2}
	chat := &fakeChat{text: thermostatAnswer, usage: testUsage}
	f := newRouterFixture(t, fixtureOptions{tier2: t2, chat: chat})
	f.ledger.Record("acme", ledger.Outcome{Tier3Call: 1, CostUSD: 5 - 1e-6})

	res := route(t, f.router, "call-1", "my thermostat")
	assert.False(t, res.Matched)
	assert.Equal(t, MethodBudgetExhausted, res.Method)
	assert.Empty(t, res.WarmupState)

	f.drain(t)
	assert.Zero(t, chat.Calls())
	e := f.ledger.TodayEntry("acme")
	assert.Zero(t, e.TriggeredCount)
	assert.Zero(t, e.FailedCount)
	assert.EqualValues(t, 1, e.Tier3Calls)
}

func TestRouter_FreeFormAnswerIsTheReply(t *testing.T) {
	chat := &fakeChat{text: `{"scenario_id":"","confidence":0.7,"answer":"We open at nine."}`, usage: testUsage}
	f := newRouterFixture(t, fixtureOptions{chat: chat})

	res := route(t, f.router, "call-1", "when do you open")
	require.True(t, res.Matched)
	assert.Equal(t, Tier3, res.Tier)
	assert.Nil(t, res.Scenario)
	assert.Equal(t, "We open at nine.", res.Reply)
	assert.Empty(t, res.WarmupState)

	e := f.ledger.TodayEntry("acme")
	assert.EqualValues(t, 1, e.Tier3Calls)
	assert.Zero(t, e.TriggeredCount)
	assert.InDelta(t, testUsageCost, e.TotalCostUSD, 1e-12)
}

func TestRouter_Tier2TimeoutFallsThrough(t *testing.T) {
	t2 := &fakeTier2{scenarioID: "thermostat", score: 0.99, delay: time.Second}
	f := newRouterFixture(t, fixtureOptions{
		tier2: t2,
		defaults: func(d *config.EngineDefaults) {
			d.Tier2.Timeout = 20 * time.Millisecond
		},
	})

	start := time.Now()
	res := route(t, f.router, "call-1", "hello there")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.False(t, res.Matched)
	assert.Equal(t, Tier1, res.Tier)
	assert.Equal(t, config.MustLoadEngineDefaults().FallbackReply, res.Reply)
}

// =============================================================================
// Learning
// =============================================================================

func TestRouter_LearnedPatternServedByTier1(t *testing.T) {
	chat := &fakeChat{
		text: `{"scenario_id":"thermostat","confidence":0.92,"answer":"",` +
			`"patterns":[{"phrase":"thingy on the wall","scenario_id":"thermostat","confidence":0.95}]}`,
		usage: testUsage,
	}
	f := newRouterFixture(t, fixtureOptions{
		chat:  chat,
		learn: true,
		defaults: func(d *config.EngineDefaults) {
			d.Promotion.MinRepeats = 1
		},
	})

	first := route(t, f.router, "call-1", "thingy on the wall")
	require.True(t, first.Matched)
	assert.Equal(t, Tier3, first.Tier)
	assert.Equal(t, "thermostat", first.ScenarioID())
	assert.Greater(t, first.CostUSD, 0.0)

	f.drain(t)
	assert.Equal(t, 1, f.router.Pools().LearnedCount("acme"))

	second := route(t, f.router, "call-2", "thingy on the wall")
	require.True(t, second.Matched)
	assert.Equal(t, Tier1, second.Tier)
	assert.Equal(t, MethodKeyword, second.Method)
	assert.Equal(t, "thermostat", second.ScenarioID())
	assert.Zero(t, second.CostUSD)
	assert.Equal(t, 1, chat.Calls())
}

func TestRouter_LowConfidencePatternNotPromoted(t *testing.T) {
	chat := &fakeChat{
		text: `{"scenario_id":"thermostat","confidence":0.92,"answer":"",` +
			`"patterns":[{"phrase":"thingy on the wall","scenario_id":"thermostat","confidence":0.5}]}`,
		usage: testUsage,
	}
	f := newRouterFixture(t, fixtureOptions{
		chat:  chat,
		learn: true,
		defaults: func(d *config.EngineDefaults) {
			d.Promotion.MinRepeats = 1
		},
	})

	route(t, f.router, "call-1", "thingy on the wall")
	f.drain(t)
	assert.Zero(t, f.router.Pools().LearnedCount("acme"))
}

// =============================================================================
// Configuration
// =============================================================================

func TestRouter_MissingTenantIsConfigError(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})

	res, err := f.router.Route(context.Background(), RouteRequest{TenantID: "ghost", CallID: "call-1", Utterance: "need an appointment"})
	require.Error(t, err)
	assert.True(t, config.IsConfigError(err))
	assert.ErrorIs(t, err, config.ErrMissingTenant)
	assert.False(t, res.Matched)
	assert.Equal(t, MethodConfigError, res.Method)
	assert.Equal(t, config.MustLoadEngineDefaults().FallbackReply, res.Reply)
	assert.NotEmpty(t, res.DecisionID)

	logs := f.logs.String()
	assert.Contains(t, logs, "routing config error")
	assert.Equal(t, 1, strings.Count(logs, `"msg":"routing decision"`))

	// Other tenants are unaffected.
	ok := route(t, f.router, "call-2", "need an appointment")
	assert.True(t, ok.Matched)
}

func TestRouter_CatalogReplaceTakesEffect(t *testing.T) {
	f := newRouterFixture(t, fixtureOptions{})
	require.True(t, route(t, f.router, "call-1", "need an appointment").Matched)

	tpl := homeTemplate()
	tpl.Scenarios[0].Triggers = []string{"schedule a visit"}
	f.store.Replace(acmeCatalog(t, tpl))

	assert.False(t, route(t, f.router, "call-2", "need an appointment").Matched)
	res := route(t, f.router, "call-3", "schedule a visit")
	require.True(t, res.Matched)
	assert.Equal(t, "appt", res.ScenarioID())
}

func TestNewRouter_RequiresStore(t *testing.T) {
	_, err := NewRouter(Options{})
	assert.Error(t, err)
}

// =============================================================================
// Observability and concurrency
// =============================================================================

func TestRouter_OneDecisionRecordPerRoute(t *testing.T) {
	t2 := &fakeTier2{scenarioID: "thermostat", score: 0.65, delay: 5 * time.Millisecond}
	chat := &fakeChat{text: thermostatAnswer, usage: testUsage}
	f := newRouterFixture(t, fixtureOptions{tier2: t2, chat: chat})

	route(t, f.router, "call-1", "need an appointment")
	route(t, f.router, "call-1", "my thermostat")
	route(t, f.router, "call-1", "when do you open")
	f.drain(t)

	assert.Equal(t, 3, strings.Count(f.logs.String(), `"msg":"routing decision"`))
	assert.Contains(t, f.logs.String(), `"warmup_state":"cancelled"`)
}

func TestRouter_ConcurrentRoutesKeepLedgerExact(t *testing.T) {
	chat := &fakeChat{text: `{"scenario_id":"","confidence":0.6,"answer":"Happy to help."}`, usage: testUsage}
	f := newRouterFixture(t, fixtureOptions{chat: chat})

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.router.Route(context.Background(), RouteRequest{
				TenantID:  "acme",
				CallID:    fmt.Sprintf("call-%d", i),
				Utterance: "hello",
			})
			assert.NoError(t, err)
			assert.Equal(t, "Happy to help.", res.Reply)
		}(i)
	}
	wg.Wait()

	e := f.ledger.TodayEntry("acme")
	assert.EqualValues(t, n, e.Tier3Calls)
	assert.InDelta(t, n*testUsageCost, e.TotalCostUSD, 1e-9)
	assert.InDelta(t, 5-n*testUsageCost, f.ledger.RemainingBudget("acme", 5), 1e-9)
	assert.Equal(t, n, f.router.Sessions().Len())
}

func TestRouter_RouteSpan(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	f := newRouterFixture(t, fixtureOptions{})
	route(t, f.router, "call-1", "need an appointment")

	var found bool
	for _, s := range exporter.GetSpans() {
		if s.Name != "routing.Router.Route" {
			continue
		}
		found = true
		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range s.Attributes {
			attrs[kv.Key] = kv.Value
		}
		assert.Equal(t, "acme", attrs["tenant.id"].AsString())
		assert.Equal(t, int64(1), attrs["routing.tier"].AsInt64())
		assert.True(t, attrs["routing.matched"].AsBool())
		assert.Equal(t, MethodKeyword, attrs["routing.method"].AsString())
	}
	assert.True(t, found, "routing.Router.Route span not exported")
}
