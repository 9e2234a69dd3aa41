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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/ledger"
	"github.com/AleutianAI/intentcascade/services/intent/routing"
	"github.com/AleutianAI/intentcascade/services/intent/scenario"
)

var testNow = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type countingWarmer struct {
	mu    sync.Mutex
	pools []string
	err   error
}

func (w *countingWarmer) Warm(_ context.Context, pool *scenario.Pool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pools = append(w.pools, pool.TenantID())
	return w.err
}

func setupTestService(t *testing.T, warmer PoolWarmer) *Service {
	t.Helper()
	tpl := scenario.Template{
		ID:   "home",
		Name: "Home services",
		Scenarios: []scenario.Scenario{{
			ID:           "appt",
			Name:         "Appointment",
			Status:       scenario.StatusLive,
			Triggers:     []string{"need an appointment"},
			QuickReplies: []scenario.Reply{{Text: "Sure, what day works?"}},
		}},
	}
	catalog, err := config.NewCatalog(config.GlobalConfig{}, []scenario.Template{tpl}, []config.TenantConfig{
		{ID: "acme", Version: 1, TemplateIDs: []string{"home"}},
	})
	require.NoError(t, err)

	clock := func() time.Time { return testNow }
	r, err := routing.NewRouter(routing.Options{
		Store:    config.NewStaticStore(catalog, nil),
		Defaults: config.MustLoadEngineDefaults(),
		Ledger:   ledger.New(ledger.Options{Clock: clock}),
		Clock:    clock,
	})
	require.NoError(t, err)
	return NewService(r, warmer, nil)
}

func setupTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(RequestIDMiddleware())
	RegisterRoutes(engine.Group("/v1"), NewHandlers(svc))
	RegisterMetrics(engine)
	return engine
}

func do(engine *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Route
// =============================================================================

func TestHandleRoute_Match(t *testing.T) {
	engine := setupTestRouter(setupTestService(t, nil))

	w := do(engine, http.MethodPost, "/v1/intent/route",
		`{"tenant_id":"acme","call_id":"call-1","utterance":"I need an appointment"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	var resp RouteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Matched)
	assert.Equal(t, routing.Tier1, resp.Tier)
	assert.Equal(t, "appt", resp.ScenarioID)
	assert.Equal(t, "Sure, what day works?", resp.Reply)
	assert.NotEmpty(t, resp.DecisionID)
	assert.Empty(t, resp.ConfigError)
}

func TestHandleRoute_Fallback(t *testing.T) {
	engine := setupTestRouter(setupTestService(t, nil))

	w := do(engine, http.MethodPost, "/v1/intent/route",
		`{"tenant_id":"acme","call_id":"call-1","utterance":"what is the weather"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp RouteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Matched)
	assert.Equal(t, config.MustLoadEngineDefaults().FallbackReply, resp.Reply)
}

func TestHandleRoute_InvalidRequest(t *testing.T) {
	engine := setupTestRouter(setupTestService(t, nil))

	for name, body := range map[string]string{
		"malformed":         `{"tenant_id":`,
		"missing utterance": `{"tenant_id":"acme"}`,
		"missing tenant":    `{"utterance":"hi"}`,
	} {
		t.Run(name, func(t *testing.T) {
			w := do(engine, http.MethodPost, "/v1/intent/route", body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "INVALID_REQUEST", resp.Code)
		})
	}
}

func TestHandleRoute_ConfigErrorStillReplies(t *testing.T) {
	engine := setupTestRouter(setupTestService(t, nil))

	w := do(engine, http.MethodPost, "/v1/intent/route",
		`{"tenant_id":"ghost","call_id":"call-1","utterance":"need an appointment"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp RouteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.Matched)
	assert.Equal(t, routing.MethodConfigError, resp.Method)
	assert.NotEmpty(t, resp.ConfigError)
	assert.Equal(t, config.MustLoadEngineDefaults().FallbackReply, resp.Reply)
}

func TestRequestIDMiddleware_EchoesHeader(t *testing.T) {
	engine := setupTestRouter(setupTestService(t, nil))

	req := httptest.NewRequest(http.MethodGet, "/v1/intent/health", nil)
	req.Header.Set(requestIDHeader, "req-42")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Header().Get(requestIDHeader))
}

// =============================================================================
// Ledger and warmup
// =============================================================================

func TestHandleLedger(t *testing.T) {
	svc := setupTestService(t, nil)
	engine := setupTestRouter(svc)
	l := svc.Router().Ledger()
	l.Record("acme", ledger.Outcome{Triggered: 1})
	l.Record("acme", ledger.Outcome{Used: 1, Tier3Call: 1, CostUSD: 0.5})

	w := do(engine, http.MethodGet, "/v1/intent/ledger/acme", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp LedgerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "acme", resp.TenantID)
	assert.Equal(t, "2026-05-01", resp.Date)
	assert.EqualValues(t, 1, resp.Today.TriggeredCount)
	assert.EqualValues(t, 1, resp.Today.UsedCount)
	assert.Equal(t, 1.0, resp.HitRate)
	assert.Equal(t, 5.0, resp.DailyBudgetUSD)
	assert.InDelta(t, 4.5, resp.RemainingBudgetUSD, 1e-9)
	assert.False(t, resp.WarmupDisabled)
	require.Len(t, resp.History, 1)
}

func TestHandleLedger_UnknownTenant(t *testing.T) {
	engine := setupTestRouter(setupTestService(t, nil))

	w := do(engine, http.MethodGet, "/v1/intent/ledger/ghost", "")
	require.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "TENANT_NOT_FOUND", resp.Code)
}

func TestHandleEnableWarmup(t *testing.T) {
	svc := setupTestService(t, nil)
	engine := setupTestRouter(svc)
	l := svc.Router().Ledger()
	l.Restore([]ledger.Entry{
		{TenantID: "acme", Date: "2026-04-30", TriggeredCount: 10},
		{TenantID: "acme", Date: "2026-04-29", TriggeredCount: 10},
		{TenantID: "acme", Date: "2026-04-28", TriggeredCount: 10},
	})
	allowed, _ := l.WarmupAllowed("acme", ledger.BreakerPolicy{MinimumHitRate: 0.2, WindowDays: 3, MinSamples: 10})
	require.False(t, allowed)

	w := do(engine, http.MethodGet, "/v1/intent/ledger/acme", "")
	var before LedgerResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &before))
	assert.True(t, before.WarmupDisabled)
	assert.NotNil(t, before.DisabledSince)

	w = do(engine, http.MethodPost, "/v1/intent/warmup/acme/enable", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp EnableWarmupResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.WasDisabled)

	off, _ := l.WarmupDisabled("acme")
	assert.False(t, off)

	w = do(engine, http.MethodPost, "/v1/intent/warmup/ghost/enable", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// =============================================================================
// Health, readiness, metrics
// =============================================================================

func TestHandleReady_AfterStart(t *testing.T) {
	warmer := &countingWarmer{}
	svc := setupTestService(t, warmer)
	engine := setupTestRouter(svc)

	assert.Equal(t, http.StatusOK, do(engine, http.MethodGet, "/v1/intent/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(engine, http.MethodGet, "/v1/intent/ready", "").Code)

	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, http.StatusOK, do(engine, http.MethodGet, "/v1/intent/ready", "").Code)
	assert.Equal(t, []string{"acme"}, warmer.pools)
}

func TestService_WarmFailureDoesNotBlockReadiness(t *testing.T) {
	svc := setupTestService(t, &countingWarmer{err: errors.New("embedder down")})

	require.NoError(t, svc.Start(context.Background()))
	assert.True(t, svc.Ready())
}

func TestMetricsEndpoint(t *testing.T) {
	engine := setupTestRouter(setupTestService(t, nil))
	do(engine, http.MethodPost, "/v1/intent/route", `{"tenant_id":"acme","utterance":"need an appointment"}`)

	w := do(engine, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "intent_routing_decisions_total")
}
