// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/intentcascade/services/intent/scenario"
)

func f64(v float64) *float64 { return &v }
func boolp(v bool) *bool       { return &v }

// =============================================================================
// Engine defaults
// =============================================================================

func TestLoadEngineDefaults(t *testing.T) {
	d, err := LoadEngineDefaults()
	require.NoError(t, err)

	assert.Equal(t, 0.80, d.Thresholds.Tier1)
	assert.Equal(t, 0.60, d.Thresholds.Tier2)
	assert.Equal(t, 0.30, d.Thresholds.WarmupTrigger)
	assert.Equal(t, 5.0, d.DailyBudgetUSD)
	assert.Equal(t, 400*time.Millisecond, d.Tier2.Timeout)
	assert.Equal(t, 2500*time.Millisecond, d.Tier3.Timeout)
	assert.Equal(t, 3, d.Promotion.MinRepeats)
	assert.Equal(t, 30*time.Minute, d.Session.TTL)
	assert.NotEmpty(t, d.FallbackReply)
}

func TestParseEngineDefaults_RejectsInvertedThresholds(t *testing.T) {
	_, err := ParseEngineDefaults([]byte(`
thresholds: {tier1: 0.3, tier2: 0.6, warmup_trigger: 0.5}
daily_budget_usd: 1
fallback_reply: x
reply_policy: sequential
warmup: {window_days: 1}
tier1: {bm25_k1: 1.5}
tier2: {timeout: 1s, dimensions: 8}
tier3: {timeout: 1s, model: m, max_tokens: 10}
promotion: {min_repeats: 1}
pool_cache_size: 1
session: {ttl: 1m, max_sessions: 1}
`))
	assert.ErrorIs(t, err, ErrInvalidThreshold)
}

// =============================================================================
// Resolve
// =============================================================================

func TestResolve_Precedence(t *testing.T) {
	defaults := MustLoadEngineDefaults()
	global := &GlobalConfig{
		Thresholds:     ThresholdOverrides{Tier1: f64(0.7), Tier2: f64(0.55)},
		DailyBudgetUSD: f64(10),
		Warmup:         WarmupConfig{NeverCategories: []string{"billing"}, Enabled: boolp(false)},
		FallbackReply:  "global fallback",
	}

	tests := []struct {
		name       string
		tenant     TenantConfig
		wantT1     float64
		wantT2     float64
		wantWT     float64
		wantSrc    [3]Source
		wantBudget float64
		wantWarmup bool
		wantNever  bool
		wantReply  string
	}{
		{
			name:       "defaults only",
			tenant:     TenantConfig{ID: "a", TemplateIDs: []string{"x"}},
			wantT1:     0.80, wantT2: 0.60, wantWT: 0.30,
			wantSrc:    [3]Source{SourceDefault, SourceDefault, SourceDefault},
			wantBudget: 5, wantWarmup: true, wantReply: defaults.FallbackReply,
		},
		{
			name:       "inherit global",
			tenant:     TenantConfig{ID: "b", InheritGlobal: true, TemplateIDs: []string{"x"}},
			wantT1:     0.7, wantT2: 0.55, wantWT: 0.30,
			wantSrc:    [3]Source{SourceGlobal, SourceGlobal, SourceDefault},
			wantBudget: 10, wantWarmup: false, wantNever: true, wantReply: "global fallback",
		},
		{
			name: "tenant override beats global",
			tenant: TenantConfig{
				ID: "c", InheritGlobal: true, TemplateIDs: []string{"x"},
				Thresholds:     ThresholdOverrides{Tier1: f64(0.9)},
				DailyBudgetUSD: f64(2),
				Warmup:         WarmupConfig{Enabled: boolp(true), NeverCategories: []string{}},
				FallbackReply:  "tenant fallback",
			},
			wantT1:     0.9, wantT2: 0.55, wantWT: 0.30,
			wantSrc:    [3]Source{SourceTenant, SourceGlobal, SourceDefault},
			wantBudget: 2, wantWarmup: true, wantNever: false, wantReply: "tenant fallback",
		},
		{
			name: "global ignored without inherit flag",
			tenant: TenantConfig{
				ID: "d", TemplateIDs: []string{"x"},
				Thresholds: ThresholdOverrides{Tier2: f64(0.65)},
			},
			wantT1:     0.80, wantT2: 0.65, wantWT: 0.30,
			wantSrc:    [3]Source{SourceDefault, SourceTenant, SourceDefault},
			wantBudget: 5, wantWarmup: true, wantReply: defaults.FallbackReply,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff, err := Resolve(&tt.tenant, global, defaults)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantT1, eff.Thresholds.Tier1, 1e-9)
			assert.InDelta(t, tt.wantT2, eff.Thresholds.Tier2, 1e-9)
			assert.InDelta(t, tt.wantWT, eff.Thresholds.WarmupTrigger, 1e-9)
			assert.Equal(t, tt.wantSrc, eff.ThresholdSources)
			assert.InDelta(t, tt.wantBudget, eff.DailyBudgetUSD, 1e-9)
			assert.Equal(t, tt.wantWarmup, eff.WarmupEnabled)
			assert.Equal(t, tt.wantNever, eff.NeverWarmup["billing"])
			assert.Equal(t, tt.wantReply, eff.FallbackReply)
			assert.Equal(t, tt.tenant.ID, eff.TenantID)
		})
	}
}

func TestResolve_Errors(t *testing.T) {
	defaults := MustLoadEngineDefaults()

	_, err := Resolve(nil, nil, defaults)
	assert.ErrorIs(t, err, ErrMissingTenant)
	assert.True(t, IsConfigError(err))

	_, err = Resolve(&TenantConfig{ID: "x", Thresholds: ThresholdOverrides{WarmupTrigger: f64(0.95)}}, nil, defaults)
	assert.ErrorIs(t, err, ErrInvalidThreshold)
	var ce *Error
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CodeInvalidThreshold, ce.Code)
	assert.Equal(t, "x", ce.TenantID)

	_, err = Resolve(&TenantConfig{ID: "x", Thresholds: ThresholdOverrides{Tier1: f64(1.2)}}, nil, defaults)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = Resolve(&TenantConfig{ID: "x", DailyBudgetUSD: f64(-1)}, nil, defaults)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, CodeInvalidBudget, ce.Code)
}

// =============================================================================
// Catalog
// =============================================================================

const testCatalogYAML = `
global:
  version: 1
  thresholds: {tier1: 0.75}
templates:
  - id: home
    version: 2
    filler_words: [umm]
    scenarios:
      - id: appointment
        status: live
        category: booking
        triggers: [need an appointment]
        quick_replies: ["Sure, when works for you?"]
tenants:
  - id: acme
    version: 3
    inherit_global: true
    templates: [home]
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)

	tenant, ok := c.Tenant("acme")
	require.True(t, ok)
	assert.Equal(t, 3, tenant.Version)

	tpls, err := c.TemplatesFor(tenant)
	require.NoError(t, err)
	require.Len(t, tpls, 1)
	assert.Equal(t, scenario.StatusLive, tpls[0].Scenarios[0].Status)
	assert.Equal(t, []string{"acme"}, c.TenantIDs())

	_, ok = c.Template("home")
	assert.True(t, ok)
}

func TestParseCatalog_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed yaml", "tenants: [::"},
		{"unknown template", "tenants: [{id: a, templates: [nope]}]"},
		{"tenant without templates", "tenants: [{id: a}]"},
		{"bad status", "templates: [{id: t, scenarios: [{id: s, status: gone, triggers: [x]}]}]"},
		{"threshold out of range", "global: {thresholds: {tier1: 1.5}}"},
		{"duplicate template", "templates: [{id: t}, {id: t}]"},
		{"duplicate tenant", "templates: [{id: t}]\ntenants: [{id: a, templates: [t]}, {id: a, templates: [t]}]"},
		{"live scenario without triggers", "templates: [{id: t, scenarios: [{id: s, status: live}]}]"},
		{"bad reply policy", "templates: [{id: t}]\ntenants: [{id: a, templates: [t], reply_policy: loud}]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tt.yaml))
			assert.ErrorIs(t, err, ErrInvalidCatalog)
		})
	}
}

func TestTemplatesFor_UnknownTemplate(t *testing.T) {
	c, err := ParseCatalog([]byte(testCatalogYAML))
	require.NoError(t, err)
	_, err = c.TemplatesFor(&TenantConfig{ID: "ghost", TemplateIDs: []string{"missing"}})
	assert.ErrorIs(t, err, scenario.ErrUnknownTemplate)
	assert.True(t, IsConfigError(err))
}

// =============================================================================
// Store
// =============================================================================

func writeCatalog(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestStore_ReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, testCatalogYAML)

	s, err := NewStore(path, nil)
	require.NoError(t, err)
	first := s.Snapshot()
	require.NotNil(t, first)

	writeCatalog(t, path, "tenants: [::")
	assert.Error(t, s.Reload())
	assert.Same(t, first, s.Snapshot())

	writeCatalog(t, path, testCatalogYAML)
	require.NoError(t, s.Reload())
	assert.Greater(t, s.Snapshot().Revision, first.Revision)
}

func TestStore_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	writeCatalog(t, path, testCatalogYAML)

	s, err := NewStore(path, nil)
	require.NoError(t, err)
	reloaded := make(chan *Snapshot, 4)
	s.OnReload(func(snap *Snapshot) { reloaded <- snap })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	writeCatalog(t, path, testCatalogYAML+"\n# touched\n")

	select {
	case snap := <-reloaded:
		assert.Equal(t, uint64(2), snap.Revision)
	case <-time.After(5 * time.Second):
		t.Fatal("catalog was not reloaded after write")
	}

	cancel()
	assert.NoError(t, <-done)
}

func TestStaticStore(t *testing.T) {
	c, err := NewCatalog(GlobalConfig{}, []scenario.Template{{ID: "t"}}, []TenantConfig{{ID: "a", TemplateIDs: []string{"t"}}})
	require.NoError(t, err)
	s := NewStaticStore(c, nil)
	assert.Same(t, c, s.Snapshot().Catalog)
	assert.Equal(t, "", s.Path())
	assert.NoError(t, s.Reload())
}

func TestStore_ReplaceNotifiesListenersInOrder(t *testing.T) {
	c, err := NewCatalog(GlobalConfig{}, []scenario.Template{{ID: "t"}}, []TenantConfig{{ID: "a", TemplateIDs: []string{"t"}}})
	require.NoError(t, err)
	s := NewStaticStore(c, nil)

	var calls []string
	var seen []*Snapshot
	s.OnReload(func(snap *Snapshot) {
		calls = append(calls, "first")
		seen = append(seen, snap)
	})
	s.OnReload(func(snap *Snapshot) {
		calls = append(calls, "second")
		// Registering from inside a listener must not deadlock or run now.
		s.OnReload(func(*Snapshot) { calls = append(calls, "late") })
	})

	snap := s.Replace(c)
	assert.Equal(t, []string{"first", "second"}, calls)
	require.Len(t, seen, 1)
	assert.Same(t, snap, seen[0])
	assert.Same(t, snap, s.Snapshot())
	assert.Equal(t, uint64(2), snap.Revision)

	s.Replace(c)
	assert.Equal(t, []string{"first", "second", "first", "second", "late"}, calls)
}

// =============================================================================
// Environment
// =============================================================================

func TestLoadServiceConfig(t *testing.T) {
	t.Setenv("INTENT_CATALOG_PATH", "/etc/intent/catalog.yaml")
	t.Setenv("INTENT_LOG_LEVEL", "DEBUG")
	t.Setenv("INTENT_TIER3_RATE_PER_MIN", "not-a-number")
	t.Setenv("INTENT_SHUTDOWN_TIMEOUT", "3s")

	cfg := LoadServiceConfig()
	assert.Equal(t, "/etc/intent/catalog.yaml", cfg.CatalogPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 60, cfg.Tier3RatePerMin)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "intent", cfg.InfluxBucket)
}
