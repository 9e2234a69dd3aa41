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
	"fmt"
	"math"
	"time"
)

// Source names the layer a resolved value came from.
type Source string

const (
	SourceTenant  Source = "tenant"
	SourceGlobal  Source = "global"
	SourceDefault Source = "default"
)

// Effective is the fully resolved configuration for one routing decision.
//
// # Description
//
// Computed once at call start by Resolve and passed by value through the
// tiers. Nothing downstream re-derives precedence.
type Effective struct {
	TenantID      string
	Version       int
	InheritGlobal bool

	Thresholds       Thresholds
	ThresholdSources [3]Source // tier1, tier2, warmup_trigger

	DailyBudgetUSD float64
	FallbackReply  string
	ReplyPolicy    string

	WarmupEnabled     bool
	AlwaysWarmup      map[string]bool
	NeverWarmup       map[string]bool
	MinimumHitRate    float64
	HitRateWindowDays int
	HitRateMinSamples int

	Tier1     Tier1Weights
	Tier2     Tier2Settings
	Tier3     Tier3Settings
	Promotion PromotionSettings

	TemplateIDs       []string
	DisabledScenarios []string
}

// Tier2Timeout returns the per-call Tier2 deadline.
func (e Effective) Tier2Timeout() time.Duration { return e.Tier2.Timeout }

// Tier3Timeout returns the per-call Tier3 deadline.
func (e Effective) Tier3Timeout() time.Duration { return e.Tier3.Timeout }

// Resolve layers tenant, global and engine defaults into an Effective config.
//
// # Description
//
// Precedence, per field:
//
//  1. The tenant's own override, when set.
//  2. The global config, when tenant.InheritGlobal is true and the global
//     sets the field.
//  3. The engine defaults.
//
// Category lists are replaced, not merged, by the first layer that sets them.
// The result is validated: every threshold in [0,1], warmup_trigger no
// higher than tier1, budget not negative.
//
// # Inputs
//
//   - tenant: The tenant snapshot. Nil yields ErrMissingTenant.
//   - global: The shared config. May be nil.
//   - defaults: Engine defaults.
//
// # Outputs
//
//   - Effective: The resolved config.
//   - error: A *Error wrapping ErrMissingTenant or ErrInvalidThreshold.
func Resolve(tenant *TenantConfig, global *GlobalConfig, defaults EngineDefaults) (Effective, error) {
	if tenant == nil {
		return Effective{}, newError(CodeMissingTenant, "", ErrMissingTenant, "tenant config is nil")
	}
	g := global
	if !tenant.InheritGlobal {
		g = nil
	}

	eff := Effective{
		TenantID:          tenant.ID,
		Version:           tenant.Version,
		InheritGlobal:     tenant.InheritGlobal,
		HitRateWindowDays: defaults.Warmup.WindowDays,
		HitRateMinSamples: defaults.Warmup.MinSamples,
		Tier1:             defaults.Tier1,
		Tier2:             defaults.Tier2,
		Tier3:             defaults.Tier3,
		Promotion:         defaults.Promotion,
		TemplateIDs:       append([]string(nil), tenant.TemplateIDs...),
		DisabledScenarios: append([]string(nil), tenant.DisabledScenarios...),
	}

	var gt *ThresholdOverrides
	if g != nil {
		gt = &g.Thresholds
	}
	eff.Thresholds.Tier1, eff.ThresholdSources[0] = pickFloat(tenant.Thresholds.Tier1, field(gt, func(o *ThresholdOverrides) *float64 { return o.Tier1 }), defaults.Thresholds.Tier1)
	eff.Thresholds.Tier2, eff.ThresholdSources[1] = pickFloat(tenant.Thresholds.Tier2, field(gt, func(o *ThresholdOverrides) *float64 { return o.Tier2 }), defaults.Thresholds.Tier2)
	eff.Thresholds.WarmupTrigger, eff.ThresholdSources[2] = pickFloat(tenant.Thresholds.WarmupTrigger, field(gt, func(o *ThresholdOverrides) *float64 { return o.WarmupTrigger }), defaults.Thresholds.WarmupTrigger)

	var gw *WarmupConfig
	var gBudget *float64
	var gFallback, gPolicy string
	if g != nil {
		gw = &g.Warmup
		gBudget = g.DailyBudgetUSD
		gFallback = g.FallbackReply
		gPolicy = g.ReplyPolicy
	}

	eff.DailyBudgetUSD, _ = pickFloat(tenant.DailyBudgetUSD, gBudget, defaults.DailyBudgetUSD)
	eff.FallbackReply = pickString(tenant.FallbackReply, gFallback, defaults.FallbackReply)
	eff.ReplyPolicy = pickString(tenant.ReplyPolicy, gPolicy, defaults.ReplyPolicy)

	eff.WarmupEnabled = defaults.Warmup.Enabled
	if gw != nil && gw.Enabled != nil {
		eff.WarmupEnabled = *gw.Enabled
	}
	if tenant.Warmup.Enabled != nil {
		eff.WarmupEnabled = *tenant.Warmup.Enabled
	}
	eff.MinimumHitRate, _ = pickFloat(tenant.Warmup.MinimumHitRate, field(gw, func(w *WarmupConfig) *float64 { return w.MinimumHitRate }), defaults.Warmup.MinimumHitRate)
	eff.AlwaysWarmup = toSet(pickList(tenant.Warmup.AlwaysCategories, listField(gw, func(w *WarmupConfig) []string { return w.AlwaysCategories }), defaults.Warmup.AlwaysCategories))
	eff.NeverWarmup = toSet(pickList(tenant.Warmup.NeverCategories, listField(gw, func(w *WarmupConfig) []string { return w.NeverCategories }), defaults.Warmup.NeverCategories))

	if err := checkThresholds(eff.Thresholds); err != nil {
		return Effective{}, newError(CodeInvalidThreshold, tenant.ID, ErrInvalidThreshold, "%v", err)
	}
	if eff.DailyBudgetUSD < 0 {
		return Effective{}, newError(CodeInvalidBudget, tenant.ID, ErrInvalidThreshold, "daily budget %.2f is negative", eff.DailyBudgetUSD)
	}
	if eff.MinimumHitRate < 0 || eff.MinimumHitRate > 1 {
		return Effective{}, newError(CodeInvalidThreshold, tenant.ID, ErrInvalidThreshold, "minimum hit rate %.2f out of [0,1]", eff.MinimumHitRate)
	}
	return eff, nil
}

func checkThresholds(t Thresholds) error {
	checks := []struct {
		name string
		v    float64
	}{{"tier1", t.Tier1}, {"tier2", t.Tier2}, {"warmup_trigger", t.WarmupTrigger}}
	for _, c := range checks {
		if c.v < 0 || c.v > 1 || math.IsNaN(c.v) {
			return fmt.Errorf("%w: %s=%v out of [0,1]", ErrInvalidThreshold, c.name, c.v)
		}
	}
	if t.WarmupTrigger > t.Tier1 {
		return fmt.Errorf("%w: warmup_trigger %.2f above tier1 %.2f", ErrInvalidThreshold, t.WarmupTrigger, t.Tier1)
	}
	return nil
}

func field[T any](layer *T, get func(*T) *float64) *float64 {
	if layer == nil {
		return nil
	}
	return get(layer)
}

func listField[T any](layer *T, get func(*T) []string) []string {
	if layer == nil {
		return nil
	}
	return get(layer)
}

func pickFloat(tenant, global *float64, def float64) (float64, Source) {
	if tenant != nil {
		return *tenant, SourceTenant
	}
	if global != nil {
		return *global, SourceGlobal
	}
	return def, SourceDefault
}

func pickString(tenant, global, def string) string {
	if tenant != "" {
		return tenant
	}
	if global != "" {
		return global
	}
	return def
}

func pickList(tenant, global, def []string) []string {
	if tenant != nil {
		return tenant
	}
	if global != nil {
		return global
	}
	return def
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}
