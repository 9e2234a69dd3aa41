// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config owns the intent engine's configuration: embedded engine
// defaults, the versioned tenant and global config structs, threshold
// precedence resolution, and the hot-reloadable catalog file.
package config

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMissingTenant is returned when a call names a tenant with no config.
	ErrMissingTenant = errors.New("missing tenant config")

	// ErrInvalidThreshold is returned when a resolved threshold is out of
	// range or warmup_trigger exceeds tier1.
	ErrInvalidThreshold = errors.New("invalid threshold")

	// ErrInvalidCatalog is returned when the catalog fails validation.
	ErrInvalidCatalog = errors.New("invalid catalog")
)

// ErrorCode classifies configuration defects for observability.
type ErrorCode string

const (
	CodeMissingTenant    ErrorCode = "missing_tenant"
	CodeInvalidThreshold ErrorCode = "invalid_threshold"
	CodeInvalidBudget    ErrorCode = "invalid_budget"
	CodeUnknownTemplate  ErrorCode = "unknown_template"
	CodeInvalidCatalog   ErrorCode = "invalid_catalog"
)

// Error is a tenant setup defect. It is fatal for the routing decision that
// hit it but never for the process.
type Error struct {
	Code     ErrorCode
	TenantID string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.TenantID != "" {
		return fmt.Sprintf("config %s (tenant %s): %s", e.Code, e.TenantID, e.Message)
	}
	return fmt.Sprintf("config %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code ErrorCode, tenantID string, sentinel error, format string, args ...any) *Error {
	return &Error{Code: code, TenantID: tenantID, Message: fmt.Sprintf(format, args...), Err: sentinel}
}

// =============================================================================
// Thresholds
// =============================================================================

// Thresholds are the minimum confidences for each tier plus the looser score
// below which warmup is considered.
type Thresholds struct {
	Tier1         float64 `yaml:"tier1" json:"tier1" validate:"gte=0,lte=1"`
	Tier2         float64 `yaml:"tier2" json:"tier2" validate:"gte=0,lte=1"`
	WarmupTrigger float64 `yaml:"warmup_trigger" json:"warmup_trigger" validate:"gte=0,lte=1"`
}

// ThresholdOverrides sets any subset of Thresholds. Nil means "not set here".
type ThresholdOverrides struct {
	Tier1         *float64 `yaml:"tier1,omitempty" json:"tier1,omitempty" validate:"omitempty,gte=0,lte=1"`
	Tier2         *float64 `yaml:"tier2,omitempty" json:"tier2,omitempty" validate:"omitempty,gte=0,lte=1"`
	WarmupTrigger *float64 `yaml:"warmup_trigger,omitempty" json:"warmup_trigger,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// =============================================================================
// Tenant and global configuration
// =============================================================================

// WarmupConfig is the warmup section shared by tenant and global configs.
type WarmupConfig struct {
	Enabled          *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	AlwaysCategories []string `yaml:"always_categories,omitempty" json:"always_categories,omitempty"`
	NeverCategories  []string `yaml:"never_categories,omitempty" json:"never_categories,omitempty"`
	MinimumHitRate   *float64 `yaml:"minimum_hit_rate,omitempty" json:"minimum_hit_rate,omitempty" validate:"omitempty,gte=0,lte=1"`
}

// TenantConfig is one tenant's versioned configuration snapshot.
//
// Every override is optional. Resolve layers it over the global config (when
// InheritGlobal is set) and the engine defaults.
type TenantConfig struct {
	ID            string             `yaml:"id" json:"id" validate:"required"`
	Version       int                `yaml:"version" json:"version" validate:"gte=0"`
	InheritGlobal bool               `yaml:"inherit_global" json:"inherit_global"`
	Thresholds    ThresholdOverrides `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`

	DailyBudgetUSD *float64     `yaml:"daily_budget_usd,omitempty" json:"daily_budget_usd,omitempty" validate:"omitempty,gte=0"`
	Warmup         WarmupConfig `yaml:"warmup,omitempty" json:"warmup,omitempty"`

	TemplateIDs       []string `yaml:"templates" json:"templates" validate:"required,min=1,dive,required"`
	DisabledScenarios []string `yaml:"disabled_scenarios,omitempty" json:"disabled_scenarios,omitempty"`
	FallbackReply     string   `yaml:"fallback_reply,omitempty" json:"fallback_reply,omitempty"`
	ReplyPolicy       string   `yaml:"reply_policy,omitempty" json:"reply_policy,omitempty" validate:"omitempty,oneof=sequential random weighted"`
}

// GlobalConfig is the shared default configuration tenants may inherit.
type GlobalConfig struct {
	Version        int                `yaml:"version" json:"version" validate:"gte=0"`
	Thresholds     ThresholdOverrides `yaml:"thresholds,omitempty" json:"thresholds,omitempty"`
	DailyBudgetUSD *float64           `yaml:"daily_budget_usd,omitempty" json:"daily_budget_usd,omitempty" validate:"omitempty,gte=0"`
	Warmup         WarmupConfig       `yaml:"warmup,omitempty" json:"warmup,omitempty"`
	FallbackReply  string             `yaml:"fallback_reply,omitempty" json:"fallback_reply,omitempty"`
	ReplyPolicy    string             `yaml:"reply_policy,omitempty" json:"reply_policy,omitempty" validate:"omitempty,oneof=sequential random weighted"`
}

// =============================================================================
// Engine defaults
// =============================================================================

// Tier1Weights tunes the rule-based scorer.
type Tier1Weights struct {
	KeywordWeight float64 `yaml:"keyword_weight" validate:"gte=0"`
	RegexWeight   float64 `yaml:"regex_weight" validate:"gte=0"`
	PartialCap    float64 `yaml:"partial_cap" validate:"gte=0,lte=1"`
	UrgencyCap    float64 `yaml:"urgency_cap" validate:"gte=0,lte=1"`
	BM25K1        float64 `yaml:"bm25_k1" validate:"gt=0"`
}

// Tier2Settings tunes the semantic tier.
type Tier2Settings struct {
	Timeout        time.Duration `yaml:"timeout" validate:"gt=0"`
	EmbeddingModel string        `yaml:"embedding_model"`
	Dimensions     int           `yaml:"dimensions" validate:"gt=0"`
}

// Tier3Settings tunes the LLM fallback.
type Tier3Settings struct {
	Timeout      time.Duration `yaml:"timeout" validate:"gt=0"`
	Model        string        `yaml:"model" validate:"required"`
	MaxTokens    int           `yaml:"max_tokens" validate:"gt=0"`
	Temperature  float32       `yaml:"temperature" validate:"gte=0,lte=2"`
	ContextTurns int           `yaml:"context_turns" validate:"gte=0"`
}

// WarmupDefaults are the engine-level warmup settings.
type WarmupDefaults struct {
	Enabled          bool     `yaml:"enabled"`
	MinimumHitRate   float64  `yaml:"minimum_hit_rate" validate:"gte=0,lte=1"`
	WindowDays       int      `yaml:"window_days" validate:"gte=1"`
	MinSamples       int      `yaml:"min_samples" validate:"gte=0"`
	AlwaysCategories []string `yaml:"always_categories"`
	NeverCategories  []string `yaml:"never_categories"`
}

// PromotionSettings is the bar a learned pattern must clear.
type PromotionSettings struct {
	MinConfidence float64 `yaml:"min_confidence" validate:"gte=0,lte=1"`
	MinRepeats    int     `yaml:"min_repeats" validate:"gte=1"`
}

// SessionSettings sizes the call-session registry.
type SessionSettings struct {
	TTL         time.Duration `yaml:"ttl" validate:"gt=0"`
	MaxSessions int           `yaml:"max_sessions" validate:"gt=0"`
}

// EngineDefaults is the hard-coded bottom layer of configuration. It is
// loaded once and injected into the router as a value.
type EngineDefaults struct {
	Thresholds     Thresholds        `yaml:"thresholds"`
	DailyBudgetUSD float64           `yaml:"daily_budget_usd" validate:"gte=0"`
	FallbackReply  string            `yaml:"fallback_reply" validate:"required"`
	ReplyPolicy    string            `yaml:"reply_policy" validate:"oneof=sequential random weighted"`
	Warmup         WarmupDefaults    `yaml:"warmup"`
	Tier1          Tier1Weights      `yaml:"tier1"`
	Tier2          Tier2Settings     `yaml:"tier2"`
	Tier3          Tier3Settings     `yaml:"tier3"`
	Promotion      PromotionSettings `yaml:"promotion"`
	PoolCacheSize  int               `yaml:"pool_cache_size" validate:"gte=1"`
	Session        SessionSettings   `yaml:"session"`
}
