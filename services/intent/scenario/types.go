// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scenario defines the matchable intent units (Scenario), the template
// bundles that ship them (Template), and the per-tenant immutable ScenarioPool
// the routing tiers score against.
package scenario

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrUnknownTemplate is returned when a tenant references a template id
	// that is not in the catalog.
	ErrUnknownTemplate = errors.New("unknown template")

	// ErrEmptyPool is returned when a tenant's templates yield no live scenario.
	ErrEmptyPool = errors.New("scenario pool is empty")
)

// =============================================================================
// Scenario
// =============================================================================

// Status is the authoring lifecycle state of a scenario.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusLive     Status = "live"
	StatusArchived Status = "archived"
)

// ReplyPolicy selects how a reply variant is picked when a scenario has more
// than one.
type ReplyPolicy string

const (
	ReplySequential ReplyPolicy = "sequential"
	ReplyRandom     ReplyPolicy = "random"
	ReplyWeighted   ReplyPolicy = "weighted"
)

// Pattern is a regex trigger, compiled case-insensitively. Any match of Expr
// within the cleaned text counts; anchor with ^ and $ to require the whole
// utterance.
type Pattern struct {
	Expr string `yaml:"expr" json:"expr" validate:"required"`
}

// UnmarshalYAML accepts either a bare string or {expr: ...}.
func (p *Pattern) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		p.Expr = node.Value
		return nil
	}
	type plain Pattern
	return node.Decode((*plain)(p))
}

// Reply is one reply variant. Weight is only read by the weighted policy;
// zero or negative weights count as 1.
type Reply struct {
	Text   string  `yaml:"text" json:"text" validate:"required"`
	Weight float64 `yaml:"weight,omitempty" json:"weight,omitempty" validate:"gte=0"`
}

// UnmarshalYAML accepts either a bare string or {text: ..., weight: ...}.
func (r *Reply) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		r.Text = node.Value
		return nil
	}
	type plain Reply
	return node.Decode((*plain)(r))
}

// Scenario is a single matchable intent.
//
// Scenarios inside a Pool are shared across concurrent calls and must be
// treated as read-only. Per-session state (lastUsedAt for cooldowns) lives in
// session.State, not here.
type Scenario struct {
	ID                    string          `yaml:"id" json:"id" validate:"required"`
	Name                  string          `yaml:"name" json:"name"`
	Status                Status          `yaml:"status" json:"status" validate:"omitempty,oneof=draft live archived"`
	Category              string          `yaml:"category,omitempty" json:"category,omitempty"`
	Triggers              []string        `yaml:"triggers" json:"triggers"`
	RegexTriggers         []Pattern       `yaml:"regex_triggers,omitempty" json:"regex_triggers,omitempty" validate:"dive"`
	// NegativeTriggers veto the scenario. A plain phrase vetoes when its
	// normalized form is a substring of the cleaned text; an entry with regex
	// syntax is compiled and vetoes on any match.
	NegativeTriggers      []string        `yaml:"negative_triggers,omitempty" json:"negative_triggers,omitempty"`
	NegativeRegexTriggers []Pattern       `yaml:"negative_regex_triggers,omitempty" json:"negative_regex_triggers,omitempty" validate:"dive"`
	Priority              int             `yaml:"priority" json:"priority"`
	QuickReplies          []Reply         `yaml:"quick_replies,omitempty" json:"quick_replies,omitempty" validate:"dive"`
	FullReplies           []Reply         `yaml:"full_replies,omitempty" json:"full_replies,omitempty" validate:"dive"`
	Preconditions         map[string]bool `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`
	CooldownSeconds       int             `yaml:"cooldown_seconds,omitempty" json:"cooldown_seconds,omitempty" validate:"gte=0"`

	// TemplateID is the template this scenario was flattened from. Set by
	// BuildPool.
	TemplateID string `yaml:"-" json:"template_id,omitempty"`
}

// IsLive reports whether the scenario may be returned by any tier. An empty
// status is treated as draft.
func (s *Scenario) IsLive() bool {
	return s != nil && s.Status == StatusLive
}

// clone returns a copy whose slices and maps do not alias s.
func (s *Scenario) clone() *Scenario {
	c := *s
	c.Triggers = append([]string(nil), s.Triggers...)
	c.RegexTriggers = append([]Pattern(nil), s.RegexTriggers...)
	c.NegativeTriggers = append([]string(nil), s.NegativeTriggers...)
	c.NegativeRegexTriggers = append([]Pattern(nil), s.NegativeRegexTriggers...)
	c.QuickReplies = append([]Reply(nil), s.QuickReplies...)
	c.FullReplies = append([]Reply(nil), s.FullReplies...)
	if s.Preconditions != nil {
		c.Preconditions = make(map[string]bool, len(s.Preconditions))
		for k, v := range s.Preconditions {
			c.Preconditions[k] = v
		}
	}
	return &c
}

// =============================================================================
// Template
// =============================================================================

// UrgencyKeyword adds Weight to a candidate's Tier1 score when Word (or
// phrase) occurs in the cleaned text.
type UrgencyKeyword struct {
	Word   string  `yaml:"word" json:"word" validate:"required"`
	Weight float64 `yaml:"weight" json:"weight" validate:"gte=0,lte=1"`
}

// Template is a named bundle of scenarios plus the linguistic resources used
// to normalize utterances for them.
type Template struct {
	ID              string              `yaml:"id" json:"id" validate:"required"`
	Name            string              `yaml:"name" json:"name"`
	Version         int                 `yaml:"version" json:"version" validate:"gte=0"`
	Scenarios       []Scenario          `yaml:"scenarios" json:"scenarios" validate:"dive"`
	FillerWords     []string            `yaml:"filler_words,omitempty" json:"filler_words,omitempty"`
	SynonymMap      map[string][]string `yaml:"synonyms,omitempty" json:"synonyms,omitempty"`
	UrgencyKeywords []UrgencyKeyword    `yaml:"urgency_keywords,omitempty" json:"urgency_keywords,omitempty" validate:"dive"`
}

// Validate checks template invariants that struct tags cannot express.
func (t *Template) Validate() error {
	seen := make(map[string]bool, len(t.Scenarios))
	for i := range t.Scenarios {
		sc := &t.Scenarios[i]
		if seen[sc.ID] {
			return fmt.Errorf("template %q: duplicate scenario id %q", t.ID, sc.ID)
		}
		seen[sc.ID] = true
		if sc.IsLive() && len(sc.Triggers) == 0 && len(sc.RegexTriggers) == 0 {
			return fmt.Errorf("template %q: live scenario %q has no triggers", t.ID, sc.ID)
		}
		for _, trig := range sc.Triggers {
			if strings.TrimSpace(trig) == "" {
				return fmt.Errorf("template %q: scenario %q has an empty trigger", t.ID, sc.ID)
			}
		}
	}
	return nil
}
