// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scenario

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/AleutianAI/intentcascade/services/intent/normalize"
)

// =============================================================================
// Pool
// =============================================================================

// Pool is the per-tenant merged, live-only view of one or more templates.
//
// # Description
//
// A Pool is built once per (tenant, config version, catalog revision,
// learned-trigger generation) and shared by reference across every concurrent
// call for that tenant. Nothing in it is ever mutated after BuildPool returns;
// a change produces a new Pool with a new Version.
//
// # Thread Safety
//
// Immutable. Safe for concurrent use without locking.
type Pool struct {
	tenantID    string
	version     string
	scenarios   []*Scenario
	byID        map[string]*Scenario
	normalizer  *normalize.Normalizer
	urgency     []UrgencyKeyword
	replyPolicy ReplyPolicy
	learned     int
}

// BuildOptions carries the tenant-specific inputs to BuildPool.
type BuildOptions struct {
	// Version identifies this snapshot. Downstream caches (Tier1 index,
	// Tier2 vectors) key on it.
	Version string

	// Disabled lists scenario ids the tenant has switched off.
	Disabled []string

	// Learned maps scenario id to promoted trigger phrases.
	Learned map[string][]string

	// ReplyPolicy defaults to sequential.
	ReplyPolicy ReplyPolicy

	Logger *slog.Logger
}

// BuildPool flattens templates into an immutable Pool.
//
// # Description
//
// Templates are merged in the order given. Only live scenarios are kept;
// ids in opts.Disabled are dropped. When two templates define the same
// scenario id, the first one wins and the duplicate is logged. Filler words
// are unioned, synonym variants are unioned per canonical term, and urgency
// keywords keep the highest weight seen for a word. Learned triggers are
// appended to their scenario unless an equivalent trigger already exists.
//
// # Inputs
//
//   - tenantID: Owning tenant.
//   - templates: Resolved templates in tenant order.
//   - opts: Tenant-specific build options.
//
// # Outputs
//
//   - *Pool: The snapshot.
//   - error: ErrEmptyPool if no live, enabled scenario survives.
func BuildPool(tenantID string, templates []Template, opts BuildOptions) (*Pool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := opts.ReplyPolicy
	if policy == "" {
		policy = ReplySequential
	}

	disabled := make(map[string]bool, len(opts.Disabled))
	for _, id := range opts.Disabled {
		disabled[id] = true
	}

	var (
		scenarios []*Scenario
		byID      = make(map[string]*Scenario)
		fillers   []string
		synonyms  = make(map[string][]string)
		urgency   = make(map[string]float64)
	)

	for ti := range templates {
		tpl := &templates[ti]
		fillers = append(fillers, tpl.FillerWords...)
		for canonical, variants := range tpl.SynonymMap {
			synonyms[canonical] = append(synonyms[canonical], variants...)
		}
		for _, u := range tpl.UrgencyKeywords {
			word := strings.Join(normalize.Tokenize(u.Word), " ")
			if word == "" {
				continue
			}
			if u.Weight > urgency[word] {
				urgency[word] = u.Weight
			}
		}

		for si := range tpl.Scenarios {
			src := &tpl.Scenarios[si]
			if !src.IsLive() || disabled[src.ID] {
				continue
			}
			if existing, dup := byID[src.ID]; dup {
				logger.Warn("scenario pool: duplicate scenario id, keeping first",
					slog.String("tenant_id", tenantID),
					slog.String("scenario_id", src.ID),
					slog.String("kept_template", existing.TemplateID),
					slog.String("dropped_template", tpl.ID),
				)
				continue
			}
			sc := src.clone()
			sc.TemplateID = tpl.ID
			byID[sc.ID] = sc
			scenarios = append(scenarios, sc)
		}
	}

	if len(scenarios) == 0 {
		return nil, fmt.Errorf("tenant %q: %w", tenantID, ErrEmptyPool)
	}

	learned := 0
	for scenarioID, phrases := range opts.Learned {
		sc, ok := byID[scenarioID]
		if !ok {
			continue
		}
		for _, phrase := range phrases {
			if appendTrigger(sc, phrase) {
				learned++
			}
		}
	}

	sort.Slice(scenarios, func(i, j int) bool { return scenarios[i].ID < scenarios[j].ID })

	words := make([]string, 0, len(urgency))
	for w := range urgency {
		words = append(words, w)
	}
	sort.Strings(words)
	urgencyList := make([]UrgencyKeyword, 0, len(words))
	for _, w := range words {
		urgencyList = append(urgencyList, UrgencyKeyword{Word: w, Weight: urgency[w]})
	}

	return &Pool{
		tenantID:    tenantID,
		version:     opts.Version,
		scenarios:   scenarios,
		byID:        byID,
		normalizer:  normalize.New(fillers, synonyms),
		urgency:     urgencyList,
		replyPolicy: policy,
		learned:     learned,
	}, nil
}

// appendTrigger adds phrase to sc.Triggers unless a trigger with the same
// token sequence is already present.
func appendTrigger(sc *Scenario, phrase string) bool {
	key := phraseKey(phrase)
	if key == "" {
		return false
	}
	for _, t := range sc.Triggers {
		if phraseKey(t) == key {
			return false
		}
	}
	sc.Triggers = append(sc.Triggers, key)
	return true
}

// phraseKey is the canonical comparison form of a trigger phrase.
func phraseKey(phrase string) string {
	return strings.Join(normalize.Tokenize(phrase), " ")
}

// TenantID returns the owning tenant.
func (p *Pool) TenantID() string { return p.tenantID }

// Version returns the snapshot identity used as a cache key downstream.
func (p *Pool) Version() string { return p.version }

// Scenarios returns the live scenarios ordered by id. Do not modify.
func (p *Pool) Scenarios() []*Scenario { return p.scenarios }

// Len returns the number of scenarios.
func (p *Pool) Len() int { return len(p.scenarios) }

// Scenario looks up a scenario by id.
func (p *Pool) Scenario(id string) (*Scenario, bool) {
	sc, ok := p.byID[id]
	return sc, ok
}

// Normalizer returns the merged normalizer for this tenant's templates.
func (p *Pool) Normalizer() *normalize.Normalizer { return p.normalizer }

// Urgency returns the merged urgency keywords ordered by word.
func (p *Pool) Urgency() []UrgencyKeyword { return p.urgency }

// ReplyPolicy returns the tenant's reply selection policy.
func (p *Pool) ReplyPolicy() ReplyPolicy { return p.replyPolicy }

// LearnedCount returns how many learned triggers were merged into the pool.
func (p *Pool) LearnedCount() int { return p.learned }

// Categories returns the distinct scenario categories, sorted.
func (p *Pool) Categories() []string {
	set := make(map[string]bool)
	for _, sc := range p.scenarios {
		if sc.Category != "" {
			set[sc.Category] = true
		}
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
