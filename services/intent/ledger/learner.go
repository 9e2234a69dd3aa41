// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Promoter merges a promoted phrase into the live Tier1 trigger set.
// scenario.Registry implements it.
type Promoter interface {
	PromoteTrigger(tenantID, scenarioID, phrase string) bool
}

// PromotionBar is the confidence and repeat-count a pattern must reach.
type PromotionBar struct {
	MinConfidence float64
	MinRepeats    int
}

type sightingKey struct {
	tenant   string
	scenario string
	phrase   string
}

type sighting struct {
	count    int
	maxConf  float64
	first    time.Time
	promoted bool
}

// Learner counts Tier3 pattern sightings and promotes the ones that clear
// the bar.
//
// # Description
//
// Only sightings at or above MinConfidence count. When a (tenant, scenario,
// phrase) reaches MinRepeats such sightings, the pattern is persisted through
// Store.PromotePattern and merged into Tier1 through the Promoter. Both
// steps are idempotent, so a duplicate promotion from a restart or a race is
// harmless; the learner additionally remembers what it promoted so repeat
// sightings do not hit the store.
//
// # Thread Safety
//
// Safe for concurrent use.
type Learner struct {
	store    Store
	promoter Promoter
	clock    func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	sightings map[sightingKey]*sighting
}

// NewLearner creates a Learner. store may be nil (in-memory promotion only).
func NewLearner(store Store, promoter Promoter, clock func() time.Time, logger *slog.Logger) *Learner {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Learner{
		store:     store,
		promoter:  promoter,
		clock:     clock,
		logger:    logger,
		sightings: make(map[sightingKey]*sighting),
	}
}

// Observe records one sighting of p and promotes it when it clears bar.
//
// # Outputs
//
//   - bool: True only for the call that performed a new promotion.
//   - error: Store failure. The sighting is kept so a later Observe retries.
func (l *Learner) Observe(ctx context.Context, p LearnedPattern, bar PromotionBar) (bool, error) {
	phrase := strings.TrimSpace(p.Phrase)
	if phrase == "" || p.ScenarioID == "" || p.Confidence < bar.MinConfidence {
		return false, nil
	}
	minRepeats := bar.MinRepeats
	if minRepeats < 1 {
		minRepeats = 1
	}
	k := sightingKey{tenant: p.TenantID, scenario: p.ScenarioID, phrase: phrase}

	l.mu.Lock()
	s, ok := l.sightings[k]
	if !ok {
		s = &sighting{first: l.clock().UTC()}
		l.sightings[k] = s
	}
	if s.promoted {
		l.mu.Unlock()
		return false, nil
	}
	s.count++
	if p.Confidence > s.maxConf {
		s.maxConf = p.Confidence
	}
	if s.count < minRepeats {
		l.mu.Unlock()
		return false, nil
	}
	// Claim the promotion so concurrent sightings do not repeat it.
	s.promoted = true
	pattern := LearnedPattern{
		TenantID:     p.TenantID,
		Phrase:       phrase,
		ScenarioID:   p.ScenarioID,
		Confidence:   s.maxConf,
		DiscoveredAt: s.first,
		Source:       PatternSourceLLM,
		Repeats:      s.count,
	}
	l.mu.Unlock()

	return l.promote(ctx, pattern, k)
}

func (l *Learner) promote(ctx context.Context, p LearnedPattern, k sightingKey) (bool, error) {
	if l.store != nil {
		if _, err := l.store.PromotePattern(ctx, p.TenantID, p); err != nil {
			l.mu.Lock()
			if s, ok := l.sightings[k]; ok {
				s.promoted = false
			}
			l.mu.Unlock()
			return false, fmt.Errorf("promote %q -> %s: %w", p.Phrase, p.ScenarioID, err)
		}
	}

	merged := true
	if l.promoter != nil {
		merged = l.promoter.PromoteTrigger(p.TenantID, p.ScenarioID, p.Phrase)
	}
	if merged {
		patternsPromotedTotal.Inc()
		l.logger.Info("learned pattern promoted",
			slog.String("tenant_id", p.TenantID),
			slog.String("scenario_id", p.ScenarioID),
			slog.String("phrase", p.Phrase),
			slog.Float64("confidence", p.Confidence),
			slog.Int("repeats", p.Repeats),
		)
	}
	return merged, nil
}

// Sightings returns the current count for a pattern (0 if never seen).
func (l *Learner) Sightings(tenantID, scenarioID, phrase string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sightings[sightingKey{tenant: tenantID, scenario: scenarioID, phrase: strings.TrimSpace(phrase)}]; ok {
		return s.count
	}
	return 0
}

// Reload replays persisted patterns into the promoter, e.g. at startup.
func (l *Learner) Reload(ctx context.Context, r Reader, tenantID string) (int, error) {
	patterns, err := r.ListPatterns(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	n := 0
	l.mu.Lock()
	for _, p := range patterns {
		k := sightingKey{tenant: p.TenantID, scenario: p.ScenarioID, phrase: p.Phrase}
		l.sightings[k] = &sighting{count: p.Repeats, maxConf: p.Confidence, first: p.DiscoveredAt, promoted: true}
	}
	l.mu.Unlock()
	for _, p := range patterns {
		if l.promoter != nil && l.promoter.PromoteTrigger(p.TenantID, p.ScenarioID, p.Phrase) {
			n++
		}
	}
	return n, nil
}
