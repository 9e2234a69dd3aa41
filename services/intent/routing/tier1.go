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
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/normalize"
	"github.com/AleutianAI/intentcascade/services/intent/scenario"
)

// =============================================================================
// Tier1 Matcher
// =============================================================================

// scorePrecision is the rounding applied to scores so that equal scores
// compare equal regardless of float summation order.
const scorePrecision = 1e9

// Candidate is one eligible scenario and how it scored.
type Candidate struct {
	Scenario *scenario.Scenario
	Score    float64
	Keyword  float64
	Regex    float64
	Urgency  float64
	Method   string
}

// Tier1Matcher is the deterministic rule-based tier.
//
// # Description
//
// For every scenario in the pool, in order:
//
//  1. Negative triggers veto the scenario outright.
//  2. Unmet preconditions skip it.
//  3. An active cooldown skips it.
//  4. The score is computed:
//     keyword = 1.0 if a trigger occurs as a contiguous phrase, otherwise
//     PartialCap × BM25 coverage of the best trigger;
//     regex   = 1.0 if any regex trigger matches, else 0;
//     base    = min(1, KeywordWeight×keyword + RegexWeight×regex);
//     score   = min(1, base + min(UrgencyCap, urgency)) when base > 0.
//
// The best candidate wins by score, then higher priority, then lower id. It
// matches when its score is at or above the threshold and above zero.
//
// # Thread Safety
//
// Safe for concurrent use. Compiled pool indexes are cached by pool version.
type Tier1Matcher struct {
	weights config.Tier1Weights
	indexes *indexCache
	logger  *slog.Logger
}

// NewTier1Matcher creates a matcher with the given scoring weights.
func NewTier1Matcher(weights config.Tier1Weights, logger *slog.Logger) *Tier1Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tier1Matcher{
		weights: weights,
		indexes: newIndexCache(defaultIndexCacheSize, weights.BM25K1, logger),
		logger:  logger,
	}
}

// Match returns the best eligible scenario for cleaned.
//
// # Inputs
//
//   - cleaned: Normalized utterance (see normalize.Normalizer).
//   - pool: The tenant's pool snapshot.
//   - threshold: Minimum score to match.
//   - gate: Call-session eligibility. Nil means no entities and no history.
//   - now: Reference time for cooldowns.
//
// # Outputs
//
//   - MatchResult: Tier 1, cost 0. Unmatched results carry the best score and
//     the category of the best candidate.
//
// # Thread Safety
//
// Safe for concurrent use. Pure given its inputs.
func (m *Tier1Matcher) Match(cleaned string, pool *scenario.Pool, threshold float64, gate Gate, now time.Time) MatchResult {
	candidates := m.Score(cleaned, pool, gate, now)
	if len(candidates) == 0 {
		return noMatch(Tier1, 0, "")
	}
	best := candidates[0]
	if best.Score <= 0 {
		return noMatch(Tier1, 0, "")
	}
	if best.Score < threshold {
		return noMatch(Tier1, best.Score, best.Scenario.Category)
	}
	return MatchResult{
		Matched:    true,
		Confidence: best.Score,
		Scenario:   best.Scenario,
		TemplateID: best.Scenario.TemplateID,
		Category:   best.Scenario.Category,
		Tier:       Tier1,
		Method:     best.Method,
	}
}

// Score returns every eligible scenario with its score, best first.
func (m *Tier1Matcher) Score(cleaned string, pool *scenario.Pool, gate Gate, now time.Time) []Candidate {
	if pool == nil || pool.Len() == 0 {
		return nil
	}
	gate = gateOrEmpty(gate)
	idx := m.indexes.get(pool)
	tokens := normalize.Tokenize(cleaned)
	counts := termCounts(tokens)
	urgency := math.Min(m.weights.UrgencyCap, idx.urgencyBoost(tokens))

	out := make([]Candidate, 0, len(idx.scenarios))
	for _, cs := range idx.scenarios {
		if ok, _ := eligible(cs, cleaned, gate, now); !ok {
			continue
		}
		out = append(out, m.scoreOne(idx, cs, cleaned, tokens, counts, urgency))
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	return out
}

func (m *Tier1Matcher) scoreOne(idx *poolIndex, cs *compiledScenario, cleaned string, tokens []string, counts map[string]int, urgency float64) Candidate {
	var keyword float64
	for _, trig := range cs.triggers {
		if normalize.ContainsPhrase(tokens, trig) {
			keyword = 1.0
			break
		}
		if partial := m.weights.PartialCap * idx.bm25.coverage(counts, trig); partial > keyword {
			keyword = partial
		}
	}

	var regex float64
	for _, re := range cs.regexes {
		if re.MatchString(cleaned) {
			regex = 1.0
			break
		}
	}

	kw := m.weights.KeywordWeight * keyword
	rx := m.weights.RegexWeight * regex
	base := math.Min(1, kw+rx)

	c := Candidate{Scenario: cs.sc, Keyword: keyword, Regex: regex, Method: MethodKeyword}
	if rx > kw {
		c.Method = MethodRegex
	}
	if base > 0 {
		c.Urgency = urgency
		base = math.Min(1, base+urgency)
	}
	c.Score = math.Round(base*scorePrecision) / scorePrecision
	return c
}

// better orders candidates: score desc, priority desc, id asc.
func better(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Scenario.Priority != b.Scenario.Priority {
		return a.Scenario.Priority > b.Scenario.Priority
	}
	return a.Scenario.ID < b.Scenario.ID
}
