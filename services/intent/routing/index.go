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
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/AleutianAI/intentcascade/services/intent/normalize"
	"github.com/AleutianAI/intentcascade/services/intent/scenario"
)

// defaultIndexCacheSize bounds how many compiled pools are kept.
const defaultIndexCacheSize = 256

// =============================================================================
// Compiled pool
// =============================================================================

// compiledScenario is a scenario with its triggers normalized and its
// patterns compiled against one pool's linguistic resources.
type compiledScenario struct {
	sc        *scenario.Scenario
	triggers  [][]string
	regexes   []*regexp.Regexp
	negSubstr []string
	negRegex  []*regexp.Regexp
}

// vetoed reports whether any negative trigger matches cleaned.
func (cs *compiledScenario) vetoed(cleaned string) bool {
	for _, neg := range cs.negSubstr {
		if strings.Contains(cleaned, neg) {
			return true
		}
	}
	for _, re := range cs.negRegex {
		if re.MatchString(cleaned) {
			return true
		}
	}
	return false
}

type urgencyTerm struct {
	tokens []string
	weight float64
}

// poolIndex is everything Tier1 precomputes for one pool version.
//
// Immutable after compilePool. Shared across concurrent calls.
type poolIndex struct {
	version   string
	scenarios []*compiledScenario
	byID      map[string]*compiledScenario
	bm25      *bm25Index
	urgency   []urgencyTerm
}

// compilePool normalizes every trigger with the pool's own normalizer so a
// trigger and an utterance that differ only by synonyms or fillers compare
// equal. Invalid regular expressions are logged and skipped.
func compilePool(pool *scenario.Pool, k1 float64, logger *slog.Logger) *poolIndex {
	norm := pool.Normalizer()
	idx := &poolIndex{
		version:   pool.Version(),
		scenarios: make([]*compiledScenario, 0, pool.Len()),
		byID:      make(map[string]*compiledScenario, pool.Len()),
	}

	docs := make([][]string, 0, pool.Len())
	for _, sc := range pool.Scenarios() {
		cs := &compiledScenario{sc: sc}
		var doc []string
		for _, trig := range sc.Triggers {
			tokens := norm.Tokens(trig)
			if len(tokens) == 0 {
				continue
			}
			cs.triggers = append(cs.triggers, tokens)
			doc = append(doc, tokens...)
		}
		for _, p := range sc.RegexTriggers {
			if re := compileTrigger(p.Expr, "regex trigger", pool, sc, logger); re != nil {
				cs.regexes = append(cs.regexes, re)
			}
		}
		for _, neg := range sc.NegativeTriggers {
			if isRegex(neg) {
				if re := compileTrigger(neg, "negative trigger", pool, sc, logger); re != nil {
					cs.negRegex = append(cs.negRegex, re)
				}
				continue
			}
			if n := norm.Normalize(neg); n != "" {
				cs.negSubstr = append(cs.negSubstr, n)
			}
		}
		for _, p := range sc.NegativeRegexTriggers {
			if re := compileTrigger(p.Expr, "negative regex trigger", pool, sc, logger); re != nil {
				cs.negRegex = append(cs.negRegex, re)
			}
		}
		idx.scenarios = append(idx.scenarios, cs)
		idx.byID[sc.ID] = cs
		docs = append(docs, doc)
	}
	idx.bm25 = buildBM25Index(docs, k1)

	for _, u := range pool.Urgency() {
		tokens := norm.Tokens(u.Word)
		if len(tokens) == 0 || u.Weight <= 0 {
			continue
		}
		idx.urgency = append(idx.urgency, urgencyTerm{tokens: tokens, weight: u.Weight})
	}
	return idx
}

// isRegex reports whether a negative trigger uses regex syntax. Plain
// phrases are matched as normalized substrings instead.
func isRegex(s string) bool {
	return regexp.QuoteMeta(s) != s
}

// compileTrigger compiles expr case-insensitively. An invalid expression is
// logged and returns nil.
func compileTrigger(expr, kind string, pool *scenario.Pool, sc *scenario.Scenario, logger *slog.Logger) *regexp.Regexp {
	re, err := regexp.Compile("(?i)" + expr)
	if err != nil {
		logger.Warn("tier1: invalid "+kind+" skipped",
			slog.String("tenant_id", pool.TenantID()),
			slog.String("scenario_id", sc.ID),
			slog.String("expr", expr),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return re
}

// urgencyBoost sums the weights of urgency terms present in tokens.
func (idx *poolIndex) urgencyBoost(tokens []string) float64 {
	var boost float64
	for _, u := range idx.urgency {
		if normalize.ContainsPhrase(tokens, u.tokens) {
			boost += u.weight
		}
	}
	return boost
}

// =============================================================================
// Index cache
// =============================================================================

// indexCache memoizes compilePool per pool version. Compilation is pure, so
// two goroutines racing on a miss both produce an equivalent index and the
// loser's copy is simply dropped.
type indexCache struct {
	cache  *lru.Cache[string, *poolIndex]
	k1     float64
	logger *slog.Logger
}

func newIndexCache(size int, k1 float64, logger *slog.Logger) *indexCache {
	if size <= 0 {
		size = defaultIndexCacheSize
	}
	cache, err := lru.New[string, *poolIndex](size)
	if err != nil {
		panic(fmt.Sprintf("routing index cache: %v", err))
	}
	return &indexCache{cache: cache, k1: k1, logger: logger}
}

// get returns the compiled index for pool. Unversioned pools are compiled
// on every call.
func (c *indexCache) get(pool *scenario.Pool) *poolIndex {
	if pool.Version() == "" {
		return compilePool(pool, c.k1, c.logger)
	}
	if idx, ok := c.cache.Get(pool.Version()); ok {
		return idx
	}
	idx := compilePool(pool, c.k1, c.logger)
	c.cache.Add(pool.Version(), idx)
	return idx
}
