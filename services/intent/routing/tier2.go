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
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/intentcascade/services/intent/scenario"
)

// =============================================================================
// Tier2 Matcher
// =============================================================================

// Tier2Request is the input to a semantic match.
type Tier2Request struct {
	Cleaned   string
	Pool      *scenario.Pool
	Threshold float64
	Gate      Gate
	Now       time.Time
}

// SemanticTier is the Tier2 contract the Router depends on.
type SemanticTier interface {
	Match(ctx context.Context, req Tier2Request) (MatchResult, error)
}

// scenarioVectors holds the embedded documents of one pool version.
type scenarioVectors struct {
	byID map[string][][]float32
}

// SemanticMatcher scores an utterance against each scenario by cosine
// similarity of embeddings.
//
// # Description
//
// A scenario's canonical representation is its name plus each normalized
// trigger, embedded separately; the scenario's score is the best similarity
// over those documents, clamped to [0, 1]. The same veto, precondition and
// cooldown gates as Tier1 apply, and ties break the same way.
//
// Scenario vectors are computed once per pool version (collapsed with
// singleflight), kept in an LRU, and persisted through the optional
// VectorStore by corpus hash. With HashingEmbedder the tier is a pure
// function of (text, scenario).
//
// # Thread Safety
//
// Safe for concurrent use.
type SemanticMatcher struct {
	embedder Embedder
	store    VectorStore
	vectors  *lru.Cache[string, *scenarioVectors]
	group    singleflight.Group
	indexes  *indexCache
	logger   *slog.Logger
}

// NewSemanticMatcher creates a Tier2 matcher.
//
// # Inputs
//
//   - embedder: Required.
//   - store: Optional persistence. Nil keeps vectors in memory only.
//   - logger: May be nil.
func NewSemanticMatcher(embedder Embedder, store VectorStore, logger *slog.Logger) *SemanticMatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, *scenarioVectors](defaultIndexCacheSize)
	if err != nil {
		panic(fmt.Sprintf("semantic vector cache: %v", err))
	}
	return &SemanticMatcher{
		embedder: embedder,
		store:    store,
		vectors:  cache,
		indexes:  newIndexCache(defaultIndexCacheSize, defaultBM25K1, logger),
		logger:   logger,
	}
}

// Model returns the embedder's model name.
func (m *SemanticMatcher) Model() string { return m.embedder.Model() }

// Match implements SemanticTier.
//
// # Outputs
//
//   - MatchResult: Tier 2, cost 0. Unmatched results carry the best score.
//   - error: Embedding failure or ctx expiry. The Router treats any error
//     as the tier failing.
func (m *SemanticMatcher) Match(ctx context.Context, req Tier2Request) (MatchResult, error) {
	ctx, span := tracer.Start(ctx, "routing.SemanticMatcher.Match",
		trace.WithAttributes(attribute.String("embedding.model", m.embedder.Model())),
	)
	defer span.End()

	if req.Pool == nil || req.Pool.Len() == 0 {
		return noMatch(Tier2, 0, ""), nil
	}
	vecs, err := m.vectorsFor(ctx, req.Pool)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scenario vectors")
		return noMatch(Tier2, 0, ""), err
	}
	q, err := m.embedder.Embed(ctx, []string{req.Cleaned})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query embedding")
		return noMatch(Tier2, 0, ""), fmt.Errorf("embed utterance: %w", err)
	}

	gate := gateOrEmpty(req.Gate)
	idx := m.indexes.get(req.Pool)
	var candidates []Candidate
	for _, cs := range idx.scenarios {
		if ok, _ := eligible(cs, req.Cleaned, gate, req.Now); !ok {
			continue
		}
		var best float64
		for _, v := range vecs.byID[cs.sc.ID] {
			if s := cosine(q[0], v); s > best {
				best = s
			}
		}
		candidates = append(candidates, Candidate{
			Scenario: cs.sc,
			Score:    math.Round(best*scorePrecision) / scorePrecision,
			Method:   MethodSemantic,
		})
	}
	if len(candidates) == 0 {
		return noMatch(Tier2, 0, ""), nil
	}
	sort.SliceStable(candidates, func(i, j int) bool { return better(candidates[i], candidates[j]) })

	top := candidates[0]
	span.SetAttributes(
		attribute.String("tier2.best_scenario", top.Scenario.ID),
		attribute.Float64("tier2.best_score", top.Score),
	)
	if top.Score <= 0 || top.Score < req.Threshold {
		return noMatch(Tier2, top.Score, top.Scenario.Category), nil
	}
	return MatchResult{
		Matched:    true,
		Confidence: top.Score,
		Scenario:   top.Scenario,
		TemplateID: top.Scenario.TemplateID,
		Category:   top.Scenario.Category,
		Tier:       Tier2,
		Method:     MethodSemantic,
	}, nil
}

// Warm computes and caches the vectors for pool ahead of the first call.
func (m *SemanticMatcher) Warm(ctx context.Context, pool *scenario.Pool) error {
	_, err := m.vectorsFor(ctx, pool)
	return err
}

func (m *SemanticMatcher) vectorsFor(ctx context.Context, pool *scenario.Pool) (*scenarioVectors, error) {
	key := pool.Version() + "|" + m.embedder.Model()
	if pool.Version() != "" {
		if v, ok := m.vectors.Get(key); ok {
			return v, nil
		}
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		vecs, err := m.buildVectors(ctx, pool)
		if err != nil {
			return nil, err
		}
		if pool.Version() != "" {
			m.vectors.Add(key, vecs)
		}
		return vecs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*scenarioVectors), nil
}

// buildVectors embeds every scenario document, consulting the store first.
func (m *SemanticMatcher) buildVectors(ctx context.Context, pool *scenario.Pool) (*scenarioVectors, error) {
	docs := scenarioDocs(pool)
	hash := computeCorpusHash(docs, m.embedder.Model())

	if m.store != nil {
		cached, err := m.store.LoadVectors(ctx, hash)
		if err != nil {
			m.logger.Warn("tier2: vector store load failed, embedding instead",
				slog.String("error", err.Error()),
			)
		} else if len(cached) > 0 {
			return &scenarioVectors{byID: cached}, nil
		}
	}

	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var texts []string
	for _, id := range ids {
		texts = append(texts, docs[id]...)
	}

	start := time.Now()
	embedded, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed scenarios: %w", err)
	}
	if len(embedded) != len(texts) {
		return nil, fmt.Errorf("embed scenarios: got %d vectors for %d texts", len(embedded), len(texts))
	}

	byID := make(map[string][][]float32, len(ids))
	i := 0
	for _, id := range ids {
		n := len(docs[id])
		byID[id] = embedded[i : i+n]
		i += n
	}
	m.logger.Debug("tier2: scenario vectors built",
		slog.String("tenant_id", pool.TenantID()),
		slog.String("pool_version", pool.Version()),
		slog.Int("documents", len(texts)),
		slog.Duration("took", time.Since(start)),
	)

	if m.store != nil {
		if err := m.store.SaveVectors(ctx, hash, byID); err != nil {
			m.logger.Warn("tier2: failed to persist scenario vectors",
				slog.String("error", err.Error()),
				slog.String("corpus_hash", shortHash(hash)),
			)
		}
	}
	return &scenarioVectors{byID: byID}, nil
}

// scenarioDocs returns the texts embedded for each scenario: its name and
// each trigger, normalized with the pool's normalizer and deduplicated.
func scenarioDocs(pool *scenario.Pool) map[string][]string {
	norm := pool.Normalizer()
	docs := make(map[string][]string, pool.Len())
	for _, sc := range pool.Scenarios() {
		seen := make(map[string]bool)
		var d []string
		add := func(text string) {
			n := strings.TrimSpace(norm.Normalize(text))
			if n == "" || seen[n] {
				return
			}
			seen[n] = true
			d = append(d, n)
		}
		if sc.Name != "" {
			add(sc.Name)
		}
		for _, t := range sc.Triggers {
			add(t)
		}
		docs[sc.ID] = d
	}
	return docs
}
