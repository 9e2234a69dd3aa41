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
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultPoolCacheSize bounds how many pool snapshots the registry retains.
const DefaultPoolCacheSize = 256

// PoolSpec identifies the inputs of one pool snapshot.
type PoolSpec struct {
	TenantID string

	// ConfigVersion is the tenant configuration version.
	ConfigVersion int

	// CatalogRevision changes whenever the template catalog is reloaded.
	CatalogRevision uint64

	Templates   []Template
	Disabled    []string
	ReplyPolicy ReplyPolicy
}

// Registry caches immutable pools per tenant snapshot and owns the
// learned-trigger overlay.
//
// # Description
//
// The cache key is (tenant, config version, catalog revision, learned
// generation). Promoting a new learned trigger bumps the tenant's generation,
// so the next Get builds a fresh pool that includes it while calls already in
// flight keep using the old snapshot. Concurrent misses for the same key are
// collapsed with singleflight so a pool is built once.
//
// # Thread Safety
//
// Safe for concurrent use.
type Registry struct {
	cache  *lru.Cache[string, *Pool]
	group  singleflight.Group
	logger *slog.Logger

	mu         sync.RWMutex
	learned    map[string]map[string][]string // tenant -> scenario -> phrases
	learnedSet map[string]map[string]bool     // tenant -> scenario+"\x00"+phrase
	generation map[string]uint64
}

// NewRegistry creates a Registry holding up to size pools. size <= 0 uses
// DefaultPoolCacheSize.
func NewRegistry(size int, logger *slog.Logger) *Registry {
	if size <= 0 {
		size = DefaultPoolCacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[string, *Pool](size)
	if err != nil {
		// lru.New only fails for size <= 0.
		panic(fmt.Sprintf("scenario registry: %v", err))
	}
	return &Registry{
		cache:      cache,
		logger:     logger,
		learned:    make(map[string]map[string][]string),
		learnedSet: make(map[string]map[string]bool),
		generation: make(map[string]uint64),
	}
}

// Get returns the pool for spec, building it on a cache miss.
//
// # Outputs
//
//   - *Pool: Shared immutable snapshot.
//   - error: ErrEmptyPool (wrapped) when nothing is matchable, or ctx.Err().
func (r *Registry) Get(ctx context.Context, spec PoolSpec) (*Pool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	gen := r.generation[spec.TenantID]
	r.mu.RUnlock()

	key := fmt.Sprintf("%s|v%d|r%d|g%d", spec.TenantID, spec.ConfigVersion, spec.CatalogRevision, gen)
	if pool, ok := r.cache.Get(key); ok {
		return pool, nil
	}

	v, err, _ := r.group.Do(key, func() (any, error) {
		if pool, ok := r.cache.Get(key); ok {
			return pool, nil
		}
		pool, err := BuildPool(spec.TenantID, spec.Templates, BuildOptions{
			Version:     key,
			Disabled:    spec.Disabled,
			Learned:     r.LearnedTriggers(spec.TenantID),
			ReplyPolicy: spec.ReplyPolicy,
			Logger:      r.logger,
		})
		if err != nil {
			return nil, err
		}
		r.cache.Add(key, pool)
		r.logger.Debug("scenario pool built",
			slog.String("tenant_id", spec.TenantID),
			slog.String("version", key),
			slog.Int("scenarios", pool.Len()),
			slog.Int("learned_triggers", pool.LearnedCount()),
		)
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Pool), nil
}

// PromoteTrigger adds phrase as a learned trigger for scenarioID.
//
// # Description
//
// Idempotent: promoting the same (tenant, scenario, phrase) again, or a
// phrase that differs only in case or punctuation, is a no-op and returns
// false. A successful promotion bumps the tenant generation so subsequent
// Get calls see the new trigger.
//
// # Thread Safety
//
// Safe for concurrent use. Under concurrent promotion of the same phrase
// exactly one caller observes true.
func (r *Registry) PromoteTrigger(tenantID, scenarioID, phrase string) bool {
	key := phraseKey(phrase)
	if key == "" || scenarioID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.learnedSet[tenantID]
	if set == nil {
		set = make(map[string]bool)
		r.learnedSet[tenantID] = set
	}
	setKey := scenarioID + "\x00" + key
	if set[setKey] {
		return false
	}
	set[setKey] = true

	byScenario := r.learned[tenantID]
	if byScenario == nil {
		byScenario = make(map[string][]string)
		r.learned[tenantID] = byScenario
	}
	byScenario[scenarioID] = append(byScenario[scenarioID], key)
	r.generation[tenantID]++
	return true
}

// LearnedTriggers returns a copy of the tenant's learned-trigger overlay.
func (r *Registry) LearnedTriggers(tenantID string) map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.learned[tenantID]
	out := make(map[string][]string, len(src))
	for id, phrases := range src {
		out[id] = append([]string(nil), phrases...)
	}
	return out
}

// LearnedCount returns the total number of learned triggers for a tenant.
func (r *Registry) LearnedCount(tenantID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, phrases := range r.learned[tenantID] {
		n += len(phrases)
	}
	return n
}

// Tenants returns tenants with at least one learned trigger, sorted.
func (r *Registry) Tenants() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.learned))
	for t := range r.learned {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
