// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultRegistrySize bounds concurrently tracked calls.
	DefaultRegistrySize = 10000

	// DefaultTTL is how long an idle call session is kept.
	DefaultTTL = 30 * time.Minute
)

// Registry keeps call sessions in an expiring LRU keyed by call id.
//
// # Thread Safety
//
// Safe for concurrent use. GetOrCreate is atomic per call id.
type Registry struct {
	mu    sync.Mutex
	cache *expirable.LRU[string, *State]
}

// NewRegistry creates a Registry. Non-positive arguments use the defaults.
func NewRegistry(size int, ttl time.Duration) *Registry {
	if size <= 0 {
		size = DefaultRegistrySize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{cache: expirable.NewLRU[string, *State](size, nil, ttl)}
}

// GetOrCreate returns the session for callID, creating it on first use.
// Each access refreshes the session's position in the LRU.
func (r *Registry) GetOrCreate(tenantID, callID string) *State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.cache.Get(callID); ok && st.TenantID() == tenantID {
		return st
	}
	st := NewState(tenantID, callID, 0)
	r.cache.Add(callID, st)
	return st
}

// Get returns an existing session.
func (r *Registry) Get(callID string) (*State, bool) {
	return r.cache.Get(callID)
}

// End drops a session when the call hangs up.
func (r *Registry) End(callID string) {
	r.cache.Remove(callID)
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.cache.Len()
}
