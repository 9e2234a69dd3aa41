// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session holds the per-call state the router consults for
// precondition and cooldown gates, Tier3 conversation context, and
// reproducible reply selection.
package session

import (
	"hash/fnv"
	"math/rand/v2"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/intentcascade/services/intent/scenario"
)

// DefaultMaxTurns bounds the conversation history kept per call.
const DefaultMaxTurns = 8

// Turn roles.
const (
	RoleCaller = "caller"
	RoleAgent  = "agent"
)

// Turn is one exchange line kept as Tier3 context.
type Turn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// State is the mutable state of one call session.
//
// # Description
//
// Entities are opaque values captured by the caller-facing layer (names,
// account numbers, addresses). lastUsed records when each scenario was last
// answered, which drives cooldowns. The RNG is seeded from the call id unless
// an explicit seed is given, so reply selection is reproducible per call.
//
// # Thread Safety
//
// Safe for concurrent use. All access goes through mu.
type State struct {
	tenantID string
	callID   string

	mu       sync.Mutex
	entities map[string]any
	lastUsed map[string]time.Time
	turns    []Turn
	maxTurns int
	counters map[string]int
	rng      *rand.Rand
}

// NewState creates a session. A zero seed derives one from callID.
func NewState(tenantID, callID string, seed uint64) *State {
	if seed == 0 {
		seed = SeedFor(callID)
	}
	return &State{
		tenantID: tenantID,
		callID:   callID,
		entities: make(map[string]any),
		lastUsed: make(map[string]time.Time),
		maxTurns: DefaultMaxTurns,
		counters: make(map[string]int),
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// SeedFor derives a stable RNG seed from a call id.
func SeedFor(callID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(callID))
	if s := h.Sum64(); s != 0 {
		return s
	}
	return 1
}

// TenantID returns the owning tenant.
func (s *State) TenantID() string { return s.tenantID }

// CallID returns the call identifier.
func (s *State) CallID() string { return s.callID }

// =============================================================================
// Entities and preconditions
// =============================================================================

// SetEntity records a captured entity. A nil value removes it.
func (s *State) SetEntity(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == nil {
		delete(s.entities, key)
		return
	}
	s.entities[key] = value
}

// MergeEntities records every entry of m.
func (s *State) MergeEntities(m map[string]any) {
	for k, v := range m {
		s.SetEntity(k, v)
	}
}

// Entity returns a captured entity.
func (s *State) Entity(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entities[key]
	return v, ok
}

// Entities returns a copy of the entity map.
func (s *State) Entities() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.entities))
	for k, v := range s.entities {
		out[k] = v
	}
	return out
}

// PreconditionsMet checks a scenario's preconditions against the entities.
//
// # Description
//
// want[k] == true requires entity k to be present and non-empty.
// want[k] == false requires it to be absent or empty. Keys are checked in
// sorted order so the reported failure is deterministic.
//
// # Outputs
//
//   - bool: True when every precondition holds.
//   - string: The first unmet key, or "" when all hold.
func (s *State) PreconditionsMet(want map[string]bool) (bool, string) {
	if len(want) == 0 {
		return true, ""
	}
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		v, ok := s.entities[k]
		present := ok && !isEmpty(v)
		if present != want[k] {
			return false, k
		}
	}
	return true, ""
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if str, ok := v.(string); ok {
		return strings.TrimSpace(str) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array, reflect.String, reflect.Chan:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// =============================================================================
// Cooldowns
// =============================================================================

// InCooldown reports whether scenarioID was used less than cooldownSeconds
// before now.
func (s *State) InCooldown(scenarioID string, cooldownSeconds int, now time.Time) bool {
	if cooldownSeconds <= 0 {
		return false
	}
	s.mu.Lock()
	last, ok := s.lastUsed[scenarioID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return now.Sub(last) < time.Duration(cooldownSeconds)*time.Second
}

// MarkUsed records that scenarioID answered the caller at now.
func (s *State) MarkUsed(scenarioID string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed[scenarioID] = now
}

// LastUsed returns when scenarioID was last used.
func (s *State) LastUsed(scenarioID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastUsed[scenarioID]
	return t, ok
}

// =============================================================================
// Turns
// =============================================================================

// AddTurn appends a line of conversation, dropping the oldest beyond the cap.
func (s *State) AddTurn(role, text string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, Turn{Role: role, Text: text, At: at})
	if over := len(s.turns) - s.maxTurns; over > 0 {
		s.turns = append(s.turns[:0:0], s.turns[over:]...)
	}
}

// RecentTurns returns up to n most recent turns, oldest first.
func (s *State) RecentTurns(n int) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.turns) {
		n = len(s.turns)
	}
	return append([]Turn(nil), s.turns[len(s.turns)-n:]...)
}

// =============================================================================
// Replies
// =============================================================================

// NextReply selects a reply for sc and advances the scenario's rotation
// counter.
func (s *State) NextReply(sc *scenario.Scenario, variant scenario.ReplyVariant, policy scenario.ReplyPolicy) string {
	if sc == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	counter := s.counters[sc.ID]
	s.counters[sc.ID] = counter + 1
	return scenario.SelectReply(sc, variant, policy, s.rng, counter)
}
