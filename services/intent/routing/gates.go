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
	"time"
)

// Gate answers the per-call eligibility questions for a scenario.
// *session.State implements it.
type Gate interface {
	PreconditionsMet(want map[string]bool) (bool, string)
	InCooldown(scenarioID string, cooldownSeconds int, now time.Time) bool
}

// emptyGate is a call with no captured entities and no reply history.
type emptyGate struct{}

func (emptyGate) PreconditionsMet(want map[string]bool) (bool, string) {
	for key, required := range want {
		if required {
			return false, key
		}
	}
	return true, ""
}

func (emptyGate) InCooldown(string, int, time.Time) bool { return false }

func gateOrEmpty(g Gate) Gate {
	if g == nil {
		return emptyGate{}
	}
	return g
}

// Rejection reasons reported by eligible.
const (
	rejectNegative     = "negative_trigger"
	rejectPrecondition = "precondition"
	rejectCooldown     = "cooldown"
)

// eligible applies the three gates shared by every tier, in order: negative
// trigger veto, preconditions, cooldown. The veto is absolute.
func eligible(cs *compiledScenario, cleaned string, gate Gate, now time.Time) (bool, string) {
	if cs.vetoed(cleaned) {
		return false, rejectNegative
	}
	if ok, _ := gate.PreconditionsMet(cs.sc.Preconditions); !ok {
		return false, rejectPrecondition
	}
	if cs.sc.CooldownSeconds > 0 && gate.InCooldown(cs.sc.ID, cs.sc.CooldownSeconds, now) {
		return false, rejectCooldown
	}
	return true, ""
}
