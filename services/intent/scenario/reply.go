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
	"math/rand/v2"
)

// ReplyVariant chooses between a scenario's quick and full replies.
type ReplyVariant int

const (
	VariantQuick ReplyVariant = iota
	VariantFull
)

// SelectReply picks one reply text for a matched scenario.
//
// # Description
//
// Falls back to the other variant when the requested one is empty, and
// returns "" when the scenario has no replies at all.
//
//   - sequential: replies[counter % n]
//   - random:     uniform pick from rng
//   - weighted:   cumulative-weight pick from rng
//
// Random and weighted use rng, which the caller seeds per session, so the
// sequence of choices is reproducible. A nil rng degrades both to
// sequential.
//
// # Thread Safety
//
// rng is not safe for concurrent use; session.State serializes access.
func SelectReply(sc *Scenario, variant ReplyVariant, policy ReplyPolicy, rng *rand.Rand, counter int) string {
	if sc == nil {
		return ""
	}
	replies := sc.QuickReplies
	other := sc.FullReplies
	if variant == VariantFull {
		replies, other = other, replies
	}
	if len(replies) == 0 {
		replies = other
	}
	if len(replies) == 0 {
		return ""
	}
	if len(replies) == 1 {
		return replies[0].Text
	}

	if rng == nil && policy != ReplySequential {
		policy = ReplySequential
	}

	switch policy {
	case ReplyRandom:
		return replies[rng.IntN(len(replies))].Text
	case ReplyWeighted:
		total := 0.0
		for _, r := range replies {
			total += replyWeight(r)
		}
		pick := rng.Float64() * total
		for _, r := range replies {
			pick -= replyWeight(r)
			if pick < 0 {
				return r.Text
			}
		}
		return replies[len(replies)-1].Text
	default:
		if counter < 0 {
			counter = -counter
		}
		return replies[counter%len(replies)].Text
	}
}

func replyWeight(r Reply) float64 {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}
