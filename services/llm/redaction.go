// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"regexp"
)

// redactionPattern pairs a compiled regex with a replacement label.
//
// Thread Safety: This type is immutable after construction.
type redactionPattern struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// redactionPatterns is the ordered list of patterns scrubbed from log output.
//
// Provider secrets come first, then caller data that shows up in utterances
// and Tier3 prompts. Card numbers must precede phone numbers: a 16-digit card
// would otherwise be half-eaten by the phone pattern.
var redactionPatterns = []redactionPattern{
	{
		Pattern:     regexp.MustCompile(`sk-(?:proj-)?[A-Za-z0-9_-]{20,}`),
		Replacement: "[REDACTED:openai_key]",
	},
	{
		Pattern:     regexp.MustCompile(`Bearer\s+[A-Za-z0-9._-]{10,}`),
		Replacement: "[REDACTED:bearer_token]",
	},
	{
		Pattern:     regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
		Replacement: "[REDACTED:email]",
	},
	{
		Pattern:     regexp.MustCompile(`\b\d(?:[ -]?\d){12,15}\b`),
		Replacement: "[REDACTED:card]",
	},
	{
		Pattern:     regexp.MustCompile(`(?:\+?1[ .-]?)?\(?\d{3}\)?[ .-]?\d{3}[ .-]?\d{4}\b`),
		Replacement: "[REDACTED:phone]",
	},
}

// SafeLogString redacts provider secrets and caller contact data from a
// string before it is logged.
//
// Description:
//
//	Pattern-based only. Each match becomes a labeled placeholder so the log
//	reader knows what class of value was present. Utterances and provider
//	error bodies pass through here before reaching slog.
//
// Examples:
//
//	SafeLogString("call me at 555-867-5309")
//	// Returns: "call me at [REDACTED:phone]"
//
// Thread Safety: This function is safe for concurrent use.
func SafeLogString(s string) string {
	if s == "" {
		return s
	}
	for _, p := range redactionPatterns {
		s = p.Pattern.ReplaceAllString(s, p.Replacement)
	}
	return s
}
