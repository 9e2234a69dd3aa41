// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package normalize turns a raw caller utterance into the canonical text the
// matching tiers score against.
//
// Normalization is pure: no I/O, no globals, no clocks. The same inputs always
// produce the same output, which is what makes Tier1 reproducible.
package normalize

import (
	"sort"
	"strings"
	"unicode"
)

// =============================================================================
// Tokenization
// =============================================================================

// Tokenize lowercases text and splits it into word tokens.
//
// # Description
//
// Letters and digits form tokens. An apostrophe is kept when it sits between
// two letters ("i'm", "don't") and is a separator otherwise. Every other rune
// (punctuation, symbols, whitespace) separates tokens.
//
// # Inputs
//
//   - text: Arbitrary text. Empty input returns nil.
//
// # Outputs
//
//   - []string: Lowercase tokens in original order.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
func Tokenize(text string) []string {
	if text == "" {
		return nil
	}
	runes := []rune(strings.ToLower(text))
	tokens := make([]string, 0, len(runes)/4+1)
	var b strings.Builder

	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, b.String())
			b.Reset()
		}
	}

	for i, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '\'' || r == '’':
			if b.Len() > 0 && i+1 < len(runes) && unicode.IsLetter(runes[i+1]) {
				b.WriteRune('\'')
				continue
			}
			flush()
		default:
			flush()
		}
	}
	flush()
	return tokens
}

// =============================================================================
// Normalizer
// =============================================================================

// phrase is a tokenized multi-word term and its replacement.
type phrase struct {
	tokens      []string
	replacement []string
	key         string
}

// Normalizer applies synonym substitution and filler removal.
//
// # Description
//
// Build one per template resource set with New and reuse it for every
// utterance. The synonym table is indexed by first token and each bucket is
// ordered longest-first, so "front door lock" is replaced before "door" can
// clobber part of it. Replaced tokens are never rescanned.
//
// # Thread Safety
//
// Immutable after New. Safe for concurrent use.
type Normalizer struct {
	synonyms map[string][]phrase
	fillers  map[string][]phrase
}

// New compiles filler words and a synonym map into a Normalizer.
//
// # Inputs
//
//   - fillerWords: Tokens (or short phrases) to drop, e.g. "umm", "you know".
//   - synonymMap: Canonical term -> colloquial variants that should be
//     rewritten to it, e.g. "thermostat" -> ["thingy on the wall"].
//
// # Outputs
//
//   - *Normalizer: Never nil. Nil inputs produce a tokenize-only normalizer.
func New(fillerWords []string, synonymMap map[string][]string) *Normalizer {
	n := &Normalizer{
		synonyms: make(map[string][]phrase),
		fillers:  make(map[string][]phrase),
	}

	canonicals := make([]string, 0, len(synonymMap))
	for canonical := range synonymMap {
		canonicals = append(canonicals, canonical)
	}
	sort.Strings(canonicals)

	seen := make(map[string]bool)
	for _, canonical := range canonicals {
		replacement := Tokenize(canonical)
		if len(replacement) == 0 {
			continue
		}
		for _, variant := range synonymMap[canonical] {
			p := newPhrase(variant, replacement)
			if p == nil || seen[p.key] {
				// First canonical (alphabetically) owns a contested variant.
				continue
			}
			seen[p.key] = true
			n.synonyms[p.tokens[0]] = append(n.synonyms[p.tokens[0]], *p)
		}
	}

	for _, word := range fillerWords {
		if p := newPhrase(word, nil); p != nil {
			n.fillers[p.tokens[0]] = append(n.fillers[p.tokens[0]], *p)
		}
	}

	for _, table := range []map[string][]phrase{n.synonyms, n.fillers} {
		for first := range table {
			sortLongestFirst(table[first])
		}
	}
	return n
}

func newPhrase(text string, replacement []string) *phrase {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	return &phrase{tokens: tokens, replacement: replacement, key: strings.Join(tokens, " ")}
}

func sortLongestFirst(ps []phrase) {
	sort.SliceStable(ps, func(i, j int) bool {
		if len(ps[i].tokens) != len(ps[j].tokens) {
			return len(ps[i].tokens) > len(ps[j].tokens)
		}
		if len(ps[i].key) != len(ps[j].key) {
			return len(ps[i].key) > len(ps[j].key)
		}
		return ps[i].key < ps[j].key
	})
}

// Normalize returns the cleaned text for an utterance.
//
// # Description
//
//  1. Synonym substitution, longest match first, case-insensitive.
//  2. Lowercase and strip punctuation (via Tokenize).
//  3. Drop every standalone filler token or filler phrase.
//
// If steps 1-3 leave nothing, the original utterance is returned lowercased
// and trimmed, so no tier ever matches against empty input.
//
// # Thread Safety
//
// Safe for concurrent use.
func (n *Normalizer) Normalize(utterance string) string {
	tokens := Tokenize(utterance)
	tokens = rewrite(tokens, n.synonyms)
	tokens = rewrite(tokens, n.fillers)
	if len(tokens) == 0 {
		return strings.ToLower(strings.TrimSpace(utterance))
	}
	return strings.Join(tokens, " ")
}

// Tokens is Normalize followed by Tokenize, without the join/split round trip.
func (n *Normalizer) Tokens(utterance string) []string {
	tokens := rewrite(rewrite(Tokenize(utterance), n.synonyms), n.fillers)
	if len(tokens) == 0 {
		return Tokenize(utterance)
	}
	return tokens
}

// rewrite walks tokens left to right and replaces the longest phrase that
// starts at each position. A nil replacement deletes the phrase.
func rewrite(tokens []string, table map[string][]phrase) []string {
	if len(table) == 0 || len(tokens) == 0 {
		return tokens
	}
	out := make([]string, 0, len(tokens))
	for i := 0; i < len(tokens); {
		matched := false
		for _, p := range table[tokens[i]] {
			if hasPrefixAt(tokens, i, p.tokens) {
				out = append(out, p.replacement...)
				i += len(p.tokens)
				matched = true
				break
			}
		}
		if !matched {
			out = append(out, tokens[i])
			i++
		}
	}
	return out
}

func hasPrefixAt(tokens []string, at int, want []string) bool {
	if at+len(want) > len(tokens) {
		return false
	}
	for j, w := range want {
		if tokens[at+j] != w {
			return false
		}
	}
	return true
}

// Normalize is the one-shot form of New(...).Normalize(utterance).
//
// Prefer a reused *Normalizer on hot paths; this helper recompiles the tables
// on every call.
func Normalize(utterance string, fillerWords []string, synonymMap map[string][]string) string {
	return New(fillerWords, synonymMap).Normalize(utterance)
}

// ContainsPhrase reports whether needle occurs as a contiguous token run in
// haystack.
func ContainsPhrase(haystack, needle []string) bool {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return false
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i] == needle[0] && hasPrefixAt(haystack, i, needle) {
			return true
		}
	}
	return false
}
