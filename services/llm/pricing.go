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
	"sort"
	"strings"
	"sync"
	"unicode/utf8"
)

// ModelPricing holds per-model token pricing in dollars per million tokens.
//
// Thread Safety: ModelPricing is a value type, safe to copy.
type ModelPricing struct {
	// InputCostPerMillion is the cost in USD per million input tokens.
	InputCostPerMillion float64 `yaml:"input_per_million"`

	// OutputCostPerMillion is the cost in USD per million output tokens.
	OutputCostPerMillion float64 `yaml:"output_per_million"`
}

// defaultPricing contains pricing for the models Tier3 is usually pointed at.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":        {InputCostPerMillion: 2.50, OutputCostPerMillion: 10.0},
	"gpt-4o-mini":   {InputCostPerMillion: 0.15, OutputCostPerMillion: 0.60},
	"gpt-4.1":       {InputCostPerMillion: 2.00, OutputCostPerMillion: 8.00},
	"gpt-4.1-mini":  {InputCostPerMillion: 0.40, OutputCostPerMillion: 1.60},
	"gpt-4.1-nano":  {InputCostPerMillion: 0.10, OutputCostPerMillion: 0.40},
	"gpt-3.5-turbo": {InputCostPerMillion: 0.50, OutputCostPerMillion: 1.50},
}

// fallbackPricing is charged for unknown models so estimates err high.
var fallbackPricing = ModelPricing{InputCostPerMillion: 5.0, OutputCostPerMillion: 15.0}

// charsPerToken is the rough English ratio used for pre-call estimates.
const charsPerToken = 4

// Pricing converts token usage into USD.
//
// Description:
//
//	Lookup tries an exact model name first, then the longest known name that
//	prefixes the model ("gpt-4o-mini-2024-07-18" resolves to "gpt-4o-mini",
//	not "gpt-4o"), then falls back to conservative pricing.
//
// Thread Safety: Safe for concurrent use via sync.RWMutex.
type Pricing struct {
	mu    sync.RWMutex
	table map[string]ModelPricing
	names []string // longest first
}

// NewPricing returns the default table with overrides layered on top.
//
// Inputs:
//   - overrides: Extra or replacement model prices. May be nil.
//
// Outputs:
//   - *Pricing: Never nil.
func NewPricing(overrides map[string]ModelPricing) *Pricing {
	p := &Pricing{table: make(map[string]ModelPricing, len(defaultPricing)+len(overrides))}
	for k, v := range defaultPricing {
		p.table[k] = v
	}
	for k, v := range overrides {
		p.table[k] = v
	}
	p.reindex()
	return p
}

// Set adds or replaces the price for a model.
func (p *Pricing) Set(model string, price ModelPricing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.table[model] = price
	p.reindex()
}

// reindex rebuilds the prefix search order. Caller must hold mu or own p.
func (p *Pricing) reindex() {
	p.names = p.names[:0]
	for name := range p.table {
		p.names = append(p.names, name)
	}
	sort.Slice(p.names, func(i, j int) bool {
		if len(p.names[i]) != len(p.names[j]) {
			return len(p.names[i]) > len(p.names[j])
		}
		return p.names[i] < p.names[j]
	})
}

// Lookup returns the pricing used for model.
func (p *Pricing) Lookup(model string) ModelPricing {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if price, ok := p.table[model]; ok {
		return price
	}
	for _, name := range p.names {
		if strings.HasPrefix(model, name) {
			return p.table[name]
		}
	}
	return fallbackPricing
}

// Cost returns the USD cost of a call with the given usage.
func (p *Pricing) Cost(model string, usage Usage) float64 {
	price := p.Lookup(model)
	input := float64(usage.InputTokens) * price.InputCostPerMillion / 1_000_000
	output := float64(usage.OutputTokens) * price.OutputCostPerMillion / 1_000_000
	return input + output
}

// Estimate returns the worst-case USD cost of a request before it is sent.
//
// Description:
//
//	Input tokens are estimated from the prompt text; output tokens are
//	assumed to hit MaxTokens. The estimate is what a budget reservation holds.
func (p *Pricing) Estimate(req CompletionRequest, defaultModel string) float64 {
	model := req.Model
	if model == "" {
		model = defaultModel
	}
	input := EstimateTokens(req.System)
	for _, m := range req.Messages {
		input += EstimateTokens(m.Content)
	}
	return p.Cost(model, Usage{InputTokens: input, OutputTokens: req.MaxTokens})
}

// EstimateTokens approximates the token count of text (ceil(runes/4)).
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}
