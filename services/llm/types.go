// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the provider plumbing behind the Tier3 fallback: a chat
// completion client, model pricing, a sealed API key, per-tenant rate
// limiting and provider metrics.
package llm

import (
	"context"
	"errors"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrMissingAPIKey is returned when a provider is constructed without a key.
	ErrMissingAPIKey = errors.New("llm: API key is missing")

	// ErrRateLimited is returned when the per-tenant request rate is exceeded.
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrEmptyCompletion is returned when the provider answers with no choices.
	ErrEmptyCompletion = errors.New("llm: provider returned no choices")
)

// =============================================================================
// Request / Response Types
// =============================================================================

// Role is a chat message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role    Role
	Content string
}

// CompletionRequest describes a single chat completion call.
//
// Description:
//
//	System is sent as the leading system message. JSONMode asks the provider
//	to constrain the answer to a JSON object. Model may be empty, in which
//	case the client's configured model is used.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float32
	JSONMode    bool
}

// Usage is the token accounting the provider reports for a call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is the provider's answer.
type Completion struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
}

// ChatClient is the narrow provider surface the Tier3 matcher depends on.
//
// Thread Safety: Implementations must be safe for concurrent use.
type ChatClient interface {
	// Complete runs one chat completion. Cancelling ctx aborts the request.
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)

	// Provider returns a low-cardinality provider name for metrics labels.
	Provider() string
}
