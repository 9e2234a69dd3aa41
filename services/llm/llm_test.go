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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Pricing
// =============================================================================

func TestPricing_Lookup(t *testing.T) {
	p := NewPricing(nil)

	tests := []struct {
		name  string
		model string
		want  ModelPricing
	}{
		{"exact", "gpt-4o", defaultPricing["gpt-4o"]},
		{"versioned mini resolves to mini", "gpt-4o-mini-2024-07-18", defaultPricing["gpt-4o-mini"]},
		{"versioned base", "gpt-4o-2024-08-06", defaultPricing["gpt-4o"]},
		{"unknown falls back", "mystery-model", fallbackPricing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Lookup(tt.model))
		})
	}
}

func TestPricing_CostAndOverrides(t *testing.T) {
	p := NewPricing(map[string]ModelPricing{"local": {InputCostPerMillion: 1, OutputCostPerMillion: 2}})

	assert.InDelta(t, 3.0, p.Cost("local", Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}), 1e-9)
	// 1000 in * 0.15/M + 500 out * 0.60/M
	assert.InDelta(t, 0.00045, p.Cost("gpt-4o-mini", Usage{InputTokens: 1000, OutputTokens: 500}), 1e-12)

	p.Set("local", ModelPricing{InputCostPerMillion: 10})
	assert.InDelta(t, 10.0, p.Cost("local", Usage{InputTokens: 1_000_000}), 1e-9)
}

func TestPricing_Estimate(t *testing.T) {
	p := NewPricing(map[string]ModelPricing{"m": {InputCostPerMillion: 1_000_000, OutputCostPerMillion: 1_000_000}})
	req := CompletionRequest{
		System:    "abcd",
		Messages:  []Message{{Role: RoleUser, Content: "abcdefgh"}},
		MaxTokens: 5,
	}
	// 1 + 2 input tokens, 5 output tokens, a dollar each.
	assert.InDelta(t, 8.0, p.Estimate(req, "m"), 1e-9)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
}

// =============================================================================
// Sealed key
// =============================================================================

func TestSealKey_RejectsEmpty(t *testing.T) {
	_, err := SealKey("")
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestSealedKey_TransportInjectsBearer(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	key, err := SealKey("sk-test-sealed")
	require.NoError(t, err)

	client := &http.Client{Transport: key.Transport(nil)}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "Bearer sk-test-sealed", got)
	assert.Empty(t, req.Header.Get("Authorization"), "caller request must not be mutated")
}

// =============================================================================
// OpenAI client
// =============================================================================

func newTestOpenAI(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	key, err := SealKey("sk-unit-test")
	require.NoError(t, err)
	c, err := NewOpenAIClient(OpenAIConfig{Key: key, BaseURL: srv.URL + "/v1", Timeout: 5 * time.Second})
	require.NoError(t, err)
	return c
}

func TestNewOpenAIClient_RequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(OpenAIConfig{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestOpenAIClient_Complete(t *testing.T) {
	var body openai.ChatCompletionRequest
	var auth string
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		auth = r.Header.Get("Authorization")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"model": "gpt-4o-mini-2024-07-18",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"answer\":\"hi\"}"}}],
			"usage": {"prompt_tokens": 120, "completion_tokens": 30, "total_tokens": 150}
		}`)
	})

	out, err := c.Complete(context.Background(), CompletionRequest{
		System:      "route it",
		Messages:    []Message{{Role: RoleUser, Content: "hello"}},
		MaxTokens:   64,
		Temperature: 0.1,
		JSONMode:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"answer":"hi"}`, out.Text)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", out.Model)
	assert.Equal(t, "stop", out.FinishReason)
	assert.Equal(t, Usage{InputTokens: 120, OutputTokens: 30}, out.Usage)

	assert.Equal(t, "Bearer sk-unit-test", auth)
	assert.Equal(t, DefaultModel, body.Model)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, body.Messages[0].Role)
	assert.Equal(t, "hello", body.Messages[1].Content)
	require.NotNil(t, body.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, body.ResponseFormat.Type)
}

func TestOpenAIClient_EmptyChoices(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, `{"id":"x","choices":[],"usage":{}}`)
	})
	_, err := c.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

func TestOpenAIClient_APIErrorClassified(t *testing.T) {
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = fmt.Fprint(w, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`)
	})
	_, err := c.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.Equal(t, "rate_limit", classifyError(err))
}

func TestOpenAIClient_Cancelled(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	c := newTestOpenAI(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := c.Complete(ctx, CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, "canceled", classifyError(err))
}

// =============================================================================
// Rate limiter
// =============================================================================

func TestRateLimiter_PerTenantBuckets(t *testing.T) {
	rl := NewRateLimiter(1, 2)

	assert.NoError(t, rl.Allow("a"))
	assert.NoError(t, rl.Allow("a"))
	assert.ErrorIs(t, rl.Allow("a"), ErrRateLimited)

	assert.NoError(t, rl.Allow("b"), "tenants do not share a bucket")
}

func TestRateLimiter_Unlimited(t *testing.T) {
	rl := NewRateLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.NoError(t, rl.Allow("a"))
	}
	var nilLimiter *RateLimiter
	assert.NoError(t, nilLimiter.Allow("a"))
	assert.NoError(t, nilLimiter.Wait(context.Background(), "a"))
}

func TestRateLimiter_WaitHonoursContext(t *testing.T) {
	rl := NewRateLimiter(1, 1)
	require.NoError(t, rl.Allow("a"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.Wait(ctx, "a"), ErrRateLimited)
}

// =============================================================================
// Classification
// =============================================================================

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{context.DeadlineExceeded, "timeout"},
		{fmt.Errorf("wrap: %w", context.Canceled), "canceled"},
		{&openai.APIError{HTTPStatusCode: 401}, "auth"},
		{&openai.APIError{HTTPStatusCode: 503}, "server"},
		{&openai.RequestError{HTTPStatusCode: 429}, "rate_limit"},
		{ErrRateLimited, "rate_limit"},
		{errors.New("i/o timeout"), "timeout"},
		{errors.New("boom"), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyError(tt.err), "%v", tt.err)
	}
}
