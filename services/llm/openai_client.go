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
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultModel is used when neither the config nor the request names one.
const DefaultModel = "gpt-4o-mini"

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// Key is the sealed API key. Required.
	Key *SealedKey

	// Model is the default chat model.
	Model string

	// BaseURL overrides the API root (e.g. an OpenAI-compatible gateway or an
	// httptest server). Empty uses the public endpoint.
	BaseURL string

	// Timeout bounds a single HTTP exchange. The caller's context still wins
	// when it is shorter.
	Timeout time.Duration

	// Transport is the underlying transport. Nil uses http.DefaultTransport.
	Transport http.RoundTripper

	Logger *slog.Logger
}

// OpenAIClient implements ChatClient on top of go-openai.
//
// Description:
//
//	The API key never reaches go-openai's config: the SDK is given an empty
//	token and an http.Client whose transport injects the sealed key per
//	request. Every call is traced and counted by provider and status.
//
// Thread Safety: Safe for concurrent use.
type OpenAIClient struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIClient builds a client from cfg.
//
// Outputs:
//   - *OpenAIClient: The configured client.
//   - error: ErrMissingAPIKey when cfg.Key is nil.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.Key == nil {
		return nil, ErrMissingAPIKey
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig("")
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	oc.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: cfg.Key.Transport(cfg.Transport),
	}

	return &OpenAIClient{
		client: openai.NewClientWithConfig(oc),
		model:  cfg.Model,
		logger: logger,
	}, nil
}

// Provider implements ChatClient.
func (c *OpenAIClient) Provider() string { return "openai" }

// Model returns the default chat model.
func (c *OpenAIClient) Model() string { return c.model }

// Complete implements ChatClient.
//
// # Description
//
// Sends System as the first message followed by req.Messages. With JSONMode
// set, the response format is constrained to a JSON object. Errors are
// returned with provider secrets scrubbed from the message.
//
// # Inputs
//
//   - ctx: Cancellation aborts the HTTP request.
//   - req: The completion request.
//
// # Outputs
//
//   - Completion: Text of the first choice plus reported usage.
//   - error: Transport, API or ErrEmptyCompletion.
//
// # Thread Safety
//
// Safe for concurrent use.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	ctx, span := tracer.Start(ctx, "llm.OpenAIClient.Complete",
		trace.WithAttributes(
			attribute.String("llm.provider", c.Provider()),
			attribute.String("llm.model", model),
			attribute.Int("llm.max_tokens", req.MaxTokens),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := c.complete(ctx, model, req)
	status := "success"
	if err != nil {
		status = "error"
		errType := classifyError(err)
		errorsTotal.WithLabelValues(c.Provider(), errType).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, errType)
		c.logger.Debug("openai completion failed",
			slog.String("model", model),
			slog.String("error_type", errType),
			slog.String("error", SafeLogString(err.Error())),
		)
	} else {
		tokensTotal.WithLabelValues(c.Provider(), "input").Add(float64(out.Usage.InputTokens))
		tokensTotal.WithLabelValues(c.Provider(), "output").Add(float64(out.Usage.OutputTokens))
		span.SetAttributes(
			attribute.Int("llm.input_tokens", out.Usage.InputTokens),
			attribute.Int("llm.output_tokens", out.Usage.OutputTokens),
		)
	}
	callDuration.WithLabelValues(c.Provider(), status).Observe(time.Since(start).Seconds())
	callsTotal.WithLabelValues(c.Provider(), status).Inc()
	return out, err
}

func (c *OpenAIClient) complete(ctx context.Context, model string, req CompletionRequest) (Completion, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		})
	}

	creq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.JSONMode {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return Completion{}, fmt.Errorf("openai chat completion (%s): %w", model, err)
	}
	if len(resp.Choices) == 0 {
		return Completion{}, ErrEmptyCompletion
	}

	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}
	return Completion{
		Text:         resp.Choices[0].Message.Content,
		Model:        respModel,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}
