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
	"errors"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
)

// tracerName is the OTel tracer name for provider calls.
const tracerName = "intent.llm"

var tracer = otel.Tracer(tracerName)

// Package-level Prometheus metrics for provider calls.
var (
	// callDuration measures provider call latency.
	// Labels: provider, status (success, error)
	callDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "intent",
			Subsystem: "llm",
			Name:      "call_duration_seconds",
			Help:      "Duration of LLM provider calls in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
		},
		[]string{"provider", "status"},
	)

	// callsTotal counts provider calls.
	// Labels: provider, status (success, error)
	callsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent",
			Subsystem: "llm",
			Name:      "calls_total",
			Help:      "Total number of LLM provider calls.",
		},
		[]string{"provider", "status"},
	)

	// errorsTotal counts provider errors by class.
	// Labels: provider, error_type (timeout, canceled, auth, rate_limit, server, unknown)
	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent",
			Subsystem: "llm",
			Name:      "errors_total",
			Help:      "Total LLM provider errors by type.",
		},
		[]string{"provider", "error_type"},
	)

	// tokensTotal counts tokens by direction.
	// Labels: provider, direction (input, output)
	tokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Total tokens reported by the provider.",
		},
		[]string{"provider", "direction"},
	)

	// rateLimitedTotal counts requests refused by the local rate limiter.
	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "intent",
			Subsystem: "llm",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the local rate limiter.",
		},
		[]string{"scope"},
	)
)

// classifyError maps an error to a label-safe error type string.
//
// Description:
//
//	Typed go-openai errors are inspected by HTTP status first; anything else
//	falls back to message matching. Returns "" for nil.
//
// Thread Safety: Safe for concurrent use.
func classifyError(err error) string {
	if err == nil {
		return ""
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrRateLimited):
		return "rate_limit"
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key"):
		return "auth"
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return "rate_limit"
	default:
		return "unknown"
	}
}

func classifyStatus(code int) string {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "auth"
	case code == http.StatusTooManyRequests:
		return "rate_limit"
	case code >= 500:
		return "server"
	default:
		return "unknown"
	}
}
