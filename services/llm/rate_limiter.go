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
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps provider requests per tenant.
//
// Description:
//
//	Each tenant gets its own token bucket refilled at perMinute requests per
//	minute with the given burst. A limit of 0 disables limiting. Buckets are
//	created lazily on first use.
//
// Thread Safety: Safe for concurrent use via sync.Mutex.
type RateLimiter struct {
	mu        sync.Mutex
	perMinute int
	burst     int
	limiters  map[string]*rate.Limiter
}

// NewRateLimiter creates a per-tenant limiter.
//
// Inputs:
//   - perMinute: Sustained requests per minute per tenant. 0 means unlimited.
//   - burst: Bucket size. Values below 1 are raised to 1.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) limiter(tenantID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[tenantID]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Minute/time.Duration(r.perMinute)), r.burst)
		r.limiters[tenantID] = l
	}
	return l
}

// Allow consumes one token for tenantID without waiting.
//
// Outputs:
//   - error: ErrRateLimited when the bucket is empty, nil otherwise.
func (r *RateLimiter) Allow(tenantID string) error {
	if r == nil || r.perMinute <= 0 {
		return nil
	}
	if !r.limiter(tenantID).Allow() {
		rateLimitedTotal.WithLabelValues("tenant").Inc()
		return fmt.Errorf("tenant %s: %w", tenantID, ErrRateLimited)
	}
	return nil
}

// Wait blocks until a token is available or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context, tenantID string) error {
	if r == nil || r.perMinute <= 0 {
		return nil
	}
	if err := r.limiter(tenantID).Wait(ctx); err != nil {
		rateLimitedTotal.WithLabelValues("tenant").Inc()
		return fmt.Errorf("tenant %s: %w: %v", tenantID, ErrRateLimited, err)
	}
	return nil
}
