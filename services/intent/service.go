// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent exposes the intent cascade over HTTP.
//
// Service owns the Router and the readiness state; Handlers translate HTTP
// requests into Router calls; RegisterRoutes mounts them under /v1/intent.
package intent

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/routing"
	"github.com/AleutianAI/intentcascade/services/intent/scenario"
)

// warmConcurrency bounds how many tenant pools are embedded at once.
const warmConcurrency = 4

// PoolWarmer precomputes per-pool state (Tier2 vectors) before traffic.
// routing.SemanticMatcher implements it.
type PoolWarmer interface {
	Warm(ctx context.Context, pool *scenario.Pool) error
}

// Service is the HTTP-facing wrapper around a Router.
//
// # Description
//
// A Service is not ready until Start has warmed every tenant's pool once.
// Warm failures are logged and do not block readiness: Tier2 builds vectors
// lazily on first use anyway. After Start, every catalog reload re-warms
// in the background.
//
// # Thread Safety
//
// Safe for concurrent use.
type Service struct {
	router    *routing.Router
	warmer    PoolWarmer
	logger    *slog.Logger
	startedAt time.Time
	ready     atomic.Bool
}

// NewService creates a Service. warmer may be nil.
func NewService(router *routing.Router, warmer PoolWarmer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		router:    router,
		warmer:    warmer,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Router returns the underlying router.
func (s *Service) Router() *routing.Router { return s.router }

// Ready reports whether Start has completed.
func (s *Service) Ready() bool { return s.ready.Load() }

// Uptime returns the time since NewService.
func (s *Service) Uptime() time.Duration { return time.Since(s.startedAt) }

// Tenants returns the tenant ids in the current catalog snapshot.
func (s *Service) Tenants() []string {
	snap := s.router.Store().Snapshot()
	if snap == nil || snap.Catalog == nil {
		return nil
	}
	ids := make([]string, 0, len(snap.Catalog.Tenants))
	for _, t := range snap.Catalog.Tenants {
		ids = append(ids, t.ID)
	}
	return ids
}

// Start warms all tenant pools, marks the service ready and subscribes to
// catalog reloads. ctx bounds the initial warm and the reload re-warms.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Warm(ctx); err != nil {
		return err
	}
	s.router.Store().OnReload(func(snap *config.Snapshot) {
		go func() {
			if err := s.Warm(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("pool re-warm after catalog reload failed",
					slog.Uint64("revision", snap.Revision),
					slog.String("error", err.Error()),
				)
			}
		}()
	})
	s.ready.Store(true)
	s.logger.Info("intent service ready", slog.Int("tenants", len(s.Tenants())))
	return nil
}

// Warm resolves every tenant's pool and hands it to the PoolWarmer.
//
// # Outputs
//
//   - error: Only ctx.Err(). Per-tenant failures are logged.
func (s *Service) Warm(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, tenantID := range s.Tenants() {
		g.Go(func() error {
			start := time.Now()
			_, pool, err := s.router.Resolve(gctx, tenantID)
			if err == nil && s.warmer != nil {
				err = s.warmer.Warm(gctx, pool)
			}
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				s.logger.Warn("tenant pool warm failed",
					slog.String("tenant_id", tenantID),
					slog.String("error", err.Error()),
				)
				return nil
			}
			s.logger.Debug("tenant pool warmed",
				slog.String("tenant_id", tenantID),
				slog.Int("scenarios", pool.Len()),
				slog.Duration("duration", time.Since(start)),
			)
			return nil
		})
	}
	return g.Wait()
}
