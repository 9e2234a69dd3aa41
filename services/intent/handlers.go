// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package intent

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/intentcascade/services/intent/config"
	"github.com/AleutianAI/intentcascade/services/intent/ledger"
	"github.com/AleutianAI/intentcascade/services/intent/routing"
)

// requestIDHeader carries the caller's request id, echoed on every response.
const requestIDHeader = "X-Request-ID"

// =============================================================================
// Response types
// =============================================================================

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// RouteResponse is the body of POST /v1/intent/route.
//
// ConfigError is set when the tenant's configuration is broken. The result
// is still usable: it carries the default fallback reply.
type RouteResponse struct {
	routing.MatchResult
	ScenarioID  string `json:"scenario_id,omitempty"`
	ConfigError string `json:"config_error,omitempty"`
}

// LedgerResponse is the body of GET /v1/intent/ledger/:tenant.
type LedgerResponse struct {
	TenantID           string         `json:"tenant_id"`
	Date               string         `json:"date"`
	Today              ledger.Entry   `json:"today"`
	HitRate            float64        `json:"hit_rate"`
	DailyBudgetUSD     float64        `json:"daily_budget_usd"`
	RemainingBudgetUSD float64        `json:"remaining_budget_usd"`
	WarmupDisabled     bool           `json:"warmup_disabled"`
	DisabledSince      *time.Time     `json:"disabled_since,omitempty"`
	History            []ledger.Entry `json:"history"`
}

// EnableWarmupResponse is the body of POST /v1/intent/warmup/:tenant/enable.
type EnableWarmupResponse struct {
	TenantID    string `json:"tenant_id"`
	WasDisabled bool   `json:"was_disabled"`
}

// =============================================================================
// Handlers
// =============================================================================

// Handlers serves the intent HTTP API.
//
// Thread Safety: Safe for concurrent use.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleRoute handles POST /v1/intent/route.
//
// # Description
//
// Routes one utterance and returns the MatchResult with its reply. A
// configuration defect for the tenant is not an HTTP error: the response is
// 200 with config_error set and the default fallback reply, so the calling
// voice agent always has something to say.
//
// # Response
//
//	200 OK: RouteResponse
//	400 Bad Request: Malformed body or missing tenant_id/utterance
func (h *Handlers) HandleRoute(c *gin.Context) {
	var req routing.RouteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
		return
	}

	res, err := h.svc.Router().Route(c.Request.Context(), req)
	resp := RouteResponse{MatchResult: res, ScenarioID: res.ScenarioID()}
	if err != nil {
		resp.ConfigError = err.Error()
		slog.Warn("route returned config error",
			slog.String("request_id", requestID(c)),
			slog.String("tenant_id", req.TenantID),
			slog.String("error", err.Error()),
		)
	}
	c.JSON(http.StatusOK, resp)
}

// HandleLedger handles GET /v1/intent/ledger/:tenant.
//
// # Response
//
//	200 OK: LedgerResponse
//	404 Not Found: Tenant not in the catalog
//	500 Internal Server Error: Tenant configuration is invalid
func (h *Handlers) HandleLedger(c *gin.Context) {
	tenantID := c.Param("tenant")
	eff, _, err := h.svc.Router().Resolve(c.Request.Context(), tenantID)
	if err != nil {
		h.writeConfigError(c, tenantID, err)
		return
	}

	l := h.svc.Router().Ledger()
	today := l.TodayEntry(tenantID)
	history := l.Entries(tenantID)
	if history == nil {
		history = []ledger.Entry{}
	}
	resp := LedgerResponse{
		TenantID:           tenantID,
		Date:               l.Today(),
		Today:              today,
		HitRate:            today.HitRate(),
		DailyBudgetUSD:     eff.DailyBudgetUSD,
		RemainingBudgetUSD: l.RemainingBudget(tenantID, eff.DailyBudgetUSD),
		History:            history,
	}
	if off, since := l.WarmupDisabled(tenantID); off {
		resp.WarmupDisabled = true
		resp.DisabledSince = &since
	}
	c.JSON(http.StatusOK, resp)
}

// HandleEnableWarmup handles POST /v1/intent/warmup/:tenant/enable.
//
// Clears a tripped hit-rate breaker. The breaker only re-trips on days after
// today.
func (h *Handlers) HandleEnableWarmup(c *gin.Context) {
	tenantID := c.Param("tenant")
	if _, _, err := h.svc.Router().Resolve(c.Request.Context(), tenantID); err != nil {
		h.writeConfigError(c, tenantID, err)
		return
	}
	was := h.svc.Router().EnableWarmup(tenantID)
	slog.Info("warmup manually enabled",
		slog.String("request_id", requestID(c)),
		slog.String("tenant_id", tenantID),
		slog.Bool("was_disabled", was),
	)
	c.JSON(http.StatusOK, EnableWarmupResponse{TenantID: tenantID, WasDisabled: was})
}

// HandleHealth handles GET /v1/intent/health. Liveness only.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": int64(h.svc.Uptime().Seconds()),
	})
}

// HandleReady handles GET /v1/intent/ready.
//
// 503 until Service.Start has completed and a catalog is loaded.
func (h *Handlers) HandleReady(c *gin.Context) {
	snap := h.svc.Router().Store().Snapshot()
	if !h.svc.Ready() || snap == nil || snap.Catalog == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":           "ready",
		"catalog_revision": snap.Revision,
		"tenants":          len(snap.Catalog.Tenants),
	})
}

func (h *Handlers) writeConfigError(c *gin.Context, tenantID string, err error) {
	if errors.Is(err, config.ErrMissingTenant) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "tenant " + tenantID + " not found", Code: "TENANT_NOT_FOUND"})
		return
	}
	slog.Error("tenant configuration invalid",
		slog.String("request_id", requestID(c)),
		slog.String("tenant_id", tenantID),
		slog.String("error", err.Error()),
	)
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "CONFIG_ERROR"})
}

// =============================================================================
// Middleware
// =============================================================================

// RequestIDMiddleware propagates or assigns X-Request-ID.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func requestID(c *gin.Context) string {
	if v, ok := c.Get(requestIDHeader); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
