// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger tracks per-tenant daily Tier3 spend and warmup outcomes,
// enforces the daily budget, runs the hit-rate circuit breaker that disables
// warmup for tenants whose speculative calls are mostly wasted, and promotes
// LLM-discovered phrasings back into Tier1.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// dateLayout is the ledger's day bucket format. Days are UTC.
const dateLayout = "2006-01-02"

// ErrBudgetExhausted is returned by Reserve when the tenant's remaining daily
// budget cannot cover the estimate.
var ErrBudgetExhausted = errors.New("daily budget exhausted")

// =============================================================================
// Entry
// =============================================================================

// Entry is one tenant's aggregate for one UTC day.
type Entry struct {
	TenantID       string    `json:"tenant_id"`
	Date           string    `json:"date"`
	TriggeredCount int64     `json:"triggered_count"`
	UsedCount      int64     `json:"used_count"`
	CancelledCount int64     `json:"cancelled_count"`
	FailedCount    int64     `json:"failed_count"`
	Tier3Calls     int64     `json:"tier3_calls"`
	TotalCostUSD   float64   `json:"total_cost_usd"`
	LateCostUSD    float64   `json:"late_cost_usd"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HitRate returns UsedCount / TriggeredCount, or 0 when nothing was triggered.
func (e Entry) HitRate() float64 {
	if e.TriggeredCount == 0 {
		return 0
	}
	return float64(e.UsedCount) / float64(e.TriggeredCount)
}

// Outcome is an atomic increment applied to today's entry.
type Outcome struct {
	Triggered int64
	Used      int64
	Cancelled int64
	Failed    int64
	Tier3Call int64
	CostUSD   float64
	// Late marks CostUSD as spend reported by a call whose result was
	// discarded. It is counted in TotalCostUSD and also in LateCostUSD.
	Late bool
}

// BreakerPolicy configures the hit-rate circuit breaker for one tenant.
type BreakerPolicy struct {
	MinimumHitRate float64
	WindowDays     int
	MinSamples     int
}

// Sink receives entry snapshots after every mutation. Writer implements it.
type Sink interface {
	Enqueue(e Entry)
}

// Options configures a Ledger.
type Options struct {
	// Clock returns the current time. Nil uses time.Now.
	Clock func() time.Time

	// Sink receives snapshots for persistence. May be nil.
	Sink Sink

	Logger *slog.Logger
}

type dayKey struct {
	tenant string
	date   string
}

type disabledState struct {
	at     time.Time
	reason string
}

// =============================================================================
// Ledger
// =============================================================================

// Ledger is the per-tenant, per-day accounting state.
//
// # Description
//
// All counters and costs for a tenant-day live in one Entry guarded by a
// single mutex, so concurrent calls for the same tenant never lose an
// update. Budget checks see committed cost plus outstanding reservations,
// which keeps two concurrent Tier3 calls from jointly overspending.
//
// Persistence is decoupled: every mutation hands a snapshot to the Sink,
// which writes it asynchronously. A slow or failing store never delays a
// routing decision.
//
// # Thread Safety
//
// Safe for concurrent use.
type Ledger struct {
	mu           sync.Mutex
	days         map[dayKey]*Entry
	reserved     map[dayKey]float64
	disabled     map[string]disabledState
	enabledSince map[string]string

	clock  func() time.Time
	sink   Sink
	logger *slog.Logger
}

// New creates an empty Ledger.
func New(opts Options) *Ledger {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		days:         make(map[dayKey]*Entry),
		reserved:     make(map[dayKey]float64),
		disabled:     make(map[string]disabledState),
		enabledSince: make(map[string]string),
		clock:        clock,
		sink:         opts.Sink,
		logger:       logger,
	}
}

// Today returns the current UTC day bucket.
func (l *Ledger) Today() string {
	return l.clock().UTC().Format(dateLayout)
}

// Record applies an outcome to today's entry for tenantID.
func (l *Ledger) Record(tenantID string, o Outcome) Entry {
	l.mu.Lock()
	e := l.entryLocked(dayKey{tenant: tenantID, date: l.Today()})
	applyOutcome(e, o)
	e.UpdatedAt = l.clock().UTC()
	snapshot := *e
	l.mu.Unlock()

	if o.CostUSD > 0 {
		costUSDTotal.Add(o.CostUSD)
		if o.Late {
			lateCostUSDTotal.Add(o.CostUSD)
		}
	}
	l.emit(snapshot)
	return snapshot
}

func applyOutcome(e *Entry, o Outcome) {
	e.TriggeredCount += o.Triggered
	e.UsedCount += o.Used
	e.CancelledCount += o.Cancelled
	e.FailedCount += o.Failed
	e.Tier3Calls += o.Tier3Call
	if o.CostUSD > 0 {
		e.TotalCostUSD += o.CostUSD
		if o.Late {
			e.LateCostUSD += o.CostUSD
		}
	}
}

func (l *Ledger) entryLocked(k dayKey) *Entry {
	e, ok := l.days[k]
	if !ok {
		e = &Entry{TenantID: k.tenant, Date: k.date}
		l.days[k] = e
	}
	return e
}

func (l *Ledger) emit(e Entry) {
	if l.sink != nil {
		l.sink.Enqueue(e)
	}
}

// =============================================================================
// Budget
// =============================================================================

// RemainingBudget returns dailyBudgetUSD minus today's committed cost and
// outstanding reservations, floored at zero.
func (l *Ledger) RemainingBudget(tenantID string, dailyBudgetUSD float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remainingLocked(dayKey{tenant: tenantID, date: l.Today()}, dailyBudgetUSD)
}

func (l *Ledger) remainingLocked(k dayKey, dailyBudgetUSD float64) float64 {
	spent := 0.0
	if e, ok := l.days[k]; ok {
		spent = e.TotalCostUSD
	}
	remaining := dailyBudgetUSD - spent - l.reserved[k]
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reservation holds estimated spend against a tenant-day until the billable
// call settles or is abandoned.
//
// # Thread Safety
//
// Settle and Release are safe to call concurrently; only the first call has
// effect.
type Reservation struct {
	ledger *Ledger
	key    dayKey
	amount float64
	once   sync.Once
}

// Reserve holds estimateUSD against today's budget.
//
// # Description
//
// Refuses when the remaining budget is zero or less, or when the estimate
// exceeds it. A zero estimate is allowed as long as some budget remains.
//
// # Outputs
//
//   - *Reservation: Must be settled or released.
//   - error: ErrBudgetExhausted (wrapped) when refused.
func (l *Ledger) Reserve(tenantID string, dailyBudgetUSD, estimateUSD float64) (*Reservation, error) {
	if estimateUSD < 0 {
		estimateUSD = 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := dayKey{tenant: tenantID, date: l.Today()}
	remaining := l.remainingLocked(k, dailyBudgetUSD)
	if remaining <= 0 || estimateUSD > remaining {
		budgetRefusalsTotal.Inc()
		return nil, fmt.Errorf("tenant %s: remaining $%.4f, estimate $%.4f: %w", tenantID, remaining, estimateUSD, ErrBudgetExhausted)
	}
	l.reserved[k] += estimateUSD
	return &Reservation{ledger: l, key: k, amount: estimateUSD}, nil
}

// Settle releases the reservation and records the actual outcome against the
// reservation's day.
func (r *Reservation) Settle(o Outcome) {
	r.once.Do(func() {
		l := r.ledger
		l.mu.Lock()
		l.releaseLocked(r.key, r.amount)
		e := l.entryLocked(r.key)
		applyOutcome(e, o)
		e.UpdatedAt = l.clock().UTC()
		snapshot := *e
		l.mu.Unlock()

		if o.CostUSD > 0 {
			costUSDTotal.Add(o.CostUSD)
			if o.Late {
				lateCostUSDTotal.Add(o.CostUSD)
			}
		}
		l.emit(snapshot)
	})
}

// Release drops the reservation without recording anything.
func (r *Reservation) Release() {
	r.once.Do(func() {
		r.ledger.mu.Lock()
		r.ledger.releaseLocked(r.key, r.amount)
		r.ledger.mu.Unlock()
	})
}

func (l *Ledger) releaseLocked(k dayKey, amount float64) {
	left := l.reserved[k] - amount
	if left <= 1e-12 {
		delete(l.reserved, k)
		return
	}
	l.reserved[k] = left
}

// =============================================================================
// Circuit breaker
// =============================================================================

// WarmupAllowed reports whether the breaker permits warmup for tenantID.
//
// # Description
//
// The breaker trips when each of the last WindowDays completed days (today
// excluded) triggered at least MinSamples warmups (minimum 1) and had a hit
// rate below MinimumHitRate. Days before the most recent manual re-enable do
// not count. Once tripped, warmup stays disabled until EnableWarmup.
//
// # Outputs
//
//   - bool: False when disabled.
//   - string: The reason when disabled.
func (l *Ledger) WarmupAllowed(tenantID string, p BreakerPolicy) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, off := l.disabled[tenantID]; off {
		return false, st.reason
	}
	if p.WindowDays <= 0 || p.MinimumHitRate <= 0 {
		return true, ""
	}
	minSamples := int64(p.MinSamples)
	if minSamples < 1 {
		minSamples = 1
	}

	now := l.clock().UTC()
	since := l.enabledSince[tenantID]
	var rates []float64
	for d := 1; d <= p.WindowDays; d++ {
		date := now.AddDate(0, 0, -d).Format(dateLayout)
		if since != "" && date < since {
			return true, ""
		}
		e, ok := l.days[dayKey{tenant: tenantID, date: date}]
		if !ok || e.TriggeredCount < minSamples || e.HitRate() >= p.MinimumHitRate {
			return true, ""
		}
		rates = append(rates, e.HitRate())
	}

	reason := fmt.Sprintf("hit rate below %.2f for %d consecutive days", p.MinimumHitRate, p.WindowDays)
	l.disabled[tenantID] = disabledState{at: now, reason: reason}
	autoDisabledTotal.Inc()
	l.logger.Warn("warmup auto-disabled",
		slog.String("tenant_id", tenantID),
		slog.Float64("minimum_hit_rate", p.MinimumHitRate),
		slog.Int("window_days", p.WindowDays),
		slog.Any("daily_hit_rates", rates),
	)
	return false, reason
}

// EnableWarmup clears an auto-disable. Only days from today onward count
// toward the next trip.
func (l *Ledger) EnableWarmup(tenantID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, was := l.disabled[tenantID]
	delete(l.disabled, tenantID)
	l.enabledSince[tenantID] = l.clock().UTC().Format(dateLayout)
	if was {
		l.logger.Info("warmup re-enabled", slog.String("tenant_id", tenantID))
	}
	return was
}

// WarmupDisabled reports whether the breaker is tripped, and since when.
func (l *Ledger) WarmupDisabled(tenantID string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, off := l.disabled[tenantID]
	return off, st.at
}

// =============================================================================
// Reads and restore
// =============================================================================

// Entry returns the entry for a tenant and date (YYYY-MM-DD).
func (l *Ledger) Entry(tenantID, date string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.days[dayKey{tenant: tenantID, date: date}]; ok {
		return *e
	}
	return Entry{TenantID: tenantID, Date: date}
}

// TodayEntry returns today's entry for tenantID.
func (l *Ledger) TodayEntry(tenantID string) Entry {
	return l.Entry(tenantID, l.Today())
}

// Entries returns all in-memory entries for tenantID ordered by date.
func (l *Ledger) Entries(tenantID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for k, e := range l.days {
		if k.tenant == tenantID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

// Restore seeds the ledger with persisted entries, e.g. at startup so a
// restart does not reset today's spend. Existing in-memory entries win.
func (l *Ledger) Restore(entries []Entry) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range entries {
		k := dayKey{tenant: e.TenantID, date: e.Date}
		if _, exists := l.days[k]; exists {
			continue
		}
		cp := e
		l.days[k] = &cp
		n++
	}
	return n
}
