// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// Mirror is a secondary, best-effort destination for entry snapshots (for
// example a time-series database). Mirror failures never affect the Store.
type Mirror interface {
	WriteEntry(ctx context.Context, e Entry) error
}

// WriterOptions configures a Writer.
type WriterOptions struct {
	// MaxAttempts per entry, including the first. Default 4.
	MaxAttempts int

	// BaseDelay is the first retry delay; later delays double. Default 50ms.
	BaseDelay time.Duration

	// WriteTimeout bounds one store write. Default 2s.
	WriteTimeout time.Duration

	Mirrors []Mirror
	Logger  *slog.Logger
}

// Writer persists ledger snapshots off the request path.
//
// # Description
//
// Enqueue never blocks. Snapshots are coalesced per (tenant, date): an entry
// is cumulative, so when several updates land before the flush loop runs,
// only the newest is written. Store writes are retried with exponential
// backoff and jitter; an entry that still fails is logged and counted, and
// the next update for that tenant-day will carry its data anyway.
//
// # Thread Safety
//
// Safe for concurrent use.
type Writer struct {
	store   Store
	mirrors []Mirror
	opts    WriterOptions
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[dayKey]Entry
	order   []dayKey
	closed  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewWriter creates a Writer. Call Run to start flushing and Close to drain.
func NewWriter(store Store, opts WriterOptions) *Writer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 50 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:   store,
		mirrors: opts.Mirrors,
		opts:    opts,
		logger:  logger,
		pending: make(map[dayKey]Entry),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Enqueue schedules e for persistence. Safe to call after Close (dropped).
func (w *Writer) Enqueue(e Entry) {
	k := dayKey{tenant: e.TenantID, date: e.Date}
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	if _, queued := w.pending[k]; !queued {
		w.order = append(w.order, k)
	}
	w.pending[k] = e
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run flushes queued entries until ctx is done or Close is called, then
// drains what is left.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.flush(context.Background())
			return
		case <-w.wake:
			w.flush(ctx)
			w.mu.Lock()
			closed := w.closed
			w.mu.Unlock()
			if closed {
				w.flush(context.Background())
				return
			}
		}
	}
}

// Close stops accepting entries and waits for Run to drain, bounded by ctx.
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		select {
		case w.wake <- struct{}{}:
		default:
		}
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns how many tenant-days await a write.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *Writer) flush(ctx context.Context) {
	for {
		w.mu.Lock()
		if len(w.order) == 0 {
			w.mu.Unlock()
			return
		}
		k := w.order[0]
		w.order = w.order[1:]
		e := w.pending[k]
		delete(w.pending, k)
		w.mu.Unlock()

		w.write(ctx, e)
	}
}

func (w *Writer) write(ctx context.Context, e Entry) {
	if w.store != nil {
		var err error
		for attempt := 0; attempt < w.opts.MaxAttempts; attempt++ {
			if attempt > 0 {
				select {
				case <-time.After(backoff(w.opts.BaseDelay, attempt)):
				case <-ctx.Done():
					// Draining after shutdown: one last immediate try.
					ctx = context.Background()
				}
			}
			wctx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
			err = w.store.SaveLedgerEntry(wctx, e)
			cancel()
			if err == nil {
				break
			}
		}
		if err != nil {
			writeFailuresTotal.WithLabelValues("store").Inc()
			w.logger.Error("ledger write failed",
				slog.String("tenant_id", e.TenantID),
				slog.String("date", e.Date),
				slog.Int("attempts", w.opts.MaxAttempts),
				slog.String("error", err.Error()),
			)
		}
	}

	for _, m := range w.mirrors {
		mctx, cancel := context.WithTimeout(ctx, w.opts.WriteTimeout)
		if err := m.WriteEntry(mctx, e); err != nil {
			writeFailuresTotal.WithLabelValues("mirror").Inc()
			w.logger.Warn("ledger mirror write failed",
				slog.String("tenant_id", e.TenantID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

// backoff returns base * 2^attempt with ±25% jitter, capped at 5s.
func backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 16 {
		attempt = 16
	}
	d := base * time.Duration(1<<uint(attempt))
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	if d < 4 {
		return d
	}
	jitter := time.Duration(rand.Int64N(int64(d)/2)) - d/4
	return d + jitter
}
