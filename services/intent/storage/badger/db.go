// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package badger wraps a BadgerDB instance with the open/close lifecycle and
// transaction helpers the intent engine's stores share.
//
// The engine keeps a single service-global DB (ledger entries, learned
// patterns, cached scenario vectors) under one directory. Callers own the
// lifecycle: open in main, pass *DB to the stores, close on shutdown.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
)

// =============================================================================
// Configuration
// =============================================================================

// Config controls how OpenDB opens the underlying BadgerDB.
type Config struct {
	// Path is the on-disk directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in RAM. Used by tests and by intentctl dry runs.
	InMemory bool

	// SyncWrites fsyncs every commit. Off by default: ledger writes are
	// best-effort and retried by the async writer.
	SyncWrites bool

	// ReadOnly opens the DB without write access (intentctl dump commands).
	ReadOnly bool

	// MaxConflictRetries bounds WithTxn retries on ErrConflict.
	MaxConflictRetries int

	// GCInterval is how often RunGC performs value-log GC. Zero disables it.
	GCInterval time.Duration

	// Logger receives lifecycle messages. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the production configuration. Path must be set by the
// caller.
func DefaultConfig() Config {
	return Config{
		MaxConflictRetries: 5,
		GCInterval:         10 * time.Minute,
	}
}

// InMemoryConfig returns a configuration for an ephemeral in-memory DB.
func InMemoryConfig() Config {
	cfg := DefaultConfig()
	cfg.InMemory = true
	cfg.GCInterval = 0
	return cfg
}

// =============================================================================
// DB
// =============================================================================

// DB is a BadgerDB handle with context-aware transaction helpers.
//
// # Thread Safety
//
// Safe for concurrent use. Each transaction helper runs its callback in its
// own Badger transaction.
type DB struct {
	db     *dgbadger.DB
	cfg    Config
	logger *slog.Logger
}

// ErrClosed is returned by transaction helpers after Close.
var ErrClosed = errors.New("badger: db closed")

// OpenDB opens a BadgerDB with the given configuration.
//
// # Inputs
//
//   - cfg: Configuration. Path is required unless InMemory is set.
//
// # Outputs
//
//   - *DB: Opened database. Caller must Close it.
//   - error: Non-nil if the directory is missing, locked, or corrupt.
func OpenDB(cfg Config) (*DB, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, fmt.Errorf("badger: path is required for on-disk mode")
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 1
	}

	var opts dgbadger.Options
	if cfg.InMemory {
		opts = dgbadger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = dgbadger.DefaultOptions(cfg.Path)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithReadOnly(cfg.ReadOnly).
		WithLogger(nil)

	db, err := dgbadger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open %q: %w", cfg.Path, err)
	}

	logger.Debug("badger opened",
		slog.String("path", cfg.Path),
		slog.Bool("in_memory", cfg.InMemory),
		slog.Bool("read_only", cfg.ReadOnly),
	)
	return &DB{db: db, cfg: cfg, logger: logger}, nil
}

// Close flushes and closes the database. Safe to call on a nil *DB.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Badger exposes the raw handle for callers that need iterators or streams.
func (d *DB) Badger() *dgbadger.DB {
	return d.db
}

// WithTxn runs fn inside a read-write transaction and commits it.
//
// # Description
//
// On dgbadger.ErrConflict the whole callback is re-run in a fresh
// transaction, up to Config.MaxConflictRetries times. fn must therefore be
// safe to re-run: read what it needs inside the transaction rather than
// capturing state computed outside it.
//
// # Outputs
//
//   - error: ctx.Err() if the context is done before a commit, fn's error
//     unchanged, or the commit error.
func (d *DB) WithTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if d == nil || d.db == nil || d.db.IsClosed() {
		return ErrClosed
	}
	var err error
	for attempt := 0; attempt < d.cfg.MaxConflictRetries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = d.db.Update(fn)
		if !errors.Is(err, dgbadger.ErrConflict) {
			return err
		}
		d.logger.Debug("badger txn conflict, retrying", slog.Int("attempt", attempt+1))
	}
	return fmt.Errorf("badger: txn conflict after %d attempts: %w", d.cfg.MaxConflictRetries, err)
}

// WithReadTxn runs fn inside a read-only transaction.
func (d *DB) WithReadTxn(ctx context.Context, fn func(txn *dgbadger.Txn) error) error {
	if d == nil || d.db == nil || d.db.IsClosed() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return d.db.View(fn)
}

// ScanPrefix calls fn for every live key under prefix, in key order. Values
// passed to fn are copies and may be retained.
func (d *DB) ScanPrefix(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	return d.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value for %q: %w", item.Key(), err)
			}
			if err := fn(item.KeyCopy(nil), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// RunGC performs value-log garbage collection every Config.GCInterval until
// ctx is done. Returns immediately for in-memory DBs or a zero interval.
func (d *DB) RunGC(ctx context.Context) {
	if d == nil || d.cfg.InMemory || d.cfg.GCInterval <= 0 || d.cfg.ReadOnly {
		return
	}
	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				if err := d.db.RunValueLogGC(0.5); err != nil {
					if !errors.Is(err, dgbadger.ErrNoRewrite) {
						d.logger.Debug("badger value log gc", slog.String("error", err.Error()))
					}
					break
				}
			}
		}
	}
}
