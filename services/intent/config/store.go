// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce coalesces the burst of events editors produce on save.
const reloadDebounce = 200 * time.Millisecond

// Snapshot is one immutable generation of the catalog.
type Snapshot struct {
	Catalog  *Catalog
	Revision uint64
	LoadedAt time.Time
}

// Store serves the current catalog snapshot and reloads it when the file
// changes.
//
// # Description
//
// Readers call Snapshot and get an immutable *Snapshot; a reload swaps the
// pointer atomically, so a call in flight keeps the generation it started
// with. A reload that fails to parse or validate is logged and the previous
// snapshot stays active.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	path    string
	current atomic.Pointer[Snapshot]
	rev     atomic.Uint64
	logger  *slog.Logger

	mu        sync.Mutex
	listeners []func(*Snapshot)
}

// NewStore loads the catalog at path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewStaticStore wraps an in-memory catalog. Watch is a no-op on it.
func NewStaticStore(c *Catalog, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{logger: logger}
	s.Replace(c)
	return s
}

// Snapshot returns the active catalog generation.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Path returns the backing file, or "" for a static store.
func (s *Store) Path() string { return s.path }

// OnReload registers fn to run after every successful swap.
func (s *Store) OnReload(fn func(*Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Replace installs c as the next generation.
func (s *Store) Replace(c *Catalog) *Snapshot {
	snap := &Snapshot{Catalog: c, Revision: s.rev.Add(1), LoadedAt: time.Now()}
	s.current.Store(snap)

	s.mu.Lock()
	listeners := append([]func(*Snapshot){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return snap
}

// Reload re-reads the catalog file. On error the active snapshot is kept.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	c, err := LoadCatalog(s.path)
	if err != nil {
		return err
	}
	snap := s.Replace(c)
	s.logger.Info("intent catalog loaded",
		slog.String("path", s.path),
		slog.Uint64("revision", snap.Revision),
		slog.Int("templates", len(c.Templates)),
		slog.Int("tenants", len(c.Tenants)),
	)
	return nil
}

// Watch reloads the catalog whenever its file changes, until ctx is done.
//
// # Description
//
// The parent directory is watched rather than the file itself so that
// editors and config-management tools that replace the file by rename are
// picked up. Events are debounced.
//
// # Outputs
//
//   - error: Non-nil only if the watcher cannot be started. Reload errors
//     are logged, not returned.
func (s *Store) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("catalog watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(s.path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C
		case <-timerC:
			timerC = nil
			if err := s.Reload(); err != nil {
				s.logger.Error("intent catalog reload failed, keeping previous snapshot",
					slog.String("path", s.path),
					slog.String("error", err.Error()),
				)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("intent catalog watcher error", slog.String("error", err.Error()))
		}
	}
}
