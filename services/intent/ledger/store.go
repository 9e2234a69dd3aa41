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
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"

	badgerstore "github.com/AleutianAI/intentcascade/services/intent/storage/badger"
)

// =============================================================================
// Store Interfaces
// =============================================================================

// LearnedPattern is a phrase-to-scenario mapping discovered by Tier3.
type LearnedPattern struct {
	TenantID     string    `json:"tenant_id"`
	Phrase       string    `json:"phrase"`
	ScenarioID   string    `json:"scenario_id"`
	Confidence   float64   `json:"confidence"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Source       string    `json:"source"`
	Repeats      int       `json:"repeats"`
}

// PatternSourceLLM marks patterns discovered by the Tier3 fallback.
const PatternSourceLLM = "llm"

// Store is the durable sink the engine writes through. It is the only
// persistence the engine depends on.
type Store interface {
	// SaveLedgerEntry upserts the entry for (TenantID, Date).
	SaveLedgerEntry(ctx context.Context, e Entry) error

	// PromotePattern records p for tenantID. Returns false, nil when the same
	// (scenario, phrase) was already promoted.
	PromotePattern(ctx context.Context, tenantID string, p LearnedPattern) (bool, error)
}

// Reader is implemented by stores that can reload state at startup.
type Reader interface {
	LoadLedgerEntries(ctx context.Context, tenantID string) ([]Entry, error)
	ListPatterns(ctx context.Context, tenantID string) ([]LearnedPattern, error)
}

// =============================================================================
// BadgerStore
// =============================================================================

const (
	ledgerKeyPrefix  = "ledger/v1/"
	patternKeyPrefix = "pattern/v1/"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// errPatternExists distinguishes an idempotent no-op inside the promotion
// transaction.
var errPatternExists = errors.New("pattern exists")

// BadgerStore implements Store and Reader on a BadgerDB.
//
// # Description
//
// Storage layout:
//
//	ledger/v1/{tenant}/{date}                          →  JSON Entry
//	pattern/v1/{tenant}/{scenario}/{sha256(phrase)[:16]} →  JSON LearnedPattern
//
// Tenant and scenario ids are path-escaped. Promotion checks for the key and
// writes it in one transaction; Badger's conflict detection plus the retry
// in WithTxn make concurrent promotions of the same phrase collapse to one
// write.
//
// # Thread Safety
//
// Safe for concurrent use.
type BadgerStore struct {
	db     *badgerstore.DB
	logger *slog.Logger
}

// NewBadgerStore creates a store over an opened DB. The caller owns the DB.
func NewBadgerStore(db *badgerstore.DB, logger *slog.Logger) *BadgerStore {
	if db == nil {
		panic("NewBadgerStore: db must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger}
}

// SaveLedgerEntry upserts a ledger entry.
func (s *BadgerStore) SaveLedgerEntry(ctx context.Context, e Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ledger encode: %w", err)
	}
	key := ledgerKey(e.TenantID, e.Date)
	return s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.Set(key, raw)
	})
}

// PromotePattern stores p unless the same (scenario, phrase) already exists.
func (s *BadgerStore) PromotePattern(ctx context.Context, tenantID string, p LearnedPattern) (bool, error) {
	p.TenantID = tenantID
	if p.Source == "" {
		p.Source = PatternSourceLLM
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("pattern encode: %w", err)
	}
	key := patternKey(tenantID, p.ScenarioID, p.Phrase)

	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		_, err := txn.Get(key)
		if err == nil {
			return errPatternExists
		}
		if !errors.Is(err, dgbadger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, raw)
	})
	if errors.Is(err, errPatternExists) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pattern promote: %w", err)
	}
	s.logger.Debug("pattern persisted",
		slog.String("tenant_id", tenantID),
		slog.String("scenario_id", p.ScenarioID),
		slog.String("phrase", p.Phrase),
	)
	return true, nil
}

// LoadLedgerEntries returns every stored entry for tenantID ordered by date.
func (s *BadgerStore) LoadLedgerEntries(ctx context.Context, tenantID string) ([]Entry, error) {
	var out []Entry
	err := s.db.ScanPrefix(ctx, []byte(ledgerKeyPrefix+url.PathEscape(tenantID)+"/"), func(_, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("ledger decode: %w", err)
		}
		out = append(out, e)
		return nil
	})
	return out, err
}

// ListPatterns returns every promoted pattern for tenantID. An empty tenantID
// lists all tenants.
func (s *BadgerStore) ListPatterns(ctx context.Context, tenantID string) ([]LearnedPattern, error) {
	prefix := patternKeyPrefix
	if tenantID != "" {
		prefix += url.PathEscape(tenantID) + "/"
	}
	var out []LearnedPattern
	err := s.db.ScanPrefix(ctx, []byte(prefix), func(_, value []byte) error {
		var p LearnedPattern
		if err := json.Unmarshal(value, &p); err != nil {
			return fmt.Errorf("pattern decode: %w", err)
		}
		out = append(out, p)
		return nil
	})
	sort.SliceStable(out, func(i, j int) bool { return out[i].DiscoveredAt.Before(out[j].DiscoveredAt) })
	return out, err
}

// LedgerTenants returns the distinct tenants with stored entries.
func (s *BadgerStore) LedgerTenants(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	err := s.db.ScanPrefix(ctx, []byte(ledgerKeyPrefix), func(key, _ []byte) error {
		rest := strings.TrimPrefix(string(key), ledgerKeyPrefix)
		if i := strings.IndexByte(rest, '/'); i > 0 {
			if t, err := url.PathUnescape(rest[:i]); err == nil {
				seen[t] = true
			}
		}
		return nil
	})
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, err
}

func ledgerKey(tenantID, date string) []byte {
	return []byte(ledgerKeyPrefix + url.PathEscape(tenantID) + "/" + date)
}

func patternKey(tenantID, scenarioID, phrase string) []byte {
	sum := sha256.Sum256([]byte(phrase))
	return []byte(patternKeyPrefix + url.PathEscape(tenantID) + "/" + url.PathEscape(scenarioID) + "/" + hex.EncodeToString(sum[:8]))
}
