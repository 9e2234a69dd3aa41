// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routing

// =============================================================================
// VectorStore: Tier2 scenario vector persistence
// =============================================================================
//
// Scenario vectors change only when a pool's triggers or the embedding model
// change, but a remote embedder can take hundreds of milliseconds per pool.
// Vectors are persisted in BadgerDB keyed by a corpus hash so a restart or a
// pool rebuild with identical content skips the embedder entirely.
//
// Storage layout:
//
//	routing/emb/v1/{corpusHash}  →  gob-encoded map[string][][]float32
//	                                 (scenario id → unit vectors, one per doc)
//	                                 TTL: 7 days

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	dgbadger "github.com/dgraph-io/badger/v4"

	badgerstore "github.com/AleutianAI/intentcascade/services/intent/storage/badger"
)

// vectorCacheDefaultTTL is the default lifetime of a cached vector set.
const vectorCacheDefaultTTL = 7 * 24 * time.Hour

// VectorCacheKeyPrefix is prepended to the corpus hash to form the key.
const VectorCacheKeyPrefix = "routing/emb/v1/"

// errCacheMiss distinguishes a missing key from a storage error.
var errCacheMiss = errors.New("cache miss")

// VectorStore persists scenario vectors by corpus hash.
//
// Thread Safety: Implementations must be safe for concurrent use.
type VectorStore interface {
	// LoadVectors returns the vectors for corpusHash, or (nil, nil) on a miss.
	LoadVectors(ctx context.Context, corpusHash string) (map[string][][]float32, error)

	// SaveVectors stores vectors under corpusHash. Empty input is a no-op.
	SaveVectors(ctx context.Context, corpusHash string, vectors map[string][][]float32) error
}

// VectorCacheEntry summarizes one persisted vector set.
type VectorCacheEntry struct {
	CorpusHash string
	Scenarios  int
	Vectors    int
	Dimensions int
	SizeBytes  int
	ExpiresAt  time.Time
}

// BadgerVectorStore implements VectorStore on BadgerDB with native TTL.
//
// # Thread Safety
//
// Safe for concurrent use. BadgerDB transactions are serializable.
type BadgerVectorStore struct {
	db     *badgerstore.DB
	ttl    time.Duration
	logger *slog.Logger
}

// NewBadgerVectorStore creates a store. ttl <= 0 uses 7 days.
func NewBadgerVectorStore(db *badgerstore.DB, ttl time.Duration, logger *slog.Logger) *BadgerVectorStore {
	if ttl <= 0 {
		ttl = vectorCacheDefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerVectorStore{db: db, ttl: ttl, logger: logger}
}

// LoadVectors implements VectorStore.
func (s *BadgerVectorStore) LoadVectors(ctx context.Context, corpusHash string) (map[string][][]float32, error) {
	key := vectorCacheKey(corpusHash)

	var raw []byte
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, dgbadger.ErrKeyNotFound) {
			return errCacheMiss
		}
		if err != nil {
			return fmt.Errorf("get cache key: %w", err)
		}
		raw, err = item.ValueCopy(nil)
		if err != nil {
			return fmt.Errorf("copy value: %w", err)
		}
		return nil
	})
	if errors.Is(err, errCacheMiss) {
		s.logger.Debug("vector cache: miss", slog.String("hash", shortHash(corpusHash)))
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vector cache load: %w", err)
	}

	vectors, err := gobDecode(raw)
	if err != nil {
		return nil, fmt.Errorf("vector cache decode: %w", err)
	}
	s.logger.Debug("vector cache: hit",
		slog.String("hash", shortHash(corpusHash)),
		slog.Int("scenario_count", len(vectors)),
	)
	return vectors, nil
}

// SaveVectors implements VectorStore.
func (s *BadgerVectorStore) SaveVectors(ctx context.Context, corpusHash string, vectors map[string][][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	raw, err := gobEncode(vectors)
	if err != nil {
		return fmt.Errorf("vector cache encode: %w", err)
	}

	key := vectorCacheKey(corpusHash)
	err = s.db.WithTxn(ctx, func(txn *dgbadger.Txn) error {
		return txn.SetEntry(dgbadger.NewEntry(key, raw).WithTTL(s.ttl))
	})
	if err != nil {
		return fmt.Errorf("vector cache save: %w", err)
	}
	s.logger.Debug("vector cache: saved",
		slog.String("hash", shortHash(corpusHash)),
		slog.Int("scenario_count", len(vectors)),
		slog.Duration("ttl", s.ttl),
	)
	return nil
}

// Entries lists every persisted vector set, ordered by corpus hash.
func (s *BadgerVectorStore) Entries(ctx context.Context) ([]VectorCacheEntry, error) {
	var out []VectorCacheEntry
	err := s.db.WithReadTxn(ctx, func(txn *dgbadger.Txn) error {
		opts := dgbadger.DefaultIteratorOptions
		opts.Prefix = []byte(VectorCacheKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value: %w", err)
			}
			vectors, err := gobDecode(raw)
			if err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			entry := VectorCacheEntry{
				CorpusHash: strings.TrimPrefix(string(item.Key()), VectorCacheKeyPrefix),
				Scenarios:  len(vectors),
				SizeBytes:  len(raw),
			}
			for _, vs := range vectors {
				entry.Vectors += len(vs)
				if len(vs) > 0 && entry.Dimensions == 0 {
					entry.Dimensions = len(vs[0])
				}
			}
			if exp := item.ExpiresAt(); exp > 0 {
				entry.ExpiresAt = time.Unix(int64(exp), 0).UTC()
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("vector cache entries: %w", err)
	}
	return out, nil
}

// =============================================================================
// Helpers
// =============================================================================

// computeCorpusHash returns a stable SHA-256 over the scenario documents and
// the embedding model. Any change to either yields a new hash.
func computeCorpusHash(docs map[string][]string, model string) string {
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := sha256.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%s\t%s\n", id, strings.Join(docs[id], "\x1f"))
	}
	fmt.Fprintf(h, "model=%s\n", model)
	return hex.EncodeToString(h.Sum(nil))
}

func vectorCacheKey(corpusHash string) []byte {
	return []byte(VectorCacheKeyPrefix + corpusHash)
}

// shortHash returns the first 12 characters of a hash for logging.
func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func gobEncode(vectors map[string][][]float32) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(vectors); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(data []byte) (map[string][][]float32, error) {
	var vectors map[string][][]float32
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&vectors); err != nil {
		return nil, err
	}
	return vectors, nil
}
