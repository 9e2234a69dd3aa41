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

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"math"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/intentcascade/services/intent/normalize"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Embedder turns texts into vectors for Tier2.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns one vector per text, in order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model identifies the embedding space. Vectors from different models
	// are never compared.
	Model() string
}

// =============================================================================
// Hashing embedder
// =============================================================================

// DefaultHashingDimensions is the vector size when none is configured.
const DefaultHashingDimensions = 256

// HashingModel is the Model() name of HashingEmbedder.
const HashingModel = "hashing-v1"

// HashingEmbedder is a local, deterministic feature-hashing embedder.
//
// # Description
//
// Features are word unigrams (weight 1), word bigrams (0.5) and character
// trigrams of each padded word (0.25). Each feature is hashed with FNV-1a to
// a bucket, with the sign taken from a second hash bit so collisions cancel
// rather than accumulate. Vectors are unit length.
//
// Texts that share words, word order or word stems land close together, which
// is enough for paraphrase-level similarity without a network dependency.
//
// # Thread Safety
//
// Stateless. Safe for concurrent use.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates an embedder with dims buckets.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = DefaultHashingDimensions
	}
	return &HashingEmbedder{dims: dims}
}

// Model implements Embedder.
func (e *HashingEmbedder) Model() string { return fmt.Sprintf("%s-%d", HashingModel, e.dims) }

// Embed implements Embedder. It never fails except on a cancelled context.
func (e *HashingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e *HashingEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dims)
	tokens := normalize.Tokenize(text)
	for i, tok := range tokens {
		e.add(v, "w:"+tok, 1.0)
		if i > 0 {
			e.add(v, "b:"+tokens[i-1]+" "+tok, 0.5)
		}
		padded := []rune("#" + tok + "#")
		for j := 0; j+3 <= len(padded); j++ {
			e.add(v, "c:"+string(padded[j:j+3]), 0.25)
		}
	}
	unitNormalize(v)
	return v
}

func (e *HashingEmbedder) add(v []float32, feature string, weight float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(feature))
	sum := h.Sum64()
	bucket := int(sum % uint64(e.dims))
	if (sum>>63)&1 == 1 {
		weight = -weight
	}
	v[bucket] += weight
}

// =============================================================================
// Ollama embedder
// =============================================================================

// ollamaEmbedConcurrency is the number of parallel Ollama calls for a batch.
const ollamaEmbedConcurrency = 10

// ollamaEmbedReq is the Ollama /api/embed request body.
type ollamaEmbedReq struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// ollamaEmbedResp is the Ollama /api/embed response body.
type ollamaEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// OllamaEmbedder calls an Ollama-compatible /api/embed endpoint.
//
// # Description
//
// One HTTP call per text. Batches fan out with bounded concurrency; the
// first failure cancels the rest and fails the batch so vectors never end
// up misaligned with their texts.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaEmbedder struct {
	url    string
	model  string
	client *http.Client
	logger *slog.Logger
}

// NewOllamaEmbedder creates an embedder for the given endpoint and model.
//
// # Inputs
//
//   - url: Full /api/embed URL.
//   - model: Embedding model name.
//   - timeout: Per-HTTP-call timeout. Zero uses 30s.
//   - logger: May be nil.
func NewOllamaEmbedder(url, model string, timeout time.Duration, logger *slog.Logger) *OllamaEmbedder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OllamaEmbedder{
		url:    url,
		model:  model,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Model implements Embedder.
func (e *OllamaEmbedder) Model() string { return "ollama:" + e.model }

// Embed implements Embedder.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	if len(texts) == 1 {
		v, err := e.embed(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		out[0] = v
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ollamaEmbedConcurrency)
	for i, text := range texts {
		g.Go(func() error {
			v, err := e.embed(gctx, text)
			if err != nil {
				return fmt.Errorf("text %d: %w", i, err)
			}
			out[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("ollama embed batch: %w", err)
	}
	return out, nil
}

// embed calls the Ollama /api/embed endpoint and returns a unit vector.
func (e *OllamaEmbedder) embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(ollamaEmbedReq{Model: e.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("create embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed HTTP call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed service returned %d: %s", resp.StatusCode, string(body))
	}

	var parsed ollamaEmbedResp
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embed service returned empty vector")
	}
	v := parsed.Embeddings[0]
	unitNormalize(v)
	return v, nil
}

// =============================================================================
// Vector helpers
// =============================================================================

// l2Norm computes the L2 (Euclidean) norm of a float32 vector.
func l2Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// unitNormalize scales v to unit length in place. A zero vector is left as is.
func unitNormalize(v []float32) {
	norm := l2Norm(v)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// dotProduct computes the dot product of two float32 vectors.
// Mismatched lengths use the shorter.
func dotProduct(a, b []float32) float32 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float32
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

// cosine returns the similarity of two unit vectors clamped to [0, 1].
func cosine(a, b []float32) float64 {
	s := float64(dotProduct(a, b))
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	default:
		return s
	}
}
