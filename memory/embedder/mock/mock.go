// Package mock provides a deterministic embedder for tests and offline
// development. No model is involved: vectors derive from token hashes.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Embedder produces deterministic embeddings as the normalized sum of
// per-token hash vectors. Texts sharing tokens get similar vectors, which
// is enough to exercise similarity search without a real model.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the given dimensionality. A non-positive
// value falls back to 384.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Embedder{dimensions: dimensions}
}

// Embed converts text to a unit vector.
func (e *Embedder) Embed(_ context.Context, text string) ([]float32, error) {
	sum := make([]float32, e.dimensions)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		vec := e.tokenVector(token)
		for i, v := range vec {
			sum[i] += v
		}
	}
	return normalize(sum), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// tokenVector expands a token hash into a pseudo-random vector via an LCG.
func (e *Embedder) tokenVector(token string) []float32 {
	h := fnv.New64a()
	h.Write([]byte(token))
	seed := h.Sum64()

	vec := make([]float32, e.dimensions)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return vec
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
