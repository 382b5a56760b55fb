// Package embedding defines the text-to-vector interface the engine
// consumes, plus the lazy-loading and circuit-breaking wrappers hosts
// compose around a concrete model client.
//
// Concrete providers (local models, HTTP embedding APIs) live outside the
// core; anything implementing Embedder plugs in.
package embedding

import (
	"context"
	"errors"
)

// Embedder converts text into fixed-dimension vectors.
type Embedder interface {
	// Embed converts a single text string into a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts into vectors in a single call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the dimension of vectors produced by this embedder.
	Dim() int
}

// Errors related to embedder operations
var (
	// ErrNotConfigured is returned when vector operations are requested but
	// no embedder was wired.
	ErrNotConfigured = errors.New("embedding: embedder not configured")

	// ErrEmptyText is returned when an empty text string is provided.
	ErrEmptyText = errors.New("embedding: empty text provided")

	// ErrUnavailable is returned when the embedder exists but cannot
	// currently serve (model failed to load, breaker open). Callers degrade
	// to lexical-only search.
	ErrUnavailable = errors.New("embedding: embedder unavailable")
)

// Base provides a default EmbedBatch built on a single-text embed function.
// Concrete embedders can embed this to get batch support for free.
type Base struct {
	EmbedFn func(ctx context.Context, text string) ([]float32, error)
	DimFn   func() int
}

// Embed calls the underlying embed function for a single text.
func (b *Base) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	return b.EmbedFn(ctx, text)
}

// EmbedBatch embeds each text concurrently.
func (b *Base) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	errs := make([]error, len(texts))

	type result struct {
		idx int
		vec []float32
		err error
	}

	ch := make(chan result, len(texts))
	for i, text := range texts {
		go func(idx int, t string) {
			vec, err := b.Embed(ctx, t)
			ch <- result{idx: idx, vec: vec, err: err}
		}(i, text)
	}

	for range texts {
		r := <-ch
		results[r.idx] = r.vec
		errs[r.idx] = r.err
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results, nil
}

// Dim returns the dimension of vectors.
func (b *Base) Dim() int { return b.DimFn() }
