package embedding

import (
	"context"
	"fmt"
	"sync"
)

// LoadFn constructs the underlying embedder, typically loading model
// weights. It runs at most once, on first use.
type LoadFn func() (Embedder, error)

// Lazy defers model loading until the first embed call, guarded by a
// sync.Once. A failed load is sticky: subsequent calls return
// ErrUnavailable without retrying, and callers degrade to lexical search.
type Lazy struct {
	dim  int
	load LoadFn

	once    sync.Once
	inner   Embedder
	loadErr error
}

// NewLazy wraps a loader. dim is the advertised dimensionality, known from
// configuration before the model is loaded.
func NewLazy(dim int, load LoadFn) *Lazy {
	return &Lazy{dim: dim, load: load}
}

func (l *Lazy) get() (Embedder, error) {
	l.once.Do(func() {
		l.inner, l.loadErr = l.load()
		if l.loadErr == nil && l.inner == nil {
			l.loadErr = fmt.Errorf("%w: loader returned nil", ErrUnavailable)
		}
	})
	if l.loadErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, l.loadErr)
	}
	return l.inner, nil
}

// Embed loads the model on first use, then delegates.
func (l *Lazy) Embed(ctx context.Context, text string) ([]float32, error) {
	e, err := l.get()
	if err != nil {
		return nil, err
	}
	return e.Embed(ctx, text)
}

// EmbedBatch loads the model on first use, then delegates.
func (l *Lazy) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	e, err := l.get()
	if err != nil {
		return nil, err
	}
	return e.EmbedBatch(ctx, texts)
}

// Dim returns the configured dimensionality without forcing a load.
func (l *Lazy) Dim() int { return l.dim }
