package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker wraps an embedder in a circuit breaker so a flapping model or
// embedding endpoint degrades recall to lexical-only instead of stalling
// every request on a fresh failure.
type Breaker struct {
	inner Embedder
	cb    *gobreaker.CircuitBreaker
}

// BreakerConfig tunes the circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker (default 5).
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before probing again
	// (default 30s).
	OpenTimeout time.Duration
}

// NewBreaker wraps inner with a circuit breaker.
func NewBreaker(inner Embedder, cfg BreakerConfig) *Breaker {
	failures := cfg.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:    "embedder",
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
	}
	return &Breaker{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

// Embed delegates through the breaker.
func (b *Breaker) Embed(ctx context.Context, text string) ([]float32, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.Embed(ctx, text)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return out.([]float32), nil
}

// EmbedBatch delegates through the breaker.
func (b *Breaker) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out, err := b.cb.Execute(func() (any, error) {
		return b.inner.EmbedBatch(ctx, texts)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return nil, err
	}
	return out.([][]float32), nil
}

// Dim returns the wrapped embedder's dimensionality.
func (b *Breaker) Dim() int { return b.inner.Dim() }
