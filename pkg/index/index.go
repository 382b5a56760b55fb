// Package index defines the metadata + full-text index layer: fast filter
// evaluation and BM25 lexical ranking over memories. The reference
// implementation is backed by SQLite FTS5.
//
// The index is a rebuildable projection of persistence; it is never the
// authoritative copy.
package index

import (
	"context"

	"github.com/subcog-dev/subcog/pkg/memory"
)

// ScoredID is an index search result: a memory id with its relevance score.
// SearchText reports the raw BM25 relevance (higher is better); SearchFilter
// reports a constant 1.0.
type ScoredID struct {
	ID    string
	Score float64
}

// Stats summarizes the indexed population.
type Stats struct {
	TotalIndexed int64
	Bytes        int64
}

// Config carries index tuning knobs.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// BM25K1 and BM25B carry the term-frequency saturation and length
	// normalization knobs (defaults 1.2, 0.75). SQLiteIndex does not apply
	// them: FTS5's bm25() always ranks with 1.2 and 0.75.
	BM25K1 float64
	BM25B  float64
}

// DefaultConfig returns the default index configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path, BM25K1: 1.2, BM25B: 0.75}
}

// Backend answers two query shapes: filter-only id sets and BM25-ranked
// lexical search, both subject to a SearchFilter. Implementations are safe
// for concurrent use.
type Backend interface {
	// Initialize creates the schema. Called once at startup.
	Initialize(ctx context.Context) error

	// Migrate applies schema migrations up to the given version.
	Migrate(ctx context.Context, version int) error

	// Index adds or overwrites the entry for m.
	Index(ctx context.Context, m *memory.Memory) error

	// Remove deletes the entry. Idempotent.
	Remove(ctx context.Context, id string) error

	// SearchText ranks ids by BM25 relevance to query, subject to filter.
	// Tombstones are excluded unless the filter requests them explicitly.
	SearchText(ctx context.Context, query string, filter memory.SearchFilter, limit int) ([]ScoredID, error)

	// SearchFilter returns ids satisfying the filter with constant score
	// 1.0. Tag-equality probes (the dedup hash tag in particular) are point
	// lookups.
	SearchFilter(ctx context.Context, filter memory.SearchFilter, limit int) ([]ScoredID, error)

	// Stats reports the indexed population.
	Stats(ctx context.Context) (Stats, error)

	// Close releases resources.
	Close() error
}
