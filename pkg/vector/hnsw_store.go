package vector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/subcog-dev/subcog/internal/encoding"
	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
)

// HNSWConfig tunes the graph index.
type HNSWConfig struct {
	// M is the maximum bi-directional links per node.
	M int
	// EfConstruction is the candidate-list size during insertion.
	EfConstruction int
	// EfSearch is the candidate-list size during queries.
	EfSearch int
	// SnapshotPath persists the graph across restarts. Empty disables
	// snapshots; cold start then rebuilds through reindex.
	SnapshotPath string
}

// DefaultHNSWConfig returns the default HNSW tuning.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{M: 16, EfConstruction: 200, EfSearch: 50}
}

// HNSWBackend is the reference vector backend: an in-memory HNSW graph over
// cosine distance, persisted via a gob snapshot file.
type HNSWBackend struct {
	config HNSWConfig
	logger logging.Logger

	mu     sync.RWMutex
	closed bool
	dims   int
	graph  *hnswGraph
}

// NewHNSW creates an HNSW vector backend. Initialize must be called before
// vectors are stored; when a snapshot exists it is loaded there.
func NewHNSW(cfg HNSWConfig, logger logging.Logger) *HNSWBackend {
	if cfg.M <= 0 {
		cfg.M = 16
	}
	if cfg.EfConstruction <= 0 {
		cfg.EfConstruction = 200
	}
	if cfg.EfSearch <= 0 {
		cfg.EfSearch = 50
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &HNSWBackend{config: cfg, logger: logger}
}

// Initialize fixes the dimensionality and loads the snapshot when present.
func (b *HNSWBackend) Initialize(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return memory.WrapOp("vector_init", fmt.Errorf("dimensions must be positive, got %d", dimensions))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return memory.WrapOp("vector_init", memory.ErrStoreClosed)
	}
	if b.dims != 0 && b.dims != dimensions {
		return memory.WrapOp("vector_init", fmt.Errorf("dimension already fixed at %d, got %d", b.dims, dimensions))
	}

	b.dims = dimensions
	if b.graph == nil {
		b.graph = newHNSWGraph(b.config.M, b.config.EfConstruction, CosineDistance)
	}

	if b.config.SnapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			// A missing or unreadable snapshot is not fatal; the graph is
			// rebuilt from persistence by the next reindex.
			if !errors.Is(err, fs.ErrNotExist) {
				b.logger.Warn("vector snapshot load failed, starting empty", "path", b.config.SnapshotPath, "error", err)
			}
		} else {
			b.logger.Info("vector snapshot loaded", "path", b.config.SnapshotPath, "vectors", b.graph.Size())
		}
	}

	return nil
}

func (b *HNSWBackend) loadSnapshot() error {
	f, err := os.Open(b.config.SnapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return b.graph.Load(f)
}

// Snapshot writes the graph to the configured snapshot path via a temp file
// and atomic rename.
func (b *HNSWBackend) Snapshot() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.config.SnapshotPath == "" || b.graph == nil {
		return nil
	}

	dir := filepath.Dir(b.config.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return memory.WrapOp("vector_snapshot", err)
	}
	tmp, err := os.CreateTemp(dir, ".hnsw-*")
	if err != nil {
		return memory.WrapOp("vector_snapshot", err)
	}
	tmpName := tmp.Name()
	if err := b.graph.Save(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return memory.WrapOp("vector_snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return memory.WrapOp("vector_snapshot", err)
	}
	if err := os.Rename(tmpName, b.config.SnapshotPath); err != nil {
		os.Remove(tmpName)
		return memory.WrapOp("vector_snapshot", err)
	}
	return nil
}

func (b *HNSWBackend) checkReady(vecLen int) error {
	if b.closed {
		return memory.ErrStoreClosed
	}
	if b.dims == 0 {
		return fmt.Errorf("vector backend not initialized")
	}
	if vecLen != 0 && vecLen != b.dims {
		return fmt.Errorf("dimension mismatch: expected %d, got %d", b.dims, vecLen)
	}
	return nil
}

// Store upserts the vector for id.
func (b *HNSWBackend) Store(ctx context.Context, id string, vec []float32) error {
	if err := encoding.ValidateVector(vec); err != nil {
		return memory.WrapOp("vector_store", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkReady(len(vec)); err != nil {
		return memory.WrapOp("vector_store", err)
	}
	return memory.WrapOp("vector_store", b.graph.Insert(id, vec))
}

// Remove deletes the vector. Idempotent.
func (b *HNSWBackend) Remove(ctx context.Context, id string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return memory.WrapOp("vector_remove", memory.ErrStoreClosed)
	}
	if b.graph == nil {
		return nil
	}
	// Soft delete; a missing id is not an error.
	_ = b.graph.Delete(id)
	return nil
}

// SearchKNN returns the k nearest ids by cosine similarity.
func (b *HNSWBackend) SearchKNN(ctx context.Context, query []float32, k int, allowed map[string]struct{}) ([]Scored, error) {
	if k <= 0 {
		k = 10
	}
	if err := encoding.ValidateVector(query); err != nil {
		return nil, memory.WrapOp("vector_search", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkReady(len(query)); err != nil {
		return nil, memory.WrapOp("vector_search", err)
	}

	ef := b.config.EfSearch
	if allowed != nil && ef < k*4 {
		// A restrictive id filter thins the candidate pool; widen the beam
		// so enough allowed ids survive.
		ef = k * 4
	}

	ids, dists := b.graph.Search(query, k, ef, allowed)
	out := make([]Scored, len(ids))
	for i := range ids {
		out[i] = Scored{ID: ids[i], Similarity: 1.0 - float64(dists[i])}
	}
	return out, nil
}

// SearchKNNBatch answers one query per input vector.
func (b *HNSWBackend) SearchKNNBatch(ctx context.Context, queries [][]float32, k int) ([][]Scored, error) {
	out := make([][]Scored, len(queries))
	for i, q := range queries {
		res, err := b.SearchKNN(ctx, q, k, nil)
		if err != nil {
			return nil, err
		}
		out[i] = res
	}
	return out, nil
}

// Stats reports the stored population.
func (b *HNSWBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return Stats{}, memory.WrapOp("vector_stats", memory.ErrStoreClosed)
	}

	count := 0
	if b.graph != nil {
		count = b.graph.Size()
	}
	return Stats{
		Count:      count,
		Dimensions: b.dims,
		Bytes:      int64(count) * int64(b.dims) * 4,
	}, nil
}

// Close flushes the snapshot and marks the backend closed.
func (b *HNSWBackend) Close() error {
	if err := b.Snapshot(); err != nil {
		b.logger.Warn("vector snapshot on close failed", "error", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
