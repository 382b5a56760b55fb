package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/subcog-dev/subcog/internal/encoding"
	"github.com/subcog-dev/subcog/pkg/memory"
)

// FlatBackend is a brute-force cosine scan over an in-memory map. Exact
// rather than approximate; intended for populations below ~10^3 vectors and
// as the reference oracle in tests.
type FlatBackend struct {
	mu      sync.RWMutex
	closed  bool
	dims    int
	vectors map[string][]float32
}

// NewFlat creates an empty flat backend.
func NewFlat() *FlatBackend {
	return &FlatBackend{vectors: make(map[string][]float32)}
}

// Initialize fixes the dimensionality.
func (b *FlatBackend) Initialize(ctx context.Context, dimensions int) error {
	if dimensions <= 0 {
		return memory.WrapOp("vector_init", fmt.Errorf("dimensions must be positive, got %d", dimensions))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dims != 0 && b.dims != dimensions {
		return memory.WrapOp("vector_init", fmt.Errorf("dimension already fixed at %d, got %d", b.dims, dimensions))
	}
	b.dims = dimensions
	return nil
}

// Store upserts the vector for id.
func (b *FlatBackend) Store(ctx context.Context, id string, vec []float32) error {
	if err := encoding.ValidateVector(vec); err != nil {
		return memory.WrapOp("vector_store", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return memory.WrapOp("vector_store", memory.ErrStoreClosed)
	}
	if b.dims == 0 {
		return memory.WrapOp("vector_store", fmt.Errorf("vector backend not initialized"))
	}
	if len(vec) != b.dims {
		return memory.WrapOp("vector_store", fmt.Errorf("dimension mismatch: expected %d, got %d", b.dims, len(vec)))
	}

	b.vectors[id] = append([]float32(nil), vec...)
	return nil
}

// Remove deletes the vector. Idempotent.
func (b *FlatBackend) Remove(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return memory.WrapOp("vector_remove", memory.ErrStoreClosed)
	}
	delete(b.vectors, id)
	return nil
}

// SearchKNN scans every vector and returns the k most similar.
func (b *FlatBackend) SearchKNN(ctx context.Context, query []float32, k int, allowed map[string]struct{}) ([]Scored, error) {
	if k <= 0 {
		k = 10
	}
	if err := encoding.ValidateVector(query); err != nil {
		return nil, memory.WrapOp("vector_search", err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, memory.WrapOp("vector_search", memory.ErrStoreClosed)
	}

	out := make([]Scored, 0, len(b.vectors))
	for id, vec := range b.vectors {
		if allowed != nil {
			if _, ok := allowed[id]; !ok {
				continue
			}
		}
		out = append(out, Scored{ID: id, Similarity: CosineSimilarity(query, vec)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})

	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// SearchKNNBatch answers one query per input vector.
func (b *FlatBackend) SearchKNNBatch(ctx context.Context, queries [][]float32, k int) ([][]Scored, error) {
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
func (b *FlatBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Count:      len(b.vectors),
		Dimensions: b.dims,
		Bytes:      int64(len(b.vectors)) * int64(b.dims) * 4,
	}, nil
}

// Close marks the backend closed.
func (b *FlatBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
