// Package persist defines the authoritative persistence layer: the Backend
// interface and its filesystem, SQLite and git-notes implementations.
//
// Persistence owns the durable copy of every memory. The index and vector
// layers are rebuildable projections of it; a reindex replays persistence
// into both.
package persist

import (
	"context"
	"time"

	"github.com/subcog-dev/subcog/pkg/memory"
)

// Direction selects what SyncRemote moves.
type Direction int

const (
	// SyncFetch pulls remote memories into the local store.
	SyncFetch Direction = iota
	// SyncPush publishes local memories to the remote.
	SyncPush
	// SyncBoth fetches then pushes.
	SyncBoth
)

// Result reports the outcome of a Persist call.
type Result struct {
	// Created is true when a new record was written, false for an update.
	Created bool
}

// SyncResult reports the outcome of a remote sync.
type SyncResult struct {
	Added     int
	Removed   int
	Conflicts int
}

// Stats summarizes the persisted population without a full scan.
type Stats struct {
	Total       int64
	ByNamespace map[memory.Namespace]int64
	ByDomain    map[string]int64
	Bytes       int64
}

// Backend is the authoritative store of memories. Implementations are safe
// for concurrent use; writes to the same id are serialized by the backend.
type Backend interface {
	// Persist durably writes m before returning.
	Persist(ctx context.Context, m *memory.Memory) (Result, error)

	// Load returns the memory with the given id, or an error wrapping
	// memory.ErrNotFound for nonexistent ids. The two cases are
	// distinguishable with errors.Is.
	Load(ctx context.Context, id string) (*memory.Memory, error)

	// LoadNamespace returns every memory in (namespace, domain) in an
	// ordering that is backend-defined but stable across calls.
	LoadNamespace(ctx context.Context, ns memory.Namespace, d memory.Domain) ([]*memory.Memory, error)

	// LoadAll enumerates the full population, optionally restricted to one
	// domain. Used by reindex.
	LoadAll(ctx context.Context, d *memory.Domain) ([]*memory.Memory, error)

	// Delete removes the record. Idempotent; a missing id is not an error.
	Delete(ctx context.Context, id string) error

	// PurgeTombstones physically removes tombstoned memories whose
	// UpdatedAt is older than the cutoff. Best effort; returns the count.
	PurgeTombstones(ctx context.Context, olderThan time.Time) (int, error)

	// SyncRemote synchronizes with a remote, when the backend has one.
	// Local-only backends return memory.ErrUnsupported.
	SyncRemote(ctx context.Context, dir Direction) (SyncResult, error)

	// Stats reports population counts in O(1) or O(namespaces).
	Stats(ctx context.Context) (Stats, error)

	// Close releases backend resources.
	Close() error
}
