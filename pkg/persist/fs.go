package persist

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
)

// FSBackend stores one JSON file per memory under
// root/<domain-key>/<namespace>/<id>.json, writing via a temp file and an
// atomic rename. An in-memory location map, built by a single scan at open,
// keeps Load-by-id and Stats off the filesystem.
type FSBackend struct {
	root   string
	logger logging.Logger

	mu     sync.RWMutex
	closed bool
	paths  map[string]string // id -> absolute file path
	byNS   map[memory.Namespace]int64
	byDom  map[string]int64
	bytes  int64
	total  int64
}

// OpenFS opens (creating if needed) a filesystem backend rooted at root.
func OpenFS(root string, logger logging.Logger) (*FSBackend, error) {
	if root == "" {
		return nil, memory.WrapOp("fs_open", fmt.Errorf("root path cannot be empty"))
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, memory.WrapOp("fs_open", err)
	}

	b := &FSBackend{
		root:   root,
		logger: logger,
		paths:  make(map[string]string),
		byNS:   make(map[memory.Namespace]int64),
		byDom:  make(map[string]int64),
	}
	if err := b.scan(); err != nil {
		return nil, memory.WrapOp("fs_open", err)
	}
	b.logger.Info("filesystem persistence opened", "root", root, "memories", b.total)
	return b, nil
}

// scan walks the tree once to rebuild the location map and counters.
func (b *FSBackend) scan() error {
	return filepath.WalkDir(b.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		m, err := DecodeMemory(data)
		if err != nil {
			// A malformed file is skipped, not fatal; it stays on disk for
			// manual inspection.
			b.logger.Warn("skipping unreadable memory file", "path", path, "error", err)
			return nil
		}
		b.paths[m.ID] = path
		b.byNS[m.Namespace]++
		b.byDom[m.Domain.Key()]++
		b.bytes += int64(len(data))
		b.total++
		return nil
	})
}

func (b *FSBackend) pathFor(m *memory.Memory) string {
	return filepath.Join(b.root, m.Domain.Key(), string(m.Namespace), m.ID+".json")
}

// Persist writes the memory durably: temp file, fsync, rename.
func (b *FSBackend) Persist(ctx context.Context, m *memory.Memory) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	data, err := EncodeMemory(m)
	if err != nil {
		return Result{}, memory.WrapOp("fs_persist", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Result{}, memory.WrapOp("fs_persist", memory.ErrStoreClosed)
	}

	target := b.pathFor(m)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Result{}, memory.WrapOp("fs_persist", err)
	}

	// An overwrite replaces the old payload; account for it before the
	// rename clobbers the previous file.
	if prev, ok := b.paths[m.ID]; ok {
		if info, err := os.Stat(prev); err == nil {
			b.bytes -= info.Size()
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), "."+m.ID+"-*")
	if err != nil {
		return Result{}, memory.WrapOp("fs_persist", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Result{}, memory.WrapOp("fs_persist", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return Result{}, memory.WrapOp("fs_persist", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Result{}, memory.WrapOp("fs_persist", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return Result{}, memory.WrapOp("fs_persist", err)
	}

	prev, existed := b.paths[m.ID]
	if existed && prev != target {
		// The memory moved namespace/domain; drop the stale file.
		os.Remove(prev)
	}
	if !existed {
		b.byNS[m.Namespace]++
		b.byDom[m.Domain.Key()]++
		b.total++
	}
	b.paths[m.ID] = target
	b.bytes += int64(len(data))

	return Result{Created: !existed}, nil
}

// Load returns the memory by id, resolving through the location map.
func (b *FSBackend) Load(ctx context.Context, id string) (*memory.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, memory.WrapOp("fs_load", memory.ErrStoreClosed)
	}
	path, ok := b.paths[id]
	b.mu.RUnlock()

	if !ok {
		return nil, memory.WrapOp("fs_load", memory.ErrNotFound)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, memory.WrapOp("fs_load", memory.ErrNotFound)
		}
		return nil, memory.WrapOp("fs_load", err)
	}
	return DecodeMemory(data)
}

// LoadNamespace returns the (namespace, domain) population ordered by id.
func (b *FSBackend) LoadNamespace(ctx context.Context, ns memory.Namespace, d memory.Domain) ([]*memory.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, memory.WrapOp("fs_load_namespace", memory.ErrStoreClosed)
	}
	b.mu.RUnlock()

	dir := filepath.Join(b.root, d.Key(), string(ns))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, memory.WrapOp("fs_load_namespace", err)
	}

	out := make([]*memory.Memory, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		m, err := DecodeMemory(data)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// LoadAll enumerates every memory, optionally restricted to one domain.
func (b *FSBackend) LoadAll(ctx context.Context, d *memory.Domain) ([]*memory.Memory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, memory.WrapOp("fs_load_all", memory.ErrStoreClosed)
	}
	paths := make([]string, 0, len(b.paths))
	for _, p := range b.paths {
		paths = append(paths, p)
	}
	b.mu.RUnlock()

	sort.Strings(paths)

	var out []*memory.Memory
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		m, err := DecodeMemory(data)
		if err != nil {
			continue
		}
		if d != nil && m.Domain.Key() != d.Key() {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Delete removes the record. Missing ids are not an error.
func (b *FSBackend) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return memory.WrapOp("fs_delete", memory.ErrStoreClosed)
	}

	path, ok := b.paths[id]
	if !ok {
		return nil
	}

	data, readErr := os.ReadFile(path)
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return memory.WrapOp("fs_delete", err)
	}
	delete(b.paths, id)
	b.total--
	if readErr == nil {
		if m, err := DecodeMemory(data); err == nil {
			b.byNS[m.Namespace]--
			b.byDom[m.Domain.Key()]--
			b.bytes -= int64(len(data))
		}
	}
	return nil
}

// PurgeTombstones removes tombstoned memories older than the cutoff.
func (b *FSBackend) PurgeTombstones(ctx context.Context, olderThan time.Time) (int, error) {
	all, err := b.LoadAll(ctx, nil)
	if err != nil {
		return 0, memory.WrapOp("fs_purge", err)
	}

	purged := 0
	for _, m := range all {
		if m.Status != memory.StatusTombstone || !m.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := b.Delete(ctx, m.ID); err != nil {
			return purged, memory.WrapOp("fs_purge", err)
		}
		purged++
	}
	return purged, nil
}

// SyncRemote is unsupported on the local filesystem backend.
func (b *FSBackend) SyncRemote(ctx context.Context, dir Direction) (SyncResult, error) {
	return SyncResult{}, memory.WrapOp("fs_sync", memory.ErrUnsupported)
}

// Stats reports counters maintained incrementally since open.
func (b *FSBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return Stats{}, memory.WrapOp("fs_stats", memory.ErrStoreClosed)
	}

	byNS := make(map[memory.Namespace]int64, len(b.byNS))
	for ns, n := range b.byNS {
		if n > 0 {
			byNS[ns] = n
		}
	}
	byDom := make(map[string]int64, len(b.byDom))
	for d, n := range b.byDom {
		if n > 0 {
			byDom[d] = n
		}
	}
	return Stats{Total: b.total, ByNamespace: byNS, ByDomain: byDom, Bytes: b.bytes}, nil
}

// Close marks the backend closed. No file handles are held open between
// operations, so there is nothing else to release.
func (b *FSBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
