package persist

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
)

// notesRefPrefix is the ref namespace holding subcog memories.
const notesRefPrefix = "refs/notes/subcog/"

// GitNotesBackend stores each memory as a git note: the note's annotated
// object is a blob of the memory id, the note content is the serialized
// record, and the namespace selects the notes ref
// (refs/notes/subcog/<namespace>). Remote sync fetches and pushes the whole
// ref namespace, delegating conflict policy to git's notes merge.
type GitNotesBackend struct {
	repo   string
	remote string
	logger logging.Logger

	mu     sync.RWMutex
	closed bool
	// id -> location of the note holding it.
	locs map[string]noteLoc
}

type noteLoc struct {
	ns        memory.Namespace
	domainKey string
	objSHA    string
}

// OpenGitNotes opens a git-notes backend over the repository at repo. When
// the directory is not a git repository it is initialized with git init.
// remote names the configured remote used by SyncRemote ("" disables sync).
func OpenGitNotes(ctx context.Context, repo, remote string, logger logging.Logger) (*GitNotesBackend, error) {
	if repo == "" {
		return nil, memory.WrapOp("gitnotes_open", fmt.Errorf("repository path cannot be empty"))
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if _, err := exec.LookPath("git"); err != nil {
		return nil, memory.WrapOp("gitnotes_open", fmt.Errorf("git executable not found: %w", err))
	}

	b := &GitNotesBackend{repo: repo, remote: remote, logger: logger, locs: make(map[string]noteLoc)}

	if _, err := os.Stat(repo); os.IsNotExist(err) {
		if err := os.MkdirAll(repo, 0o755); err != nil {
			return nil, memory.WrapOp("gitnotes_open", err)
		}
	}
	if _, err := b.git(ctx, "rev-parse", "--git-dir"); err != nil {
		if _, err := b.git(ctx, "init", "--quiet"); err != nil {
			return nil, memory.WrapOp("gitnotes_open", err)
		}
	}

	// Notes commits need a committer identity; provide a repo-local one when
	// the environment has none.
	if _, err := b.git(ctx, "config", "user.email"); err != nil {
		_, _ = b.git(ctx, "config", "user.email", "subcog@localhost")
		_, _ = b.git(ctx, "config", "user.name", "subcog")
	}

	b.mu.Lock()
	err := b.refresh(ctx)
	b.mu.Unlock()
	if err != nil {
		return nil, memory.WrapOp("gitnotes_open", err)
	}
	logger.Info("git-notes persistence opened", "repo", repo, "memories", len(b.locs))
	return b, nil
}

// git runs a git subcommand in the backend repository.
func (b *GitNotesBackend) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = b.repo
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(errOut.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

// gitStdin runs a git subcommand feeding input on stdin.
func (b *GitNotesBackend) gitStdin(ctx context.Context, input string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = b.repo
	cmd.Stdin = strings.NewReader(input)
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(errOut.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

func nsRef(ns memory.Namespace) string { return notesRefPrefix + string(ns) }

// refresh rebuilds the id -> note location map from every subcog notes ref.
// The caller must hold b.mu.
func (b *GitNotesBackend) refresh(ctx context.Context) error {
	b.locs = make(map[string]noteLoc)

	refsOut, err := b.git(ctx, "for-each-ref", "--format=%(refname)", notesRefPrefix+"*")
	if err != nil || refsOut == "" {
		return nil // no notes yet
	}

	for _, ref := range strings.Split(refsOut, "\n") {
		ns := memory.Namespace(strings.TrimPrefix(ref, notesRefPrefix))
		listing, err := b.git(ctx, "notes", "--ref", ref, "list")
		if err != nil || listing == "" {
			continue
		}
		for _, line := range strings.Split(listing, "\n") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			objSHA := fields[1]
			record, err := b.git(ctx, "notes", "--ref", ref, "show", objSHA)
			if err != nil {
				continue
			}
			m, err := DecodeMemory([]byte(record))
			if err != nil {
				b.logger.Warn("skipping undecodable git note", "ref", ref, "object", objSHA, "error", err)
				continue
			}
			b.locs[m.ID] = noteLoc{ns: ns, domainKey: m.Domain.Key(), objSHA: objSHA}
		}
	}
	return nil
}

// anchorObject writes (or finds) the blob annotated by the memory's note.
// The blob content is the id itself, so the mapping is deterministic.
func (b *GitNotesBackend) anchorObject(ctx context.Context, id string) (string, error) {
	return b.gitStdin(ctx, id, "hash-object", "-w", "--stdin")
}

// Persist adds or replaces the note for m. The notes ref advance is atomic
// within git, which serializes concurrent writers on the same id.
func (b *GitNotesBackend) Persist(ctx context.Context, m *memory.Memory) (Result, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Result{}, memory.WrapOp("gitnotes_persist", memory.ErrStoreClosed)
	}

	data, err := EncodeMemory(m)
	if err != nil {
		return Result{}, memory.WrapOp("gitnotes_persist", err)
	}

	objSHA, err := b.anchorObject(ctx, m.ID)
	if err != nil {
		return Result{}, memory.WrapOp("gitnotes_persist", err)
	}

	if _, err := b.gitStdin(ctx, string(data), "notes", "--ref", nsRef(m.Namespace), "add", "-f", "-F", "-", objSHA); err != nil {
		return Result{}, memory.WrapOp("gitnotes_persist", err)
	}

	prev, existed := b.locs[m.ID]
	if existed && prev.ns != m.Namespace {
		_, _ = b.git(ctx, "notes", "--ref", nsRef(prev.ns), "remove", prev.objSHA)
	}
	b.locs[m.ID] = noteLoc{ns: m.Namespace, domainKey: m.Domain.Key(), objSHA: objSHA}

	return Result{Created: !existed}, nil
}

// Load returns the memory by id.
func (b *GitNotesBackend) Load(ctx context.Context, id string) (*memory.Memory, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, memory.WrapOp("gitnotes_load", memory.ErrStoreClosed)
	}
	loc, ok := b.locs[id]
	b.mu.RUnlock()

	if !ok {
		return nil, memory.WrapOp("gitnotes_load", memory.ErrNotFound)
	}

	record, err := b.git(ctx, "notes", "--ref", nsRef(loc.ns), "show", loc.objSHA)
	if err != nil {
		return nil, memory.WrapOp("gitnotes_load", err)
	}
	return DecodeMemory([]byte(record))
}

// LoadNamespace returns the (namespace, domain) population ordered by id.
func (b *GitNotesBackend) LoadNamespace(ctx context.Context, ns memory.Namespace, d memory.Domain) ([]*memory.Memory, error) {
	all, err := b.LoadAll(ctx, nil)
	if err != nil {
		return nil, err
	}
	out := make([]*memory.Memory, 0, len(all))
	for _, m := range all {
		if m.Namespace == ns && m.Domain.Key() == d.Key() {
			out = append(out, m)
		}
	}
	return out, nil
}

// LoadAll enumerates every note, optionally restricted to one domain.
func (b *GitNotesBackend) LoadAll(ctx context.Context, d *memory.Domain) ([]*memory.Memory, error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, memory.WrapOp("gitnotes_load_all", memory.ErrStoreClosed)
	}
	ids := make([]string, 0, len(b.locs))
	for id := range b.locs {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	sort.Strings(ids)

	var out []*memory.Memory
	for _, id := range ids {
		m, err := b.Load(ctx, id)
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

// Delete removes the note. Idempotent.
func (b *GitNotesBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return memory.WrapOp("gitnotes_delete", memory.ErrStoreClosed)
	}

	loc, ok := b.locs[id]
	if !ok {
		return nil
	}
	if _, err := b.git(ctx, "notes", "--ref", nsRef(loc.ns), "remove", loc.objSHA); err != nil {
		return memory.WrapOp("gitnotes_delete", err)
	}
	delete(b.locs, id)
	return nil
}

// PurgeTombstones removes tombstoned notes older than the cutoff.
func (b *GitNotesBackend) PurgeTombstones(ctx context.Context, olderThan time.Time) (int, error) {
	all, err := b.LoadAll(ctx, nil)
	if err != nil {
		return 0, memory.WrapOp("gitnotes_purge", err)
	}

	purged := 0
	for _, m := range all {
		if m.Status != memory.StatusTombstone || !m.UpdatedAt.Before(olderThan) {
			continue
		}
		if err := b.Delete(ctx, m.ID); err != nil {
			return purged, err
		}
		purged++
	}
	return purged, nil
}

// SyncRemote fetches and/or pushes the subcog notes refs. Merge policy for
// diverged refs is git's own (cat_sort_uniq keeps both sides of a note).
func (b *GitNotesBackend) SyncRemote(ctx context.Context, dir Direction) (SyncResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return SyncResult{}, memory.WrapOp("gitnotes_sync", memory.ErrStoreClosed)
	}
	if b.remote == "" {
		return SyncResult{}, memory.WrapOp("gitnotes_sync", memory.ErrUnsupported)
	}

	before := len(b.locs)

	if dir == SyncFetch || dir == SyncBoth {
		refspec := fmt.Sprintf("+%s*:%s*", notesRefPrefix, notesRefPrefix)
		if _, err := b.git(ctx, "fetch", b.remote, refspec); err != nil {
			return SyncResult{}, memory.WrapOp("gitnotes_sync", &memory.BackendError{Detail: "fetch failed", Transient: true, Err: err})
		}
	}
	if dir == SyncPush || dir == SyncBoth {
		refspec := notesRefPrefix + "*:" + notesRefPrefix + "*"
		if _, err := b.git(ctx, "push", b.remote, refspec); err != nil {
			return SyncResult{}, memory.WrapOp("gitnotes_sync", &memory.BackendError{Detail: "push failed", Transient: true, Err: err})
		}
	}

	if err := b.refresh(ctx); err != nil {
		return SyncResult{}, memory.WrapOp("gitnotes_sync", err)
	}

	after := len(b.locs)
	res := SyncResult{}
	if after > before {
		res.Added = after - before
	} else {
		res.Removed = before - after
	}
	return res, nil
}

// Stats reports counts from the in-memory location map.
func (b *GitNotesBackend) Stats(ctx context.Context) (Stats, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return Stats{}, memory.WrapOp("gitnotes_stats", memory.ErrStoreClosed)
	}

	stats := Stats{
		Total:       int64(len(b.locs)),
		ByNamespace: make(map[memory.Namespace]int64),
		ByDomain:    make(map[string]int64),
	}
	for _, loc := range b.locs {
		stats.ByNamespace[loc.ns]++
		stats.ByDomain[loc.domainKey]++
	}
	return stats, nil
}

// Close marks the backend closed.
func (b *GitNotesBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
