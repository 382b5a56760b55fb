package persist

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subcog-dev/subcog/pkg/memory"
)

func testMemory(id string, ns memory.Namespace) *memory.Memory {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &memory.Memory{
		ID:        id,
		Namespace: ns,
		Domain:    memory.ProjectDomain("repo-1"),
		Summary:   "DB choice",
		Content:   "Use PostgreSQL for persistence",
		CreatedAt: created,
		UpdatedAt: created,
		Tags:      []string{"db", "hash:sha256:0011223344556677"},
		Source:    "docs/adr/0001.md",
		Status:    memory.StatusActive,
		Tier:      memory.TierHot,
		RelatesTo: []string{"aabbccddeeff"},
	}
}

func TestFSRoundTrip(t *testing.T) {
	ctx := context.Background()
	b, err := OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()

	m := testMemory("abc123def456", memory.NamespaceDecisions)

	res, err := b.Persist(ctx, m)
	require.NoError(t, err)
	assert.True(t, res.Created)

	loaded, err := b.Load(ctx, m.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(m, loaded); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}

	// Second persist of the same id is an update, not a create.
	res, err = b.Persist(ctx, m)
	require.NoError(t, err)
	assert.False(t, res.Created)
}

func TestFSLoadNotFound(t *testing.T) {
	ctx := context.Background()
	b, err := OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.Load(ctx, "missing000000")
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestFSDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	b, err := OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()

	m := testMemory("abc123def456", memory.NamespaceDecisions)
	_, err = b.Persist(ctx, m)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, m.ID))
	require.NoError(t, b.Delete(ctx, m.ID))

	_, err = b.Load(ctx, m.ID)
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestFSLoadNamespaceStableOrder(t *testing.T) {
	ctx := context.Background()
	b, err := OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()

	for _, id := range []string{"ccc000000000", "aaa000000000", "bbb000000000"} {
		m := testMemory(id, memory.NamespaceLearnings)
		_, err := b.Persist(ctx, m)
		require.NoError(t, err)
	}

	first, err := b.LoadNamespace(ctx, memory.NamespaceLearnings, memory.ProjectDomain("repo-1"))
	require.NoError(t, err)
	require.Len(t, first, 3)

	second, err := b.LoadNamespace(ctx, memory.NamespaceLearnings, memory.ProjectDomain("repo-1"))
	require.NoError(t, err)

	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestFSPurgeTombstones(t *testing.T) {
	ctx := context.Background()
	b, err := OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()

	old := testMemory("old000000000", memory.NamespaceContext)
	old.Status = memory.StatusTombstone
	old.UpdatedAt = time.Now().Add(-48 * time.Hour)

	fresh := testMemory("new000000000", memory.NamespaceContext)
	fresh.Status = memory.StatusTombstone
	fresh.UpdatedAt = time.Now()

	live := testMemory("live00000000", memory.NamespaceContext)

	for _, m := range []*memory.Memory{old, fresh, live} {
		_, err := b.Persist(ctx, m)
		require.NoError(t, err)
	}

	purged, err := b.PurgeTombstones(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = b.Load(ctx, old.ID)
	assert.True(t, errors.Is(err, memory.ErrNotFound))
	_, err = b.Load(ctx, fresh.ID)
	assert.NoError(t, err)
	_, err = b.Load(ctx, live.ID)
	assert.NoError(t, err)
}

func TestFSStatsAndReopen(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	b, err := OpenFS(root, nil)
	require.NoError(t, err)

	_, err = b.Persist(ctx, testMemory("id1000000000", memory.NamespaceDecisions))
	require.NoError(t, err)
	_, err = b.Persist(ctx, testMemory("id2000000000", memory.NamespaceLearnings))
	require.NoError(t, err)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
	assert.Equal(t, int64(1), stats.ByNamespace[memory.NamespaceDecisions])
	assert.Equal(t, int64(2), stats.ByDomain["project-repo-1"])
	require.NoError(t, b.Close())

	// Cold start reproduces the full population.
	reopened, err := OpenFS(root, nil)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.LoadAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFSSyncUnsupported(t *testing.T) {
	b, err := OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	defer b.Close()

	_, err = b.SyncRemote(context.Background(), SyncBoth)
	assert.True(t, errors.Is(err, memory.ErrUnsupported))
}
