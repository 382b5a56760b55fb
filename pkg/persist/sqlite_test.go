package persist

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subcog-dev/subcog/pkg/memory"
)

func openTestSQLite(t *testing.T) *SQLiteBackend {
	t.Helper()
	b, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "persist.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := openTestSQLite(t)

	m := testMemory("abc123def456", memory.NamespaceDecisions)

	res, err := b.Persist(ctx, m)
	require.NoError(t, err)
	assert.True(t, res.Created)

	loaded, err := b.Load(ctx, m.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(m, loaded); diff != "" {
		t.Fatalf("round-trip mismatch (-want +got):\n%s", diff)
	}

	res, err = b.Persist(ctx, m)
	require.NoError(t, err)
	assert.False(t, res.Created)
}

func TestSQLiteNotFoundAndDelete(t *testing.T) {
	ctx := context.Background()
	b := openTestSQLite(t)

	_, err := b.Load(ctx, "missing000000")
	assert.True(t, errors.Is(err, memory.ErrNotFound))

	m := testMemory("abc123def456", memory.NamespaceDecisions)
	_, err = b.Persist(ctx, m)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, m.ID))
	require.NoError(t, b.Delete(ctx, m.ID)) // idempotent

	_, err = b.Load(ctx, m.ID)
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestSQLitePurgeTombstones(t *testing.T) {
	ctx := context.Background()
	b := openTestSQLite(t)

	dead := testMemory("dead00000000", memory.NamespaceContext)
	dead.Status = memory.StatusTombstone
	dead.UpdatedAt = time.Now().Add(-48 * time.Hour)
	_, err := b.Persist(ctx, dead)
	require.NoError(t, err)

	live := testMemory("live00000000", memory.NamespaceContext)
	_, err = b.Persist(ctx, live)
	require.NoError(t, err)

	purged, err := b.PurgeTombstones(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = b.Load(ctx, dead.ID)
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestSQLiteStats(t *testing.T) {
	ctx := context.Background()
	b := openTestSQLite(t)

	_, err := b.Persist(ctx, testMemory("id1000000000", memory.NamespaceDecisions))
	require.NoError(t, err)
	_, err = b.Persist(ctx, testMemory("id2000000000", memory.NamespaceDecisions))
	require.NoError(t, err)
	_, err = b.Persist(ctx, testMemory("id3000000000", memory.NamespaceLearnings))
	require.NoError(t, err)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Total)
	assert.Equal(t, int64(2), stats.ByNamespace[memory.NamespaceDecisions])
	assert.Equal(t, int64(3), stats.ByDomain["project-repo-1"])
	assert.Greater(t, stats.Bytes, int64(0))

	_, err = b.SyncRemote(ctx, SyncFetch)
	assert.True(t, errors.Is(err, memory.ErrUnsupported))
}
