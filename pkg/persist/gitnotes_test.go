package persist

import (
	"context"
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subcog-dev/subcog/pkg/memory"
)

func openTestGitNotes(t *testing.T) *GitNotesBackend {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	b, err := OpenGitNotes(context.Background(), t.TempDir(), "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestGitNotesRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := openTestGitNotes(t)

	m := testMemory("abc123def456", memory.NamespaceDecisions)
	res, err := b.Persist(ctx, m)
	require.NoError(t, err)
	assert.True(t, res.Created)

	loaded, err := b.Load(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, loaded.ID)
	assert.Equal(t, m.Namespace, loaded.Namespace)
	assert.Equal(t, m.Content, loaded.Content)
	assert.Equal(t, m.Tags, loaded.Tags)
	assert.True(t, m.CreatedAt.Equal(loaded.CreatedAt))
}

func TestGitNotesDeleteAndNotFound(t *testing.T) {
	ctx := context.Background()
	b := openTestGitNotes(t)

	_, err := b.Load(ctx, "missing000000")
	assert.True(t, errors.Is(err, memory.ErrNotFound))

	m := testMemory("abc123def456", memory.NamespaceDecisions)
	_, err = b.Persist(ctx, m)
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, m.ID))
	require.NoError(t, b.Delete(ctx, m.ID))

	_, err = b.Load(ctx, m.ID)
	assert.True(t, errors.Is(err, memory.ErrNotFound))
}

func TestGitNotesColdStart(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	ctx := context.Background()
	dir := t.TempDir()

	b, err := OpenGitNotes(ctx, dir, "", nil)
	require.NoError(t, err)
	_, err = b.Persist(ctx, testMemory("id1000000000", memory.NamespaceDecisions))
	require.NoError(t, err)
	_, err = b.Persist(ctx, testMemory("id2000000000", memory.NamespaceLearnings))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	reopened, err := OpenGitNotes(ctx, dir, "", nil)
	require.NoError(t, err)
	defer reopened.Close()

	all, err := reopened.LoadAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Total)
}

func TestGitNotesSyncWithoutRemote(t *testing.T) {
	b := openTestGitNotes(t)
	_, err := b.SyncRemote(context.Background(), SyncBoth)
	assert.True(t, errors.Is(err, memory.ErrUnsupported))
}
