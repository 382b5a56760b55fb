package consolidate

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subcog-dev/subcog/pkg/index"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/persist"
	"github.com/subcog-dev/subcog/pkg/storage"
	"github.com/subcog-dev/subcog/pkg/vector"
)

const testDims = 4

type stubEmbedder struct{}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, testDims)
	for i, kw := range []string{"auth", "database", "cache", "deploy"} {
		if strings.Contains(text, kw) {
			vec[i] = 1.0
		}
	}
	if vec[0] == 0 && vec[1] == 0 && vec[2] == 0 && vec[3] == 0 {
		vec[testDims-1] = 0.01
	}
	return vec, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := s.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dim() int { return testDims }

func TestConsolidationPass(t *testing.T) {
	ctx := context.Background()

	p, err := persist.OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	defer p.Close()

	idx, err := index.OpenSQLite(ctx, index.DefaultConfig(filepath.Join(t.TempDir(), "index.db")), nil)
	require.NoError(t, err)
	defer idx.Close()

	vec := vector.NewFlat()
	require.NoError(t, vec.Initialize(ctx, testDims))
	defer vec.Close()

	store := storage.NewComposite(p, idx, vec, nil, nil, storage.DefaultConfig())
	embedder := &stubEmbedder{}

	// Three auth memories form a cluster; one unrelated deploy memory stays.
	contents := map[string]string{
		"auth00000001": "auth tokens should rotate hourly",
		"auth00000002": "auth middleware rejects expired sessions",
		"auth00000003": "auth cookies must be httponly",
		"depl00000001": "deploy pipeline runs nightly",
	}
	now := time.Now().UTC()
	for id, content := range contents {
		m := &memory.Memory{
			ID: id, Namespace: memory.NamespaceDecisions, Domain: memory.UserDomain(),
			Summary: id, Content: content, CreatedAt: now, UpdatedAt: now,
			Status: memory.StatusActive, Tier: memory.TierHot,
		}
		v, _ := embedder.Embed(ctx, content)
		_, err := store.Write(ctx, m, v)
		require.NoError(t, err)
	}

	summarizeCalls := 0
	summarize := func(ctx context.Context, contents []string) (string, error) {
		summarizeCalls++
		return "auth policy: rotate tokens, reject expired sessions, httponly cookies", nil
	}

	svc := NewService(store, vec, embedder, summarize, nil, DefaultConfig())
	report, err := svc.Run(ctx, memory.NamespaceDecisions, memory.UserDomain())
	require.NoError(t, err)

	assert.Equal(t, 4, report.Examined)
	assert.Equal(t, 1, report.Clusters)
	assert.Equal(t, 1, report.Summarized)
	assert.Equal(t, 3, report.Demoted)
	assert.Equal(t, 1, summarizeCalls)

	// Members are now cold.
	for _, id := range []string{"auth00000001", "auth00000002", "auth00000003"} {
		m, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, memory.TierCold, m.Tier)
	}
	unrelated, err := store.Load(ctx, "depl00000001")
	require.NoError(t, err)
	assert.Equal(t, memory.TierHot, unrelated.Tier)

	// The summary memory exists, warm, tagged and linked to its members.
	all, err := p.LoadAll(ctx, nil)
	require.NoError(t, err)
	var summary *memory.Memory
	for _, m := range all {
		if m.HasTag("consolidated") {
			summary = m
		}
	}
	require.NotNil(t, summary, "summary memory missing")
	assert.Equal(t, memory.TierWarm, summary.Tier)
	assert.Len(t, summary.RelatesTo, 3)

	// A second pass finds nothing left to consolidate (members are cold,
	// the summary cluster is below MinClusterSize).
	report, err = svc.Run(ctx, memory.NamespaceDecisions, memory.UserDomain())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Summarized)
}

func TestConsolidationWithoutSummarizerOnlyReports(t *testing.T) {
	ctx := context.Background()

	p, err := persist.OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	defer p.Close()

	idx, err := index.OpenSQLite(ctx, index.DefaultConfig(filepath.Join(t.TempDir(), "index.db")), nil)
	require.NoError(t, err)
	defer idx.Close()

	vec := vector.NewFlat()
	require.NoError(t, vec.Initialize(ctx, testDims))
	defer vec.Close()

	store := storage.NewComposite(p, idx, vec, nil, nil, storage.DefaultConfig())
	embedder := &stubEmbedder{}

	now := time.Now().UTC()
	for _, id := range []string{"cach00000001", "cach00000002", "cach00000003"} {
		m := &memory.Memory{
			ID: id, Namespace: memory.NamespacePerformance, Domain: memory.UserDomain(),
			Summary: id, Content: "cache eviction tuning for " + id, CreatedAt: now, UpdatedAt: now,
			Status: memory.StatusActive, Tier: memory.TierHot,
		}
		v, _ := embedder.Embed(ctx, m.Content)
		_, err := store.Write(ctx, m, v)
		require.NoError(t, err)
	}

	svc := NewService(store, vec, embedder, nil, nil, DefaultConfig())
	report, err := svc.Run(ctx, memory.NamespacePerformance, memory.UserDomain())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Clusters)
	assert.Equal(t, 0, report.Summarized)
	assert.Equal(t, 0, report.Demoted)

	// Nothing was demoted or written.
	for _, id := range []string{"cach00000001", "cach00000002", "cach00000003"} {
		m, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, memory.TierHot, m.Tier)
	}
}
