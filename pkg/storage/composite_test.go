package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subcog-dev/subcog/pkg/event"
	"github.com/subcog-dev/subcog/pkg/index"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/persist"
	"github.com/subcog-dev/subcog/pkg/vector"
)

const testDims = 8

// testEmbed is a deterministic keyword embedder: each known keyword lights
// one dimension, giving controllable cosine relationships in tests.
func testEmbed(content string) []float32 {
	keywords := []string{"auth", "database", "cache", "deploy", "test", "log", "queue", "api"}
	vec := make([]float32, testDims)
	lower := strings.ToLower(content)
	for i, kw := range keywords {
		if strings.Contains(lower, kw) {
			vec[i] = 1.0
		}
	}
	if allZero(vec) {
		vec[testDims-1] = 0.01
	}
	return vec
}

func allZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

type compositeFixture struct {
	composite *Composite
	persist   *persist.FSBackend
	index     *index.SQLiteIndex
	vector    *vector.FlatBackend
	bus       *event.Bus
}

func newFixture(t *testing.T, withVector bool) *compositeFixture {
	t.Helper()
	ctx := context.Background()

	p, err := persist.OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	idx, err := index.OpenSQLite(ctx, index.DefaultConfig(filepath.Join(t.TempDir(), "index.db")), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	var vec *vector.FlatBackend
	var backend vector.Backend
	if withVector {
		vec = vector.NewFlat()
		require.NoError(t, vec.Initialize(ctx, testDims))
		t.Cleanup(func() { _ = vec.Close() })
		backend = vec
	}

	bus := event.NewBus(64)
	t.Cleanup(bus.Close)

	return &compositeFixture{
		composite: NewComposite(p, idx, backend, bus, nil, DefaultConfig()),
		persist:   p,
		index:     idx,
		vector:    vec,
		bus:       bus,
	}
}

func newTestMemory(id string, ns memory.Namespace, content string) *memory.Memory {
	now := time.Now().UTC()
	return &memory.Memory{
		ID:        id,
		Namespace: ns,
		Domain:    memory.ProjectDomain("repo-1"),
		Summary:   "summary " + id,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    memory.StatusActive,
		Tier:      memory.TierHot,
	}
}

func TestWriteReachesAllLayersAndPublishes(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)

	ch, cancel := fx.bus.Subscribe()
	defer cancel()

	m := newTestMemory("mem000000001", memory.NamespaceDecisions, "use the database for auth sessions")
	report, err := fx.composite.Write(ctx, m, testEmbed(m.Content))
	require.NoError(t, err)
	assert.True(t, report.Indexed)
	assert.True(t, report.Vectorized)
	assert.Empty(t, report.Warning)

	select {
	case e := <-ch:
		assert.Equal(t, event.TypeMemoryCaptured, e.Type)
		assert.Equal(t, memory.BuildURN(m), e.URN)
	case <-time.After(time.Second):
		t.Fatal("MemoryCaptured not published")
	}

	loaded, err := fx.composite.Load(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, loaded.Content)
}

func TestWriteWithoutEmbeddingSkipsVector(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)

	m := newTestMemory("mem000000002", memory.NamespaceDecisions, "plain capture")
	report, err := fx.composite.Write(ctx, m, nil)
	require.NoError(t, err)
	assert.True(t, report.Indexed)
	assert.False(t, report.Vectorized)

	stats, err := fx.vector.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Count)
}

func TestWriteDegradesOnVectorFailure(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)

	ch, cancel := fx.bus.Subscribe()
	defer cancel()

	m := newTestMemory("mem000000003", memory.NamespaceDecisions, "degraded capture")
	// Wrong-dimension embedding makes the vector layer fail while
	// persistence and index succeed.
	report, err := fx.composite.Write(ctx, m, []float32{1.0})
	require.NoError(t, err)
	assert.True(t, report.Indexed)
	assert.False(t, report.Vectorized)
	assert.NotEmpty(t, report.Warning)

	// StorageError then MemoryCaptured, in write order.
	var types []event.Type
	for i := 0; i < 2; i++ {
		select {
		case e := <-ch:
			types = append(types, e.Type)
		case <-time.After(time.Second):
			t.Fatal("expected two events")
		}
	}
	assert.Equal(t, []event.Type{event.TypeStorageError, event.TypeMemoryCaptured}, types)
}

func TestSearchHybridCombinesLexicalAndVectorHits(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)

	// m_a is the only memory containing the literal word "JWT"; its content
	// avoids embedder keywords so it only ranks lexically.
	ma := newTestMemory("ma0000000001", memory.NamespaceDecisions, "JWT tokens rotate every hour")
	// m_b never says JWT but is semantically about auth.
	mb := newTestMemory("mb0000000001", memory.NamespaceDecisions, "session auth handled via identity provider")

	filler := []string{
		"weekly planning notes", "release checklist", "retro summary",
		"meeting minutes", "roadmap sketch", "budget figures",
		"oncall handover", "vendor comparison",
	}
	_, err := fx.composite.Write(ctx, ma, testEmbed(ma.Content))
	require.NoError(t, err)
	_, err = fx.composite.Write(ctx, mb, testEmbed(mb.Content))
	require.NoError(t, err)
	for i, content := range filler {
		m := newTestMemory(strings.Repeat("f", 8)+string(rune('a'+i))+"000", memory.NamespaceDecisions, content)
		_, err = fx.composite.Write(ctx, m, testEmbed(m.Content))
		require.NoError(t, err)
	}

	queryVec := testEmbed("auth")
	hits, warnings, err := fx.composite.SearchHybrid(ctx, "JWT auth", queryVec, memory.SearchFilter{}, 5)
	require.NoError(t, err)
	assert.Empty(t, warnings)

	ids := make(map[string]memory.SearchHit)
	for _, h := range hits {
		ids[h.Memory.ID] = h
	}
	require.Contains(t, ids, ma.ID, "lexical-only hit missing")
	require.Contains(t, ids, mb.ID, "vector-only hit missing")

	assert.True(t, ids[ma.ID].FromSource(memory.RankSourceLexical))
	assert.True(t, ids[mb.ID].FromSource(memory.RankSourceVector))
}

func TestSearchVectorModeAndFilterCoupling(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)

	inNS := newTestMemory("in0000000001", memory.NamespaceDecisions, "database tuning settings")
	outNS := newTestMemory("out000000001", memory.NamespaceLearnings, "database connection pool learnings")
	_, err := fx.composite.Write(ctx, inNS, testEmbed(inNS.Content))
	require.NoError(t, err)
	_, err = fx.composite.Write(ctx, outNS, testEmbed(outNS.Content))
	require.NoError(t, err)

	ns := memory.NamespaceDecisions
	hits, err := fx.composite.SearchVector(ctx, testEmbed("database"), memory.SearchFilter{Namespace: &ns}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, inNS.ID, hits[0].Memory.ID)
}

func TestHydrationDropsDriftedIDs(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)

	ch, cancel := fx.bus.Subscribe()
	defer cancel()

	// The index knows an id persistence never saw: search must drop it and
	// surface a StorageError.
	ghost := newTestMemory("ghost0000001", memory.NamespaceDecisions, "phantom entry about caching")
	require.NoError(t, fx.index.Index(ctx, ghost))

	real := newTestMemory("real00000001", memory.NamespaceDecisions, "real entry about caching")
	_, err := fx.composite.Write(ctx, real, nil)
	require.NoError(t, err)

	hits, err := fx.composite.SearchLexical(ctx, "caching", memory.SearchFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, real.ID, hits[0].Memory.ID)

	sawDrift := false
	for !sawDrift {
		select {
		case e := <-ch:
			if e.Type == event.TypeStorageError && strings.Contains(e.Detail, "ghost0000001") {
				sawDrift = true
			}
		case <-time.After(time.Second):
			t.Fatal("drift StorageError not published")
		}
	}
}

func TestTombstoneExcludedUntilRequested(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)

	m := newTestMemory("dead00000001", memory.NamespaceDecisions, "retired decision about queues")
	_, err := fx.composite.Write(ctx, m, nil)
	require.NoError(t, err)
	require.NoError(t, fx.composite.Tombstone(ctx, m.ID))
	require.NoError(t, fx.composite.Tombstone(ctx, m.ID)) // idempotent

	hits, err := fx.composite.SearchLexical(ctx, "queues", memory.SearchFilter{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	st := memory.StatusTombstone
	hits, err = fx.composite.SearchLexical(ctx, "queues", memory.SearchFilter{Status: &st}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, m.ID, hits[0].Memory.ID)

	// Still addressable by explicit id for audit.
	loaded, err := fx.composite.Load(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, memory.StatusTombstone, loaded.Status)
}

func TestAssignTierPublishesAndGates(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)

	ch, cancel := fx.bus.Subscribe()
	defer cancel()

	m := newTestMemory("tier00000001", memory.NamespaceDecisions, "memory headed for cold storage")
	_, err := fx.composite.Write(ctx, m, nil)
	require.NoError(t, err)

	require.NoError(t, fx.composite.AssignTier(ctx, m.ID, memory.TierCold))

	var tierEvent *event.Event
	deadline := time.After(time.Second)
	for tierEvent == nil {
		select {
		case e := <-ch:
			if e.Type == event.TypeTierAssigned {
				tierEvent = &e
			}
		case <-deadline:
			t.Fatal("TierAssigned not published")
		}
	}
	assert.Equal(t, string(memory.TierHot), tierEvent.OldTier)
	assert.Equal(t, string(memory.TierCold), tierEvent.NewTier)

	// Default tier gating hides cold memories.
	hits, err := fx.composite.SearchLexical(ctx, "cold storage",
		memory.SearchFilter{Tiers: memory.DefaultRecallTiers}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = fx.composite.SearchLexical(ctx, "cold storage",
		memory.SearchFilter{Tiers: []memory.Tier{memory.TierCold}}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

// P8: after Reindex, every persisted memory has exactly one index entry and
// (with an embedder) one vector entry.
func TestReindexRestoresConsistency(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, true)

	contents := []string{
		"auth service rollout", "database migration plan", "cache invalidation bug",
	}
	for i, content := range contents {
		m := newTestMemory(strings.Repeat("r", 11)+string(rune('a'+i)), memory.NamespaceDecisions, content)
		_, err := fx.persist.Persist(ctx, m) // bypass index/vector: simulate degraded writes
		require.NoError(t, err)
	}

	idxStats, err := fx.index.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), idxStats.TotalIndexed)

	embed := func(ctx context.Context, content string) ([]float32, error) {
		return testEmbed(content), nil
	}
	report, err := fx.composite.Reindex(ctx, embed)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 3, report.Indexed)
	assert.Equal(t, 3, report.Vectorized)
	assert.Equal(t, 0, report.Failed)

	idxStats, err = fx.index.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), idxStats.TotalIndexed)

	vecStats, err := fx.vector.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, vecStats.Count)

	// Running it again stays at exactly one entry per memory.
	_, err = fx.composite.Reindex(ctx, embed)
	require.NoError(t, err)
	idxStats, _ = fx.index.Stats(ctx)
	assert.Equal(t, int64(3), idxStats.TotalIndexed)
	vecStats, _ = fx.vector.Stats(ctx)
	assert.Equal(t, 3, vecStats.Count)
}

func TestMinScoreFilter(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, false)

	m := newTestMemory("mem000000009", memory.NamespaceDecisions, "solitary entry about retries")
	_, err := fx.composite.Write(ctx, m, nil)
	require.NoError(t, err)

	hits, err := fx.composite.SearchLexical(ctx, "retries", memory.SearchFilter{MinScore: 0.99}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1) // the single result normalizes to 1.0

	hits, err = fx.composite.SearchLexical(ctx, "retries", memory.SearchFilter{MinScore: 1.01}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}
