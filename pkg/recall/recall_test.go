package recall

import (
	"context"
	"errors"
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
	"github.com/subcog-dev/subcog/pkg/storage"
	"github.com/subcog-dev/subcog/pkg/vector"
)

const testDims = 4

type stubEmbedder struct{ err error }

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if s.err != nil {
		return nil, s.err
	}
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
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dim() int { return testDims }

type recallFixture struct {
	service *Service
	store   *storage.Composite
	persist *persist.FSBackend
	bus     *event.Bus
	embed   *stubEmbedder
}

func newRecallFixture(t *testing.T, withEmbedder bool, redactor Redactor, boosters []Booster) *recallFixture {
	t.Helper()
	ctx := context.Background()

	p, err := persist.OpenFS(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	idx, err := index.OpenSQLite(ctx, index.DefaultConfig(filepath.Join(t.TempDir(), "index.db")), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	vec := vector.NewFlat()
	require.NoError(t, vec.Initialize(ctx, testDims))
	t.Cleanup(func() { _ = vec.Close() })

	bus := event.NewBus(64)
	t.Cleanup(bus.Close)

	store := storage.NewComposite(p, idx, vec, bus, nil, storage.DefaultConfig())

	fx := &recallFixture{store: store, persist: p, bus: bus}
	if withEmbedder {
		fx.embed = &stubEmbedder{}
		fx.service = NewService(store, fx.embed, boosters, redactor, bus, nil)
	} else {
		fx.service = NewService(store, nil, boosters, redactor, bus, nil)
	}
	return fx
}

func (fx *recallFixture) seed(t *testing.T, id string, content string) *memory.Memory {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	m := &memory.Memory{
		ID:        id,
		Namespace: memory.NamespaceDecisions,
		Domain:    memory.ProjectDomain("repo-1"),
		Summary:   "summary " + id,
		Content:   content,
		CreatedAt: now,
		UpdatedAt: now,
		Status:    memory.StatusActive,
		Tier:      memory.TierHot,
	}

	var vec []float32
	if fx.embed != nil {
		vec, _ = fx.embed.Embed(ctx, strings.ToLower(content))
	}
	_, err := fx.store.Write(ctx, m, vec)
	require.NoError(t, err)
	return m
}

func TestRecallDefaultsAndEvent(t *testing.T) {
	ctx := context.Background()
	fx := newRecallFixture(t, true, nil, nil)
	fx.seed(t, "mem000000001", "database connection pooling decision")

	ch, cancel := fx.bus.Subscribe()
	defer cancel()

	resp, err := fx.service.Recall(ctx, Request{Query: "database"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.True(t, resp.UsedEmbedder)
	assert.Equal(t, "subcog://{domain}/{namespace}/{id}", resp.ResourceTemplate)

	var searchEvent *event.Event
	deadline := time.After(time.Second)
	for searchEvent == nil {
		select {
		case e := <-ch:
			if e.Type == event.TypeSearchCompleted {
				searchEvent = &e
			}
		case <-deadline:
			t.Fatal("SearchCompleted not published")
		}
	}
	assert.Equal(t, "database", searchEvent.Query)
	assert.Equal(t, 1, searchEvent.ResultCount)
}

// P7: tombstones stay invisible under the default filter and reappear only
// when requested explicitly.
func TestRecallTombstoneExclusion(t *testing.T) {
	ctx := context.Background()
	fx := newRecallFixture(t, false, nil, nil)

	m := fx.seed(t, "dead00000001", "retired decision about sharding")
	require.NoError(t, fx.store.Tombstone(ctx, m.ID))

	resp, err := fx.service.Recall(ctx, Request{Query: "sharding", Mode: memory.ModeLexical})
	require.NoError(t, err)
	assert.Empty(t, resp.Hits)

	st := memory.StatusTombstone
	resp, err = fx.service.Recall(ctx, Request{
		Query:  "sharding",
		Mode:   memory.ModeLexical,
		Filter: memory.SearchFilter{Status: &st},
	})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, m.ID, resp.Hits[0].Memory.ID)
}

// End-to-end scenario 6: no embedder registered.
func TestRecallDegradesWithoutEmbedder(t *testing.T) {
	ctx := context.Background()
	fx := newRecallFixture(t, false, nil, nil)
	fx.seed(t, "mem000000001", "database connection pooling decision")

	// Hybrid transparently serves lexical-only with a warning.
	resp, err := fx.service.Recall(ctx, Request{Query: "database", Mode: memory.ModeHybrid})
	require.NoError(t, err)
	assert.Equal(t, "embedder unavailable", resp.Warning)
	assert.False(t, resp.UsedEmbedder)
	require.Len(t, resp.Hits, 1)

	// Vector mode yields an empty result with the same warning.
	resp, err = fx.service.Recall(ctx, Request{Query: "database", Mode: memory.ModeVector})
	require.NoError(t, err)
	assert.Equal(t, "embedder unavailable", resp.Warning)
	assert.Empty(t, resp.Hits)
}

func TestRecallEmbedderFailureFallsBackToLexical(t *testing.T) {
	ctx := context.Background()
	fx := newRecallFixture(t, true, nil, nil)
	fx.seed(t, "mem000000001", "database connection pooling decision")
	fx.embed.err = errors.New("model crashed")

	resp, err := fx.service.Recall(ctx, Request{Query: "database", Mode: memory.ModeHybrid})
	require.NoError(t, err)
	assert.Equal(t, "embedder unavailable", resp.Warning)
	require.Len(t, resp.Hits, 1, "lexical fallback must still serve")
}

func TestRecallRedactsContentOnly(t *testing.T) {
	ctx := context.Background()
	redactor := func(content string) string {
		return strings.ReplaceAll(content, "hunter2", "[REDACTED]")
	}
	fx := newRecallFixture(t, false, redactor, nil)
	fx.seed(t, "sec000000001", "the admin password is hunter2 for the database")

	resp, err := fx.service.Recall(ctx, Request{Query: "database", Mode: memory.ModeLexical})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)

	hit := resp.Hits[0]
	assert.NotContains(t, hit.Memory.Content, "hunter2")
	assert.Contains(t, hit.Memory.Content, "[REDACTED]")
	assert.Equal(t, "sec000000001", hit.Memory.ID)
	assert.Equal(t, "summary sec000000001", hit.Memory.Summary)

	// The stored record is untouched: redaction is read-side only.
	stored, err := fx.store.Load(ctx, "sec000000001")
	require.NoError(t, err)
	assert.Contains(t, stored.Content, "hunter2")
}

func TestRecallBoostsClampAndResort(t *testing.T) {
	ctx := context.Background()

	booster := func(hit memory.SearchHit) float64 {
		if hit.Memory.ID == "low000000001" {
			return 10.0 // clamps to MaxBoost
		}
		return 1.0
	}
	fx := newRecallFixture(t, false, nil, []Booster{booster})

	fx.seed(t, "top000000001", "deploy deploy deploy pipeline runbook deploy")
	fx.seed(t, "low000000001", "deploy notes")

	resp, err := fx.service.Recall(ctx, Request{Query: "deploy", Mode: memory.ModeLexical})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)

	for _, h := range resp.Hits {
		assert.LessOrEqual(t, h.Score, 1.0)
	}
}

func TestCompactResultsDropsReapedHits(t *testing.T) {
	ctx := context.Background()
	fx := newRecallFixture(t, false, nil, nil)

	live := fx.seed(t, "live00000001", "surviving entry about caching")
	dead := fx.seed(t, "dead00000001", "reaped entry about caching")

	resp, err := fx.service.Recall(ctx, Request{Query: "caching", Mode: memory.ModeLexical})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 2)

	// Reap one record out from under the index, then compact explicitly.
	require.NoError(t, fx.persist.Delete(ctx, dead.ID))

	compacted := fx.service.CompactResults(ctx, resp.Hits)
	require.Len(t, compacted, 1)
	assert.Equal(t, live.ID, compacted[0].Memory.ID)

	// Recall itself performed no sweep: nothing else changed on disk.
	_, err = fx.persist.Load(ctx, live.ID)
	assert.NoError(t, err)
}
