// Package storage composes the persistence, index and vector layers behind
// a single read/write surface. Writes follow a fixed order (persistence is
// authoritative; index and vector degrade to warnings and are repaired by
// reindex); reads fan out to the index and vector layers concurrently and
// fuse their ranks with RRF.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/subcog-dev/subcog/pkg/event"
	"github.com/subcog-dev/subcog/pkg/index"
	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/persist"
	"github.com/subcog-dev/subcog/pkg/vector"
)

// Config tunes the composite.
type Config struct {
	// RRFK is the fusion constant (default 60).
	RRFK float64
	// Overfetch is the per-layer over-fetch multiplier applied to the
	// caller's limit before fusion, in [2, 4] (default 3).
	Overfetch int
}

// DefaultConfig returns the default composite tuning.
func DefaultConfig() Config {
	return Config{RRFK: 60, Overfetch: 3}
}

// WriteReport describes which layers a write reached.
type WriteReport struct {
	Indexed    bool
	Vectorized bool
	// Warning summarizes any degraded layer, empty when all layers
	// succeeded.
	Warning string
}

// ReindexReport summarizes a reindex pass.
type ReindexReport struct {
	Total      int
	Indexed    int
	Vectorized int
	Failed     int
}

// EmbedFn produces the embedding for a memory's content during reindex.
type EmbedFn func(ctx context.Context, content string) ([]float32, error)

// Composite is the three-layer storage facade.
type Composite struct {
	persistence persist.Backend
	index       index.Backend
	vector      vector.Backend // nil when no vector layer is configured
	bus         *event.Bus     // nil disables event publication
	logger      logging.Logger
	config      Config
}

// NewComposite wires the three layers. vector and bus may be nil.
func NewComposite(p persist.Backend, idx index.Backend, vec vector.Backend, bus *event.Bus, logger logging.Logger, cfg Config) *Composite {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.Overfetch < 2 {
		cfg.Overfetch = 3
	}
	if cfg.Overfetch > 4 {
		cfg.Overfetch = 4
	}
	return &Composite{persistence: p, index: idx, vector: vec, bus: bus, logger: logger, config: cfg}
}

// HasVector reports whether a vector layer is wired.
func (c *Composite) HasVector() bool { return c.vector != nil }

// Persistence exposes the authoritative backend for callers that need
// direct loads (dedup re-verification, compaction).
func (c *Composite) Persistence() persist.Backend { return c.persistence }

// Index exposes the index backend for filter-only queries.
func (c *Composite) Index() index.Backend { return c.index }

// Vector exposes the vector backend, or nil.
func (c *Composite) Vector() vector.Backend { return c.vector }

func (c *Composite) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}

func (c *Composite) publishStorageError(backend string, err error) {
	e := event.New(event.TypeStorageError)
	e.Backend = backend
	e.Detail = err.Error()
	c.publish(e)
}

// Write persists m across the layers: persistence first (fatal on error),
// then index and vector (each degrades to a warning plus a StorageError
// event), finally a MemoryCaptured event. Not a distributed transaction;
// the invariant is eventual consistency restored by Reindex.
func (c *Composite) Write(ctx context.Context, m *memory.Memory, embedding []float32) (WriteReport, error) {
	if _, err := c.persistence.Persist(ctx, m); err != nil {
		c.publishStorageError("persistence", err)
		return WriteReport{}, memory.WrapOp("composite_write", err)
	}

	report := WriteReport{}

	if err := c.index.Index(ctx, m); err != nil {
		c.logger.Warn("index write degraded", "id", m.ID, "error", err)
		c.publishStorageError("index", err)
		report.Warning = "index write failed; entry pending reindex"
	} else {
		report.Indexed = true
	}

	if embedding != nil && c.vector != nil {
		if err := c.vector.Store(ctx, m.ID, embedding); err != nil {
			c.logger.Warn("vector write degraded", "id", m.ID, "error", err)
			c.publishStorageError("vector", err)
			if report.Warning == "" {
				report.Warning = "vector write failed; entry pending reindex"
			}
		} else {
			report.Vectorized = true
		}
	}

	captured := event.New(event.TypeMemoryCaptured)
	captured.MemoryID = m.ID
	captured.Namespace = string(m.Namespace)
	captured.Domain = m.Domain.Selector()
	captured.URN = memory.BuildURN(m)
	c.publish(captured)

	return report, nil
}

// Update applies a small targeted mutation (status, tier, additive tags)
// through persistence and index so the layers stay coherent. The vector
// entry is content-derived and left untouched.
func (c *Composite) Update(ctx context.Context, m *memory.Memory) error {
	if _, err := c.persistence.Persist(ctx, m); err != nil {
		c.publishStorageError("persistence", err)
		return memory.WrapOp("composite_update", err)
	}
	if err := c.index.Index(ctx, m); err != nil {
		c.logger.Warn("index update degraded", "id", m.ID, "error", err)
		c.publishStorageError("index", err)
	}
	return nil
}

// Load returns the authoritative copy of a memory.
func (c *Composite) Load(ctx context.Context, id string) (*memory.Memory, error) {
	return c.persistence.Load(ctx, id)
}

// AssignTier moves a memory to a new tier and publishes TierAssigned.
func (c *Composite) AssignTier(ctx context.Context, id string, tier memory.Tier) error {
	m, err := c.persistence.Load(ctx, id)
	if err != nil {
		return memory.WrapOp("assign_tier", err)
	}

	old := m.Tier
	if old == tier {
		return nil
	}
	m.Tier = tier
	m.UpdatedAt = time.Now().UTC()

	if err := c.Update(ctx, m); err != nil {
		return err
	}

	e := event.New(event.TypeTierAssigned)
	e.MemoryID = m.ID
	e.Namespace = string(m.Namespace)
	e.Domain = m.Domain.Selector()
	e.URN = memory.BuildURN(m)
	e.OldTier = string(old)
	e.NewTier = string(tier)
	c.publish(e)
	return nil
}

// Tombstone soft-deletes a memory: the status flips, the index entry drops
// out of default queries, the vector entry may remain and is ignored at
// query time by hydration.
func (c *Composite) Tombstone(ctx context.Context, id string) error {
	m, err := c.persistence.Load(ctx, id)
	if err != nil {
		return memory.WrapOp("tombstone", err)
	}
	if m.Status == memory.StatusTombstone {
		return nil
	}
	m.Status = memory.StatusTombstone
	m.UpdatedAt = time.Now().UTC()
	return c.Update(ctx, m)
}

// SearchHybrid fans out to the index and vector layers concurrently, fuses
// their ranks with RRF, hydrates the winners from persistence and applies
// the post-hydration filters. A failed layer degrades to a warning; the
// call fails only when both legs errored.
func (c *Composite) SearchHybrid(ctx context.Context, query string, queryEmbedding []float32, f memory.SearchFilter, limit int) ([]memory.SearchHit, []string, error) {
	if limit <= 0 {
		limit = 10
	}
	overfetch := limit * c.config.Overfetch

	var (
		textResults []index.ScoredID
		vecResults  []vector.Scored
		warnings    []string
	)

	g, gctx := errgroup.WithContext(ctx)

	var textErr error
	g.Go(func() error {
		textResults, textErr = c.index.SearchText(gctx, query, f, overfetch)
		return nil // layer errors degrade, never cancel the sibling leg
	})

	var vecErr error
	if queryEmbedding != nil && c.vector != nil {
		g.Go(func() error {
			allowed, err := c.vectorCandidates(gctx, f, overfetch)
			if err != nil {
				vecErr = err
				return nil
			}
			vecResults, vecErr = c.vector.SearchKNN(gctx, queryEmbedding, overfetch, allowed)
			return nil
		})
	}

	_ = g.Wait()

	if textErr != nil {
		c.logger.Warn("lexical leg failed", "error", textErr)
		warnings = append(warnings, "lexical search unavailable")
	}
	if vecErr != nil {
		c.logger.Warn("vector leg failed", "error", vecErr)
		warnings = append(warnings, "vector search unavailable")
	}
	if textErr != nil && vecErr != nil {
		return nil, warnings, memory.WrapOp("search_hybrid", errors.Join(textErr, vecErr))
	}

	fused := FuseRRF(textResults, vecResults, c.config.RRFK)
	hits, err := c.hydrate(ctx, fused, f, limit)
	return hits, warnings, err
}

// SearchLexical searches the BM25 index only.
func (c *Composite) SearchLexical(ctx context.Context, query string, f memory.SearchFilter, limit int) ([]memory.SearchHit, error) {
	if limit <= 0 {
		limit = 10
	}
	textResults, err := c.index.SearchText(ctx, query, f, limit*c.config.Overfetch)
	if err != nil {
		return nil, memory.WrapOp("search_lexical", err)
	}
	return c.hydrate(ctx, ScoreLexical(textResults), f, limit)
}

// SearchVector searches the vector layer only.
func (c *Composite) SearchVector(ctx context.Context, queryEmbedding []float32, f memory.SearchFilter, limit int) ([]memory.SearchHit, error) {
	if c.vector == nil {
		return nil, memory.WrapOp("search_vector", memory.ErrUnsupported)
	}
	if limit <= 0 {
		limit = 10
	}
	overfetch := limit * c.config.Overfetch

	allowed, err := c.vectorCandidates(ctx, f, overfetch)
	if err != nil {
		return nil, memory.WrapOp("search_vector", err)
	}
	vecResults, err := c.vector.SearchKNN(ctx, queryEmbedding, overfetch, allowed)
	if err != nil {
		return nil, memory.WrapOp("search_vector", err)
	}
	return c.hydrate(ctx, ScoreVector(vecResults), f, limit)
}

// vectorCandidates computes the id-filter set handed to the vector layer.
// When the filter constrains namespace or domain the index resolves the
// candidate ids first; the vector layer then never scans vectors the
// metadata already rules out. An unconstrained filter returns nil
// (unrestricted KNN).
func (c *Composite) vectorCandidates(ctx context.Context, f memory.SearchFilter, overfetch int) (map[string]struct{}, error) {
	if f.Namespace == nil && f.Domain == nil && len(f.TagsInclude) == 0 && len(f.TagsExclude) == 0 && f.SourceGlob == "" && f.Status == nil && f.Since == nil && f.Until == nil {
		return nil, nil
	}

	ids, err := c.index.SearchFilter(ctx, f, overfetch*4)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]struct{}, len(ids))
	for _, r := range ids {
		allowed[r.ID] = struct{}{}
	}
	return allowed, nil
}

// hydrate loads the top fused ids from persistence, drops ids the index
// still knows but persistence lost (drift, surfaced as a StorageError
// event) and applies the post-hydration tier and score filters.
func (c *Composite) hydrate(ctx context.Context, fused []Fused, f memory.SearchFilter, limit int) ([]memory.SearchHit, error) {
	if len(fused) > limit {
		fused = fused[:limit]
	}

	hits := make([]memory.SearchHit, 0, len(fused))
	for _, fh := range fused {
		m, err := c.persistence.Load(ctx, fh.ID)
		if err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				c.logger.Warn("index drift: id missing from persistence", "id", fh.ID)
				c.publishStorageError("index", fmt.Errorf("stale index entry %s", fh.ID))
				continue
			}
			return nil, memory.WrapOp("hydrate", err)
		}

		// Post-hydration safety net: the authoritative record decides
		// status, tier and time-range membership.
		if !f.Matches(m) {
			continue
		}
		if f.MinScore > 0 && fh.Score < f.MinScore {
			continue
		}

		hits = append(hits, memory.SearchHit{Memory: m, Score: fh.Score, RankSources: fh.Sources})
	}
	return hits, nil
}

// Reindex replays persistence into the index and, when an embedder is
// available, the vector layer. This is the repair path for degraded writes
// and vector cold starts without a snapshot.
func (c *Composite) Reindex(ctx context.Context, embed EmbedFn) (ReindexReport, error) {
	all, err := c.persistence.LoadAll(ctx, nil)
	if err != nil {
		return ReindexReport{}, memory.WrapOp("reindex", err)
	}

	report := ReindexReport{Total: len(all)}
	for _, m := range all {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		if err := c.index.Index(ctx, m); err != nil {
			c.logger.Warn("reindex: index write failed", "id", m.ID, "error", err)
			report.Failed++
			continue
		}
		report.Indexed++

		if embed == nil || c.vector == nil || m.Status == memory.StatusTombstone {
			continue
		}
		vec, err := embed(ctx, m.Content)
		if err != nil {
			c.logger.Warn("reindex: embedding failed", "id", m.ID, "error", err)
			continue
		}
		if err := c.vector.Store(ctx, m.ID, vec); err != nil {
			c.logger.Warn("reindex: vector write failed", "id", m.ID, "error", err)
			continue
		}
		report.Vectorized++
	}

	c.logger.Info("reindex complete",
		"total", report.Total, "indexed", report.Indexed,
		"vectorized", report.Vectorized, "failed", report.Failed)
	return report, nil
}
