// Package recall implements the read pipeline: request normalization,
// query embedding, mode dispatch to the composite store, optional score
// boosts and redaction. Recall is pure — the lazy tombstone sweep lives in
// the explicit CompactResults helper, not inside the query path.
package recall

import (
	"context"
	"errors"
	"time"

	"github.com/subcog-dev/subcog/internal/encoding"
	"github.com/subcog-dev/subcog/pkg/embedding"
	"github.com/subcog-dev/subcog/pkg/event"
	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/storage"
)

// DefaultLimit is the result count when the request does not set one.
const DefaultLimit = 10

// ResourceTemplate is the URN shape clients use to construct references
// from returned hits.
const ResourceTemplate = "subcog://{domain}/{namespace}/{id}"

// Request is a recall submission.
type Request struct {
	Query  string
	Mode   memory.SearchMode
	Filter memory.SearchFilter
	Limit  int
}

// Response is the recall outcome.
type Response struct {
	Hits []memory.SearchHit

	// Warning summarizes degradations (an unavailable embedder, a failed
	// search leg). Empty on a clean run.
	Warning string

	// UsedEmbedder reports whether the query was embedded.
	UsedEmbedder bool

	// ResourceTemplate is the URN template for client-side reference
	// construction.
	ResourceTemplate string
}

// Booster multiplies a hit's score; used for optional entity/temporal
// boosts. Returned factors are clamped to [0, MaxBoost].
type Booster func(hit memory.SearchHit) float64

// Redactor strips detected secrets from returned content. Summaries and
// ids are never redacted.
type Redactor func(content string) string

// MaxBoost caps any single booster's multiplier.
const MaxBoost = 1.5

// Service runs the recall pipeline.
type Service struct {
	store    *storage.Composite
	embedder embedding.Embedder // nil degrades hybrid to lexical
	boosters []Booster
	redactor Redactor
	bus      *event.Bus
	logger   logging.Logger
}

// NewService wires the pipeline. embedder, boosters, redactor and bus may
// be nil.
func NewService(store *storage.Composite, embedder embedding.Embedder, boosters []Booster, redactor Redactor, bus *event.Bus, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		boosters: boosters,
		redactor: redactor,
		bus:      bus,
		logger:   logger,
	}
}

// Recall executes a search. Layer failures degrade per the error policy: a
// dead embedder turns hybrid into lexical-only and vector mode into an
// empty result, both with a warning.
func (s *Service) Recall(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	// 1. Normalize request defaults.
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if len(req.Filter.Tiers) == 0 {
		req.Filter.Tiers = memory.DefaultRecallTiers
	}

	resp := &Response{ResourceTemplate: ResourceTemplate}

	// 2. Embed the query when the mode wants vectors.
	var queryVec []float32
	if req.Mode != memory.ModeLexical && s.embedder != nil && s.store.HasVector() {
		vec, err := s.embedder.Embed(ctx, encoding.NormalizeContent(req.Query))
		if err != nil {
			s.logger.Warn("query embedding failed", "error", err)
			resp.Warning = "embedder unavailable"
		} else {
			queryVec = vec
			resp.UsedEmbedder = true
		}
	} else if req.Mode != memory.ModeLexical && (s.embedder == nil || !s.store.HasVector()) {
		resp.Warning = "embedder unavailable"
	}

	// 3. Dispatch by mode.
	var hits []memory.SearchHit
	var err error
	switch req.Mode {
	case memory.ModeVector:
		if queryVec == nil {
			// No embedder: vector mode has nothing to search.
			hits = nil
		} else {
			hits, err = s.store.SearchVector(ctx, queryVec, req.Filter, req.Limit)
		}
	case memory.ModeLexical:
		hits, err = s.store.SearchLexical(ctx, req.Query, req.Filter, req.Limit)
	default:
		if queryVec == nil {
			// Hybrid transparently serves lexical-only.
			hits, err = s.store.SearchLexical(ctx, req.Query, req.Filter, req.Limit)
		} else {
			var warnings []string
			hits, warnings, err = s.store.SearchHybrid(ctx, req.Query, queryVec, req.Filter, req.Limit)
			if resp.Warning == "" && len(warnings) > 0 {
				resp.Warning = warnings[0]
			}
		}
	}
	if err != nil {
		return nil, memory.WrapOp("recall", err)
	}

	// 4. Boosts.
	hits = s.applyBoosts(hits)

	// 5. Redaction: content only, never summaries or ids.
	if s.redactor != nil {
		for i := range hits {
			m := hits[i].Memory.Clone()
			m.Content = s.redactor(m.Content)
			hits[i].Memory = m
		}
	}

	resp.Hits = hits

	latency := time.Since(start).Milliseconds()
	e := event.New(event.TypeSearchCompleted)
	e.Query = req.Query
	e.ResultCount = len(hits)
	e.LatencyMS = latency
	s.publish(e)

	return resp, nil
}

// applyBoosts multiplies scores by each booster's clamped factor and
// re-sorts when anything changed.
func (s *Service) applyBoosts(hits []memory.SearchHit) []memory.SearchHit {
	if len(s.boosters) == 0 || len(hits) == 0 {
		return hits
	}

	for i := range hits {
		for _, boost := range s.boosters {
			factor := boost(hits[i])
			if factor < 0 {
				factor = 0
			}
			if factor > MaxBoost {
				factor = MaxBoost
			}
			hits[i].Score *= factor
		}
		if hits[i].Score > 1.0 {
			hits[i].Score = 1.0
		}
	}

	// Re-sort by the boosted score; stable on ties via id.
	for i := 0; i < len(hits)-1; i++ {
		for j := i + 1; j < len(hits); j++ {
			if hits[j].Score > hits[i].Score ||
				(hits[j].Score == hits[i].Score && hits[j].Memory.ID < hits[i].Memory.ID) {
				hits[i], hits[j] = hits[j], hits[i]
			}
		}
	}
	return hits
}

// CompactResults is the explicit sweep over recall hits: entries whose
// authoritative record has been reaped (or tombstoned since indexing) are
// dropped. Callers opt into this; Recall itself never mutates state.
func (s *Service) CompactResults(ctx context.Context, hits []memory.SearchHit) []memory.SearchHit {
	out := make([]memory.SearchHit, 0, len(hits))
	for _, h := range hits {
		m, err := s.store.Load(ctx, h.Memory.ID)
		if err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				continue
			}
			// Transient backend trouble keeps the hit; compaction is
			// best-effort.
			out = append(out, h)
			continue
		}
		if m.Status == memory.StatusTombstone {
			continue
		}
		out = append(out, h)
	}
	return out
}

func (s *Service) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
