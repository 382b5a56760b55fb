// Package dedup implements the three-tier duplicate checker guarding the
// capture pipeline: exact content-hash match, semantic similarity, and
// recent-capture lookup, evaluated strictly in that order with the first
// positive result terminating the chain.
//
// The service is fail-open by contract: an error inside any checker is
// logged at debug level and treated as "not a duplicate" for that checker;
// no dedup failure ever blocks a capture.
package dedup

import (
	"context"
	"time"

	"github.com/subcog-dev/subcog/internal/encoding"
	"github.com/subcog-dev/subcog/pkg/embedding"
	"github.com/subcog-dev/subcog/pkg/index"
	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/persist"
	"github.com/subcog-dev/subcog/pkg/vector"
)

// Reason classifies why a capture was judged a duplicate.
type Reason string

const (
	ReasonExactMatch      Reason = "exact_match"
	ReasonSemanticSimilar Reason = "semantic_similar"
	ReasonRecentCapture   Reason = "recent_capture"
)

// Result is the outcome of a duplicate check. When Duplicate is set,
// MatchedURN always carries the full URN of the match, never a bare id.
type Result struct {
	Duplicate       bool
	Reason          Reason
	MatchedID       string
	MatchedURN      string
	Similarity      float64
	CheckDurationMS int64
}

// HashTag renders the reserved content-hash tag for normalized content.
func HashTag(normalized string) string {
	return "hash:sha256:" + encoding.ContentHashPrefix(normalized)
}

// candidate is the unit of work flowing through the checker chain.
type candidate struct {
	normalized string
	namespace  memory.Namespace
	domain     *memory.Domain
}

// match is a positive checker outcome.
type match struct {
	id         string
	urn        string
	reason     Reason
	similarity float64
}

// checker is one tier of the chain. A nil match means clean; an error is
// swallowed fail-open by the service.
type checker interface {
	name() string
	check(ctx context.Context, c candidate) (*match, error)
}

// Service coordinates the checker chain and the recent-capture LRU.
type Service struct {
	config   Config
	checkers []checker
	recent   *recentCache
	logger   logging.Logger
	now      func() time.Time
}

// NewService wires the standard chain: exact (index tag probe), semantic
// (embedder + vector KNN), recent (in-process LRU). vec and embedder may be
// nil; the semantic tier then reports clean.
func NewService(cfg Config, idx index.Backend, vec vector.Backend, embedder embedding.Embedder, p persist.Backend, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}

	recent := newRecentCache(cfg.CacheCapacity, cfg.RecentWindow)

	s := &Service{
		config: cfg,
		recent: recent,
		logger: logger,
		now:    time.Now,
	}
	s.checkers = []checker{
		&exactChecker{index: idx, persistence: p},
		&semanticChecker{config: cfg, index: idx, vector: vec, embedder: embedder, persistence: p},
		&recentChecker{cache: recent, now: func() time.Time { return s.now() }},
	}
	return s
}

// newServiceWithCheckers injects a custom chain; used by tests to verify
// short-circuit ordering.
func newServiceWithCheckers(cfg Config, checkers []checker, logger logging.Logger) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{
		config:   cfg,
		checkers: checkers,
		recent:   newRecentCache(cfg.CacheCapacity, cfg.RecentWindow),
		logger:   logger,
		now:      time.Now,
	}
}

// Enabled reports whether checks run at all.
func (s *Service) Enabled() bool { return s.config.Enabled }

// Check evaluates the chain in order and returns on the first duplicate.
// Checker errors are logged and skipped (fail-open); the duration is always
// populated from the monotonic clock.
func (s *Service) Check(ctx context.Context, content string, ns memory.Namespace, domain *memory.Domain) Result {
	// time.Since reads the monotonic clock.
	start := time.Now()
	result := Result{}

	if !s.config.Enabled {
		result.CheckDurationMS = time.Since(start).Milliseconds()
		return result
	}

	c := candidate{
		normalized: encoding.NormalizeContent(content),
		namespace:  ns,
		domain:     domain,
	}

	for _, chk := range s.checkers {
		m, err := chk.check(ctx, c)
		if err != nil {
			s.logger.Debug("dedup checker failed open", "checker", chk.name(), "error", err)
			continue
		}
		if m != nil {
			result.Duplicate = true
			result.Reason = m.reason
			result.MatchedID = m.id
			result.MatchedURN = m.urn
			result.Similarity = m.similarity
			result.CheckDurationMS = time.Since(start).Milliseconds()
			return result
		}
	}

	result.CheckDurationMS = time.Since(start).Milliseconds()
	return result
}

// RecordCapture must be called after every successful capture so the
// recent-capture LRU reflects it.
func (s *Service) RecordCapture(content string, m *memory.Memory) {
	if !s.config.Enabled || m == nil {
		return
	}
	normalized := encoding.NormalizeContent(content)
	s.recent.put(recentEntry{
		hash:       encoding.ContentHash(normalized),
		memoryID:   m.ID,
		namespace:  m.Namespace,
		domain:     m.Domain,
		insertedAt: s.now(),
	})
}

// ---------------------------------------------------------------------------
// Tier 1 – exact content-hash match
// ---------------------------------------------------------------------------

type exactChecker struct {
	index       index.Backend
	persistence persist.Backend
}

func (e *exactChecker) name() string { return "exact" }

func (e *exactChecker) check(ctx context.Context, c candidate) (*match, error) {
	filter := memory.SearchFilter{
		Namespace:   &c.namespace,
		TagsInclude: []string{HashTag(c.normalized)},
	}
	hits, err := e.index.SearchFilter(ctx, filter, 1)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	// The 16-hex prefix leaves a (tiny) collision window; re-verify the full
	// content against the authoritative record before declaring a duplicate.
	matched, err := e.persistence.Load(ctx, hits[0].ID)
	if err != nil {
		return nil, err
	}
	if encoding.NormalizeContent(matched.Content) != c.normalized {
		return nil, nil
	}

	return &match{
		id:         matched.ID,
		urn:        memory.BuildURN(matched),
		reason:     ReasonExactMatch,
		similarity: 1.0,
	}, nil
}

// ---------------------------------------------------------------------------
// Tier 2 – semantic similarity
// ---------------------------------------------------------------------------

type semanticChecker struct {
	config      Config
	index       index.Backend
	vector      vector.Backend
	embedder    embedding.Embedder
	persistence persist.Backend
}

func (s *semanticChecker) name() string { return "semantic" }

func (s *semanticChecker) check(ctx context.Context, c candidate) (*match, error) {
	if s.embedder == nil || s.vector == nil {
		return nil, nil
	}
	if len(c.normalized) < s.config.MinSemanticLength {
		return nil, nil
	}

	if s.config.SemanticSoftTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SemanticSoftTimeout)
		defer cancel()
	}

	queryVec, err := s.embedder.Embed(ctx, c.normalized)
	if err != nil {
		return nil, err
	}

	// Restrict KNN to ids in the candidate namespace.
	filter := memory.SearchFilter{Namespace: &c.namespace}
	if c.domain != nil {
		filter.Domain = c.domain
	}
	ids, err := s.index.SearchFilter(ctx, filter, 1024)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	allowed := make(map[string]struct{}, len(ids))
	for _, r := range ids {
		allowed[r.ID] = struct{}{}
	}

	hits, err := s.vector.SearchKNN(ctx, queryVec, 5, allowed)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	top := hits[0]
	if top.Similarity < s.config.Threshold(c.namespace) {
		return nil, nil
	}

	matched, err := s.persistence.Load(ctx, top.ID)
	if err != nil {
		return nil, err
	}

	return &match{
		id:         matched.ID,
		urn:        memory.BuildURN(matched),
		reason:     ReasonSemanticSimilar,
		similarity: top.Similarity,
	}, nil
}

// ---------------------------------------------------------------------------
// Tier 3 – recent capture
// ---------------------------------------------------------------------------

type recentChecker struct {
	cache *recentCache
	now   func() time.Time
}

func (r *recentChecker) name() string { return "recent" }

func (r *recentChecker) check(ctx context.Context, c candidate) (*match, error) {
	e, ok := r.cache.get(encoding.ContentHash(c.normalized), r.now())
	if !ok {
		return nil, nil
	}
	return &match{
		id:     e.memoryID,
		urn:    memory.BuildURNParts(e.domain, e.namespace, e.memoryID),
		reason: ReasonRecentCapture,
	}, nil
}
