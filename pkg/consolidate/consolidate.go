// Package consolidate implements the LLM-tier consolidation service: it
// clusters a namespace's memories by embedding similarity, asks a
// caller-provided summarizer to compress each cluster, captures the
// summary as a new memory and demotes the members to a colder tier.
//
// The LLM itself stays outside the core: SummarizeFn is the single hook,
// and without it the service only reports the clusters it found.
package consolidate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/subcog-dev/subcog/internal/encoding"
	"github.com/subcog-dev/subcog/pkg/embedding"
	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/storage"
	"github.com/subcog-dev/subcog/pkg/vector"
)

// SummarizeFn compresses a cluster of memory contents into one summary
// text. Callers back this with an LLM call.
type SummarizeFn func(ctx context.Context, contents []string) (string, error)

// Config tunes clustering.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for two
	// memories to share a cluster.
	SimilarityThreshold float64
	// MinClusterSize is the smallest cluster worth summarizing.
	MinClusterSize int
	// NeighborK bounds the per-memory neighbor probe.
	NeighborK int
	// DemoteTier is where summarized members go.
	DemoteTier memory.Tier
}

// DefaultConfig returns the stock consolidation tuning.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.80,
		MinClusterSize:      3,
		NeighborK:           10,
		DemoteTier:          memory.TierCold,
	}
}

// Report summarizes one consolidation pass.
type Report struct {
	Examined   int
	Clusters   int
	Summarized int
	Demoted    int
}

// Service runs consolidation passes.
type Service struct {
	store     *storage.Composite
	vector    vector.Backend
	embedder  embedding.Embedder
	summarize SummarizeFn
	logger    logging.Logger
	config    Config
}

// NewService wires the consolidation pass. summarize may be nil (clusters
// are then found but not summarized or demoted).
func NewService(store *storage.Composite, vec vector.Backend, embedder embedding.Embedder, summarize SummarizeFn, logger logging.Logger, cfg Config) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.80
	}
	if cfg.MinClusterSize < 2 {
		cfg.MinClusterSize = 3
	}
	if cfg.NeighborK <= 0 {
		cfg.NeighborK = 10
	}
	if cfg.DemoteTier == "" {
		cfg.DemoteTier = memory.TierCold
	}
	return &Service{store: store, vector: vec, embedder: embedder, summarize: summarize, logger: logger, config: cfg}
}

// Run consolidates one (namespace, domain) population.
func (s *Service) Run(ctx context.Context, ns memory.Namespace, d memory.Domain) (Report, error) {
	if s.embedder == nil || s.vector == nil {
		return Report{}, memory.WrapOp("consolidate", fmt.Errorf("embedder and vector backend required"))
	}

	population, err := s.store.Persistence().LoadNamespace(ctx, ns, d)
	if err != nil {
		return Report{}, memory.WrapOp("consolidate", err)
	}

	// Only hot/warm active memories are consolidation candidates.
	candidates := make([]*memory.Memory, 0, len(population))
	for _, m := range population {
		if m.Status != memory.StatusActive {
			continue
		}
		if m.Tier == memory.TierCold || m.Tier == memory.TierArchived {
			continue
		}
		candidates = append(candidates, m)
	}

	report := Report{Examined: len(candidates)}
	if len(candidates) < s.config.MinClusterSize {
		return report, nil
	}

	clusters, err := s.cluster(ctx, candidates)
	if err != nil {
		return report, err
	}
	report.Clusters = len(clusters)

	if s.summarize == nil {
		return report, nil
	}

	for _, cluster := range clusters {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		contents := make([]string, len(cluster))
		relates := make([]string, len(cluster))
		for i, m := range cluster {
			contents[i] = m.Content
			relates[i] = m.ID
		}

		summaryText, err := s.summarize(ctx, contents)
		if err != nil {
			s.logger.Warn("cluster summarization failed", "namespace", string(ns), "size", len(cluster), "error", err)
			continue
		}
		summaryText = strings.TrimSpace(summaryText)
		if summaryText == "" {
			continue
		}

		if err := s.writeSummary(ctx, ns, d, summaryText, relates); err != nil {
			s.logger.Warn("summary write failed", "error", err)
			continue
		}
		report.Summarized++

		for _, m := range cluster {
			if err := s.store.AssignTier(ctx, m.ID, s.config.DemoteTier); err != nil {
				s.logger.Warn("tier demotion failed", "id", m.ID, "error", err)
				continue
			}
			report.Demoted++
		}
	}

	s.logger.Info("consolidation pass complete",
		"namespace", string(ns), "examined", report.Examined,
		"clusters", report.Clusters, "summarized", report.Summarized, "demoted", report.Demoted)
	return report, nil
}

// cluster greedily groups candidates: each unvisited memory seeds a
// cluster of its yet-unvisited neighbors above the similarity threshold.
// The neighbor probes run as one KNN batch.
func (s *Service) cluster(ctx context.Context, candidates []*memory.Memory) ([][]*memory.Memory, error) {
	queries := make([][]float32, len(candidates))
	for i, m := range candidates {
		vec, err := s.embedder.Embed(ctx, encoding.NormalizeContent(m.Content))
		if err != nil {
			return nil, memory.WrapOp("consolidate_cluster", err)
		}
		queries[i] = vec
	}

	neighborLists, err := s.vector.SearchKNNBatch(ctx, queries, s.config.NeighborK)
	if err != nil {
		return nil, memory.WrapOp("consolidate_cluster", err)
	}

	byID := make(map[string]*memory.Memory, len(candidates))
	for _, m := range candidates {
		byID[m.ID] = m
	}

	visited := make(map[string]bool, len(candidates))
	var clusters [][]*memory.Memory

	for i, seed := range candidates {
		if visited[seed.ID] {
			continue
		}
		visited[seed.ID] = true
		cluster := []*memory.Memory{seed}

		for _, neighbor := range neighborLists[i] {
			if neighbor.ID == seed.ID || visited[neighbor.ID] {
				continue
			}
			m, ok := byID[neighbor.ID]
			if !ok || neighbor.Similarity < s.config.SimilarityThreshold {
				continue
			}
			visited[m.ID] = true
			cluster = append(cluster, m)
		}

		if len(cluster) >= s.config.MinClusterSize {
			sort.Slice(cluster, func(a, b int) bool { return cluster[a].ID < cluster[b].ID })
			clusters = append(clusters, cluster)
		}
	}

	return clusters, nil
}

// writeSummary captures the cluster digest as a fresh warm-tier memory
// linked to its members.
func (s *Service) writeSummary(ctx context.Context, ns memory.Namespace, d memory.Domain, text string, relates []string) error {
	now := time.Now().UTC()

	summaryLine := text
	if idx := strings.IndexByte(summaryLine, '\n'); idx > 0 {
		summaryLine = summaryLine[:idx]
	}
	if len(summaryLine) > memory.MaxSummaryChars {
		summaryLine = summaryLine[:memory.MaxSummaryChars]
	}

	m := &memory.Memory{
		ID:        memory.NewID(text, now),
		Namespace: ns,
		Domain:    d,
		Summary:   summaryLine,
		Content:   text,
		CreatedAt: now,
		UpdatedAt: now,
		Tags:      []string{"consolidated"},
		Status:    memory.StatusActive,
		Tier:      memory.TierWarm,
		RelatesTo: relates,
	}

	var vec []float32
	if s.embedder != nil {
		if embedded, err := s.embedder.Embed(ctx, encoding.NormalizeContent(text)); err == nil {
			vec = embedded
		}
	}

	_, err := s.store.Write(ctx, m, vec)
	return err
}
