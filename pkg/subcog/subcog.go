// Package subcog assembles the engine: it reads configuration, constructs
// the persistence, index and vector backends, the event bus, and the
// capture/recall/dedup/consolidation services in dependency order, and
// exposes the host-facing surface (Capture, Recall, Status, Reindex,
// Events).
package subcog

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/subcog-dev/subcog/pkg/capture"
	"github.com/subcog-dev/subcog/pkg/consolidate"
	"github.com/subcog-dev/subcog/pkg/dedup"
	"github.com/subcog-dev/subcog/pkg/embedding"
	"github.com/subcog-dev/subcog/pkg/event"
	"github.com/subcog-dev/subcog/pkg/index"
	"github.com/subcog-dev/subcog/pkg/logging"
	"github.com/subcog-dev/subcog/pkg/memory"
	"github.com/subcog-dev/subcog/pkg/persist"
	"github.com/subcog-dev/subcog/pkg/recall"
	"github.com/subcog-dev/subcog/pkg/storage"
	"github.com/subcog-dev/subcog/pkg/vector"
)

// Option configures optional collaborators at construction time.
type Option func(*options)

type options struct {
	logger      logging.Logger
	embedder    embedding.Embedder
	filter      capture.SecurityFilter
	redactor    recall.Redactor
	boosters    []recall.Booster
	summarize   consolidate.SummarizeFn
	metricsReg  prometheus.Registerer
	busCapacity int
}

// WithLogger wires a structured logger (default: nop).
func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithEmbedder wires the embedding model. Without one the engine runs
// lexical-only; captures carry no vectors and hybrid recall degrades.
func WithEmbedder(e embedding.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// WithSecurityFilter wires the capture content screen. Only honored when
// the enhanced tier enables it.
func WithSecurityFilter(f capture.SecurityFilter) Option {
	return func(o *options) { o.filter = f }
}

// WithRedactor wires the recall-side secret redactor.
func WithRedactor(r recall.Redactor) Option {
	return func(o *options) { o.redactor = r }
}

// WithBoosters wires optional recall score boosts.
func WithBoosters(boosters ...recall.Booster) Option {
	return func(o *options) { o.boosters = boosters }
}

// WithSummarizer wires the LLM-backed cluster summarizer used by the
// consolidation service. Only honored when the LLM tier enables
// consolidation.
func WithSummarizer(fn consolidate.SummarizeFn) Option {
	return func(o *options) { o.summarize = fn }
}

// WithMetrics registers the engine's prometheus collectors and attaches
// the metrics event handler. Only honored when the enhanced tier enables
// metrics.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.metricsReg = reg }
}

// WithBusCapacity overrides the event-bus buffer depth.
func WithBusCapacity(n int) Option {
	return func(o *options) { o.busCapacity = n }
}

// Status is the engine's aggregated health/count report.
type Status struct {
	Persistence persist.Stats
	Index       index.Stats
	Vector      vector.Stats
	// EventsDropped counts bus messages discarded since start.
	EventsDropped uint64
}

// Engine is the composed service graph.
type Engine struct {
	config Config
	logger logging.Logger

	bus         *event.Bus
	persistence persist.Backend
	index       index.Backend
	vector      vector.Backend
	composite   *storage.Composite
	embedder    embedding.Embedder

	captureSvc     *capture.Service
	recallSvc      *recall.Service
	dedupSvc       *dedup.Service
	consolidateSvc *consolidate.Service

	metricsStop context.CancelFunc
}

// Open validates cfg and constructs the engine in dependency order:
// backends, bus, composite, then services gated by the feature tiers.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.normalized()

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.Nop()
	}
	log := o.logger

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, memory.WrapOp("engine_open", err)
	}

	eng := &Engine{config: cfg, logger: log, embedder: o.embedder}

	var err error
	defer func() {
		if err != nil {
			_ = eng.Close()
		}
	}()

	// Backends, leaves first.
	switch cfg.Persistence.Backend {
	case "sqlite":
		eng.persistence, err = persist.OpenSQLite(ctx, cfg.Persistence.Path, log.With("component", "persist"))
	case "gitnotes":
		eng.persistence, err = persist.OpenGitNotes(ctx, cfg.Persistence.Path, cfg.Persistence.Remote, log.With("component", "persist"))
	default:
		eng.persistence, err = persist.OpenFS(cfg.Persistence.Path, log.With("component", "persist"))
	}
	if err != nil {
		return nil, err
	}

	eng.index, err = index.OpenSQLite(ctx, index.Config{
		Path:   cfg.Index.Path,
		BM25K1: cfg.Index.BM25K1,
		BM25B:  cfg.Index.BM25B,
	}, log.With("component", "index"))
	if err != nil {
		return nil, err
	}

	if cfg.Vector.Backend == "flat" {
		eng.vector = vector.NewFlat()
	} else {
		eng.vector = vector.NewHNSW(vector.HNSWConfig{
			M:              cfg.Vector.M,
			EfConstruction: cfg.Vector.EfConstruction,
			EfSearch:       cfg.Vector.EfSearch,
			SnapshotPath:   cfg.Vector.SnapshotPath,
		}, log.With("component", "vector"))
	}
	if err = eng.vector.Initialize(ctx, cfg.Embedding.Dimensions); err != nil {
		return nil, err
	}

	eng.bus = event.NewBus(o.busCapacity)

	eng.composite = storage.NewComposite(eng.persistence, eng.index, eng.vector, eng.bus, log.With("component", "storage"), storage.Config{
		RRFK: cfg.Search.RRFK,
	})

	// Enhanced tier.
	var filter capture.SecurityFilter
	if cfg.Features.Enhanced.Enabled {
		dedupCfg := cfg.dedupConfig()
		if dedupCfg.Enabled {
			eng.dedupSvc = dedup.NewService(dedupCfg, eng.index, eng.vector, o.embedder, eng.persistence, log.With("component", "dedup"))
		}
		if cfg.Features.Enhanced.SecurityFilter {
			filter = o.filter
		}
		if cfg.Features.Enhanced.Metrics && o.metricsReg != nil {
			metrics := event.NewMetrics(o.metricsReg, eng.bus)
			mctx, cancel := context.WithCancel(context.Background())
			eng.metricsStop = cancel
			go metrics.Run(mctx, eng.bus)
		}
	}

	// Core services.
	eng.captureSvc = capture.NewService(eng.composite, eng.dedupSvc, filter, o.embedder, eng.bus, log.With("component", "capture"))
	eng.recallSvc = recall.NewService(eng.composite, o.embedder, o.boosters, o.redactor, eng.bus, log.With("component", "recall"))

	// LLM tier.
	if cfg.Features.LLM.Enabled && cfg.Features.LLM.Consolidation {
		eng.consolidateSvc = consolidate.NewService(eng.composite, eng.vector, o.embedder, o.summarize, log.With("component", "consolidate"), consolidate.DefaultConfig())
	}

	log.Info("engine opened",
		"persistence", cfg.Persistence.Backend,
		"vector", cfg.Vector.Backend,
		"dedup", eng.dedupSvc != nil,
		"consolidation", eng.consolidateSvc != nil)
	return eng, nil
}

// Capture submits a memory through the capture pipeline.
func (e *Engine) Capture(ctx context.Context, req capture.Request) (*capture.Result, error) {
	return e.captureSvc.Capture(ctx, req)
}

// Recall searches memories, filling the configured default mode and limit.
func (e *Engine) Recall(ctx context.Context, req recall.Request) (*recall.Response, error) {
	if req.Limit <= 0 {
		req.Limit = e.config.Search.DefaultLimit
	}
	if req.Mode == memory.ModeHybrid && e.config.Search.DefaultMode != "" {
		mode, err := memory.ParseSearchMode(e.config.Search.DefaultMode)
		if err == nil {
			req.Mode = mode
		}
	}
	return e.recallSvc.Recall(ctx, req)
}

// Dedup exposes the deduplication service when the enhanced tier built it.
func (e *Engine) Dedup() (*dedup.Service, bool) {
	return e.dedupSvc, e.dedupSvc != nil
}

// Consolidation exposes the consolidation service when the LLM tier built
// it; otherwise ErrFeatureDisabled documents the gate.
func (e *Engine) Consolidation() (*consolidate.Service, error) {
	if e.consolidateSvc == nil {
		return nil, memory.WrapOp("consolidation", memory.ErrFeatureDisabled)
	}
	return e.consolidateSvc, nil
}

// Events exposes the lifecycle bus for subscription.
func (e *Engine) Events() *event.Bus { return e.bus }

// Storage exposes the composite for advanced hosts (tier assignment,
// tombstoning, compaction).
func (e *Engine) Storage() *storage.Composite { return e.composite }

// Status aggregates backend statistics.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pStats, err := e.persistence.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	iStats, err := e.index.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	vStats, err := e.vector.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Persistence:   pStats,
		Index:         iStats,
		Vector:        vStats,
		EventsDropped: e.bus.Dropped(),
	}, nil
}

// Reindex replays persistence into the index and vector layers, embedding
// content when an embedder is wired.
func (e *Engine) Reindex(ctx context.Context) (storage.ReindexReport, error) {
	var embed storage.EmbedFn
	if e.embedder != nil {
		embed = func(ctx context.Context, content string) ([]float32, error) {
			return e.embedder.Embed(ctx, content)
		}
	}
	return e.composite.Reindex(ctx, embed)
}

// Close tears the engine down in reverse dependency order.
func (e *Engine) Close() error {
	if e.metricsStop != nil {
		e.metricsStop()
	}
	if e.bus != nil {
		e.bus.Close()
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if e.vector != nil {
		keep(e.vector.Close())
	}
	if e.index != nil {
		keep(e.index.Close())
	}
	if e.persistence != nil {
		keep(e.persistence.Close())
	}
	if firstErr != nil {
		return fmt.Errorf("engine close: %w", firstErr)
	}
	return nil
}
