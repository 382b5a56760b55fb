package event

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a bus subscriber exporting lifecycle counters to prometheus.
type Metrics struct {
	captures      prometheus.Counter
	blocked       prometheus.Counter
	searches      prometheus.Counter
	tierMoves     prometheus.Counter
	storageErrors *prometheus.CounterVec
	searchLatency prometheus.Histogram
	busDropped    prometheus.CounterFunc
}

// NewMetrics registers the subcog counters on reg and returns the handler.
func NewMetrics(reg prometheus.Registerer, bus *Bus) *Metrics {
	m := &Metrics{
		captures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subcog_memories_captured_total",
			Help: "Memories successfully captured.",
		}),
		blocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subcog_captures_blocked_total",
			Help: "Captures rejected by the security filter.",
		}),
		searches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subcog_searches_total",
			Help: "Recall operations completed.",
		}),
		tierMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subcog_tier_assignments_total",
			Help: "Tier transitions applied by consolidation.",
		}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subcog_storage_errors_total",
			Help: "Degraded index/vector writes by backend.",
		}, []string{"backend"}),
		searchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "subcog_search_latency_ms",
			Help:    "Recall latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		busDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "subcog_events_dropped_total",
			Help: "Events dropped by the bounded bus.",
		}, func() float64 { return float64(bus.Dropped()) }),
	}

	reg.MustRegister(m.captures, m.blocked, m.searches, m.tierMoves, m.storageErrors, m.searchLatency, m.busDropped)
	return m
}

// Observe records one event.
func (m *Metrics) Observe(e Event) {
	switch e.Type {
	case TypeMemoryCaptured:
		m.captures.Inc()
	case TypeCaptureBlocked:
		m.blocked.Inc()
	case TypeSearchCompleted:
		m.searches.Inc()
		m.searchLatency.Observe(float64(e.LatencyMS))
	case TypeTierAssigned:
		m.tierMoves.Inc()
	case TypeStorageError:
		m.storageErrors.WithLabelValues(e.Backend).Inc()
	}
}

// Run subscribes to the bus and consumes events until the context is
// cancelled or the bus closes. Intended to run in its own goroutine.
func (m *Metrics) Run(ctx context.Context, bus *Bus) {
	ch, cancel := bus.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(e)
		}
	}
}
