package feedback

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the feedback engine's collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	cacheLookups     *prometheus.CounterVec
	storeErrors      prometheus.Counter
	recomputed       *prometheus.CounterVec
	recomputeSeconds prometheus.Histogram
	dispatches       *prometheus.CounterVec
}

// NewMetrics registers the feedback collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_feedback_cache_lookups_total",
				Help: "Multiplier cache lookups by result",
			},
			[]string{"result"},
		),
		storeErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paygate_feedback_store_errors_total",
				Help: "Signal store reads that failed and degraded to the neutral multiplier",
			},
		),
		recomputed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_feedback_signals_recomputed_total",
				Help: "Chunk signals recomputed by outcome",
			},
			[]string{"outcome"},
		),
		recomputeSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "paygate_feedback_recompute_duration_seconds",
				Help:    "Duration of a recompute batch in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_feedback_dispatches_total",
				Help: "Recompute dispatches by result",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) storeError() {
	if m == nil {
		return
	}
	m.storeErrors.Inc()
}

func (m *Metrics) recompute(outcome string) {
	if m == nil {
		return
	}
	m.recomputed.WithLabelValues(outcome).Inc()
}

func (m *Metrics) recomputeBatch(start time.Time) {
	if m == nil {
		return
	}
	m.recomputeSeconds.Observe(time.Since(start).Seconds())
}

func (m *Metrics) dispatch(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.dispatches.WithLabelValues("error").Inc()
		return
	}
	m.dispatches.WithLabelValues("ok").Inc()
}
