package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the ledger's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	operations   *prometheus.CounterVec
	cents        *prometheus.CounterVec
	overruns     prometheus.Counter
	overrunCents prometheus.Counter
	duration     *prometheus.HistogramVec
}

// NewMetrics registers the ledger collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_ledger_operations_total",
				Help: "Ledger operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		cents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "paygate_ledger_cents_total",
				Help: "Cents moved through the ledger by entry type",
			},
			[]string{"type"},
		),
		overruns: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paygate_ledger_settlement_overruns_total",
				Help: "Settlements whose actual cost exceeded the reservation",
			},
		),
		overrunCents: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "paygate_ledger_settlement_overrun_cents_total",
				Help: "Cents of actual cost absorbed because they exceeded the reservation",
			},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "paygate_ledger_operation_duration_seconds",
				Help:    "Duration of ledger operations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"operation"},
		),
	}
}

func (m *Metrics) observe(operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case err == nil:
	case IsDomainError(err):
		result = "rejected"
	default:
		result = "error"
	}
	m.operations.WithLabelValues(operation, result).Inc()
	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) addCents(t EntryType, cents int64) {
	if m == nil || cents <= 0 {
		return
	}
	m.cents.WithLabelValues(string(t)).Add(float64(cents))
}

func (m *Metrics) overrun(cents int64) {
	if m == nil {
		return
	}
	m.overruns.Inc()
	m.overrunCents.Add(float64(cents))
}
