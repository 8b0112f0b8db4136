package db

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts engine operations. A nil *Metrics records nothing.
type Metrics struct {
	ops        *prometheus.CounterVec
	failures   *prometheus.CounterVec
	denied     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	autoFields prometheus.Counter
}

// NewMetrics registers the engine metrics on reg. A nil registerer
// disables metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &Metrics{
		ops: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellator",
			Subsystem: "db",
			Name:      "operations_total",
			Help:      "Storage operations by scheme and op.",
		}, []string{"scheme", "op"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellator",
			Subsystem: "db",
			Name:      "operation_failures_total",
			Help:      "Storage operations that returned an error.",
		}, []string{"scheme", "op"}),
		denied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stellator",
			Subsystem: "db",
			Name:      "access_denied_total",
			Help:      "Operations refused by access control.",
		}, []string{"scheme", "op"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stellator",
			Subsystem: "db",
			Name:      "operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"op"}),
		autoFields: f.NewCounter(prometheus.CounterOpts{
			Namespace: "stellator",
			Subsystem: "db",
			Name:      "auto_field_tasks_total",
			Help:      "Auto field recomputation tasks run.",
		}),
	}
}

func (m *Metrics) observe(scheme string, op Op, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(scheme, op.String()).Inc()
	if err != nil {
		m.failures.WithLabelValues(scheme, op.String()).Inc()
	}
	m.latency.WithLabelValues(op.String()).Observe(time.Since(start).Seconds())
}

func (m *Metrics) deny(scheme string, op Op) {
	if m == nil {
		return
	}
	m.denied.WithLabelValues(scheme, op.String()).Inc()
}

func (m *Metrics) autoTask() {
	if m == nil {
		return
	}
	m.autoFields.Inc()
}
