// Package metrics holds the Prometheus collectors for engine operations.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Operations  *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	SignOffs    *prometheus.CounterVec
	Promotions  *prometheus.CounterVec
	StoreErrors *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phasegate",
			Name:      "engine_operations_total",
			Help:      "Engine operations by name and outcome.",
		}, []string{"op", "outcome"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "phasegate",
			Name:      "engine_operation_duration_seconds",
			Help:      "Engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		SignOffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phasegate",
			Name:      "signoffs_total",
			Help:      "Documents signed off by document type.",
		}, []string{"type"}),
		Promotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phasegate",
			Name:      "promotions_total",
			Help:      "Phase promotions by target phase.",
		}, []string{"to"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phasegate",
			Name:      "store_errors_total",
			Help:      "Document store failures by operation.",
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.Operations, m.Duration, m.SignOffs, m.Promotions, m.StoreErrors)
	}
	return m
}

// Outcome classifies an operation error into a low-cardinality label.
type Outcome func(err error) string

// Observe records one engine operation.
func (m *Metrics) Observe(op string, start time.Time, err error, classify Outcome) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		if classify != nil {
			outcome = classify(err)
		}
	}
	m.Operations.WithLabelValues(op, outcome).Inc()
	m.Duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) SignedOff(docType string) {
	if m == nil {
		return
	}
	m.SignOffs.WithLabelValues(docType).Inc()
}

func (m *Metrics) Promoted(to string) {
	if m == nil {
		return
	}
	m.Promotions.WithLabelValues(to).Inc()
}

func (m *Metrics) StoreFailure(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}
