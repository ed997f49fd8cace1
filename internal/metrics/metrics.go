// Package metrics exposes the engine's prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's instruments so they can be injected rather
// than shared as package globals.
type Metrics struct {
	StepsExecuted    *prometheus.CounterVec
	RetryJobs        *prometheus.CounterVec
	BillingCalls     *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	WSClients        prometheus.Gauge
}

// New registers the instruments on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_pipeline_steps_total",
			Help: "Pipeline step executions by step type and outcome.",
		}, []string{"step_type", "outcome"}),
		RetryJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_retry_jobs_total",
			Help: "Retry jobs processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		BillingCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_billing_calls_total",
			Help: "Billing RPC calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		PipelineDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_pipeline_duration_seconds",
			Help:    "Wall-clock duration of completed pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		WSClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_websocket_clients",
			Help: "Connected websocket clients.",
		}),
	}
}

// NewNop returns metrics backed by a throwaway registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
