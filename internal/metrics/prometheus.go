// Package metrics exposes toolbox activity as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metricer records deployment and transaction activity.
type Metricer interface {
	DeployStarted(contract string)
	DeployFinished(contract string, success bool, elapsed time.Duration)
	RecordPoolCreated()
	RecordTransaction(method string, success bool)
}

// PrometheusMetrics holds all Prometheus metrics for the toolbox.
type PrometheusMetrics struct {
	DeploymentsTotal    *prometheus.CounterVec
	DeployDuration      *prometheus.HistogramVec
	DeploymentsInflight prometheus.Gauge
	PoolsCreated        prometheus.Counter
	TxTotal             *prometheus.CounterVec
}

var _ Metricer = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		DeploymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbox_deployments_total",
				Help: "Contract deployments by contract and status",
			},
			[]string{"contract", "status"},
		),

		DeployDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolbox_deploy_duration_seconds",
				Help:    "Time from signing a deployment to its receipt",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"contract"},
		),

		DeploymentsInflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolbox_deployments_inflight",
				Help: "Deployments waiting for a receipt",
			},
		),

		PoolsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "toolbox_pools_created_total",
				Help: "AMM pools created through the factory",
			},
		),

		TxTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbox_transactions_total",
				Help: "Contract method transactions by method and status",
			},
			[]string{"method", "status"},
		),
	}
}

// DeployStarted marks a deployment as in flight.
func (m *PrometheusMetrics) DeployStarted(contract string) {
	m.DeploymentsInflight.Inc()
}

// DeployFinished records the outcome of a deployment.
func (m *PrometheusMetrics) DeployFinished(contract string, success bool, elapsed time.Duration) {
	m.DeploymentsInflight.Dec()
	m.DeploymentsTotal.WithLabelValues(contract, status(success)).Inc()
	if success {
		m.DeployDuration.WithLabelValues(contract).Observe(elapsed.Seconds())
	}
}

// RecordPoolCreated counts a created pool.
func (m *PrometheusMetrics) RecordPoolCreated() {
	m.PoolsCreated.Inc()
}

// knownMethods is a fixed set of contract methods to prevent cardinality explosion
var knownMethods = map[string]bool{
	"createPair": true,
	"deposit":    true,
	"transfer":   true,
	"approve":    true,
	"mint":       true,
}

// RecordTransaction counts a contract method transaction.
func (m *PrometheusMetrics) RecordTransaction(method string, success bool) {
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	if !knownMethods[method] {
		method = "other"
	}
	m.TxTotal.WithLabelValues(method, status(success)).Inc()
}

// Reset resets counters and gauges. Histograms are cumulative and are left alone.
func (m *PrometheusMetrics) Reset() {
	m.DeploymentsTotal.Reset()
	m.TxTotal.Reset()
	m.DeploymentsInflight.Set(0)
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

var _ Metricer = NoopMetrics{}

func (NoopMetrics) DeployStarted(string)                       {}
func (NoopMetrics) DeployFinished(string, bool, time.Duration) {}
func (NoopMetrics) RecordPoolCreated()                         {}
func (NoopMetrics) RecordTransaction(string, bool)             {}
