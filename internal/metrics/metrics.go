// Package metrics exposes Prometheus instrumentation for the pipeline and
// the validation agent.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the service's Prometheus metrics under a private
// registry.
type Collector struct {
	registry *prometheus.Registry

	transactionsSubmitted prometheus.Counter
	transactionsProcessed prometheus.Counter
	transactionsFailed    prometheus.Counter
	transactionRetries    prometheus.Counter
	processingDuration    prometheus.Histogram
	riskScoreDistribution prometheus.Histogram

	validationsCompleted *prometheus.CounterVec
	anomaliesDetected    prometheus.Counter
	queueLength          prometheus.Gauge
}

// NewCollector creates a collector with all metrics registered.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	return &Collector{
		registry: registry,
		transactionsSubmitted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_transactions_submitted_total",
			Help: "Total number of transactions accepted by submit",
		}),
		transactionsProcessed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_transactions_processed_total",
			Help: "Total number of successfully processed transactions",
		}),
		transactionsFailed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_transactions_failed_total",
			Help: "Total number of transactions that exhausted their retries",
		}),
		transactionRetries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_transaction_retries_total",
			Help: "Total number of transaction retry re-insertions",
		}),
		processingDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_transaction_processing_duration_seconds",
			Help:    "Time taken to evaluate a transaction against the rule set",
			Buckets: prometheus.DefBuckets,
		}),
		riskScoreDistribution: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_transaction_risk_score_distribution",
			Help:    "Distribution of transaction risk scores",
			Buckets: []float64{0, 20, 40, 60, 80, 100},
		}),
		validationsCompleted: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_validations_completed_total",
			Help: "Total number of completed validations by outcome",
		}, []string{"type", "passed"}),
		anomaliesDetected: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "kestrel_anomalies_detected_total",
			Help: "Total number of anomalies raised by the validation agent",
		}),
		queueLength: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "kestrel_pipeline_queue_length",
			Help: "Current inbound queue length",
		}),
	}
}

// Handler returns the /metrics HTTP handler.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// RecordSubmission counts an accepted submission and updates queue length.
func (c *Collector) RecordSubmission(queueLength int) {
	c.transactionsSubmitted.Inc()
	c.queueLength.Set(float64(queueLength))
}

// RecordTransaction observes one completed or terminally failed transaction.
func (c *Collector) RecordTransaction(duration time.Duration, riskScore float64, success bool) {
	if success {
		c.transactionsProcessed.Inc()
		c.riskScoreDistribution.Observe(riskScore)
	} else {
		c.transactionsFailed.Inc()
	}
	c.processingDuration.Observe(duration.Seconds())
}

// RecordRetry counts a retry re-insertion.
func (c *Collector) RecordRetry() {
	c.transactionRetries.Inc()
}

// RecordValidation counts a completed validation.
func (c *Collector) RecordValidation(validationType string, passed bool) {
	label := "false"
	if passed {
		label = "true"
	}
	c.validationsCompleted.WithLabelValues(validationType, label).Inc()
}

// RecordAnomaly counts a raised anomaly.
func (c *Collector) RecordAnomaly() {
	c.anomaliesDetected.Inc()
}

// SetQueueLength updates the queue length gauge.
func (c *Collector) SetQueueLength(n int) {
	c.queueLength.Set(float64(n))
}
