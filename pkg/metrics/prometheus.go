package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	normalized   *prometheus.CounterVec
	quarantined  *prometheus.CounterVec
	batches      prometheus.Counter
	batchRecords prometheus.Counter
	retries      prometheus.Counter
	cacheLookups *prometheus.CounterVec
	subsDropped  *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
	latency      *prometheus.HistogramVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		normalized: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerflow_records_normalized_total",
				Help: "Total raw records accepted by the normalizer",
			},
			[]string{"company"},
		),
		quarantined: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerflow_records_quarantined_total",
				Help: "Total raw records rejected and quarantined",
			},
			[]string{"reason"},
		),
		batches: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerflow_batches_committed_total",
				Help: "Total batches durably committed to the store",
			},
		),
		batchRecords: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerflow_batch_records_committed_total",
				Help: "Total records committed across all batches",
			},
		),
		retries: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ledgerflow_append_retries_total",
				Help: "Total batch append retries after storage failures",
			},
		),
		cacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerflow_cache_lookups_total",
				Help: "Aggregate cache lookups by result",
			},
			[]string{"result"},
		),
		subsDropped: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerflow_subscribers_dropped_total",
				Help: "Subscribers dropped due to queue overflow",
			},
			[]string{"company"},
		),
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledgerflow_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledgerflow_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
	}
}

// RecordNormalized records an accepted record for a company.
func (r *Recorder) RecordNormalized(company string) {
	r.normalized.WithLabelValues(company).Inc()
}

// RecordQuarantined records a rejected raw record.
func (r *Recorder) RecordQuarantined(reason string) {
	r.quarantined.WithLabelValues(reason).Inc()
}

// RecordBatchCommitted records a committed batch and its size.
func (r *Recorder) RecordBatchCommitted(size int) {
	r.batches.Inc()
	r.batchRecords.Add(float64(size))
}

// RecordAppendRetry records a storage retry.
func (r *Recorder) RecordAppendRetry() {
	r.retries.Inc()
}

// RecordCacheHit records a cache lookup outcome.
func (r *Recorder) RecordCacheHit(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

// RecordSubscriberDropped records an overflow drop on a company topic.
func (r *Recorder) RecordSubscriberDropped(company string) {
	r.subsDropped.WithLabelValues(company).Inc()
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}
