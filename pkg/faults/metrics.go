package faults

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons reported on faults_records_dropped_total.
const (
	DropReasonOverflowOldest = "overflow_oldest"
	DropReasonOverflowNewest = "overflow_newest"
	DropReasonBlockTimeout   = "block_timeout"
	DropReasonClosed         = "closed"
	DropReasonExportFailed   = "export_failed"
)

// Metrics holds the pipeline's prometheus collectors.
type Metrics struct {
	// Captured counts records built by the router.
	Captured *prometheus.CounterVec

	// Enqueued counts records accepted by the buffer.
	Enqueued prometheus.Counter

	// Dropped counts records that will never be exported, by reason.
	Dropped *prometheus.CounterVec

	// Batches counts export attempts by result (success, failure).
	Batches *prometheus.CounterVec

	// ExportDuration observes how long each export call took.
	ExportDuration prometheus.Histogram

	// Pending is the number of records waiting in the buffer.
	Pending prometheus.Gauge
}

// NewMetrics registers the collectors with reg. A nil reg uses a private
// registry that nothing scrapes. Registering twice with the same reg panics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Captured: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "faults_records_captured_total",
			Help: "Total number of fault records captured.",
		}, []string{"severity", "context"}),

		Enqueued: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "faults_records_enqueued_total",
			Help: "Total number of fault records accepted by the batch buffer.",
		}),

		Dropped: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "faults_records_dropped_total",
			Help: "Total number of fault records dropped before export.",
		}, []string{"reason"}),

		Batches: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "faults_batches_exported_total",
			Help: "Total number of batch export attempts by result.",
		}, []string{"result"}),

		ExportDuration: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "faults_export_duration_seconds",
			Help:    "Histogram of batch export latencies.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		Pending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "faults_buffer_pending",
			Help: "Current number of records waiting in the batch buffer.",
		}),
	}
}
