// Package metrics holds the prometheus collectors of the ingestion flow.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricPrefix = "electro_"

var (
	registerOnce sync.Once

	extractionsTotal  *prometheus.CounterVec
	extractionLatency *prometheus.HistogramVec
	recordsWritten    *prometheus.CounterVec
	syncSkippedTotal  prometheus.Counter
)

// Init registers the collectors with reg, or the default registerer when reg is nil.
// Observations made before Init are dropped.
func Init(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		extractionsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "extractions_total",
				Help: "Total extractions by result",
			},
			[]string{"result"},
		)
		extractionLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "extraction_latency_seconds",
				Help:    "Extraction and persistence latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		recordsWritten = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "records_written_total",
				Help: "Total interval records upserted by table",
			},
			[]string{"table"},
		)
		syncSkippedTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "sync_skipped_jobs_total",
				Help: "Total sync jobs skipped after exhausting retries",
			},
		)

		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			extractionsTotal,
			extractionLatency,
			recordsWritten,
			syncSkippedTotal,
		)
	})
}

// ObserveExtraction records an extraction's duration and result
func ObserveExtraction(result string, duration time.Duration) {
	if result == "" {
		result = "unknown"
	}
	if extractionsTotal != nil {
		extractionsTotal.WithLabelValues(result).Inc()
	}
	if extractionLatency != nil {
		extractionLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddRecordsWritten adds n upserted records for table
func AddRecordsWritten(table string, n int) {
	if recordsWritten != nil && n > 0 {
		recordsWritten.WithLabelValues(table).Add(float64(n))
	}
}

// IncSyncSkipped counts a skipped sync job
func IncSyncSkipped() {
	if syncSkippedTotal != nil {
		syncSkippedTotal.Inc()
	}
}
