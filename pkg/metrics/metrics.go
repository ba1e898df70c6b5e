// Package metrics provides performance tracking and observability for
// xmlsink using Prometheus metrics. It exposes counters for extracted,
// skipped, and upserted records, histograms for batch latency, and
// counters for retries and document outcomes.
//
// A Collector is constructed once per run against an explicit registerer
// and passed by reference to components, keeping tests hermetic.
//
// # Basic Usage
//
//	collector := metrics.NewCollector(prometheus.DefaultRegisterer)
//	collector.RecordsProcessed("orders").Add(42)
//	timer := prometheus.NewTimer(collector.BatchDuration("public.orders"))
//	err := upserter.Execute(ctx, batch)
//	timer.ObserveDuration()
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles the run-level Prometheus metrics.
type Collector struct {
	recordsProcessed   *prometheus.CounterVec
	recordsSkipped     *prometheus.CounterVec
	rowsUpserted       *prometheus.CounterVec
	batchDuration      *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	documentsProcessed *prometheus.CounterVec
}

// NewCollector registers and returns the run metrics. Pass
// prometheus.NewRegistry() in tests and prometheus.DefaultRegisterer in
// production.
func NewCollector(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	return &Collector{
		recordsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmlsink",
			Name:      "records_processed_total",
			Help:      "Records extracted and forwarded to the pipeline",
		}, []string{"mapping"}),
		recordsSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmlsink",
			Name:      "records_skipped_total",
			Help:      "Records dropped by validation or left empty after stripping",
		}, []string{"mapping"}),
		rowsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmlsink",
			Name:      "rows_upserted_total",
			Help:      "Rows written to destination tables",
		}, []string{"table"}),
		batchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "xmlsink",
			Name:      "batch_duration_seconds",
			Help:      "Latency of one batch upsert including retries",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"table"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmlsink",
			Name:      "batch_retries_total",
			Help:      "Transient batch failures that were retried",
		}, []string{"table"}),
		documentsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "xmlsink",
			Name:      "documents_processed_total",
			Help:      "Documents by terminal status",
		}, []string{"mapping", "status"}),
	}
}

// RecordsProcessed returns the processed-records counter for a mapping.
func (c *Collector) RecordsProcessed(mapping string) prometheus.Counter {
	return c.recordsProcessed.WithLabelValues(mapping)
}

// RecordsSkipped returns the skipped-records counter for a mapping.
func (c *Collector) RecordsSkipped(mapping string) prometheus.Counter {
	return c.recordsSkipped.WithLabelValues(mapping)
}

// RowsUpserted returns the upserted-rows counter for a table.
func (c *Collector) RowsUpserted(table string) prometheus.Counter {
	return c.rowsUpserted.WithLabelValues(table)
}

// BatchDuration returns the batch latency observer for a table.
func (c *Collector) BatchDuration(table string) prometheus.Observer {
	return c.batchDuration.WithLabelValues(table)
}

// Retries returns the retry counter for a table.
func (c *Collector) Retries(table string) prometheus.Counter {
	return c.retries.WithLabelValues(table)
}

// DocumentDone records the terminal status of one document.
func (c *Collector) DocumentDone(mapping, status string) {
	c.documentsProcessed.WithLabelValues(mapping, status).Inc()
}
