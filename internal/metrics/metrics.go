// Package metrics exposes Prometheus counters for ingestion runs, purges and
// report queries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/cdr-reporter/internal/model"
)

const namespace = "cdr"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RunsTotal        *prometheus.CounterVec
	FilesTotal       *prometheus.CounterVec
	RecordsTotal     *prometheus.CounterVec
	PurgedTotal      *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	LastRunTimestamp prometheus.Gauge
	QueriesTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates the collectors on their own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_runs_total",
			Help:      "Ingestion runs by result",
		},
		[]string{"result"}, // "completed", "aborted"
	)
	m.FilesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_files_total",
			Help:      "Files seen by ingestion status",
		},
		[]string{"status"},
	)
	m.RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_records_total",
			Help:      "Call records by kind",
		},
		[]string{"kind"}, // "classified", "failed", "stored", "bad_line"
	)
	m.PurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_total",
			Help:      "Rows removed by retention purges",
		},
		[]string{"kind"}, // "records", "files"
	)
	m.RunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_run_duration_seconds",
			Help:      "Wall time of ingestion runs",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)
	m.LastRunTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingest_last_run_timestamp_seconds",
			Help:      "Completion time of the last ingestion run",
		},
	)
	m.QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_queries_total",
			Help:      "Report queries by kind and result",
		},
		[]string{"kind", "result"},
	)

	m.registry.MustRegister(
		m.RunsTotal,
		m.FilesTotal,
		m.RecordsTotal,
		m.PurgedTotal,
		m.RunDuration,
		m.LastRunTimestamp,
		m.QueriesTotal,
	)
	return m
}

// ObserveRun records a finished run. aborted is true when the run stopped on
// a store failure.
func (m *Metrics) ObserveRun(r *model.RunReport, aborted bool) {
	if m == nil || r == nil {
		return
	}
	result := "completed"
	if aborted {
		result = "aborted"
	}
	m.RunsTotal.WithLabelValues(result).Inc()
	for _, f := range r.Files {
		m.FilesTotal.WithLabelValues(string(f.Status)).Inc()
	}
	m.RecordsTotal.WithLabelValues("classified").Add(float64(r.RecordsClassified))
	m.RecordsTotal.WithLabelValues("failed").Add(float64(r.RecordsFailed))
	m.RecordsTotal.WithLabelValues("stored").Add(float64(r.RecordsStored))
	m.RecordsTotal.WithLabelValues("bad_line").Add(float64(r.BadLines))
	m.RunDuration.Observe(r.CompletedAt.Sub(r.StartedAt).Seconds())
	m.LastRunTimestamp.Set(float64(r.CompletedAt.Unix()))
}

// ObservePurge records a retention purge.
func (m *Metrics) ObservePurge(r *model.PurgeResult) {
	if m == nil || r == nil {
		return
	}
	m.PurgedTotal.WithLabelValues("records").Add(float64(r.RecordsDeleted))
	m.PurgedTotal.WithLabelValues("files").Add(float64(r.FilesReleased))
}

// ObserveQuery counts a report query.
func (m *Metrics) ObserveQuery(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.QueriesTotal.WithLabelValues(kind, result).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Timeout: 10 * time.Second})
}
