// Package metrics exposes ingestion counters for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "leadfunnel"

// Ingest holds the ingestion collectors. A nil *Ingest is valid and records
// nothing.
type Ingest struct {
	records     *prometheus.CounterVec
	pages       *prometheus.CounterVec
	aborts      *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	alerts      *prometheus.GaugeVec
}

// NewIngest creates the collectors and registers them with reg.
func NewIngest(reg prometheus.Registerer) *Ingest {
	m := &Ingest{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Source records processed, by outcome.",
		}, []string{"source", "kind", "outcome"}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Source pages fetched.",
		}, []string{"source", "stream"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_aborts_total",
			Help:      "Streams aborted after consecutive failures.",
		}, []string{"source", "stream"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Ingestion runs, by final status.",
		}, []string{"source", "kind", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of ingestion runs.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"source", "kind"}),
		alerts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "funnel_alerts",
			Help:      "Funnel alerts from the last evaluation, by severity.",
		}, []string{"severity"}),
	}
	reg.MustRegister(m.records, m.pages, m.aborts, m.runs, m.runDuration, m.alerts)
	return m
}

// Record counts one record outcome.
func (m *Ingest) Record(source, kind, outcome string) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(source, kind, outcome).Inc()
}

// Stream counts the pages of a finished stream and whether it was aborted.
func (m *Ingest) Stream(source, stream string, pages int, aborted bool) {
	if m == nil {
		return
	}
	m.pages.WithLabelValues(source, stream).Add(float64(pages))
	if aborted {
		m.aborts.WithLabelValues(source, stream).Inc()
	}
}

// Run counts a finished run and observes its duration.
func (m *Ingest) Run(source, kind, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(source, kind, status).Inc()
	m.runDuration.WithLabelValues(source, kind).Observe(elapsed.Seconds())
}

// Alerts sets the number of active alerts per severity.
func (m *Ingest) Alerts(bySeverity map[string]int) {
	if m == nil {
		return
	}
	m.alerts.Reset()
	for sev, n := range bySeverity {
		m.alerts.WithLabelValues(sev).Set(float64(n))
	}
}
