// Package metrics exposes Prometheus collectors for ingestion, audit and repair.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RecordsProcessed *prometheus.CounterVec
	ChunkDuration    prometheus.Histogram
	Jobs             *prometheus.CounterVec
	AuditDelta       *prometheus.GaugeVec
	AuditOrphans     prometheus.Gauge
	RepairOutcomes   *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.DefaultRegisterer in
// production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RecordsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordsync",
			Name:      "records_processed_total",
			Help:      "Records run through the embedding pipeline by outcome.",
		}, []string{"status"}),
		ChunkDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "recordsync",
			Name:      "chunk_duration_seconds",
			Help:      "Time to embed and write one chunk.",
			Buckets:   prometheus.DefBuckets,
		}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordsync",
			Name:      "jobs_total",
			Help:      "Ingestion jobs by terminal state.",
		}, []string{"state"}),
		AuditDelta: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "recordsync",
			Name:      "audit_delta",
			Help:      "Document count minus vector count per file at the last audit.",
		}, []string{"file"}),
		AuditOrphans: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "recordsync",
			Name:      "audit_orphans",
			Help:      "Orphaned vectors found at the last audit.",
		}),
		RepairOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "recordsync",
			Name:      "repair_outcomes_total",
			Help:      "Repair target outcomes.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveRecords(successful, failed int) {
	if m == nil {
		return
	}
	m.RecordsProcessed.WithLabelValues("success").Add(float64(successful))
	m.RecordsProcessed.WithLabelValues("failed").Add(float64(failed))
}

func (m *Metrics) ObserveChunk(seconds float64) {
	if m == nil {
		return
	}
	m.ChunkDuration.Observe(seconds)
}

func (m *Metrics) JobFinished(state string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(state).Inc()
}

// SetAudit replaces the per-file deltas with the latest report values.
func (m *Metrics) SetAudit(deltas map[string]int64, orphans int) {
	if m == nil {
		return
	}
	m.AuditDelta.Reset()
	for file, d := range deltas {
		m.AuditDelta.WithLabelValues(file).Set(float64(d))
	}
	m.AuditOrphans.Set(float64(orphans))
}

func (m *Metrics) RepairOutcome(outcome string) {
	if m == nil {
		return
	}
	m.RepairOutcomes.WithLabelValues(outcome).Inc()
}
