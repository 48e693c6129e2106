// Package metrics exposes the Prometheus instruments for the collection
// engine, keyed by collector type.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/datapulse/collector/internal/collection"
	"github.com/datapulse/collector/internal/health"
)

// Registry holds all Prometheus metrics for datapulse. Every vector is
// labeled by collector_type so one process can serve several collectors.
type Registry struct {
	reg *prometheus.Registry

	HealthScore  *prometheus.GaugeVec
	GapHours     *prometheus.GaugeVec
	Running      *prometheus.GaugeVec
	Completeness *prometheus.GaugeVec

	TotalCollected      *prometheus.CounterVec
	CollectionErrors    *prometheus.CounterVec
	PlaceholdersCreated *prometheus.CounterVec
	BackfillsTriggered  *prometheus.CounterVec

	CycleDuration *prometheus.HistogramVec
}

// NewRegistry creates the metric set on a private Prometheus registry so
// tests and repeated construction never collide on the global one.
func NewRegistry() *Registry {
	labels := []string{"collector_type"}

	r := &Registry{
		reg: prometheus.NewRegistry(),

		HealthScore: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datapulse_health_score",
				Help: "Composite health score (0-100) per collector_type",
			},
			labels,
		),

		GapHours: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datapulse_gap_hours",
				Help: "Hours since the last real data point across all targets, per collector_type",
			},
			labels,
		),

		Running: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datapulse_running",
				Help: "Whether the loop for a collector_type is running (1) or stopped (0)",
			},
			labels,
		),

		Completeness: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "datapulse_avg_completeness",
				Help: "Average data completeness percentage over the stats window, per collector_type",
			},
			labels,
		),

		TotalCollected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datapulse_records_collected_total",
				Help: "Total records collected and stored, per collector_type",
			},
			labels,
		),

		CollectionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datapulse_collection_errors_total",
				Help: "Total per-point collection failures, per collector_type",
			},
			labels,
		),

		PlaceholdersCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datapulse_placeholders_created_total",
				Help: "Total placeholder records inserted, per collector_type",
			},
			labels,
		),

		BackfillsTriggered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "datapulse_backfills_triggered_total",
				Help: "Total backfill runs triggered, by origin",
			},
			[]string{"collector_type", "origin"},
		),

		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "datapulse_cycle_duration_seconds",
				Help:    "Duration of collection cycles in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			labels,
		),
	}

	r.reg.MustRegister(
		r.HealthScore,
		r.GapHours,
		r.Running,
		r.Completeness,
		r.TotalCollected,
		r.CollectionErrors,
		r.PlaceholdersCreated,
		r.BackfillsTriggered,
		r.CycleDuration,
	)

	return r
}

// ObserveCycle records the instruments for one completed collection cycle.
func (r *Registry) ObserveCycle(result collection.CycleResult) {
	ct := result.CollectorType
	r.TotalCollected.WithLabelValues(ct).Add(float64(result.RecordsCollected))
	r.CollectionErrors.WithLabelValues(ct).Add(float64(result.FetchErrors))
	r.PlaceholdersCreated.WithLabelValues(ct).Add(float64(result.PlaceholdersCreated))
	r.CycleDuration.WithLabelValues(ct).Observe(result.Duration.Seconds())
}

// ObserveHealth records a health snapshot's gauges.
func (r *Registry) ObserveHealth(collectorType string, snap health.Snapshot) {
	r.HealthScore.WithLabelValues(collectorType).Set(snap.Score)
	r.Completeness.WithLabelValues(collectorType).Set(snap.AvgCompleteness)
	if snap.GapUnbounded {
		// No real data yet; surface the gap as negative so dashboards can
		// distinguish it from a true zero.
		r.GapHours.WithLabelValues(collectorType).Set(-1)
	} else {
		r.GapHours.WithLabelValues(collectorType).Set(snap.GapHours)
	}
}

// SetRunning flips the running gauge for a collector loop.
func (r *Registry) SetRunning(collectorType string, running bool) {
	v := 0.0
	if running {
		v = 1
	}
	r.Running.WithLabelValues(collectorType).Set(v)
}

// RecordBackfill counts a triggered backfill by origin ("auto" or "manual").
func (r *Registry) RecordBackfill(collectorType, origin string) {
	r.BackfillsTriggered.WithLabelValues(collectorType, origin).Inc()
}

// Handler returns the scrape endpoint handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests and self-inspection.
func (r *Registry) Gather() prometheus.Gatherer {
	return r.reg
}
