package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/gaps"
	"github.com/datapulse/collector/internal/persistence"
)

// Status labels, ordered from best to worst.
const (
	StatusHealthy     = "healthy"
	StatusOperational = "operational"
	StatusDegraded    = "degraded"
)

// Config holds the composite-score weights and status thresholds. The
// 40/40/20 weighting and 70/50 thresholds are inherited defaults, not
// hard-coded physics; deployments may tune them.
type Config struct {
	FreshnessWeight      float64       `yaml:"freshness_weight"`
	CompletenessWeight   float64       `yaml:"completeness_weight"`
	ErrorWeight          float64       `yaml:"error_weight"`
	HealthyThreshold     float64       `yaml:"healthy_threshold"`
	OperationalThreshold float64       `yaml:"operational_threshold"`
	StatsWindow          time.Duration `yaml:"stats_window"`
}

// DefaultConfig returns the standard weighting.
func DefaultConfig() Config {
	return Config{
		FreshnessWeight:      0.4,
		CompletenessWeight:   0.4,
		ErrorWeight:          0.2,
		HealthyThreshold:     70,
		OperationalThreshold: 50,
		StatsWindow:          24 * time.Hour,
	}
}

// Validate rejects weight sets that cannot produce a 0-100 score.
func (c Config) Validate() error {
	if c.FreshnessWeight < 0 || c.CompletenessWeight < 0 || c.ErrorWeight < 0 {
		return fmt.Errorf("health weights must be non-negative: %.2f/%.2f/%.2f",
			c.FreshnessWeight, c.CompletenessWeight, c.ErrorWeight)
	}
	sum := c.FreshnessWeight + c.CompletenessWeight + c.ErrorWeight
	if sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("health weights must sum to 1.0, got %.2f", sum)
	}
	if c.OperationalThreshold > c.HealthyThreshold {
		return fmt.Errorf("operational threshold %.0f exceeds healthy threshold %.0f",
			c.OperationalThreshold, c.HealthyThreshold)
	}
	return nil
}

// Snapshot is the derived health view for one collector type. Not stored
// long-term; recomputed on demand.
type Snapshot struct {
	CollectorType   string  `json:"collector_type"`
	GapHours        float64 `json:"gap_hours"`
	GapUnbounded    bool    `json:"gap_unbounded,omitempty"`
	AvgCompleteness float64 `json:"avg_completeness"`
	ErrorRate       float64 `json:"error_rate"`
	Score           float64 `json:"health_score"`
	Status          string  `json:"status"`
}

// Evaluate computes the composite snapshot as a pure function of its
// inputs, so classification is recomputable at any time with no hidden
// state. storeDegraded forces degraded status regardless of score.
func Evaluate(gap gaps.Gap, avgCompleteness, errorRate float64, interval time.Duration, storeDegraded bool, cfg Config) Snapshot {
	intervalHours := interval.Hours()

	freshness := 0.0
	if !gap.Unbounded && intervalHours > 0 {
		freshness = clamp(100-(gap.Hours()/intervalHours)*20, 0, 100)
	}
	completeness := clamp(avgCompleteness, 0, 100)
	errorTerm := clamp((1-clamp(errorRate, 0, 1))*100, 0, 100)

	score := cfg.FreshnessWeight*freshness +
		cfg.CompletenessWeight*completeness +
		cfg.ErrorWeight*errorTerm

	snap := Snapshot{
		CollectorType:   gap.CollectorType,
		GapHours:        gap.Hours(),
		GapUnbounded:    gap.Unbounded,
		AvgCompleteness: completeness,
		ErrorRate:       clamp(errorRate, 0, 1),
		Score:           clamp(score, 0, 100),
	}

	switch {
	case storeDegraded:
		snap.Status = StatusDegraded
	case snap.Score > cfg.HealthyThreshold && !gap.Unbounded && gap.Duration < 2*interval:
		snap.Status = StatusHealthy
	case snap.Score > cfg.OperationalThreshold:
		snap.Status = StatusOperational
	default:
		snap.Status = StatusDegraded
	}
	return snap
}

// Aggregator assembles health snapshots for one collector type from the
// store, the gap detector, and the stats tracker.
type Aggregator struct {
	detector *gaps.Detector
	store    persistence.RecordStore
	tracker  *Tracker
	table    string
	interval time.Duration
	cfg      Config
	log      zerolog.Logger
}

// NewAggregator wires a health aggregator for one collector type.
func NewAggregator(detector *gaps.Detector, store persistence.RecordStore, tracker *Tracker, table string, interval time.Duration, cfg Config, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		detector: detector,
		store:    store,
		tracker:  tracker,
		table:    table,
		interval: interval,
		cfg:      cfg,
		log:      logger.With().Str("component", "health").Logger(),
	}
}

// Snapshot recomputes the health view. Even mid-failure it reflects the
// true last-known state: a store error here degrades rather than hides.
func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	gap, err := a.detector.Detect(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("gap detection failed: %w", err)
	}

	now := time.Now().UTC()
	stats, err := a.store.Stats(ctx, a.table, persistence.TimeRange{
		From: now.Add(-a.cfg.StatsWindow),
		To:   now,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("completeness stats failed: %w", err)
	}

	return Evaluate(gap, stats.AvgCompleteness, a.tracker.ErrorRate(), a.interval, a.tracker.StoreDegraded(), a.cfg), nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
