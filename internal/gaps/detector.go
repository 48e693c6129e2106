// Package gaps detects collection gaps and heals them with bounded,
// idempotent backfills.
package gaps

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/persistence"
)

// Gap describes the elapsed time since the most recent real (non-placeholder)
// record for a collector type. The worst-case target drives the result; a
// tracked target with no real record at all makes the gap unbounded, which
// forces a full backfill up to the configured cap.
type Gap struct {
	CollectorType string        `json:"collector_type"`
	Duration      time.Duration `json:"duration"`
	Unbounded     bool          `json:"unbounded"`
	LastReal      time.Time     `json:"last_real,omitempty"`
	WorstTarget   string        `json:"worst_target,omitempty"`
}

// Hours returns the gap in hours, for health scoring and the control API.
func (g Gap) Hours() float64 {
	return g.Duration.Hours()
}

// ExceedsTolerance reports whether the gap warrants a backfill.
func (g Gap) ExceedsTolerance(tolerance time.Duration) bool {
	return g.Unbounded || g.Duration > tolerance
}

// Detector computes the current gap for one collector type from the store.
type Detector struct {
	store         persistence.RecordStore
	targets       persistence.TargetStore
	collectorType string
	table         string
	now           func() time.Time
	log           zerolog.Logger
}

// NewDetector creates a gap detector for one collector type.
func NewDetector(store persistence.RecordStore, targets persistence.TargetStore, collectorType, table string, logger zerolog.Logger) *Detector {
	return &Detector{
		store:         store,
		targets:       targets,
		collectorType: collectorType,
		table:         table,
		now:           func() time.Time { return time.Now().UTC() },
		log:           logger.With().Str("component", "gap_detector").Str("collector_type", collectorType).Logger(),
	}
}

// Detect computes the worst-case gap across all tracked targets.
func (d *Detector) Detect(ctx context.Context) (Gap, error) {
	gap := Gap{CollectorType: d.collectorType}

	targets, err := d.targets.ListActive(ctx, d.collectorType)
	if err != nil {
		return gap, fmt.Errorf("failed to list targets for gap check: %w", err)
	}
	if len(targets) == 0 {
		return gap, nil
	}

	latest, err := d.store.LatestRealByTarget(ctx, d.table)
	if err != nil {
		return gap, fmt.Errorf("failed to read latest real records: %w", err)
	}

	now := d.now()
	for _, target := range targets {
		ts, ok := latest[target.TargetID]
		if !ok {
			gap.Unbounded = true
			gap.WorstTarget = target.TargetID
			gap.LastReal = time.Time{}
			d.log.Warn().
				Str("target", target.TargetID).
				Msg("No real record exists for target; gap is unbounded")
			return gap, nil
		}
		if elapsed := now.Sub(ts); elapsed > gap.Duration {
			gap.Duration = elapsed
			gap.LastReal = ts
			gap.WorstTarget = target.TargetID
		}
	}

	d.log.Debug().
		Float64("gap_hours", gap.Hours()).
		Str("worst_target", gap.WorstTarget).
		Msg("Gap detection completed")
	return gap, nil
}
