package gaps

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/collection"
)

// Runner executes a collection pass over a historical range. Implemented by
// the collection engine.
type Runner interface {
	RunRange(ctx context.Context, from, to time.Time) (collection.CycleResult, error)
}

// BackfillDays converts a gap into a bounded day count:
// min(ceil(gapHours/24)+1, maxDays). An unbounded gap maps to the full cap.
func BackfillDays(gap Gap, maxDays int) int {
	if gap.Unbounded {
		return maxDays
	}
	days := int(math.Ceil(gap.Duration.Hours()/24)) + 1
	if days > maxDays {
		days = maxDays
	}
	if days < 1 {
		days = 1
	}
	return days
}

// BackfillResult reports one bounded backfill run.
type BackfillResult struct {
	RunID string                 `json:"run_id"`
	Days  int                    `json:"days"`
	Cycle collection.CycleResult `json:"cycle"`
}

// Controller triggers bounded historical re-runs over a gap window. There is
// no unbounded backfill path: the day count is hard-capped, and re-running
// overlapping ranges is idempotent through the store's unique key and the
// engine's non-null merge.
type Controller struct {
	runner  Runner
	maxDays int
	now     func() time.Time
	log     zerolog.Logger
}

// NewController creates a backfill controller capped at maxDays.
func NewController(runner Runner, maxDays int, logger zerolog.Logger) *Controller {
	return &Controller{
		runner:  runner,
		maxDays: maxDays,
		now:     func() time.Time { return time.Now().UTC() },
		log:     logger.With().Str("component", "backfill").Logger(),
	}
}

// MaxDays returns the hard cap.
func (c *Controller) MaxDays() int { return c.maxDays }

// TriggerBackfill runs collection over the gap window, bounded by the cap.
func (c *Controller) TriggerBackfill(ctx context.Context, gap Gap) (BackfillResult, error) {
	return c.TriggerBackfillDays(ctx, BackfillDays(gap, c.maxDays))
}

// TriggerBackfillDays runs collection over [now-days, now]. Day counts are
// clamped to the cap but a non-positive request is a configuration error and
// fails fast rather than being silently defaulted.
func (c *Controller) TriggerBackfillDays(ctx context.Context, days int) (BackfillResult, error) {
	if days <= 0 {
		return BackfillResult{}, fmt.Errorf("invalid backfill days %d: must be positive", days)
	}
	if days > c.maxDays {
		c.log.Info().Int("requested", days).Int("cap", c.maxDays).Msg("Backfill request clamped to cap")
		days = c.maxDays
	}

	runID := uuid.NewString()[:8]
	now := c.now()
	from := now.Add(-time.Duration(days) * 24 * time.Hour)

	c.log.Info().
		Str("run_id", runID).
		Int("days", days).
		Time("from", from).
		Msg("Backfill starting")

	cycle, err := c.runner.RunRange(ctx, from, now)
	if err != nil {
		return BackfillResult{}, fmt.Errorf("backfill run %s failed: %w", runID, err)
	}

	c.log.Info().
		Str("run_id", runID).
		Int("collected", cycle.RecordsCollected).
		Int64("placeholders_created", cycle.PlaceholdersCreated).
		Dur("duration", cycle.Duration).
		Msg("Backfill completed")
	return BackfillResult{RunID: runID, Days: days, Cycle: cycle}, nil
}
