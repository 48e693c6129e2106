package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/persistence"
)

// SeriesSource fetches observations for a macro indicator series, keyed by
// observation day (UTC midnight).
type SeriesSource interface {
	Observations(ctx context.Context, seriesID string, from, to time.Time) (map[time.Time]float64, error)
}

// MacroAdapter collects daily macro indicator observations (rates, CPI,
// money supply) for every tracked series. Its single required field keeps
// the completeness contract trivial: an observation either published or it
// did not.
type MacroAdapter struct {
	targets    persistence.TargetStore
	source     SeriesSource
	interval   time.Duration
	sourceName string
	log        zerolog.Logger
}

// NewMacroAdapter creates the macro collector adapter.
func NewMacroAdapter(targets persistence.TargetStore, source SeriesSource, interval time.Duration, sourceName string, logger zerolog.Logger) *MacroAdapter {
	return &MacroAdapter{
		targets:    targets,
		source:     source,
		interval:   interval,
		sourceName: sourceName,
		log:        logger.With().Str("adapter", "macro").Logger(),
	}
}

func (a *MacroAdapter) Type() string { return "macro" }

func (a *MacroAdapter) RequiredFields() []string {
	return []string{"value"}
}

// ExpectedPoints enumerates every tracked indicator at every interval
// boundary (daily by default) in [start, end].
func (a *MacroAdapter) ExpectedPoints(ctx context.Context, start, end time.Time) ([]ExpectedPoint, error) {
	targets, err := a.targets.ListActive(ctx, a.Type())
	if err != nil {
		return nil, fmt.Errorf("failed to list tracked indicators: %w", err)
	}
	timestamps := IntervalTimestamps(start, end, a.interval)

	points := make([]ExpectedPoint, 0, len(targets)*len(timestamps))
	for _, target := range targets {
		for _, ts := range timestamps {
			points = append(points, ExpectedPoint{Target: target, Timestamp: ts})
		}
	}
	return points, nil
}

// Collect fetches observations per series. A series fetch failure fails
// only that series' points. A day with no published observation is not an
// error: the placeholder stays until the source publishes.
func (a *MacroAdapter) Collect(ctx context.Context, points []ExpectedPoint) ([]persistence.Record, []PointError, error) {
	bySeries := make(map[string][]ExpectedPoint)
	for _, p := range points {
		bySeries[p.Target.TargetID] = append(bySeries[p.Target.TargetID], p)
	}

	var records []persistence.Record
	var pointErrs []PointError

	for seriesID, seriesPoints := range bySeries {
		if err := ctx.Err(); err != nil {
			return records, pointErrs, err
		}

		from, to := pointSpan(seriesPoints)
		observations, err := a.source.Observations(ctx, seriesID, from, to)
		if err != nil {
			for _, p := range seriesPoints {
				pointErrs = append(pointErrs, PointError{Point: p, Err: fmt.Errorf("observation fetch: %w", err)})
			}
			continue
		}

		for _, p := range seriesPoints {
			value, ok := observations[p.Timestamp.Truncate(a.interval)]
			if !ok {
				a.log.Debug().
					Str("series", seriesID).
					Time("ts", p.Timestamp).
					Msg("No observation published yet; placeholder kept")
				continue
			}
			records = append(records, persistence.Record{
				TargetID:   seriesID,
				Timestamp:  p.Timestamp,
				Fields:     map[string]interface{}{"value": value},
				DataSource: a.sourceName,
			})
		}
	}
	return records, pointErrs, nil
}
