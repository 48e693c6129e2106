package collection

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/persistence"
)

// PlaceholderManager materializes one empty record per expected point so
// missing data shows up as queryable zero-completeness rows rather than
// silent absence. It never overwrites an existing record.
type PlaceholderManager struct {
	store persistence.RecordStore
	table string
	log   zerolog.Logger
}

// NewPlaceholderManager creates a placeholder manager for one collector
// type's table.
func NewPlaceholderManager(store persistence.RecordStore, table string, logger zerolog.Logger) *PlaceholderManager {
	return &PlaceholderManager{
		store: store,
		table: table,
		log:   logger.With().Str("component", "placeholders").Logger(),
	}
}

// EnsurePlaceholders inserts a placeholder record for every expected point
// in [start, end] that does not already have a row, and returns the count
// created. Insert-if-absent semantics make overlapping runs converge.
func (m *PlaceholderManager) EnsurePlaceholders(ctx context.Context, adapter Adapter, start, end time.Time) (int64, error) {
	points, err := adapter.ExpectedPoints(ctx, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to enumerate expected points: %w", err)
	}
	if len(points) == 0 {
		return 0, nil
	}

	records := make([]persistence.Record, len(points))
	for i, p := range points {
		records[i] = persistence.Record{
			TargetID:   p.Target.TargetID,
			Timestamp:  p.Timestamp,
			Fields:     map[string]interface{}{},
			DataSource: persistence.SourcePlaceholder,
		}
	}

	created, err := m.store.InsertPlaceholders(ctx, m.table, records)
	if err != nil {
		return 0, fmt.Errorf("failed to insert placeholders: %w", err)
	}

	m.log.Info().
		Str("collector_type", adapter.Type()).
		Int("expected_points", len(points)).
		Int64("created", created).
		Time("start", start).
		Time("end", end).
		Msg("Placeholder pass completed")
	return created, nil
}
