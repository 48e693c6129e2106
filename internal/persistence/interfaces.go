// Package persistence defines the storage model and repository interfaces
// for collection records and tracked targets. The store is the only shared
// resource between collector types; the (target_id, ts) unique key is the
// sole concurrency-control primitive.
package persistence

import (
	"context"
	"errors"
	"time"
)

// SourcePlaceholder marks records materialized ahead of collection. A record
// keeps this data_source until real fetched data lands on it.
const SourcePlaceholder = "placeholder_auto"

// ErrNotFound indicates no record exists for the requested key.
var ErrNotFound = errors.New("record not found")

// TimeRange is a half-inclusive [From, To] query window.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Target is an entity the system tracks: a symbol for technical/on-chain
// collectors, an indicator name for macro. Immutable once created; its
// lifecycle is owned by the external active-entity list.
type Target struct {
	CollectorType string    `json:"collector_type" db:"collector_type"`
	TargetID      string    `json:"target_id" db:"target_id"`
	IsActive      bool      `json:"is_active" db:"is_active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Record is the persisted unit, unique per (target_id, ts). Fields is a
// collector-specific map with nullable values; Completeness is the share of
// required fields populated, in [0,100].
type Record struct {
	TargetID     string                 `json:"target_id" db:"target_id"`
	Timestamp    time.Time              `json:"ts" db:"ts"`
	Fields       map[string]interface{} `json:"fields" db:"fields"`
	Completeness float64                `json:"data_completeness_percentage" db:"data_completeness_percentage"`
	DataSource   string                 `json:"data_source" db:"data_source"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at" db:"updated_at"`
}

// IsPlaceholder reports whether the record still awaits real data.
func (r Record) IsPlaceholder() bool {
	return r.DataSource == SourcePlaceholder
}

// CompletenessStats summarizes record completeness over a query window.
type CompletenessStats struct {
	RealRecords     int64   `json:"real_records"`
	Placeholders    int64   `json:"placeholders"`
	AvgCompleteness float64 `json:"avg_completeness"`
}

// RecordStore persists collection records. Each collector type owns one
// table; the table name is passed per call so a single store serves all
// types.
type RecordStore interface {
	// InsertPlaceholders inserts one empty record per input, skipping keys
	// that already exist (insert-if-absent). Returns the number created.
	InsertPlaceholders(ctx context.Context, table string, records []Record) (int64, error)

	// Get returns the record for (targetID, ts), or ErrNotFound.
	Get(ctx context.Context, table, targetID string, ts time.Time) (*Record, error)

	// Upsert writes a merged record: insert on a missing key, otherwise
	// replace fields, completeness, and data_source. Callers perform the
	// non-null field merge before calling.
	Upsert(ctx context.Context, table string, rec Record) error

	// LatestRealByTarget returns, per target, the most recent timestamp
	// carrying real (non-placeholder) data. Targets with no real record are
	// absent from the map.
	LatestRealByTarget(ctx context.Context, table string) (map[string]time.Time, error)

	// Stats returns completeness statistics over the window, averaged across
	// non-placeholder records.
	Stats(ctx context.Context, table string, tr TimeRange) (CompletenessStats, error)
}

// TargetStore reads the external active-entity list. Read-only: target
// lifecycle belongs to an external collaborator.
type TargetStore interface {
	ListActive(ctx context.Context, collectorType string) ([]Target, error)
}
