// Package collection implements the completeness-tracking collection cycle:
// expected-point enumeration, placeholder materialization, real-data merge,
// and completeness scoring, shared by all collector types.
package collection

import (
	"context"
	"time"

	"github.com/datapulse/collector/internal/persistence"
)

// ExpectedPoint is a (target, timestamp) tuple that should have a record
// under the collector's configured interval. Never persisted on its own; it
// is the input to placeholder creation and collection.
type ExpectedPoint struct {
	Target    persistence.Target
	Timestamp time.Time
}

// PointError reports a single point's fetch failure. Point failures never
// abort a batch; the point stays a placeholder for the next cycle.
type PointError struct {
	Point ExpectedPoint
	Err   error
}

// Adapter is the per-data-type collection capability set. Implementations
// must be safe to call repeatedly for the same points: merge semantics
// downstream make re-collection idempotent.
type Adapter interface {
	// Type identifies the collector type ("technical", "macro", ...).
	Type() string

	// ExpectedPoints enumerates every (target, timestamp) that should have a
	// record in [start, end] under the collector's interval.
	ExpectedPoints(ctx context.Context, start, end time.Time) ([]ExpectedPoint, error)

	// RequiredFields is the field set used for completeness scoring.
	RequiredFields() []string

	// Collect fetches or computes real values for the points. It returns
	// partial records when only some fields are obtainable, plus per-point
	// failures; the error return is reserved for whole-batch failures.
	Collect(ctx context.Context, points []ExpectedPoint) ([]persistence.Record, []PointError, error)
}

// IntervalTimestamps returns every interval boundary in [start, end],
// aligned by truncation. Used by adapters to enumerate expected points.
func IntervalTimestamps(start, end time.Time, interval time.Duration) []time.Time {
	if interval <= 0 || end.Before(start) {
		return nil
	}
	first := start.Truncate(interval)
	if first.Before(start) {
		first = first.Add(interval)
	}
	var out []time.Time
	for ts := first; !ts.After(end); ts = ts.Add(interval) {
		out = append(out, ts)
	}
	return out
}
