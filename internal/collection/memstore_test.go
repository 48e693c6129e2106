package collection

import (
	"context"
	"sync"
	"time"

	"github.com/datapulse/collector/internal/persistence"
)

// memStore is an in-memory persistence.RecordStore with the same
// insert-if-absent semantics as the Postgres implementation.
type memStore struct {
	mu   sync.Mutex
	rows map[string]map[string]persistence.Record
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]map[string]persistence.Record)}
}

func recordKey(targetID string, ts time.Time) string {
	return targetID + "|" + ts.UTC().Format(time.RFC3339)
}

func (s *memStore) table(name string) map[string]persistence.Record {
	if s.rows[name] == nil {
		s.rows[name] = make(map[string]persistence.Record)
	}
	return s.rows[name]
}

func (s *memStore) InsertPlaceholders(_ context.Context, table string, records []persistence.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.table(table)
	var created int64
	for _, rec := range records {
		key := recordKey(rec.TargetID, rec.Timestamp)
		if _, exists := rows[key]; exists {
			continue
		}
		rec.DataSource = persistence.SourcePlaceholder
		rec.CreatedAt = time.Now()
		rec.UpdatedAt = rec.CreatedAt
		rows[key] = rec
		created++
	}
	return created, nil
}

func (s *memStore) Get(_ context.Context, table, targetID string, ts time.Time) (*persistence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.table(table)[recordKey(targetID, ts)]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &rec, nil
}

func (s *memStore) Upsert(_ context.Context, table string, rec persistence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Now()
	s.table(table)[recordKey(rec.TargetID, rec.Timestamp)] = rec
	return nil
}

func (s *memStore) LatestRealByTarget(_ context.Context, table string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := make(map[string]time.Time)
	for _, rec := range s.table(table) {
		if rec.IsPlaceholder() {
			continue
		}
		if cur, ok := latest[rec.TargetID]; !ok || rec.Timestamp.After(cur) {
			latest[rec.TargetID] = rec.Timestamp
		}
	}
	return latest, nil
}

func (s *memStore) Stats(_ context.Context, table string, tr persistence.TimeRange) (persistence.CompletenessStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats persistence.CompletenessStats
	var sum float64
	for _, rec := range s.table(table) {
		if rec.Timestamp.Before(tr.From) || rec.Timestamp.After(tr.To) {
			continue
		}
		if rec.IsPlaceholder() {
			stats.Placeholders++
			continue
		}
		stats.RealRecords++
		sum += rec.Completeness
	}
	if stats.RealRecords > 0 {
		stats.AvgCompleteness = sum / float64(stats.RealRecords)
	}
	return stats, nil
}

func (s *memStore) count(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table(table))
}

// fakeTargets is a static persistence.TargetStore.
type fakeTargets struct {
	targets map[string][]persistence.Target
}

func newFakeTargets(collectorType string, ids ...string) *fakeTargets {
	ft := &fakeTargets{targets: make(map[string][]persistence.Target)}
	for _, id := range ids {
		ft.targets[collectorType] = append(ft.targets[collectorType], persistence.Target{
			CollectorType: collectorType,
			TargetID:      id,
			IsActive:      true,
		})
	}
	return ft
}

func (f *fakeTargets) ListActive(_ context.Context, collectorType string) ([]persistence.Target, error) {
	return f.targets[collectorType], nil
}

// nopRecorder discards cycle stats.
type nopRecorder struct{}

func (nopRecorder) CycleCompleted(CycleResult) {}
func (nopRecorder) StoreFailure()              {}
func (nopRecorder) StoreRecovered()            {}
