package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapulse/collector/internal/collection"
	"github.com/datapulse/collector/internal/config"
	"github.com/datapulse/collector/internal/gaps"
	"github.com/datapulse/collector/internal/health"
	"github.com/datapulse/collector/internal/metrics"
	"github.com/datapulse/collector/internal/persistence"
)

type memStore struct {
	mu     sync.Mutex
	tables map[string]map[string]persistence.Record
}

func newMemStore() *memStore {
	return &memStore{tables: make(map[string]map[string]persistence.Record)}
}

func recordKey(targetID string, ts time.Time) string {
	return fmt.Sprintf("%s|%d", targetID, ts.UTC().UnixNano())
}

func (s *memStore) table(name string) map[string]persistence.Record {
	if s.tables[name] == nil {
		s.tables[name] = make(map[string]persistence.Record)
	}
	return s.tables[name]
}

func (s *memStore) InsertPlaceholders(_ context.Context, table string, records []persistence.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	var created int64
	for _, r := range records {
		key := recordKey(r.TargetID, r.Timestamp)
		if _, exists := t[key]; exists {
			continue
		}
		t[key] = r
		created++
	}
	return created, nil
}

func (s *memStore) Get(_ context.Context, table, targetID string, ts time.Time) (*persistence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.table(table)[recordKey(targetID, ts)]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return &r, nil
}

func (s *memStore) Upsert(_ context.Context, table string, rec persistence.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table(table)[recordKey(rec.TargetID, rec.Timestamp)] = rec
	return nil
}

func (s *memStore) LatestRealByTarget(_ context.Context, table string) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time)
	for _, r := range s.table(table) {
		if r.IsPlaceholder() {
			continue
		}
		if r.Timestamp.After(out[r.TargetID]) {
			out[r.TargetID] = r.Timestamp
		}
	}
	return out, nil
}

func (s *memStore) Stats(_ context.Context, table string, _ persistence.TimeRange) (persistence.CompletenessStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats persistence.CompletenessStats
	var sum float64
	for _, r := range s.table(table) {
		if r.IsPlaceholder() {
			stats.Placeholders++
			continue
		}
		stats.RealRecords++
		sum += r.Completeness
	}
	if stats.RealRecords > 0 {
		stats.AvgCompleteness = sum / float64(stats.RealRecords)
	}
	return stats, nil
}

func (s *memStore) realCount(table string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.table(table) {
		if !r.IsPlaceholder() {
			n++
		}
	}
	return n
}

type fakeTargets struct {
	targets []persistence.Target
}

func (f *fakeTargets) ListActive(context.Context, string) ([]persistence.Target, error) {
	return f.targets, nil
}

// stubAdapter returns a fully-populated record per expected point, with an
// optional gate to hold a Collect call open.
type stubAdapter struct {
	interval time.Duration
	targets  []persistence.Target

	mu           sync.Mutex
	collectCalls int
	gate         chan struct{}
}

func (a *stubAdapter) Type() string             { return "technical" }
func (a *stubAdapter) RequiredFields() []string { return []string{"value"} }

func (a *stubAdapter) ExpectedPoints(_ context.Context, start, end time.Time) ([]collection.ExpectedPoint, error) {
	var out []collection.ExpectedPoint
	for _, target := range a.targets {
		for _, ts := range collection.IntervalTimestamps(start, end, a.interval) {
			out = append(out, collection.ExpectedPoint{Target: target, Timestamp: ts})
		}
	}
	return out, nil
}

func (a *stubAdapter) Collect(ctx context.Context, points []collection.ExpectedPoint) ([]persistence.Record, []collection.PointError, error) {
	a.mu.Lock()
	a.collectCalls++
	gate := a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	records := make([]persistence.Record, 0, len(points))
	for _, p := range points {
		records = append(records, persistence.Record{
			TargetID:   p.Target.TargetID,
			Timestamp:  p.Timestamp,
			Fields:     map[string]interface{}{"value": 1.0},
			DataSource: "test_feed",
		})
	}
	return records, nil, nil
}

func (a *stubAdapter) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.collectCalls
}

func testCollector(t *testing.T, adapter *stubAdapter, store *memStore, targets []persistence.Target) *Collector {
	t.Helper()
	cfg := config.CollectorConfig{
		Type:                 "technical",
		Table:                "technical_indicators",
		Interval:             time.Hour,
		Lookback:             3 * time.Hour,
		GapToleranceMultiple: 2,
		MaxBackfillDays:      30,
		EnsurePlaceholders:   true,
	}

	tracker := health.NewTracker(cfg.Type)
	engine := collection.NewEngine(adapter, store, tracker, collection.EngineConfig{
		Table:              cfg.Table,
		Lookback:           cfg.Lookback,
		EnsurePlaceholders: cfg.EnsurePlaceholders,
	}, zerolog.Nop())

	targetStore := &fakeTargets{targets: targets}
	detector := gaps.NewDetector(store, targetStore, cfg.Type, cfg.Table, zerolog.Nop())
	controller := gaps.NewController(engine, cfg.MaxBackfillDays, zerolog.Nop())
	aggregator := health.NewAggregator(detector, store, tracker, cfg.Table, cfg.Interval, health.DefaultConfig(), zerolog.Nop())

	return NewCollector(cfg, engine, detector, controller, aggregator, tracker, metrics.NewRegistry(), zerolog.Nop())
}

func someTargets() []persistence.Target {
	return []persistence.Target{
		{CollectorType: "technical", TargetID: "BTC-USD", IsActive: true},
		{CollectorType: "technical", TargetID: "ETH-USD", IsActive: true},
	}
}

func TestCollectorRun_FirstCycleCollects(t *testing.T) {
	adapter := &stubAdapter{interval: time.Hour, targets: someTargets()}
	store := newMemStore()
	c := testCollector(t, adapter, store, someTargets())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return c.Tracker().Snapshot().Cycles >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Greater(t, store.realCount("technical_indicators"), 0)
	assert.Equal(t, health.StateIdle, c.Tracker().Snapshot().State)
}

func TestCollectorRun_StartupBackfillOnUnboundedGap(t *testing.T) {
	// Active targets but no real records anywhere: unbounded gap, so the
	// loop must heal at the configured cap before the first regular cycle.
	adapter := &stubAdapter{interval: time.Hour, targets: someTargets()}
	store := newMemStore()
	c := testCollector(t, adapter, store, someTargets())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	// Startup backfill plus the first cycle are both collect passes.
	require.Eventually(t, func() bool {
		return adapter.calls() >= 2
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestTriggerCollect_Coalesces(t *testing.T) {
	adapter := &stubAdapter{interval: time.Hour, targets: someTargets()}
	c := testCollector(t, adapter, newMemStore(), someTargets())

	// No loop draining the channel: second trigger coalesces into the first.
	assert.True(t, c.TriggerCollect())
	assert.False(t, c.TriggerCollect())
}

func TestTriggerCollect_QueuedWhileCycleRuns(t *testing.T) {
	gate := make(chan struct{})
	adapter := &stubAdapter{interval: time.Hour, targets: someTargets(), gate: gate}
	store := newMemStore()
	// Seed one fresh real record per target so startup skips the backfill
	// and the held Collect call belongs to the first regular cycle.
	now := time.Now().UTC().Truncate(time.Hour)
	for _, target := range someTargets() {
		require.NoError(t, store.Upsert(context.Background(), "technical_indicators", persistence.Record{
			TargetID: target.TargetID, Timestamp: now,
			Fields: map[string]interface{}{"value": 1.0}, Completeness: 100, DataSource: "test_feed",
		}))
	}
	c := testCollector(t, adapter, store, someTargets())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	// Wait for the loop to enter the first cycle and block on the gate.
	require.Eventually(t, func() bool { return adapter.calls() == 1 }, 2*time.Second, 5*time.Millisecond)

	// One trigger queues while the cycle is active; a second coalesces.
	assert.True(t, c.TriggerCollect())
	assert.False(t, c.TriggerCollect())

	close(gate)
	require.Eventually(t, func() bool { return adapter.calls() == 2 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestTriggerBackfill_Validation(t *testing.T) {
	adapter := &stubAdapter{interval: time.Hour, targets: someTargets()}
	c := testCollector(t, adapter, newMemStore(), someTargets())

	_, _, err := c.TriggerBackfill(0)
	require.Error(t, err)
	_, _, err = c.TriggerBackfill(-3)
	require.Error(t, err)

	days, queued, err := c.TriggerBackfill(365)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, 30, days)

	// Channel already holds the first request.
	_, queued, err = c.TriggerBackfill(5)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestGapCheck_TriggersBackfillWhenToleranceExceeded(t *testing.T) {
	adapter := &stubAdapter{interval: time.Hour, targets: someTargets()}
	store := newMemStore()
	c := testCollector(t, adapter, store, someTargets())

	// No real data at all: unbounded gap, tolerance definitely exceeded.
	result, err := c.GapCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, result.GapUnbounded)
	assert.True(t, result.BackfillTriggered)
	assert.Equal(t, 30, result.BackfillDays)
	assert.Len(t, c.backfillCh, 1)
}

func TestGapCheck_FreshDataNoBackfill(t *testing.T) {
	adapter := &stubAdapter{interval: time.Hour, targets: someTargets()}
	store := newMemStore()
	now := time.Now().UTC().Truncate(time.Hour)
	for _, target := range someTargets() {
		require.NoError(t, store.Upsert(context.Background(), "technical_indicators", persistence.Record{
			TargetID: target.TargetID, Timestamp: now,
			Fields: map[string]interface{}{"value": 1.0}, Completeness: 100, DataSource: "test_feed",
		}))
	}
	c := testCollector(t, adapter, store, someTargets())

	result, err := c.GapCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, result.BackfillTriggered)
	assert.False(t, result.GapUnbounded)
	assert.Less(t, result.GapHours, 2.0)
	assert.Greater(t, result.HealthScore, 50.0)
	assert.Len(t, c.backfillCh, 0)
}

func TestScheduler_StartStop(t *testing.T) {
	adapter := &stubAdapter{interval: time.Hour, targets: someTargets()}
	c := testCollector(t, adapter, newMemStore(), someTargets())
	s := New([]*Collector{c}, zerolog.Nop())

	got, ok := s.Collector("technical")
	require.True(t, ok)
	assert.Same(t, c, got)
	_, ok = s.Collector("macro")
	assert.False(t, ok)
	assert.Equal(t, []string{"technical"}, s.Types())

	s.Start(context.Background())
	require.Eventually(t, func() bool {
		return c.Tracker().Snapshot().Cycles >= 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()
	assert.Equal(t, health.StateIdle, c.Tracker().Snapshot().State)
}
