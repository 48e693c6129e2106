// Package health tracks per-collector-type operational statistics and rolls
// freshness, completeness, and error rate into a single composite score.
package health

import (
	"sync"
	"time"

	"github.com/datapulse/collector/internal/collection"
)

// errorWindowCycles bounds the recent window the error rate is computed over.
const errorWindowCycles = 20

// storeFailureThreshold is how many consecutive persistence-cycle failures
// flip the reported status to degraded regardless of computed score.
const storeFailureThreshold = 3

type cycleSample struct {
	attempts int
	errors   int
}

// Stats is a point-in-time view of a tracker.
type Stats struct {
	CollectorType            string        `json:"collector_type"`
	State                    string        `json:"state"`
	Running                  bool          `json:"running"`
	Cycles                   int64         `json:"cycles"`
	TotalCollected           int64         `json:"total_collected"`
	TotalErrors              int64         `json:"total_errors"`
	PlaceholdersCreated      int64         `json:"placeholders_created"`
	LastCycle                time.Time     `json:"last_cycle,omitempty"`
	LastCycleDuration        time.Duration `json:"last_cycle_duration,omitempty"`
	ErrorRate                float64       `json:"error_rate"`
	ConsecutiveStoreFailures int           `json:"consecutive_store_failures"`
}

// Tracker accumulates cycle outcomes for one collector type. It implements
// collection.StatsRecorder; the scheduler additionally drives its state
// label. All in-memory, recomputed from scratch on restart.
type Tracker struct {
	mu            sync.RWMutex
	collectorType string
	state         string
	running       bool

	cycles              int64
	totalCollected      int64
	totalErrors         int64
	placeholdersCreated int64
	lastCycle           time.Time
	lastCycleDuration   time.Duration

	window        []cycleSample
	storeFailures int
}

// NewTracker creates a tracker for one collector type.
func NewTracker(collectorType string) *Tracker {
	return &Tracker{collectorType: collectorType, state: StateIdle}
}

// Scheduler states, one label per collector-type loop.
const (
	StateIdle        = "idle"
	StateCollecting  = "collecting"
	StateGapChecking = "gap_checking"
	StateBackfilling = "backfilling"
)

// CycleCompleted records one finished collection pass.
func (t *Tracker) CycleCompleted(result collection.CycleResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cycles++
	t.totalCollected += int64(result.RecordsCollected)
	t.totalErrors += int64(result.FetchErrors)
	t.placeholdersCreated += result.PlaceholdersCreated
	t.lastCycle = result.StartedAt
	t.lastCycleDuration = result.Duration

	t.window = append(t.window, cycleSample{
		attempts: result.PointsExpected,
		errors:   result.FetchErrors,
	})
	if len(t.window) > errorWindowCycles {
		t.window = t.window[len(t.window)-errorWindowCycles:]
	}
}

// StoreFailure records a persistence failure that aborted a cycle.
func (t *Tracker) StoreFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storeFailures++
}

// StoreRecovered resets the consecutive-failure counter after a clean cycle.
func (t *Tracker) StoreRecovered() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.storeFailures = 0
}

// SetState updates the scheduler-visible state label.
func (t *Tracker) SetState(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.running = state != StateIdle
}

// ErrorRate returns failed-fetch-attempts / total-attempts over the recent
// cycle window, in [0,1].
func (t *Tracker) ErrorRate() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.errorRateLocked()
}

func (t *Tracker) errorRateLocked() float64 {
	attempts, errors := 0, 0
	for _, s := range t.window {
		attempts += s.attempts
		errors += s.errors
	}
	if attempts == 0 {
		return 0
	}
	return float64(errors) / float64(attempts)
}

// StoreDegraded reports whether consecutive persistence failures have
// crossed the degraded threshold.
func (t *Tracker) StoreDegraded() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.storeFailures >= storeFailureThreshold
}

// Snapshot returns a copy of the current statistics.
func (t *Tracker) Snapshot() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Stats{
		CollectorType:            t.collectorType,
		State:                    t.state,
		Running:                  t.running,
		Cycles:                   t.cycles,
		TotalCollected:           t.totalCollected,
		TotalErrors:              t.totalErrors,
		PlaceholdersCreated:      t.placeholdersCreated,
		LastCycle:                t.lastCycle,
		LastCycleDuration:        t.lastCycleDuration,
		ErrorRate:                t.errorRateLocked(),
		ConsecutiveStoreFailures: t.storeFailures,
	}
}
