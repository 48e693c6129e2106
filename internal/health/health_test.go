package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapulse/collector/internal/collection"
	"github.com/datapulse/collector/internal/gaps"
)

func TestEvaluate_PerfectCollector(t *testing.T) {
	snap := Evaluate(
		gaps.Gap{CollectorType: "technical"},
		100, 0, time.Hour, false, DefaultConfig(),
	)
	assert.Equal(t, 100.0, snap.Score)
	assert.Equal(t, StatusHealthy, snap.Status)
}

func TestEvaluate_WorstCaseIsDegraded(t *testing.T) {
	// gap = 10x interval, zero completeness, every fetch failing.
	snap := Evaluate(
		gaps.Gap{CollectorType: "macro", Duration: 10 * time.Hour},
		0, 1.0, time.Hour, false, DefaultConfig(),
	)
	assert.Equal(t, StatusDegraded, snap.Status)
	assert.Zero(t, snap.Score)
}

func TestEvaluate_FreshnessDecay(t *testing.T) {
	cfg := DefaultConfig()

	// A 1-interval gap costs 20 freshness points: 0.4*80 + 0.4*100 + 0.2*100 = 92.
	snap := Evaluate(gaps.Gap{Duration: time.Hour}, 100, 0, time.Hour, false, cfg)
	assert.InDelta(t, 92, snap.Score, 1e-9)
	assert.Equal(t, StatusHealthy, snap.Status)

	// Freshness bottoms out at zero for a 5+ interval gap.
	snap = Evaluate(gaps.Gap{Duration: 6 * time.Hour}, 100, 0, time.Hour, false, cfg)
	assert.InDelta(t, 60, snap.Score, 1e-9)
	assert.Equal(t, StatusOperational, snap.Status)
}

func TestEvaluate_HealthyRequiresSmallGap(t *testing.T) {
	// Score above threshold but gap >= 2x interval cannot be healthy.
	snap := Evaluate(gaps.Gap{Duration: 2 * time.Hour}, 100, 0, time.Hour, false, DefaultConfig())
	assert.Greater(t, snap.Score, 70.0)
	assert.Equal(t, StatusOperational, snap.Status)
}

func TestEvaluate_UnboundedGapZeroFreshness(t *testing.T) {
	snap := Evaluate(gaps.Gap{Unbounded: true}, 100, 0, time.Hour, false, DefaultConfig())
	assert.InDelta(t, 60, snap.Score, 1e-9)
	assert.True(t, snap.GapUnbounded)
	assert.NotEqual(t, StatusHealthy, snap.Status)
}

func TestEvaluate_StoreDegradedOverridesScore(t *testing.T) {
	snap := Evaluate(gaps.Gap{}, 100, 0, time.Hour, true, DefaultConfig())
	assert.Equal(t, 100.0, snap.Score)
	assert.Equal(t, StatusDegraded, snap.Status)
}

func TestEvaluate_ScoreAlwaysInRange(t *testing.T) {
	cfg := DefaultConfig()
	for _, gapHours := range []float64{0, 1, 24, 1000} {
		for _, completeness := range []float64{-10, 0, 55, 100, 250} {
			for _, errRate := range []float64{-1, 0, 0.5, 1, 3} {
				snap := Evaluate(gaps.Gap{Duration: time.Duration(gapHours) * time.Hour},
					completeness, errRate, time.Hour, false, cfg)
				assert.GreaterOrEqual(t, snap.Score, 0.0)
				assert.LessOrEqual(t, snap.Score, 100.0)
			}
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.FreshnessWeight = 0.9
	assert.Error(t, bad.Validate(), "weights must sum to 1")

	bad = DefaultConfig()
	bad.ErrorWeight = -0.2
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.OperationalThreshold = 90
	assert.Error(t, bad.Validate())
}

func TestTracker_ErrorRateWindow(t *testing.T) {
	tracker := NewTracker("technical")
	assert.Zero(t, tracker.ErrorRate())

	tracker.CycleCompleted(collection.CycleResult{PointsExpected: 10, FetchErrors: 2, RecordsCollected: 8})
	tracker.CycleCompleted(collection.CycleResult{PointsExpected: 10, FetchErrors: 0, RecordsCollected: 10})
	assert.InDelta(t, 0.1, tracker.ErrorRate(), 1e-9)

	stats := tracker.Snapshot()
	assert.Equal(t, int64(2), stats.Cycles)
	assert.Equal(t, int64(18), stats.TotalCollected)
	assert.Equal(t, int64(2), stats.TotalErrors)
}

func TestTracker_StoreFailureThreshold(t *testing.T) {
	tracker := NewTracker("technical")
	tracker.StoreFailure()
	tracker.StoreFailure()
	assert.False(t, tracker.StoreDegraded())

	tracker.StoreFailure()
	assert.True(t, tracker.StoreDegraded())

	tracker.StoreRecovered()
	assert.False(t, tracker.StoreDegraded())
}

func TestTracker_State(t *testing.T) {
	tracker := NewTracker("technical")
	assert.Equal(t, StateIdle, tracker.Snapshot().State)
	assert.False(t, tracker.Snapshot().Running)

	tracker.SetState(StateCollecting)
	assert.True(t, tracker.Snapshot().Running)

	tracker.SetState(StateIdle)
	assert.False(t, tracker.Snapshot().Running)
}
