package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/persistence"
)

// StatsRecorder receives cycle outcomes for health scoring and metrics.
// Implemented by the health tracker; the engine only reports.
type StatsRecorder interface {
	CycleCompleted(result CycleResult)
	StoreFailure()
	StoreRecovered()
}

// CycleResult summarizes one collection pass over a time range.
type CycleResult struct {
	CollectorType       string        `json:"collector_type"`
	From                time.Time     `json:"from"`
	To                  time.Time     `json:"to"`
	PointsExpected      int           `json:"points_expected"`
	PlaceholdersCreated int64         `json:"placeholders_created"`
	RecordsCollected    int           `json:"records_collected"`
	FetchErrors         int           `json:"fetch_errors"`
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
}

// EngineConfig carries the per-collector-type knobs the engine needs.
type EngineConfig struct {
	Table              string
	Lookback           time.Duration
	EnsurePlaceholders bool
}

// Engine runs collection cycles for one collector type: placeholder
// creation, adapter collection, non-null merge, completeness scoring, and
// persistence. Cycles for a type are serialized by the scheduler, so the
// read-merge-write here never races with itself.
type Engine struct {
	adapter      Adapter
	placeholders *PlaceholderManager
	store        persistence.RecordStore
	recorder     StatsRecorder
	cfg          EngineConfig
	log          zerolog.Logger
}

// NewEngine wires a collection engine for one adapter.
func NewEngine(adapter Adapter, store persistence.RecordStore, recorder StatsRecorder, cfg EngineConfig, logger zerolog.Logger) *Engine {
	WarnIfNoRequiredFields(adapter)
	return &Engine{
		adapter:      adapter,
		placeholders: NewPlaceholderManager(store, cfg.Table, logger),
		store:        store,
		recorder:     recorder,
		cfg:          cfg,
		log:          logger.With().Str("component", "engine").Str("collector_type", adapter.Type()).Logger(),
	}
}

// Type returns the adapter's collector type.
func (e *Engine) Type() string { return e.adapter.Type() }

// EnsurePlaceholders runs a placeholder-only pass over the configured
// lookback window, without fetching real data.
func (e *Engine) EnsurePlaceholders(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	return e.placeholders.EnsurePlaceholders(ctx, e.adapter, now.Add(-e.cfg.Lookback), now)
}

// CountExpectedPoints returns how many points a pass over [from, to] would
// cover, without collecting anything.
func (e *Engine) CountExpectedPoints(ctx context.Context, from, to time.Time) (int, error) {
	points, err := e.adapter.ExpectedPoints(ctx, from, to)
	if err != nil {
		return 0, err
	}
	return len(points), nil
}

// RunCycle runs one normal collection cycle over the lookback window.
func (e *Engine) RunCycle(ctx context.Context) (CycleResult, error) {
	now := time.Now().UTC()
	return e.RunRange(ctx, now.Add(-e.cfg.Lookback), now)
}

// RunRange runs a full collection pass over [from, to]: placeholders first
// (so every fetched point lands on an existing row), then collection and
// merge. Store errors abort the cycle and leave records untouched; point
// fetch errors are counted and skipped.
func (e *Engine) RunRange(ctx context.Context, from, to time.Time) (CycleResult, error) {
	result := CycleResult{
		CollectorType: e.adapter.Type(),
		From:          from,
		To:            to,
		StartedAt:     time.Now().UTC(),
	}

	finish := func(err error) (CycleResult, error) {
		result.Duration = time.Since(result.StartedAt)
		if err != nil {
			e.recorder.StoreFailure()
			return result, err
		}
		e.recorder.StoreRecovered()
		e.recorder.CycleCompleted(result)
		return result, nil
	}

	if e.cfg.EnsurePlaceholders {
		created, err := e.placeholders.EnsurePlaceholders(ctx, e.adapter, from, to)
		if err != nil {
			return finish(fmt.Errorf("placeholder pass failed: %w", err))
		}
		result.PlaceholdersCreated = created
	}

	points, err := e.adapter.ExpectedPoints(ctx, from, to)
	if err != nil {
		return finish(fmt.Errorf("failed to enumerate expected points: %w", err))
	}
	result.PointsExpected = len(points)
	if len(points) == 0 {
		return finish(nil)
	}

	records, pointErrs, err := e.adapter.Collect(ctx, points)
	if err != nil {
		return finish(fmt.Errorf("collect failed: %w", err))
	}
	result.FetchErrors = len(pointErrs)
	for _, pe := range pointErrs {
		e.log.Warn().
			Str("target", pe.Point.Target.TargetID).
			Time("ts", pe.Point.Timestamp).
			Err(pe.Err).
			Msg("Point fetch failed; record stays at previous completeness")
	}

	required := e.adapter.RequiredFields()
	for _, rec := range records {
		if err := e.mergeRecord(ctx, rec, required); err != nil {
			return finish(err)
		}
		result.RecordsCollected++
	}

	e.log.Info().
		Int("points", result.PointsExpected).
		Int("collected", result.RecordsCollected).
		Int("fetch_errors", result.FetchErrors).
		Int64("placeholders_created", result.PlaceholdersCreated).
		Dur("duration", time.Since(result.StartedAt)).
		Msg("Collection cycle completed")
	return finish(nil)
}

// mergeRecord overlays an incoming record onto the stored one. Populated
// fields are never nulled out, so completeness composes monotonically; a
// record with nothing populated stays a placeholder.
func (e *Engine) mergeRecord(ctx context.Context, incoming persistence.Record, required []string) error {
	existing, err := e.store.Get(ctx, e.cfg.Table, incoming.TargetID, incoming.Timestamp)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("failed to read record for merge: %w", err)
	}

	var baseFields map[string]interface{}
	prevCompleteness := 0.0
	prevSource := persistence.SourcePlaceholder
	if existing != nil {
		baseFields = existing.Fields
		prevCompleteness = existing.Completeness
		prevSource = existing.DataSource
	}

	merged := MergeFields(baseFields, incoming.Fields)
	score := Score(merged, required)

	source := incoming.DataSource
	if len(merged) == 0 {
		// Nothing landed; never stamp a real source on an empty record.
		if prevSource == persistence.SourcePlaceholder {
			return nil
		}
		source = prevSource
	}

	if score < prevCompleteness {
		// Possible only when the required-field set changed between runs; a
		// data-quality regression is surfaced, not hidden.
		e.log.Warn().
			Str("target", incoming.TargetID).
			Time("ts", incoming.Timestamp).
			Float64("previous", prevCompleteness).
			Float64("current", score).
			Msg("Record completeness regressed")
	}

	return e.store.Upsert(ctx, e.cfg.Table, persistence.Record{
		TargetID:     incoming.TargetID,
		Timestamp:    incoming.Timestamp,
		Fields:       merged,
		Completeness: score,
		DataSource:   source,
	})
}
