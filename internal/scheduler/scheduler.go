// Package scheduler runs one collection loop per collector type: interval
// cycles, gap checks with automatic backfill, and queued manual triggers.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/collection"
	"github.com/datapulse/collector/internal/config"
	"github.com/datapulse/collector/internal/gaps"
	"github.com/datapulse/collector/internal/health"
	"github.com/datapulse/collector/internal/metrics"
)

// Collector is the loop state for one collector type. All work for a type
// runs on its single loop goroutine; triggers only queue.
type Collector struct {
	cfg      config.CollectorConfig
	engine   *collection.Engine
	detector *gaps.Detector
	backfill *gaps.Controller
	health   *health.Aggregator
	tracker  *health.Tracker
	metrics  *metrics.Registry
	log      zerolog.Logger

	// Buffered depth 1: a second trigger while one is pending coalesces.
	collectCh     chan struct{}
	placeholderCh chan struct{}
	backfillCh    chan int
}

// NewCollector assembles a collector loop from its parts.
func NewCollector(
	cfg config.CollectorConfig,
	engine *collection.Engine,
	detector *gaps.Detector,
	backfill *gaps.Controller,
	aggregator *health.Aggregator,
	tracker *health.Tracker,
	reg *metrics.Registry,
	logger zerolog.Logger,
) *Collector {
	return &Collector{
		cfg:           cfg,
		engine:        engine,
		detector:      detector,
		backfill:      backfill,
		health:        aggregator,
		tracker:       tracker,
		metrics:       reg,
		log:           logger.With().Str("component", "scheduler").Str("collector_type", cfg.Type).Logger(),
		collectCh:     make(chan struct{}, 1),
		placeholderCh: make(chan struct{}, 1),
		backfillCh:    make(chan int, 1),
	}
}

// Type returns the collector type this loop serves.
func (c *Collector) Type() string { return c.cfg.Type }

// Tracker exposes the per-type statistics for the status endpoint.
func (c *Collector) Tracker() *health.Tracker { return c.tracker }

// Engine exposes the collection engine for one-shot CLI operations.
func (c *Collector) Engine() *collection.Engine { return c.engine }

// Backfill exposes the backfill controller for one-shot CLI operations.
func (c *Collector) Backfill() *gaps.Controller { return c.backfill }

// Config returns the effective collector configuration, for the status
// endpoint.
func (c *Collector) Config() config.CollectorConfig { return c.cfg }

// EstimateBackfillPoints counts the expected points a backfill of the given
// day count would cover, for trigger acknowledgements.
func (c *Collector) EstimateBackfillPoints(ctx context.Context, days int) (int, error) {
	now := time.Now().UTC()
	return c.engine.CountExpectedPoints(ctx, now.Add(-time.Duration(days)*24*time.Hour), now)
}

// Health returns the current composite health snapshot.
func (c *Collector) Health(ctx context.Context) (health.Snapshot, error) {
	return c.health.Snapshot(ctx)
}

// MaxBackfillDays is the configured hard cap for this collector.
func (c *Collector) MaxBackfillDays() int { return c.cfg.MaxBackfillDays }

// TriggerCollect queues a manual collection cycle. Returns false when a
// cycle is already queued; the pending one covers the request.
func (c *Collector) TriggerCollect() bool {
	select {
	case c.collectCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// TriggerPlaceholders queues a placeholder-only pass.
func (c *Collector) TriggerPlaceholders() bool {
	select {
	case c.placeholderCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// TriggerBackfill queues a manual backfill. The day count is validated here
// and clamped to the configured cap; the clamped value is returned so
// callers can report the work actually queued.
func (c *Collector) TriggerBackfill(days int) (int, bool, error) {
	if days <= 0 {
		return 0, false, fmt.Errorf("backfill days must be positive, got %d", days)
	}
	if days > c.cfg.MaxBackfillDays {
		c.log.Warn().Int("requested", days).Int("cap", c.cfg.MaxBackfillDays).
			Msg("Backfill request clamped to cap")
		days = c.cfg.MaxBackfillDays
	}
	select {
	case c.backfillCh <- days:
		return days, true, nil
	default:
		return days, false, nil
	}
}

// GapCheckResult reports one on-demand gap check.
type GapCheckResult struct {
	CollectorType     string  `json:"collector_type"`
	GapHours          float64 `json:"gap_hours"`
	GapUnbounded      bool    `json:"gap_unbounded,omitempty"`
	HealthScore       float64 `json:"health_score"`
	Status            string  `json:"status"`
	BackfillTriggered bool    `json:"backfill_triggered"`
	BackfillDays      int     `json:"backfill_days,omitempty"`
}

// GapCheck runs a synchronous gap check. When the gap exceeds the
// configured tolerance a backfill is queued on the loop; the check itself
// never blocks on the backfill running.
func (c *Collector) GapCheck(ctx context.Context) (GapCheckResult, error) {
	gap, err := c.detector.Detect(ctx)
	if err != nil {
		return GapCheckResult{}, err
	}
	snap, err := c.health.Snapshot(ctx)
	if err != nil {
		return GapCheckResult{}, err
	}
	c.metrics.ObserveHealth(c.cfg.Type, snap)

	result := GapCheckResult{
		CollectorType: c.cfg.Type,
		GapHours:      gap.Hours(),
		GapUnbounded:  gap.Unbounded,
		HealthScore:   snap.Score,
		Status:        snap.Status,
	}

	if gap.ExceedsTolerance(c.cfg.GapTolerance()) {
		days := gaps.BackfillDays(gap, c.cfg.MaxBackfillDays)
		result.BackfillTriggered = true
		result.BackfillDays = days
		select {
		case c.backfillCh <- days:
			c.metrics.RecordBackfill(c.cfg.Type, "auto")
		default:
			// A backfill is already pending; it will cover this gap.
		}
	}
	return result, nil
}

// Run is the loop goroutine. On startup it checks for a gap left by
// downtime and heals it before the first regular cycle, then collects every
// interval until the context is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	c.metrics.SetRunning(c.cfg.Type, true)
	defer c.metrics.SetRunning(c.cfg.Type, false)
	defer c.tracker.SetState(health.StateIdle)

	c.log.Info().Dur("interval", c.cfg.Interval).Msg("Collector loop starting")

	c.startupHeal(ctx)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.runCycle(ctx)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("Collector loop stopping")
			return ctx.Err()
		case <-ticker.C:
			c.runCycle(ctx)
		case <-c.collectCh:
			c.runCycle(ctx)
		case days := <-c.backfillCh:
			c.runBackfill(ctx, days)
		case <-c.placeholderCh:
			c.runPlaceholders(ctx)
		}
	}
}

// startupHeal detects a gap accrued while the process was down and
// backfills it immediately if it exceeds tolerance.
func (c *Collector) startupHeal(ctx context.Context) {
	c.tracker.SetState(health.StateGapChecking)
	defer c.tracker.SetState(health.StateIdle)

	gap, err := c.detector.Detect(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Startup gap check failed")
		return
	}
	if !gap.ExceedsTolerance(c.cfg.GapTolerance()) {
		c.log.Info().Float64("gap_hours", gap.Hours()).Msg("No startup backfill needed")
		return
	}

	c.log.Warn().
		Float64("gap_hours", gap.Hours()).
		Bool("unbounded", gap.Unbounded).
		Msg("Startup gap exceeds tolerance, backfilling")
	c.metrics.RecordBackfill(c.cfg.Type, "auto")

	c.tracker.SetState(health.StateBackfilling)
	if result, err := c.backfill.TriggerBackfill(ctx, gap); err != nil {
		c.log.Error().Err(err).Msg("Startup backfill failed")
	} else {
		c.metrics.ObserveCycle(result.Cycle)
		c.log.Info().Str("run_id", result.RunID).Int("days", result.Days).
			Msg("Startup backfill completed")
	}
}

func (c *Collector) runCycle(ctx context.Context) {
	c.tracker.SetState(health.StateCollecting)
	defer c.tracker.SetState(health.StateIdle)

	result, err := c.engine.RunCycle(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Collection cycle failed")
		return
	}
	c.metrics.ObserveCycle(result)
	c.publishHealth(ctx)
}

func (c *Collector) runBackfill(ctx context.Context, days int) {
	c.tracker.SetState(health.StateBackfilling)
	defer c.tracker.SetState(health.StateIdle)

	result, err := c.backfill.TriggerBackfillDays(ctx, days)
	if err != nil {
		c.log.Error().Err(err).Int("days", days).Msg("Backfill failed")
		return
	}
	c.metrics.ObserveCycle(result.Cycle)
	c.log.Info().Str("run_id", result.RunID).Int("days", result.Days).
		Int("collected", result.Cycle.RecordsCollected).
		Msg("Backfill completed")
	c.publishHealth(ctx)
}

func (c *Collector) runPlaceholders(ctx context.Context) {
	created, err := c.engine.EnsurePlaceholders(ctx)
	if err != nil {
		c.log.Error().Err(err).Msg("Placeholder pass failed")
		return
	}
	c.log.Info().Int64("created", created).Msg("Placeholder pass completed")
}

func (c *Collector) publishHealth(ctx context.Context) {
	snap, err := c.health.Snapshot(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("Health snapshot failed")
		return
	}
	c.metrics.ObserveHealth(c.cfg.Type, snap)
}

// Scheduler owns the collector loops.
type Scheduler struct {
	collectors map[string]*Collector
	order      []string
	log        zerolog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a scheduler over the given collectors.
func New(collectors []*Collector, logger zerolog.Logger) *Scheduler {
	s := &Scheduler{
		collectors: make(map[string]*Collector, len(collectors)),
		log:        logger.With().Str("component", "scheduler").Logger(),
	}
	for _, c := range collectors {
		s.collectors[c.Type()] = c
		s.order = append(s.order, c.Type())
	}
	return s
}

// Collector returns the loop for a collector type.
func (s *Scheduler) Collector(collectorType string) (*Collector, bool) {
	c, ok := s.collectors[collectorType]
	return c, ok
}

// Types lists collector types in registration order.
func (s *Scheduler) Types() []string {
	return append([]string(nil), s.order...)
}

// Start launches one goroutine per collector. Non-blocking; Stop waits for
// all loops to drain.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, name := range s.order {
		c := s.collectors[name]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.Error().Err(err).Str("collector_type", c.Type()).Msg("Collector loop exited")
			}
		}()
	}
	s.log.Info().Int("collectors", len(s.order)).Msg("Scheduler started")
}

// Stop cancels the loops and waits for in-flight cycles to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info().Msg("Scheduler stopped")
}
