package main

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/datapulse/collector/internal/cache"
	"github.com/datapulse/collector/internal/collection"
	"github.com/datapulse/collector/internal/config"
	"github.com/datapulse/collector/internal/gaps"
	"github.com/datapulse/collector/internal/health"
	"github.com/datapulse/collector/internal/httpapi"
	"github.com/datapulse/collector/internal/metrics"
	"github.com/datapulse/collector/internal/persistence/postgres"
	"github.com/datapulse/collector/internal/retry"
	"github.com/datapulse/collector/internal/scheduler"
	"github.com/datapulse/collector/internal/sources"
)

// runtime is the fully wired process: store, collector loops, metrics, and
// the HTTP surface.
type runtime struct {
	cfg     config.Config
	db      *sqlx.DB
	sched   *scheduler.Scheduler
	reg     *metrics.Registry
	server  *httpapi.Server
	tickers []*sources.LiveTicker
	log     zerolog.Logger
}

// buildRuntime connects the store and assembles one collector loop per
// configured type. Fails fast on any wiring problem.
func buildRuntime(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*runtime, error) {
	db, err := postgres.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	rt := &runtime{
		cfg: cfg,
		db:  db,
		reg: metrics.NewRegistry(),
		log: logger,
	}

	recordStore := postgres.NewRecordStore(db, cfg.Database.QueryTimeout)
	targetStore := postgres.NewTargetStore(db, cfg.Database.QueryTimeout)
	responseCache := cache.New(cfg.Redis.Addr)

	var collectors []*scheduler.Collector
	for _, col := range cfg.Collectors {
		client := sources.NewClient(sources.ClientConfig{
			Name:     col.Type + "_source",
			Timeout:  col.Source.Timeout,
			RPS:      col.Source.RPS,
			Burst:    col.Source.Burst,
			CacheTTL: col.Source.CacheTTL,
			Retry:    retry.DefaultPolicy(),
		}, responseCache, logger)

		var adapter collection.Adapter
		switch col.Type {
		case "technical":
			candleAPI := sources.NewCandleAPI(client, col.Source.BaseURL)
			var spot collection.SpotSource
			if col.Source.WSURL != "" {
				ticker := sources.NewLiveTicker(col.Source.WSURL, col.Symbols, logger)
				rt.tickers = append(rt.tickers, ticker)
				spot = ticker
			}
			adapter = collection.NewTechnicalAdapter(targetStore, candleAPI, spot, col.Interval, "market_gateway", logger)
		case "macro":
			seriesAPI := sources.NewMacroSeriesAPI(client, col.Source.BaseURL, col.Source.APIKey)
			adapter = collection.NewMacroAdapter(targetStore, seriesAPI, col.Interval, "macro_api", logger)
		default:
			db.Close()
			return nil, fmt.Errorf("unknown collector type %q", col.Type)
		}

		tracker := health.NewTracker(col.Type)
		engine := collection.NewEngine(adapter, recordStore, tracker, collection.EngineConfig{
			Table:              col.Table,
			Lookback:           col.Lookback,
			EnsurePlaceholders: col.EnsurePlaceholders,
		}, logger)
		detector := gaps.NewDetector(recordStore, targetStore, col.Type, col.Table, logger)
		controller := gaps.NewController(engine, col.MaxBackfillDays, logger)
		aggregator := health.NewAggregator(detector, recordStore, tracker, col.Table, col.Interval, cfg.Health, logger)

		collectors = append(collectors,
			scheduler.NewCollector(col, engine, detector, controller, aggregator, tracker, rt.reg, logger))
	}

	rt.sched = scheduler.New(collectors, logger)
	rt.server = httpapi.NewServer(httpapi.ServerConfig{
		Port:           cfg.HTTP.Port,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	}, rt.sched, rt.reg, logger)
	return rt, nil
}

// start launches the ticker feeds and collector loops.
func (rt *runtime) start(ctx context.Context) {
	for _, ticker := range rt.tickers {
		ticker := ticker
		go func() {
			if err := ticker.Run(ctx); err != nil && ctx.Err() == nil {
				rt.log.Error().Err(err).Msg("Live ticker stopped")
			}
		}()
	}
	rt.sched.Start(ctx)
}

// stop shuts the loops down and closes the store.
func (rt *runtime) stop() {
	rt.sched.Stop()
	rt.db.Close()
}
