package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/datapulse/collector/internal/config"
	"github.com/datapulse/collector/internal/scheduler"
)

const (
	appName = "datapulse"
	version = "v1.2.0"
)

var (
	flagConfig   string
	flagLogLevel string
	flagType     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market data collection with completeness tracking and gap healing",
		Version: version,
		Long: `datapulse collects market and macro data on a fixed cadence, tracks how
complete every stored record is, and heals gaps left by downtime with
bounded idempotent backfills.

Run 'datapulse serve' for the long-running daemon; the other subcommands
are one-shot operations against the same store.`,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging(flagLogLevel)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config (env vars override)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collection daemon",
		Long:  "Start every configured collector loop plus the HTTP control surface, and run until interrupted.",
		RunE:  runServe,
	}

	collectCmd := &cobra.Command{
		Use:   "collect",
		Short: "Run one collection cycle and exit",
		RunE:  runCollect,
	}

	backfillCmd := &cobra.Command{
		Use:   "backfill <days>",
		Short: "Re-run collection over the trailing N days and exit",
		Args:  cobra.ExactArgs(1),
		RunE:  runBackfill,
	}

	gapCheckCmd := &cobra.Command{
		Use:   "gap-check",
		Short: "Measure the data gap and report health, without collecting",
		RunE:  runGapCheck,
	}

	placeholdersCmd := &cobra.Command{
		Use:   "placeholders",
		Short: "Materialize placeholder records over the lookback window and exit",
		RunE:  runPlaceholders,
	}

	for _, cmd := range []*cobra.Command{collectCmd, backfillCmd, gapCheckCmd, placeholdersCmd} {
		cmd.Flags().StringVar(&flagType, "type", "", "Collector type (defaults to the only configured one)")
	}

	rootCmd.AddCommand(serveCmd, collectCmd, backfillCmd, gapCheckCmd, placeholdersCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// setupLogging uses human-readable console output on a TTY and JSON
// otherwise, so piped and collected logs stay structured.
func setupLogging(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func loadRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	return buildRuntime(ctx, cfg, log.Logger)
}

// pickCollector resolves --type against the configured loops.
func pickCollector(rt *runtime) (*scheduler.Collector, error) {
	name := flagType
	if name == "" {
		types := rt.sched.Types()
		if len(types) != 1 {
			return nil, fmt.Errorf("--type is required; configured: %v", types)
		}
		name = types[0]
	}
	c, ok := rt.sched.Collector(name)
	if !ok {
		return nil, fmt.Errorf("unknown collector type %q", name)
	}
	return c, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}

	rt.start(ctx)
	go func() {
		if err := rt.server.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
			cancel()
		}
	}()

	log.Info().Str("version", version).Int("port", rt.cfg.HTTP.Port).Msg("datapulse running")
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := rt.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}
	rt.stop()
	return nil
}

func runCollect(cmd *cobra.Command, _ []string) error {
	return oneShot(cmd.Context(), func(ctx context.Context, c *scheduler.Collector) (interface{}, error) {
		return c.Engine().RunCycle(ctx)
	})
}

func runBackfill(cmd *cobra.Command, args []string) error {
	days, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("days must be an integer, got %q", args[0])
	}
	return oneShot(cmd.Context(), func(ctx context.Context, c *scheduler.Collector) (interface{}, error) {
		return c.Backfill().TriggerBackfillDays(ctx, days)
	})
}

func runGapCheck(cmd *cobra.Command, _ []string) error {
	return oneShot(cmd.Context(), func(ctx context.Context, c *scheduler.Collector) (interface{}, error) {
		check, err := c.GapCheck(ctx)
		if err != nil {
			return nil, err
		}
		// No loop is draining the queue in one-shot mode: run the healing
		// backfill here so the command leaves the store repaired.
		if !check.BackfillTriggered {
			return check, nil
		}
		backfill, err := c.Backfill().TriggerBackfillDays(ctx, check.BackfillDays)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"gap_check": check,
			"backfill":  backfill,
		}, nil
	})
}

func runPlaceholders(cmd *cobra.Command, _ []string) error {
	return oneShot(cmd.Context(), func(ctx context.Context, c *scheduler.Collector) (interface{}, error) {
		created, err := c.Engine().EnsurePlaceholders(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"placeholders_created": created}, nil
	})
}

// oneShot wires the runtime, runs a single operation, prints its JSON
// result, and tears down.
func oneShot(ctx context.Context, fn func(context.Context, *scheduler.Collector) (interface{}, error)) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rt, err := loadRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.db.Close()

	collector, err := pickCollector(rt)
	if err != nil {
		return err
	}

	result, err := fn(ctx, collector)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
