package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/batchforge/internal/config"
	"github.com/3leaps/batchforge/internal/observability"
	"github.com/3leaps/batchforge/pkg/adapter"
	"github.com/3leaps/batchforge/pkg/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute a run's pending jobs",
	Long: `Execute the pending jobs of one run against the configured generation
tool.

Jobs run concurrently under per-job locks, write in-progress markers
with heartbeats, and commit their results to the ledger in a single
batched write at the end of the pass. A pass can be re-entered safely:
completed jobs are skipped, and --resume re-enters jobs whose markers
went stale after a crash.

Example:
  batchforge run --run r-2026-09-01
  batchforge run --run r-2026-09-01 --concurrency 8 --timeout 45m
  batchforge run --run r-2026-09-01 --resume
  batchforge run --run r-2026-09-01 --redo --fail-fast`,
	RunE: runRun,
}

var (
	runRunID       string
	runConcurrency int
	runTimeout     time.Duration
	runRateLimit   float64
	runFailFast    bool
	runResume      bool
	runRedo        bool
	runAdapterBin  string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runRunID, "run", "", "Run id to execute (required)")
	runCmd.Flags().IntVarP(&runConcurrency, "concurrency", "c", 0, "Concurrent jobs (default from config)")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Per-job timeout (default from config)")
	runCmd.Flags().Float64Var(&runRateLimit, "rate", 0, "Max job starts per second (0 = unlimited)")
	runCmd.Flags().BoolVar(&runFailFast, "fail-fast", false, "Stop submitting new jobs after the first failure")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "Re-enter jobs with stale in-progress markers")
	runCmd.Flags().BoolVar(&runRedo, "redo", false, "Re-run jobs regardless of recorded status")
	runCmd.Flags().StringVar(&runAdapterBin, "adapter", "", "Override the generation tool binary")

	_ = runCmd.MarkFlagRequired("run")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg := config.GetConfig()
	paths := workspacePaths(cfg)

	binary := cfg.Adapter.Binary
	if runAdapterBin != "" {
		binary = runAdapterBin
	}
	if binary == "" {
		return exitError(foundry.ExitInvalidArgument, "No generation tool configured",
			fmt.Errorf("set adapter.binary in batchforge.yaml or pass --adapter"))
	}

	wcfg := worker.Config{
		Concurrency:       cfg.Worker.Concurrency,
		Timeout:           cfg.Worker.Timeout,
		RateLimit:         cfg.Worker.RateLimit,
		FailFast:          runFailFast,
		Resume:            runResume,
		Redo:              runRedo,
		Freshness:         cfg.Worker.Freshness,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
	}
	if runConcurrency > 0 {
		wcfg.Concurrency = runConcurrency
	}
	if runTimeout > 0 {
		wcfg.Timeout = runTimeout
	}
	if runRateLimit > 0 {
		wcfg.RateLimit = runRateLimit
	}

	tool := adapter.NewCommandAdapter(binary, cfg.Adapter.Args...)
	engine := worker.NewEngine(paths, tool, wcfg)

	// Interrupt cancels in-flight jobs; markers keep their evidence
	// for a later reconcile.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.CLILogger.Info("Starting run",
		zap.String("run_id", runRunID),
		zap.String("adapter", binary),
		zap.Int("concurrency", wcfg.Concurrency))

	summary, err := engine.Run(ctx, runRunID)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			observability.CLILogger.Warn("Run cancelled", zap.String("run_id", runRunID))
			return exitError(foundry.ExitSignalInt, "Run cancelled", err)
		}
		observability.CLILogger.Error("Run failed",
			zap.String("run_id", runRunID),
			zap.Error(err))
		return exitError(foundry.ExitFileWriteError, "Run failed", err)
	}

	observability.CLILogger.Info("Run pass complete",
		zap.String("run_id", summary.RunID),
		zap.Int("processed", summary.Processed),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Duration("duration", summary.Duration))

	fmt.Printf("run %s: %d succeeded, %d failed, %d skipped (%.1fs)\n",
		summary.RunID, summary.Succeeded, summary.Failed, summary.Skipped,
		summary.Duration.Seconds())

	if summary.Failed > 0 {
		return exitError(foundry.ExitExternalServiceUnavailable, "Run completed with failures",
			fmt.Errorf("failed=%d", summary.Failed))
	}
	return nil
}
