package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/batchforge/internal/config"
	"github.com/3leaps/batchforge/internal/observability"
	"github.com/3leaps/batchforge/pkg/reconcile"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Repair a run's ledger rows from on-disk evidence",
	Long: `Compare every ledger row of a run against the markers and artifacts on
disk and repair disagreements.

Without --fix the pass fills gaps (lost timestamps, lost artifact
paths) and merges duplicate rows, but never overrides a terminal
status. With --fix a completed row whose artifact is missing or empty
is downgraded to failed.

Running reconcile twice with unchanged evidence reports zero
corrections.

Example:
  batchforge reconcile --run r-2026-09-01
  batchforge reconcile --run r-2026-09-01 --fix
  batchforge reconcile --run r-2026-09-01 --json`,
	RunE: runReconcile,
}

var (
	reconcileRunID string
	reconcileFix   bool
	reconcileJSON  bool
)

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&reconcileRunID, "run", "", "Run id to reconcile (required)")
	reconcileCmd.Flags().BoolVar(&reconcileFix, "fix", false, "Allow corrective status downgrades")
	reconcileCmd.Flags().BoolVar(&reconcileJSON, "json", false, "Output the report as JSON")

	_ = reconcileCmd.MarkFlagRequired("run")
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()
	paths := workspacePaths(cfg)

	rec := &reconcile.Reconciler{
		Root:       paths.Root,
		Ledger:     paths.Ledger,
		StateRoot:  paths.StateRoot,
		OutputRoot: paths.OutputRoot,
		EventLog:   paths.EventLog,
		Freshness:  cfg.Worker.Freshness,
		Fix:        reconcileFix,
	}

	report, err := rec.Run(ctx, reconcileRunID)
	if err != nil {
		observability.CLILogger.Error("Reconciliation failed",
			zap.String("run_id", reconcileRunID),
			zap.Error(err))
		return exitError(foundry.ExitFileReadError, "Reconciliation failed", err)
	}

	observability.CLILogger.Info("Reconciliation complete",
		zap.String("run_id", report.RunID),
		zap.Int("examined", report.Examined),
		zap.Int("corrected", report.Corrected),
		zap.Int("duplicates_merged", report.DuplicatesMerged),
		zap.Int("downgraded", report.Downgraded),
		zap.Int("stale_markers", report.StaleMarkers))

	if reconcileJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Printf("run %s: examined %d, corrected %d (transitions %d, duplicates merged %d, downgraded %d)\n",
		report.RunID, report.Examined, report.Corrected,
		report.StatusTransitions, report.DuplicatesMerged, report.Downgraded)
	if report.StaleMarkers > 0 {
		fmt.Printf("  %d stale in-progress marker(s) left untouched; re-run the worker with --resume\n",
			report.StaleMarkers)
	}
	return nil
}
