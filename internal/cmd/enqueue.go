package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/batchforge/internal/config"
	"github.com/3leaps/batchforge/internal/observability"
	"github.com/3leaps/batchforge/pkg/identity"
	"github.com/3leaps/batchforge/pkg/ledger"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Derive jobs from a batch file and add them to the ledger",
	Long: `Derive deterministic jobs from a YAML batch file and append any new
ones to the ledger.

Each batch item selects input files with glob patterns; the job id is
a content hash of (parent, variant, algorithm, input set), so
re-enqueueing the same batch is a no-op and never disturbs rows that
already ran.

Example:
  batchforge enqueue --batch batch.yaml
  batchforge enqueue --batch batch.yaml --run r-2026-09-01
  batchforge enqueue --batch batch.yaml --dry-run`,
	RunE: runEnqueue,
}

var (
	enqueueBatchPath string
	enqueueRunID     string
	enqueueDryRun    bool
)

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().StringVarP(&enqueueBatchPath, "batch", "b", "", "Path to batch file (required)")
	enqueueCmd.Flags().StringVar(&enqueueRunID, "run", "", "Override the batch file's run id")
	enqueueCmd.Flags().BoolVar(&enqueueDryRun, "dry-run", false, "Show derived jobs without writing the ledger")

	_ = enqueueCmd.MarkFlagRequired("batch")
}

func runEnqueue(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := config.GetConfig()
	paths := workspacePaths(cfg)

	batch, err := ledger.LoadBatch(enqueueBatchPath)
	if err != nil {
		observability.CLILogger.Error("Failed to load batch file",
			zap.String("path", enqueueBatchPath),
			zap.Error(err))
		return exitError(foundry.ExitInvalidArgument, "Invalid batch file", err)
	}

	runID := batch.RunID
	if enqueueRunID != "" {
		runID = enqueueRunID
	}
	if runID == "" {
		runID = "r-" + time.Now().UTC().Format("20060102-150405")
	}

	jobs, err := deriveJobs(paths.Root, runID, batch)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to derive jobs", err)
	}

	observability.CLILogger.Debug("Derived jobs from batch",
		zap.String("run_id", runID),
		zap.Int("jobs", len(jobs)))

	if enqueueDryRun {
		return showEnqueuePlan(runID, jobs)
	}

	result, err := ledger.Enqueue(ctx, paths.Ledger, jobs)
	if err != nil {
		return exitError(foundry.ExitFileWriteError, "Failed to write ledger", err)
	}

	observability.CLILogger.Info("Enqueue complete",
		zap.String("run_id", runID),
		zap.Int("inserted", result.Inserted),
		zap.Int("already_present", result.Skipped))

	fmt.Printf("run %s: %d new, %d already in ledger\n", runID, result.Inserted, result.Skipped)
	return nil
}

// deriveJobs expands every batch item into ledger rows with
// content-derived ids.
func deriveJobs(root, runID string, batch *ledger.Batch) ([]*ledger.Job, error) {
	var jobs []*ledger.Job
	for i, item := range batch.Items {
		inputs, err := identity.SelectInputs(root, identity.SelectConfig{
			Includes: item.Includes,
			Excludes: item.Excludes,
		})
		if err != nil {
			return nil, fmt.Errorf("item %d (%s): %w", i, item.Parent, err)
		}
		if len(inputs) == 0 {
			return nil, fmt.Errorf("item %d (%s): no inputs matched", i, item.Parent)
		}

		seed := identity.Seed{
			Parent:    item.Parent,
			Variant:   item.Variant,
			Algorithm: item.Algorithm,
			Inputs:    inputs,
		}
		jobID, err := identity.JobID(seed)
		if err != nil {
			return nil, fmt.Errorf("item %d (%s): %w", i, item.Parent, err)
		}
		fingerprint, err := identity.InputSetFingerprint(inputs)
		if err != nil {
			return nil, fmt.Errorf("item %d (%s): %w", i, item.Parent, err)
		}

		reference := item.Reference
		if reference != "" && !filepath.IsAbs(reference) {
			reference = filepath.ToSlash(reference)
		}

		jobs = append(jobs, &ledger.Job{
			RunID:            runID,
			JobID:            jobID,
			ParentID:         item.Parent,
			Variant:          item.Variant,
			Algorithm:        item.Algorithm,
			InputFingerprint: fingerprint,
			Inputs:           inputs,
			ReferencePath:    reference,
			Status:           ledger.StatusEnqueued,
		})
	}
	return jobs, nil
}

// showEnqueuePlan displays the derived jobs without touching the ledger.
func showEnqueuePlan(runID string, jobs []*ledger.Job) error {
	fmt.Println("=== Enqueue Plan (dry-run) ===")
	fmt.Println()
	fmt.Printf("Run:   %s\n", runID)
	fmt.Printf("Jobs:  %d\n", len(jobs))
	fmt.Println()
	for _, j := range jobs {
		variant := j.Variant
		if variant == "" {
			variant = "-"
		}
		fmt.Printf("  %s  parent=%s variant=%s algorithm=%s inputs=%d\n",
			j.JobID, j.ParentID, variant, j.Algorithm, len(j.Inputs))
		if len(j.Inputs) <= 3 {
			fmt.Printf("      %s\n", strings.Join(j.Inputs, ", "))
		}
	}
	fmt.Println()
	fmt.Println("No changes written. Run without --dry-run to enqueue.")
	return nil
}
