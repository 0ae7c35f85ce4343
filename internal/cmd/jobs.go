package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/batchforge/internal/config"
	"github.com/3leaps/batchforge/pkg/ledger"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect ledger jobs",
	Long: `Inspect the jobs recorded in the ledger.

This command group is designed to be agent-friendly:

- stable content-derived job ids
- predictable on-disk locations
- optional JSON output for machine parsing`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs for a run",
	RunE:  runJobsList,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show one job's ledger row",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var jobsManifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Show the pending work manifest for a run",
	RunE:  runJobsManifest,
}

var (
	jobsRunID  string
	jobsStatus string
)

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsStatusCmd)
	jobsCmd.AddCommand(jobsManifestCmd)

	jobsCmd.PersistentFlags().StringVar(&jobsRunID, "run", "", "Run id (required)")
	jobsListCmd.Flags().StringVar(&jobsStatus, "status", "", "Filter by status (enqueued|running|completed|failed)")
	jobsListCmd.Flags().Bool("json", false, "Output as JSON")
	jobsStatusCmd.Flags().Bool("json", false, "Output as JSON")
	jobsManifestCmd.Flags().Bool("json", false, "Output as JSON")

	_ = jobsCmd.MarkPersistentFlagRequired("run")
}

func loadRunJobs() ([]*ledger.Job, error) {
	cfg := config.GetConfig()
	paths := workspacePaths(cfg)
	return ledger.LoadRun(paths.Ledger, jobsRunID)
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if jobsStatus != "" && !ledger.Status(jobsStatus).Valid() {
		return exitError(foundry.ExitInvalidArgument, "Invalid --status value",
			fmt.Errorf("unknown status: %s", jobsStatus))
	}

	jobs, err := loadRunJobs()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read ledger", err)
	}

	if jobsStatus != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if j.Status == ledger.Status(jobsStatus) {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	if len(jobs) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No jobs found")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		rows := make([]map[string]string, 0, len(jobs))
		for _, j := range jobs {
			rows = append(rows, j.ToRow())
		}
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tPARENT\tVARIANT\tSTATUS\tSTARTED\tENDED\tARTIFACT")
	for _, j := range jobs {
		variant := j.Variant
		if variant == "" {
			variant = "-"
		}
		artifact := j.ArtifactPath
		if artifact == "" {
			artifact = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.JobID,
			j.ParentID,
			variant,
			j.Status,
			formatOptionalTime(j.StartedAt),
			formatOptionalTime(j.EndedAt),
			artifact,
		)
	}

	return nil
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")
	jobID := strings.TrimSpace(args[0])
	if jobID == "" {
		return fmt.Errorf("job_id is required")
	}

	jobs, err := loadRunJobs()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read ledger", err)
	}

	job, err := resolveJob(jobs, jobID)
	if err != nil {
		return exitError(foundry.ExitFileNotFound, "Job not found", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(job.ToRow())
	}

	for _, col := range ledger.Columns {
		if value := job.ToRow()[col]; value != "" {
			_, _ = fmt.Fprintf(os.Stdout, "%s=%s\n", col, value)
		}
	}
	return nil
}

func runJobsManifest(cmd *cobra.Command, _ []string) error {
	jsonOutput, _ := cmd.Flags().GetBool("json")

	jobs, err := loadRunJobs()
	if err != nil {
		return exitError(foundry.ExitFileReadError, "Failed to read ledger", err)
	}

	manifest := ledger.BuildManifest(jobs)
	if len(manifest) == 0 {
		_, _ = fmt.Fprintln(os.Stdout, "No pending jobs")
		return nil
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(manifest)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer func() { _ = w.Flush() }()

	_, _ = fmt.Fprintln(w, "JOB ID\tPARENT\tVARIANT\tALGORITHM\tINPUTS")
	for _, entry := range manifest {
		variant := entry.Variant
		if variant == "" {
			variant = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n",
			entry.JobID, entry.ParentID, variant, entry.Algorithm, len(entry.Inputs))
	}

	return nil
}

// resolveJob matches a full job id first, then an unambiguous prefix.
func resolveJob(jobs []*ledger.Job, input string) (*ledger.Job, error) {
	for _, j := range jobs {
		if j.JobID == input {
			return j, nil
		}
	}

	var matches []*ledger.Job
	for _, j := range jobs {
		if strings.HasPrefix(j.JobID, input) {
			matches = append(matches, j)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("job not found: %s", input)
	}
	if len(matches) > 1 {
		return nil, fmt.Errorf("job id prefix is ambiguous (%d matches); use the full job_id", len(matches))
	}
	return matches[0], nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
