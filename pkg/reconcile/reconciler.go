package reconcile

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/batchforge/pkg/ledger"
	"github.com/3leaps/batchforge/pkg/marker"
	"github.com/3leaps/batchforge/pkg/tablestore"
)

// Reconciler repairs one run's ledger rows from on-disk evidence.
type Reconciler struct {
	// Root is the workspace root; stored paths are relative to it.
	Root string

	// Ledger is the ledger table path.
	Ledger string

	// StateRoot holds per-run marker directories.
	StateRoot string

	// OutputRoot holds per-job output directories.
	OutputRoot string

	// EventLog is the append-only event log path.
	EventLog string

	// Freshness is the heartbeat window. Zero uses
	// marker.DefaultFreshness.
	Freshness time.Duration

	// Fix enables corrective overrides (the completed→failed
	// downgrade). Without it the reconciler only fills gaps and merges
	// duplicates.
	Fix bool
}

// Report summarizes one reconciliation pass. Conflicts are always
// counted, never silently dropped.
type Report struct {
	RunID             string `json:"run_id"`
	Examined          int    `json:"examined"`
	Corrected         int    `json:"corrected"`
	Downgraded        int    `json:"downgraded"`
	DuplicatesMerged  int    `json:"duplicates_merged"`
	StaleMarkers      int    `json:"stale_markers"`
	StatusTransitions int    `json:"status_transitions"`
}

// Run reconciles every row of runID and commits corrected rows in one
// batched upsert. With unchanged evidence a second Run reports zero
// corrections.
func (r *Reconciler) Run(ctx context.Context, runID string) (*Report, error) {
	table, err := tablestore.ReadTable(r.Ledger)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, fmt.Errorf("ledger not found: %s", r.Ledger)
	}

	// Group the run's rows by job id, preserving first-seen order.
	var order []string
	groups := make(map[string][]map[string]string)
	for _, row := range table.Rows {
		if row[ledger.ColRunID] != runID {
			continue
		}
		jobID := row[ledger.ColJobID]
		if _, seen := groups[jobID]; !seen {
			order = append(order, jobID)
		}
		groups[jobID] = append(groups[jobID], row)
	}
	if len(order) == 0 {
		return nil, fmt.Errorf("run %q has no jobs in %s", runID, r.Ledger)
	}

	store := marker.NewStore(filepath.Join(r.StateRoot, runID))
	now := time.Now().UTC()
	report := &Report{RunID: runID}

	var corrected []*ledger.Job
	for _, jobID := range order {
		rows := groups[jobID]
		report.Examined++

		hadDuplicates := len(rows) > 1
		if hadDuplicates {
			report.DuplicatesMerged++
		}
		row := mergeDuplicates(rows)
		job := ledger.FromRow(row)

		ev := r.gatherEvidence(store, job)
		changed := r.repairJob(job, ev, now, report)

		if staleInProgress(ev, r.Freshness, now) {
			report.StaleMarkers++
		}

		if hadDuplicates || changed {
			report.Corrected++
			corrected = append(corrected, job)
		}
	}

	if len(corrected) > 0 {
		if _, err := ledger.Commit(ctx, r.Ledger, corrected); err != nil {
			return report, fmt.Errorf("commit reconciled rows: %w", err)
		}
	}

	_ = tablestore.AppendEvent(ctx, r.EventLog, tablestore.TypeRepair, runID, "", report)

	return report, nil
}

// repairJob applies the truth table, the downgrade rule, and
// timestamp/path synthesis. Reports whether the job changed.
func (r *Reconciler) repairJob(job *ledger.Job, ev *Evidence, now time.Time, report *Report) bool {
	before := job.ToRow()

	// The truth table only regresses a terminal status when explicit
	// on-disk evidence contradicts it; otherwise it keeps the ledger's
	// claim.
	if desired := desiredStatus(ev, job.Status, r.Freshness, now); desired != job.Status {
		job.Status = desired
		report.StatusTransitions++
	}

	// The one active override: the ledger claims completed but the
	// artifact is gone.
	if r.Fix && job.Status == ledger.StatusCompleted && !ev.ArtifactOK() {
		job.Status = ledger.StatusFailed
		if job.Error == "" {
			job.Error = "downgraded by reconciliation: primary artifact missing or empty"
		}
		report.Downgraded++
	}

	r.synthesize(job, ev)

	return !rowsMatch(before, job.ToRow())
}

// synthesize fills absent timestamps from marker/artifact mtimes and
// absent paths from files that exist on disk. Nothing is ever
// fabricated from thin air.
func (r *Reconciler) synthesize(job *ledger.Job, ev *Evidence) {
	if job.EndedAt == nil {
		switch {
		case job.Status == ledger.StatusCompleted && !ev.ArtifactMTime.IsZero():
			t := ev.ArtifactMTime
			job.EndedAt = &t
		case job.Status == ledger.StatusCompleted && ev.HasCompleted:
			t := ev.CompletedAt
			job.EndedAt = &t
		case job.Status == ledger.StatusFailed && ev.HasFailed:
			t := ev.FailedAt
			job.EndedAt = &t
		}
	}
	if job.StartedAt == nil && ev.HasInProgress {
		t := ev.InProgressAt
		job.StartedAt = &t
	}
	// start ≤ end must hold whenever both are present.
	if job.StartedAt != nil && job.EndedAt != nil && job.EndedAt.Before(*job.StartedAt) {
		job.StartedAt = nil
	}

	if job.ArtifactPath == "" && ev.ArtifactOK() {
		job.ArtifactPath = r.relToRoot(ev.ArtifactPath)
	}
	if len(job.AuxPaths) == 0 && len(ev.AuxPaths) > 0 {
		for _, p := range ev.AuxPaths {
			job.AuxPaths = append(job.AuxPaths, r.relToRoot(p))
		}
	}
	if job.MetricsPath == "" && ev.MetricsPath != "" {
		job.MetricsPath = r.relToRoot(ev.MetricsPath)
	}

	if job.Status == ledger.StatusFailed && job.Error == "" && ev.ErrorDetail != "" {
		job.Error = truncateDetail(ev.ErrorDetail)
	}
}

func (r *Reconciler) relToRoot(p string) string {
	if p == "" {
		return ""
	}
	rel, err := filepath.Rel(r.Root, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func (r *Reconciler) absFromRoot(rel string) string {
	if rel == "" {
		return ""
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(r.Root, filepath.FromSlash(rel))
}

const errorSummaryLimit = 256

func truncateDetail(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > errorSummaryLimit {
		s = s[:errorSummaryLimit-3] + "..."
	}
	return s
}

// rowsMatch compares two rows across the union of their columns.
func rowsMatch(a, b map[string]string) bool {
	for col, v := range a {
		if b[col] != v {
			return false
		}
	}
	for col, v := range b {
		if a[col] != v {
			return false
		}
	}
	return true
}
