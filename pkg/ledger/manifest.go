package ledger

import (
	"context"
	"fmt"

	"github.com/3leaps/batchforge/pkg/tablestore"
)

// ManifestEntry is the projection of a ledger row a worker needs to
// execute a job: identity, algorithm, inputs and the optional
// ground-truth reference. Lifecycle and result columns are deliberately
// excluded.
type ManifestEntry struct {
	RunID            string
	JobID            string
	ParentID         string
	Variant          string
	Algorithm        string
	InputFingerprint string
	Inputs           []string
	ReferencePath    string
}

// LoadRun reads the ledger at path and returns every row belonging to
// runID, in table order. Rows for other runs are ignored.
//
// Returns an error when the ledger does not exist or holds no rows for
// the run: a missing run is a structural error, not an empty result.
func LoadRun(path, runID string) ([]*Job, error) {
	table, err := tablestore.ReadTable(path)
	if err != nil {
		return nil, err
	}
	if table == nil {
		return nil, fmt.Errorf("ledger not found: %s", path)
	}

	var jobs []*Job
	for _, row := range table.Rows {
		if row[ColRunID] != runID {
			continue
		}
		jobs = append(jobs, FromRow(row))
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("run %q has no jobs in %s", runID, path)
	}
	return jobs, nil
}

// BuildManifest materializes the ordered set of enqueued jobs for a
// run. Order is ledger order, which gives FIFO scheduling by manifest.
func BuildManifest(jobs []*Job) []ManifestEntry {
	var entries []ManifestEntry
	for _, j := range jobs {
		if j.Status != StatusEnqueued {
			continue
		}
		entries = append(entries, ManifestEntry{
			RunID:            j.RunID,
			JobID:            j.JobID,
			ParentID:         j.ParentID,
			Variant:          j.Variant,
			Algorithm:        j.Algorithm,
			InputFingerprint: j.InputFingerprint,
			Inputs:           append([]string(nil), j.Inputs...),
			ReferencePath:    j.ReferencePath,
		})
	}
	return entries
}

// EnqueueResult reports batch creation counts.
type EnqueueResult struct {
	Inserted int
	Skipped  int
}

// Enqueue inserts jobs as enqueued rows, skipping keys that already
// exist so re-creating a batch never disturbs lifecycle fields of
// existing jobs.
func Enqueue(ctx context.Context, path string, jobs []*Job) (EnqueueResult, error) {
	records := make([]map[string]string, 0, len(jobs))
	for _, j := range jobs {
		if j.Status == "" {
			j.Status = StatusEnqueued
		}
		if j.Status != StatusEnqueued {
			return EnqueueResult{}, fmt.Errorf("job %s/%s: new jobs must be enqueued, got %q", j.RunID, j.JobID, j.Status)
		}
		records = append(records, j.ToRow())
	}

	res, err := tablestore.Upsert(ctx, path, records, KeyColumns, tablestore.UpsertOptions{
		SkipExisting: true,
		ColumnOrder:  Columns,
	})
	if err != nil {
		return EnqueueResult{}, err
	}
	return EnqueueResult{Inserted: res.Inserted, Skipped: res.Skipped}, nil
}

// Commit writes job rows back to the ledger, replacing matching rows.
// This is the single batched write path used by the worker engine and
// the reconciler.
func Commit(ctx context.Context, path string, jobs []*Job) (tablestore.UpsertResult, error) {
	records := make([]map[string]string, 0, len(jobs))
	for _, j := range jobs {
		records = append(records, j.ToRow())
	}
	return tablestore.Upsert(ctx, path, records, KeyColumns, tablestore.UpsertOptions{
		ColumnOrder: Columns,
	})
}
