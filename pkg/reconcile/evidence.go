// Package reconcile restores ledger truth from on-disk execution
// evidence.
//
// When the ledger and the filesystem disagree (after a crash, a
// partial write, or a worker race), the reconciler gathers an
// evidence bundle per job (markers, artifact, error sidecar) and
// resolves the conflict with a fixed-priority truth table. Running it
// twice with unchanged evidence produces zero further updates.
package reconcile

import (
	"os"
	"path/filepath"
	"time"

	"github.com/3leaps/batchforge/pkg/adapter"
	"github.com/3leaps/batchforge/pkg/ledger"
	"github.com/3leaps/batchforge/pkg/marker"
)

// Evidence is the ephemeral per-job bundle reconciliation decides
// from. It is never persisted.
type Evidence struct {
	HasCompleted bool
	CompletedAt  time.Time

	HasFailed bool
	FailedAt  time.Time

	HasInProgress bool
	InProgressAt  time.Time

	// ArtifactPath is the absolute primary artifact path, when one is
	// known from the ledger or from the tool's response file.
	ArtifactPath  string
	ArtifactSize  int64
	ArtifactMTime time.Time

	// AuxPaths and MetricsPath are secondary artifacts found on disk.
	AuxPaths    []string
	MetricsPath string

	// ErrorDetail is the error sidecar text, if any.
	ErrorDetail string
}

// ArtifactOK reports whether the primary artifact exists and is
// non-empty.
func (ev *Evidence) ArtifactOK() bool {
	return ev.ArtifactPath != "" && ev.ArtifactSize > 0
}

// gatherEvidence builds the bundle for one job from markers, the job's
// output directory, and the error sidecar.
func (r *Reconciler) gatherEvidence(store *marker.Store, job *ledger.Job) *Evidence {
	ev := &Evidence{}

	if _, mtime, err := store.Read(job.JobID, marker.KindCompleted); err == nil && !mtime.IsZero() {
		ev.HasCompleted = true
		ev.CompletedAt = mtime
	}
	if _, mtime, err := store.Read(job.JobID, marker.KindFailed); err == nil && !mtime.IsZero() {
		ev.HasFailed = true
		ev.FailedAt = mtime
	}
	if _, mtime, err := store.Read(job.JobID, marker.KindInProgress); err == nil && !mtime.IsZero() {
		ev.HasInProgress = true
		ev.InProgressAt = mtime
	}
	ev.ErrorDetail = store.ReadErrorDetail(job.JobID)

	outputDir := filepath.Join(r.OutputRoot, job.RunID, job.JobID)

	// The tool's own response file in the job's output directory is
	// evidence in its own right, whatever the ledger still remembers.
	resp, respErr := adapter.ReadResponse(outputDir)
	if respErr == nil {
		for _, p := range resp.AuxPaths {
			if fileExists(p) {
				ev.AuxPaths = append(ev.AuxPaths, p)
			}
		}
	}

	artifact := r.absFromRoot(job.ArtifactPath)
	if artifact == "" && respErr == nil {
		artifact = resp.ArtifactPath
	}
	if artifact != "" {
		if info, err := os.Stat(artifact); err == nil && !info.IsDir() {
			ev.ArtifactPath = artifact
			ev.ArtifactSize = info.Size()
			ev.ArtifactMTime = info.ModTime().UTC()
		}
	}

	if fileExists(filepath.Join(outputDir, adapter.MetricsFileName)) {
		ev.MetricsPath = filepath.Join(outputDir, adapter.MetricsFileName)
	}

	return ev
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
