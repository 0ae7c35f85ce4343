package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/3leaps/batchforge/pkg/adapter"
	"github.com/3leaps/batchforge/pkg/ledger"
	"github.com/3leaps/batchforge/pkg/marker"
	"github.com/3leaps/batchforge/pkg/tablestore"
)

// errorSummaryLimit caps the error text stored in the ledger row; the
// full detail lives in the sidecar.
const errorSummaryLimit = 256

// executeJob drives one job through the state machine under its
// exclusive per-job lock. All errors surface as the returned Outcome.
func (e *Engine) executeJob(ctx context.Context, store *marker.Store, job *ledger.Job) Outcome {
	lock, err := tablestore.TryAcquireLock(store.LockPath(job.JobID))
	if err != nil {
		return Outcome{Job: job, Disposition: DispositionSkipped, Reason: fmt.Sprintf("job lock: %v", err)}
	}
	if lock == nil {
		return Outcome{Job: job, Disposition: DispositionSkipped, Reason: "locked by another worker"}
	}
	defer func() { _ = lock.Release() }()

	if e.cfg.Redo {
		if err := store.Clear(job.JobID); err != nil {
			return Outcome{Job: job, Disposition: DispositionSkipped, Reason: fmt.Sprintf("clear markers: %v", err)}
		}
	}

	if skip, reason := e.checkMarkers(store, job); skip {
		return Outcome{Job: job, Disposition: DispositionSkipped, Reason: reason}
	}

	// Pre-execution validation fails the job directly, without a
	// running transition.
	inputs, err := e.resolveInputs(job)
	if err != nil {
		e.failJob(ctx, store, job, time.Now().UTC(), err.Error(), err.Error())
		return Outcome{Job: job, Disposition: DispositionFailed, Reason: "validation"}
	}

	if err := e.waitForRateLimit(ctx); err != nil {
		return Outcome{Job: job, Disposition: DispositionSkipped, Reason: fmt.Sprintf("cancelled: %v", err)}
	}

	started := time.Now().UTC()
	hostname, _ := os.Hostname()
	beat := &marker.Payload{
		RunID:    job.RunID,
		JobID:    job.JobID,
		WorkerID: e.cfg.WorkerID,
		Hostname: hostname,
		PID:      os.Getpid(),
	}
	if err := store.Write(marker.KindInProgress, beat); err != nil {
		e.failJob(ctx, store, job, started, err.Error(), err.Error())
		return Outcome{Job: job, Disposition: DispositionFailed, Reason: "marker write"}
	}
	stopBeat := marker.StartHeartbeat(ctx, store, beat, e.cfg.HeartbeatInterval)
	defer stopBeat()

	_ = tablestore.AppendEvent(ctx, e.eventLog, tablestore.TypeJobStart, job.RunID, job.JobID, map[string]string{
		"worker_id": e.cfg.WorkerID,
		"algorithm": job.Algorithm,
	})

	outputDir := filepath.Join(e.outputRoot, job.RunID, job.JobID)
	req := &adapter.Request{
		RunID:      job.RunID,
		JobID:      job.JobID,
		Algorithm:  job.Algorithm,
		InputPaths: inputs,
		OutputDir:  outputDir,
		Timeout:    e.cfg.Timeout,
	}
	if job.ReferencePath != "" {
		req.ReferencePath = filepath.Join(e.rootDir, filepath.FromSlash(job.ReferencePath))
	}

	invokeCtx := ctx
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	resp, err := e.payload.Invoke(invokeCtx, req)
	ended := time.Now().UTC()

	switch {
	case err != nil:
		reason := "adapter error"
		detail := err.Error()
		summary := detail
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			reason = "timeout"
			summary = fmt.Sprintf("timeout: adapter exceeded %s", e.cfg.Timeout)
			detail = summary
		}
		job.StartedAt = &started
		e.failJob(ctx, store, job, ended, summary, detail)
		e.recordFinish(ctx, job)
		return Outcome{Job: job, Disposition: DispositionFailed, Reason: reason}

	case !resp.Success:
		job.StartedAt = &started
		msg := resp.Error
		if msg == "" {
			msg = "adapter reported failure without a message"
		}
		e.failJob(ctx, store, job, ended, msg, msg)
		e.recordFinish(ctx, job)
		return Outcome{Job: job, Disposition: DispositionFailed, Reason: "adapter failure"}
	}

	// The adapter said success; trust only the artifact on disk.
	if !artifactValid(resp.ArtifactPath) {
		job.StartedAt = &started
		msg := fmt.Sprintf("adapter reported success but primary artifact is missing or empty: %s", resp.ArtifactPath)
		e.failJob(ctx, store, job, ended, msg, msg)
		e.recordFinish(ctx, job)
		return Outcome{Job: job, Disposition: DispositionFailed, Reason: "artifact missing"}
	}

	job.Status = ledger.StatusCompleted
	job.StartedAt = &started
	job.EndedAt = &ended
	job.WorkerID = e.cfg.WorkerID
	job.ArtifactPath = e.relToRoot(resp.ArtifactPath)
	job.AuxPaths = nil
	for _, p := range resp.AuxPaths {
		job.AuxPaths = append(job.AuxPaths, e.relToRoot(p))
	}
	job.AdapterVersion = resp.Version
	job.CostUSD = resp.CostUSD
	job.Error = ""
	if metricsPath := filepath.Join(outputDir, adapter.MetricsFileName); artifactValid(metricsPath) {
		job.MetricsPath = e.relToRoot(metricsPath)
	}

	if err := store.Write(marker.KindCompleted, &marker.Payload{
		RunID:    job.RunID,
		JobID:    job.JobID,
		WorkerID: e.cfg.WorkerID,
		Hostname: hostname,
		PID:      os.Getpid(),
	}); err != nil {
		// The job itself succeeded; the marker is advisory and
		// reconciliation rebuilds it from the ledger + artifact.
		_ = tablestore.AppendEvent(ctx, e.eventLog, tablestore.TypeNote, job.RunID, job.JobID,
			map[string]string{"note": "completed marker write failed: " + err.Error()})
	}
	_ = store.Remove(job.JobID, marker.KindInProgress)

	e.recordFinish(ctx, job)
	return Outcome{Job: job, Disposition: DispositionSucceeded}
}

// checkMarkers applies the pick rules against on-disk markers. Redo has
// already cleared them.
func (e *Engine) checkMarkers(store *marker.Store, job *ledger.Job) (bool, string) {
	if store.Has(job.JobID, marker.KindCompleted) && artifactValid(e.absFromRoot(job.ArtifactPath)) {
		return true, "already completed"
	}

	_, mtime, err := store.Read(job.JobID, marker.KindInProgress)
	if err != nil {
		return true, fmt.Sprintf("read in-progress marker: %v", err)
	}
	if mtime.IsZero() {
		return false, ""
	}
	if marker.Fresh(mtime, e.cfg.Freshness, time.Now().UTC()) {
		return true, "in progress elsewhere (heartbeat fresh)"
	}
	if !e.cfg.Resume {
		return true, "stale in-progress marker (pass --resume to re-enter)"
	}
	return false, ""
}

// failJob records a failure: failed marker, full-detail sidecar,
// truncated ledger summary.
func (e *Engine) failJob(ctx context.Context, store *marker.Store, job *ledger.Job, ended time.Time, summary, detail string) {
	job.Status = ledger.StatusFailed
	job.EndedAt = &ended
	job.WorkerID = e.cfg.WorkerID
	job.Error = truncateError(summary)

	hostname, _ := os.Hostname()
	if err := store.Write(marker.KindFailed, &marker.Payload{
		RunID:    job.RunID,
		JobID:    job.JobID,
		WorkerID: e.cfg.WorkerID,
		Hostname: hostname,
		PID:      os.Getpid(),
	}); err != nil {
		_ = tablestore.AppendEvent(ctx, e.eventLog, tablestore.TypeNote, job.RunID, job.JobID,
			map[string]string{"note": "failed marker write failed: " + err.Error()})
	}
	if err := store.WriteErrorDetail(job.JobID, detail); err != nil {
		_ = tablestore.AppendEvent(ctx, e.eventLog, tablestore.TypeNote, job.RunID, job.JobID,
			map[string]string{"note": "error sidecar write failed: " + err.Error()})
	}
	_ = store.Remove(job.JobID, marker.KindInProgress)
}

func (e *Engine) recordFinish(ctx context.Context, job *ledger.Job) {
	data := map[string]string{
		"status":    string(job.Status),
		"worker_id": e.cfg.WorkerID,
	}
	if job.StartedAt != nil {
		data["started_at"] = job.StartedAt.Format(time.RFC3339Nano)
	}
	if job.EndedAt != nil {
		data["ended_at"] = job.EndedAt.Format(time.RFC3339Nano)
	}
	_ = tablestore.AppendEvent(ctx, e.eventLog, tablestore.TypeJobFinish, job.RunID, job.JobID, data)
}

// resolveInputs maps root-relative input paths to absolute ones and
// validates they exist.
func (e *Engine) resolveInputs(job *ledger.Job) ([]string, error) {
	if len(job.Inputs) == 0 {
		return nil, fmt.Errorf("job %s has no inputs", job.JobID)
	}
	resolved := make([]string, len(job.Inputs))
	for i, rel := range job.Inputs {
		abs := filepath.Join(e.rootDir, filepath.FromSlash(rel))
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("input missing: %s", rel)
		}
		resolved[i] = abs
	}
	return resolved, nil
}

// relToRoot stores paths relative to the workspace root; a path
// outside the root is kept as-is rather than fabricating a relative
// form.
func (e *Engine) relToRoot(p string) string {
	if p == "" {
		return ""
	}
	rel, err := filepath.Rel(e.rootDir, p)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

func (e *Engine) absFromRoot(rel string) string {
	if rel == "" {
		return ""
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(e.rootDir, filepath.FromSlash(rel))
}

func artifactValid(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir() && info.Size() > 0
}

func truncateError(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= errorSummaryLimit {
		return s
	}
	return s[:errorSummaryLimit-3] + "..."
}
