// Package worker drives jobs through their lifecycle state machine:
//
//	enqueued → running → {completed, failed}
//
// Job execution runs in parallel under a bounded pool, but every ledger
// mutation for the run is deferred into a single batched upsert at the
// end of the pass. Concurrent per-job writers merging into a shared
// table would race on read-merge-write; one locked batch write per
// invocation eliminates that entirely while keeping the compute-heavy
// adapter calls parallel.
package worker

import (
	"time"

	"github.com/3leaps/batchforge/pkg/ledger"
	"github.com/3leaps/batchforge/pkg/marker"
)

// Config tunes a worker pass.
type Config struct {
	// Concurrency is the number of jobs executed in parallel.
	// Default: 4.
	Concurrency int

	// Timeout bounds each adapter invocation. Zero means no limit.
	// Exceeding it is a per-job failure, not a run failure.
	Timeout time.Duration

	// RateLimit is the maximum adapter invocations per second.
	// Zero means unlimited.
	RateLimit float64

	// FailFast stops submitting new jobs after the first failure.
	// In-flight jobs finish naturally.
	FailFast bool

	// Resume re-admits jobs whose in-progress marker is stale (older
	// than Freshness with no artifact).
	Resume bool

	// Redo clears markers and re-admits jobs regardless of prior
	// status.
	Redo bool

	// Statuses is the ledger status filter for eligibility.
	// Default: enqueued only.
	Statuses []ledger.Status

	// Freshness is the heartbeat window for in-progress markers.
	// Zero uses marker.DefaultFreshness.
	Freshness time.Duration

	// HeartbeatInterval controls in-progress marker refresh.
	// Zero uses marker.DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// WorkerID identifies this worker in markers and the ledger.
	// Default: a fresh UUID.
	WorkerID string
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		Statuses:    []ledger.Status{ledger.StatusEnqueued},
		Freshness:   marker.DefaultFreshness,
	}
}

// Disposition classifies a job's outcome within one pass.
type Disposition string

const (
	DispositionSucceeded Disposition = "succeeded"
	DispositionFailed    Disposition = "failed"
	DispositionSkipped   Disposition = "skipped"
)

// Outcome is the explicit result value for one job attempt. Job-level
// errors are carried here as data, not raised: the worker loop
// aggregates outcomes instead of catching exceptions ad hoc.
type Outcome struct {
	Job         *ledger.Job
	Disposition Disposition

	// Reason explains failures and skips ("timeout", "already
	// completed", "locked by another worker", ...).
	Reason string
}

// Summary is the end-of-pass report. Every run ends with one,
// regardless of individual job failures.
type Summary struct {
	RunID     string        `json:"run_id"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Inserted  int           `json:"ledger_inserted"`
	Updated   int           `json:"ledger_updated"`
	Duration  time.Duration `json:"duration"`
}
