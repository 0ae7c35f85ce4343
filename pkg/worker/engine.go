package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/3leaps/batchforge/pkg/adapter"
	"github.com/3leaps/batchforge/pkg/ledger"
	"github.com/3leaps/batchforge/pkg/marker"
	"github.com/3leaps/batchforge/pkg/tablestore"
)

// Engine executes one run's eligible jobs.
//
// An Engine is safe for single use: create a new one per pass.
type Engine struct {
	ledgerPath string
	rootDir    string
	stateRoot  string
	outputRoot string
	eventLog   string
	payload    adapter.Adapter
	cfg        Config

	limiter *rate.Limiter
	halted  atomic.Bool

	mu       sync.Mutex
	outcomes []Outcome
}

// Paths locates the shared workspace resources an engine works
// against. Every stored path in the ledger is relative to Root.
type Paths struct {
	// Root is the workspace root.
	Root string

	// Ledger is the ledger table path.
	Ledger string

	// StateRoot holds per-run marker directories.
	StateRoot string

	// OutputRoot holds per-job output directories.
	OutputRoot string

	// EventLog is the append-only event log path.
	EventLog string
}

// NewEngine builds an engine over the workspace paths and payload
// adapter. Zero-valued cfg fields fall back to DefaultConfig.
func NewEngine(paths Paths, payload adapter.Adapter, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if len(cfg.Statuses) == 0 {
		cfg.Statuses = def.Statuses
	}
	if cfg.Freshness <= 0 {
		cfg.Freshness = def.Freshness
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.New().String()
	}

	e := &Engine{
		ledgerPath: paths.Ledger,
		rootDir:    paths.Root,
		stateRoot:  paths.StateRoot,
		outputRoot: paths.OutputRoot,
		eventLog:   paths.EventLog,
		payload:    payload,
		cfg:        cfg,
	}
	if cfg.RateLimit > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return e
}

// Run executes every eligible job for runID and commits all outcomes
// in one batched ledger upsert.
//
// Job-level errors never fail the pass; only structural problems
// (missing run, unreadable ledger, failed final commit) return an
// error.
func (e *Engine) Run(ctx context.Context, runID string) (*Summary, error) {
	start := time.Now()

	jobs, err := ledger.LoadRun(e.ledgerPath, runID)
	if err != nil {
		return nil, err
	}

	eligible := e.filterEligible(jobs)
	if len(eligible) == 0 {
		return nil, fmt.Errorf("run %q has no jobs matching the status filter", runID)
	}

	_ = tablestore.AppendEvent(ctx, e.eventLog, tablestore.TypeRunStart, runID, "", map[string]any{
		"worker_id": e.cfg.WorkerID,
		"jobs":      len(eligible),
	})

	store := marker.NewStore(filepath.Join(e.stateRoot, runID))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, job := range eligible {
		if e.halted.Load() {
			break
		}
		if gctx.Err() != nil {
			break
		}
		job := job
		g.Go(func() error {
			out := e.executeJob(gctx, store, job)
			if out.Disposition == DispositionFailed && e.cfg.FailFast {
				e.halted.Store(true)
			}
			e.mu.Lock()
			e.outcomes = append(e.outcomes, out)
			e.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}

	summary := e.buildSummary(runID, time.Since(start))

	// The critical design choice: one locked batch write for the whole
	// pass instead of one racing write per job.
	commit := make([]*ledger.Job, 0, len(e.outcomes))
	for _, out := range e.outcomes {
		if out.Disposition == DispositionSkipped {
			continue
		}
		commit = append(commit, out.Job)
	}
	if len(commit) > 0 {
		res, err := ledger.Commit(ctx, e.ledgerPath, commit)
		if err != nil {
			return summary, fmt.Errorf("commit run %s outcomes: %w", runID, err)
		}
		summary.Inserted = res.Inserted
		summary.Updated = res.Updated
	}

	_ = tablestore.AppendEvent(ctx, e.eventLog, tablestore.TypeRunFinish, runID, "", summary)

	return summary, ctx.Err()
}

// filterEligible applies the ledger-status filter. Redo admits every
// status; marker-level checks happen per job under the job lock.
func (e *Engine) filterEligible(jobs []*ledger.Job) []*ledger.Job {
	if e.cfg.Redo {
		return jobs
	}
	want := make(map[ledger.Status]bool, len(e.cfg.Statuses))
	for _, s := range e.cfg.Statuses {
		want[s] = true
	}
	if e.cfg.Resume {
		want[ledger.StatusRunning] = true
	}
	var out []*ledger.Job
	for _, j := range jobs {
		if want[j.Status] {
			out = append(out, j)
		}
	}
	return out
}

func (e *Engine) buildSummary(runID string, elapsed time.Duration) *Summary {
	s := &Summary{RunID: runID, Duration: elapsed}
	for _, out := range e.outcomes {
		switch out.Disposition {
		case DispositionSucceeded:
			s.Processed++
			s.Succeeded++
		case DispositionFailed:
			s.Processed++
			s.Failed++
		case DispositionSkipped:
			s.Skipped++
		}
	}
	return s
}

func (e *Engine) waitForRateLimit(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}
