package reconcile

import (
	"time"

	"github.com/3leaps/batchforge/pkg/ledger"
	"github.com/3leaps/batchforge/pkg/marker"
)

// desiredStatus evaluates the evidence truth table in priority order.
//
//  1. completed marker + valid artifact        → completed
//  2. failed marker                            → failed
//  3. in-progress marker with fresh heartbeat  → running
//  4. otherwise                                → keep the ledger status
//
// A stale in-progress marker with no artifact deliberately falls into
// case 4: the status is left exactly as recorded, never auto-failed or
// reset to enqueued on staleness alone. Stale markers are surfaced as a
// count instead.
func desiredStatus(ev *Evidence, current ledger.Status, freshness time.Duration, now time.Time) ledger.Status {
	switch {
	case ev.HasCompleted && ev.ArtifactOK():
		return ledger.StatusCompleted
	case ev.HasFailed:
		return ledger.StatusFailed
	case ev.HasInProgress && marker.Fresh(ev.InProgressAt, freshness, now):
		return ledger.StatusRunning
	default:
		return current
	}
}

// staleInProgress reports the case the truth table leaves alone:
// an in-progress marker outside the freshness window with no artifact.
func staleInProgress(ev *Evidence, freshness time.Duration, now time.Time) bool {
	return ev.HasInProgress &&
		!marker.Fresh(ev.InProgressAt, freshness, now) &&
		!ev.ArtifactOK()
}
