package marker

import (
	"context"
	"time"
)

// DefaultHeartbeatInterval is how often an in-progress marker is
// refreshed while the adapter runs. It must be well inside the
// freshness window so a live job is never mistaken for a stale one.
const DefaultHeartbeatInterval = 30 * time.Second

// StartHeartbeat periodically rewrites the in-progress marker for a job
// until the returned stop function is called or ctx is cancelled.
func StartHeartbeat(ctx context.Context, store *Store, p *Payload, interval time.Duration) func() {
	if store == nil || p == nil {
		return func() {}
	}
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	t := time.NewTicker(interval)
	quit := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		for {
			select {
			case <-ctx.Done():
				return
			case <-quit:
				return
			case <-t.C:
				beat := *p
				beat.WrittenAt = time.Now().UTC()
				_ = store.Write(KindInProgress, &beat)
			}
		}
	}()

	return func() {
		t.Stop()
		close(quit)
		<-stopped
	}
}
