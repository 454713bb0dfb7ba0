package audit

import (
	"context"
	"fmt"
	"sync"
)

// lockEntry holds the mutex of one run and the number of goroutines using it.
type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// acquire gets or creates the entry of runID and takes a reference.
// The caller must Lock entry.mu and call release after unlocking.
func (r *Recorder) acquire(runID string) *lockEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.locks[runID]
	if !ok {
		entry = &lockEntry{}
		r.locks[runID] = entry
	}
	entry.refs++
	return entry
}

// release drops a reference and forgets the entry when nobody uses it.
func (r *Recorder) release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.locks[runID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(r.locks, runID)
	}
}

// withLock serializes fn per run, across processes when a locker is configured.
func (r *Recorder) withLock(ctx context.Context, runID string, fn func(context.Context) error) error {
	entry := r.acquire(runID)
	entry.mu.Lock()
	defer func() {
		entry.mu.Unlock()
		r.release(runID)
	}()

	if r.locker != nil {
		unlock, err := r.locker.Lock(ctx, "audit:"+runID, r.lockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire distributed lock: %w", err)
		}
		defer func() {
			if err := unlock(ctx); err != nil {
				r.logger.Warn("failed to release distributed lock (will expire via TTL)",
					"run_id", runID,
					"err", err,
				)
			}
		}()
	}

	return fn(ctx)
}
