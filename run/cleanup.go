package run

import (
	"sync"

	"fanout/lock"
	"fanout/log"
	"fanout/worker"
	"fanout/workspace"
)

// cleanup unwinds a run on any exit path: normal completion, interruption or
// fault. It is idempotent — the second trigger is a no-op — and best-effort:
// failures are logged and never mask the run's primary error.
type cleanup struct {
	mu   sync.Mutex
	once sync.Once

	workers     []*worker.Worker
	skipWorkers bool

	isolator          *workspace.Isolator
	reclaimWorkspaces bool

	guard *lock.Guard
}

func newCleanup(guard *lock.Guard) *cleanup {
	return &cleanup{guard: guard}
}

// track registers a spawned worker for termination on unwind.
func (c *cleanup) track(w *worker.Worker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers = append(c.workers, w)
}

// setIsolator registers the isolator; reclaim says whether the run's
// workspaces should be reclaimed on unwind (manual merge mode preserves them
// for human merging).
func (c *cleanup) setIsolator(iso *workspace.Isolator, reclaim bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isolator = iso
	c.reclaimWorkspaces = reclaim
}

// detachWorkers marks the run's workers as intentionally outliving the
// process (async mode).
func (c *cleanup) detachWorkers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.skipWorkers = true
}

// run executes the unwind exactly once: terminate non-terminal workers,
// reclaim workspaces when requested, release the lock last.
func (c *cleanup) run() {
	c.once.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if !c.skipWorkers {
			for _, w := range c.workers {
				w.Abort()
			}
		}

		if c.isolator != nil && c.reclaimWorkspaces {
			if err := c.isolator.ReclaimStale(); err != nil {
				log.ErrorLog.Printf("cleanup: failed to reclaim workspaces: %v", err)
			}
		}

		c.guard.Release()
	})
}
