// Package lock provides the single-instance run lock. At most one fanout run
// may execute against a given project directory at a time.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fanout/log"
)

// FileName is the lock token created in the project root.
const FileName = ".fanout.lock"

// ErrHeld is returned when another run already holds the lock.
var ErrHeld = errors.New("another fanout run is already in progress")

// Guard is a scoped mutual-exclusion token for one project directory. Acquire
// it once at the top of the run and release it last during cleanup; Release is
// idempotent and safe to call even if Acquire never succeeded.
type Guard struct {
	path     string
	acquired bool
}

// New returns a guard for the given project directory. No side effects until
// Acquire.
func New(projectDir string) *Guard {
	return &Guard{path: filepath.Join(projectDir, FileName)}
}

// Path returns the lock token location.
func (g *Guard) Path() string {
	return g.path
}

// Acquire creates the lock token. Creation is atomic with respect to
// existence-checking (O_CREATE|O_EXCL), never check-then-create. On contention
// it fails immediately; there is no wait or retry.
func (g *Guard) Acquire() error {
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: lock file %s exists; if no run is active, remove it manually and retry", ErrHeld, g.path)
		}
		return fmt.Errorf("failed to create lock file %s: %w", g.path, err)
	}

	fmt.Fprintf(f, "pid=%d\nstarted=%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if err := f.Close(); err != nil {
		log.WarningLog.Printf("failed to close lock file: %v", err)
	}

	g.acquired = true
	return nil
}

// Release removes the lock token. Calling it twice, or without a successful
// Acquire, is a no-op.
func (g *Guard) Release() {
	if !g.acquired {
		return
	}
	g.acquired = false

	if err := os.Remove(g.path); err != nil && !os.IsNotExist(err) {
		log.WarningLog.Printf("failed to remove lock file %s: %v", g.path, err)
	}
}

// ForceRelease removes a lock token regardless of who created it. Used by the
// reset subcommand to reclaim a stale lock.
func ForceRelease(projectDir string) error {
	path := filepath.Join(projectDir, FileName)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file %s: %w", path, err)
	}
	return nil
}
