// Package worker spawns one process per task and enforces its time budget.
// Workers are failure-independent: one worker's timeout or crash never decides
// another's fate.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"fanout/log"
	"fanout/task"

	"golang.org/x/sys/unix"
)

// Status is a worker's lifecycle state. It transitions exactly once from
// StatusRunning to one of the terminal values.
type Status string

const (
	StatusPending  Status = "pending"
	StatusRunning  Status = "running"
	StatusSuccess  Status = "success"
	StatusFailed   Status = "failed"
	StatusTimedOut Status = "timed-out"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimedOut
}

// gracePeriod is how long a worker gets between SIGTERM and SIGKILL.
const gracePeriod = 5 * time.Second

// Worker is one process bound to one task for the duration of a run.
type Worker struct {
	Task task.Task
	// Dir is the working directory the process runs in: the project root in
	// read-only mode, the worker's own worktree in write mode.
	Dir string

	cmd *exec.Cmd
	buf *lockedBuffer

	// exited is closed once the wait goroutine reaps the process; waitErr is
	// the reaped result, valid only after exited is closed. Any number of
	// goroutines (Await, Terminate) may watch exited concurrently.
	exited  chan struct{}
	waitErr error

	mu        sync.Mutex
	status    Status
	exitCode  int
	startTime time.Time
	endTime   time.Time
}

// lockedBuffer is the worker's exclusively owned output sink. The process
// writes into it while the supervisor may read it during cleanup.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Spawn launches one process for the task and returns immediately. The
// process runs the program with the composed task prompt as its final
// argument, with stdout and stderr combined into the worker's private sink.
// The worker gets its own process group so escalating termination reaches any
// children it forked.
func Spawn(t task.Task, dir, program string) (*Worker, error) {
	return SpawnWithPrompt(t, t.Prompt(), dir, program)
}

// SpawnWithPrompt launches a process with an explicit prompt instead of the
// task's composed one. The merge step uses this to hand the agent a
// reconciliation prompt.
func SpawnWithPrompt(t task.Task, prompt, dir, program string) (*Worker, error) {
	parts := strings.Fields(program)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty worker program")
	}
	args := append(parts[1:], prompt)

	w := &Worker{
		Task:   t,
		Dir:    dir,
		buf:    &lockedBuffer{},
		exited: make(chan struct{}),
		status: StatusPending,
	}

	cmd := exec.Command(parts[0], args...)
	cmd.Dir = dir
	cmd.Stdout = w.buf
	cmd.Stderr = w.buf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %d: %w", t.ID, err)
	}

	w.cmd = cmd
	w.mu.Lock()
	w.status = StatusRunning
	w.startTime = time.Now()
	w.mu.Unlock()

	go func() {
		w.waitErr = cmd.Wait()
		close(w.exited)
	}()

	log.InfoLog.Printf("spawned worker %d (pid %d) in %s", t.ID, cmd.Process.Pid, dir)
	return w, nil
}

// Pid returns the worker's process id.
func (w *Worker) Pid() int {
	return w.cmd.Process.Pid
}

// Status returns the worker's current status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// ExitCode returns the process exit code for a failed worker.
func (w *Worker) ExitCode() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitCode
}

// StartTime returns when the worker process was spawned.
func (w *Worker) StartTime() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startTime
}

// Duration returns the worker's wall-clock runtime.
func (w *Worker) Duration() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.endTime.IsZero() {
		return time.Since(w.startTime)
	}
	return w.endTime.Sub(w.startTime)
}

// Output returns everything the worker wrote so far.
func (w *Worker) Output() string {
	return w.buf.String()
}

// finish records the terminal status. The transition happens exactly once;
// later calls are ignored.
func (w *Worker) finish(status Status, exitCode int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.status.Terminal() {
		return
	}
	w.status = status
	w.exitCode = exitCode
	w.endTime = time.Now()
}

// Await blocks until the worker exits, its budget elapses, or ctx is
// cancelled. The budget clock starts at spawn, not at the await call, so
// budgets stay independent of await ordering. On elapse the worker is
// terminated (SIGTERM, grace period, SIGKILL) and reported timed-out
// regardless of the exit code the kill produces. On normal exit the outcome
// is success for a zero exit status and failed otherwise. On cancellation the
// worker is left running for the run's cleanup to terminate.
func (w *Worker) Await(ctx context.Context, budget time.Duration) Status {
	remaining := budget - time.Since(w.StartTime())
	if remaining < 0 {
		remaining = 0
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return w.Status()
	case <-w.exited:
		if err := w.waitErr; err == nil {
			w.finish(StatusSuccess, 0)
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			w.finish(StatusFailed, exitErr.ExitCode())
		} else {
			w.finish(StatusFailed, -1)
		}
	case <-timer.C:
		log.WarningLog.Printf("worker %d exceeded its %s budget, terminating", w.Task.ID, budget)
		w.Terminate()
		w.finish(StatusTimedOut, -1)
	}

	return w.Status()
}

// Abort terminates a non-terminal worker during cleanup and records it as
// failed. A no-op for workers that already reached a terminal status.
func (w *Worker) Abort() {
	if w.Status().Terminal() {
		return
	}
	w.Terminate()
	w.finish(StatusFailed, -1)
}

// Terminate sends SIGTERM to the worker's process group, waits the grace
// period, and SIGKILLs if the process is still alive. The process is always
// reaped before Terminate returns. Safe to call on an already-exited worker.
func (w *Worker) Terminate() {
	if w.Status().Terminal() {
		return
	}
	pgid := -w.cmd.Process.Pid

	if err := unix.Kill(pgid, unix.SIGTERM); err != nil {
		// Process group already gone; the wait goroutine reaps it.
		return
	}

	select {
	case <-w.exited:
		return
	case <-time.After(gracePeriod):
	}

	if err := unix.Kill(pgid, unix.SIGKILL); err != nil {
		log.WarningLog.Printf("failed to kill worker %d process group: %v", w.Task.ID, err)
	}
	<-w.exited
}
