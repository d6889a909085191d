// Package run wires the fanout pipeline: validate, safeguard, lock, isolate,
// spawn, await, merge, report, cleanup. The orchestrating process itself stays
// single-threaded; parallelism lives entirely in the worker processes.
package run

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"fanout/lock"
	"fanout/log"
	"fanout/registry"
	"fanout/report"
	"fanout/safeguard"
	"fanout/task"
	"fanout/worker"
	"fanout/workspace"
)

// Run executes one orchestration run. On success it returns the aggregated
// report (nil for async runs, which exit before workers finish). ErrAborted
// signals a deliberate user abort, not a fault.
func Run(ctx context.Context, opts Options) (*report.Report, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	validator := safeguard.NewValidator(opts.Container)
	if violations := validator.Check(opts.Tasks); len(violations) > 0 {
		return nil, fmt.Errorf("%s", safeguard.FormatViolations(violations))
	}

	if err := checkEnvironment(opts); err != nil {
		return nil, err
	}

	runID := time.Now().Format("20060102-150405")
	startedAt := time.Now()

	guard := lock.New(opts.ProjectDir)
	if err := guard.Acquire(); err != nil {
		return nil, err
	}

	clean := newCleanup(guard)
	defer clean.run()

	// Propagate external interruption into the same unwind path as normal
	// completion. The watcher stands down once the run returns so callers
	// with long-lived contexts do not accumulate goroutines.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			clean.run()
		case <-finished:
		}
	}()

	var workspaces []workspace.Workspace
	var isolator *workspace.Isolator

	if opts.Sandbox == SandboxWrite {
		var err error
		isolator, err = workspace.NewIsolator(opts.ProjectDir, opts.BranchPrefix, runID)
		if err != nil {
			return nil, err
		}

		if err := checkDirty(isolator.RepoPath(), opts); err != nil {
			return nil, err
		}

		if err := isolator.ReclaimStale(); err != nil {
			return nil, fmt.Errorf("failed to reclaim stale workspaces: %w", err)
		}

		workspaces, err = isolator.CreateAll(len(opts.Tasks))
		if err != nil {
			return nil, err
		}

		// Manual merge mode preserves the workspaces for human merging, and
		// async workers keep using theirs after this process exits.
		clean.setIsolator(isolator, opts.Merge != MergeManual && !opts.Async)
	}

	// Spawn every worker before awaiting any, so execution is genuinely
	// parallel. A spawn failure aborts the run; already-spawned workers are
	// terminated by cleanup.
	workers := make([]*worker.Worker, 0, len(opts.Tasks))
	branches := make(map[int]string)
	for i, t := range opts.Tasks {
		dir := opts.ProjectDir
		if opts.Sandbox == SandboxWrite {
			dir = workspaces[i].Path
			branches[t.ID] = workspaces[i].Branch
		}

		w, err := worker.Spawn(t, dir, opts.Program)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
		clean.track(w)
	}

	if opts.Async {
		if err := persistJobs(runID, workers, workspaces); err != nil {
			return nil, err
		}
		// Fire-and-forget: the workers outlive this process.
		clean.detachWorkers()
		log.InfoLog.Printf("async run %s: %d workers detached", runID, len(workers))
		return nil, nil
	}

	// Await in task order. A worker that finished early returns immediately
	// when its turn arrives; a timed-out or failed worker never aborts its
	// siblings.
	budget := time.Duration(opts.TimeoutMinutes) * time.Minute
	for _, w := range workers {
		status := w.Await(ctx, budget)
		log.InfoLog.Printf("worker %d finished: %s", w.Task.ID, status)
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("run interrupted: %w", ctx.Err())
	}

	r := report.Collect(runID, startedAt, workers, branches)

	if opts.Sandbox == SandboxWrite {
		if err := finishWriteMode(ctx, opts, isolator, workspaces, r); err != nil {
			return nil, err
		}
	}

	if path, err := r.Persist(); err != nil {
		log.ErrorLog.Printf("failed to persist report: %v", err)
	} else {
		log.InfoLog.Printf("report written to %s", path)
	}

	return r, nil
}

// checkEnvironment verifies the external collaborators before any side
// effect: the agent binary must resolve on PATH, and write mode needs a git
// repository that is not itself one of our worktrees.
func checkEnvironment(opts Options) error {
	fields := strings.Fields(opts.Program)
	if len(fields) == 0 {
		return fmt.Errorf("no worker program configured")
	}
	program := fields[0]
	if _, err := exec.LookPath(program); err != nil {
		return fmt.Errorf("worker program %q not found on PATH; install it or set default_program in the config file: %w", program, err)
	}

	if opts.Sandbox == SandboxWrite {
		if !workspace.IsGitRepo(opts.ProjectDir) {
			return fmt.Errorf("%s is not inside a git repository; workspace-write mode needs one (or use --sandbox read-only)", opts.ProjectDir)
		}
		if workspace.IsInsideWorktreeDir(opts.ProjectDir) {
			return fmt.Errorf("refusing to run from inside a fanout worktree; run from the main checkout instead")
		}
	}

	return nil
}

// checkDirty enforces the write-mode precondition on uncommitted changes.
// Workers fork from the last commit, so anything uncommitted is invisible to
// them; that needs an explicit decision. Declining is a deliberate abort.
func checkDirty(repoPath string, opts Options) error {
	dirty, err := workspace.IsDirty(repoPath)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	warning := "the repository has uncommitted changes; workers fork from the last commit and will not see them"

	switch opts.Dirty {
	case DirtyProceed:
		log.WarningLog.Print(warning)
		return nil
	case DirtyAbort:
		return fmt.Errorf("%w: %s", ErrAborted, warning)
	default: // DirtyPrompt
		fmt.Fprintf(os.Stderr, "Warning: %s.\nProceed anyway? [y/N] ", warning)
		if !confirm() {
			return fmt.Errorf("%w: declined dirty-repository override", ErrAborted)
		}
		return nil
	}
}

// confirm reads one console line and returns true for an explicit yes.
func confirm() bool {
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// persistJobs writes one durable job record per spawned worker. The records
// are never updated afterwards; a later process inspects them externally.
func persistJobs(runID string, workers []*worker.Worker, workspaces []workspace.Workspace) error {
	for i, w := range workers {
		record := registry.JobRecord{
			JobID:     fmt.Sprintf("worker-%d", w.Task.ID),
			RunID:     runID,
			Task:      w.Task.Description,
			Pid:       w.Pid(),
			StartedAt: w.StartTime(),
			Status:    string(worker.StatusRunning),
		}
		if i < len(workspaces) {
			record.Workspace = workspaces[i].Path
		}
		if err := registry.Save(record); err != nil {
			return fmt.Errorf("failed to persist job record for worker %d: %w", w.Task.ID, err)
		}
	}
	return nil
}

// finishWriteMode commits each worker's workspace and handles the merge mode:
// manual lists instructions, auto drives the merge step, ask confirms first
// (degrading to manual without a console).
func finishWriteMode(ctx context.Context, opts Options, isolator *workspace.Isolator, workspaces []workspace.Workspace, r *report.Report) error {
	var committed []workspace.Workspace
	for i, ws := range workspaces {
		msg := fmt.Sprintf("fanout worker %d: %s", ws.Ordinal, opts.Tasks[i].Description)
		didCommit, err := ws.Commit(msg)
		if err != nil {
			log.ErrorLog.Printf("failed to commit workspace %d: %v", ws.Ordinal, err)
			continue
		}
		if didCommit {
			committed = append(committed, ws)
		}
	}

	if len(committed) == 0 {
		r.MergeOutcome = "no worker produced changes; nothing to merge"
		return nil
	}

	mode := opts.Merge
	if mode == MergeAsk {
		if opts.Interactive {
			fmt.Fprintf(os.Stderr, "Merge %d worker branches into the base line? [y/N] ", len(committed))
			if confirm() {
				mode = MergeAuto
			} else {
				mode = MergeManual
			}
		} else {
			mode = MergeManual
		}
	}

	switch mode {
	case MergeManual:
		for _, ws := range committed {
			r.MergeInstructions = append(r.MergeInstructions, fmt.Sprintf("git merge %s", ws.Branch))
		}
	case MergeAuto:
		r.MergeOutcome = mergeAll(ctx, opts, isolator, committed)
	}

	return nil
}

// mergeAll merges every committed worker branch into the base line, then
// hands the unified workspace to the agent once more to resolve conflicts
// with minimal edits and run the project's tests. Merge conflicts are
// surfaced, never treated as a hard failure of the run.
func mergeAll(ctx context.Context, opts Options, isolator *workspace.Isolator, committed []workspace.Workspace) string {
	var outcomes []string
	var conflicted []string

	for _, ws := range committed {
		if _, err := workspace.MergeBranch(isolator.RepoPath(), ws.Branch); err != nil {
			log.WarningLog.Printf("merge of %s hit conflicts: %v", ws.Branch, err)
			conflicted = append(conflicted, ws.Branch)
		} else {
			outcomes = append(outcomes, fmt.Sprintf("merged %s", ws.Branch))
		}
	}

	prompt := mergePrompt(committed, conflicted)
	mergeTask := task.Task{ID: 0, Description: "reconcile worker branches"}
	w, err := worker.SpawnWithPrompt(mergeTask, prompt, isolator.RepoPath(), opts.Program)
	if err != nil {
		outcomes = append(outcomes, fmt.Sprintf("merge agent failed to start: %v", err))
		return strings.Join(outcomes, "; ")
	}

	budget := time.Duration(opts.TimeoutMinutes) * time.Minute
	status := w.Await(ctx, budget)
	if ctx.Err() != nil {
		w.Abort()
	}
	outcomes = append(outcomes, fmt.Sprintf("merge agent %s: %s", status, report.Redact(strings.TrimSpace(w.Output()))))

	return strings.Join(outcomes, "; ")
}

// mergePrompt composes the reconciliation prompt for the merge step.
func mergePrompt(committed []workspace.Workspace, conflicted []string) string {
	var b strings.Builder
	b.WriteString("Worker branches were merged into this repository:\n")
	for _, ws := range committed {
		fmt.Fprintf(&b, "- %s\n", ws.Branch)
	}
	if len(conflicted) > 0 {
		fmt.Fprintf(&b, "\nThese merges stopped on conflicts: %s.\n", strings.Join(conflicted, ", "))
		b.WriteString("Resolve the conflicts with minimal edits and complete the merges.\n")
	}
	b.WriteString("\nRun the project's test step and report: a summary, the files you touched, and the test result.\n")
	return b.String()
}
