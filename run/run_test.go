package run

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"fanout/lock"
	"fanout/log"
	"fanout/registry"
	"fanout/safeguard"
	"fanout/task"
	"fanout/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	log.Initialize()
	defer log.Close()

	os.Exit(m.Run())
}

// writeStub creates an executable agent stand-in that records its invocation
// before running the given script.
func writeStub(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	marker := filepath.Join(dir, "invocations")
	path := filepath.Join(dir, "agent")
	body := "#!/bin/sh\necho invoked >> " + marker + "\n" + script + "\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0755))
	return path
}

// invocations counts how many times the stub next to program ran.
func invocations(t *testing.T, program string) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(filepath.Dir(program), "invocations"))
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	n := 0
	for _, b := range data {
		if b == '\n' {
			n++
		}
	}
	return n
}

func baseOptions(t *testing.T, descs ...string) Options {
	t.Helper()
	return Options{
		Tasks:          task.FromDescriptions(descs),
		ProjectDir:     t.TempDir(),
		Program:        writeStub(t, "true"),
		Sandbox:        SandboxReadOnly,
		TimeoutMinutes: 1,
		Merge:          MergeManual,
		Container:      safeguard.ContainerStandard,
		Dirty:          DirtyAbort,
		BranchPrefix:   "fanout/",
	}
}

func setupTestRepo(t *testing.T) string {
	t.Helper()
	repoPath := t.TempDir()
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@example.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		require.NoError(t, cmd.Run())
	}
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("# Test"), 0644))
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "Initial commit"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repoPath
		require.NoError(t, cmd.Run())
	}
	return repoPath
}

func TestValidationFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("too many tasks spawns nothing", func(t *testing.T) {
		descs := make([]string, task.MaxTasks+1)
		for i := range descs {
			descs[i] = "task"
		}
		opts := baseOptions(t, descs...)

		_, err := Run(ctx, opts)

		assert.ErrorIs(t, err, task.ErrTooManyTasks)
		assert.Zero(t, invocations(t, opts.Program))
	})

	t.Run("timeout out of range is rejected", func(t *testing.T) {
		opts := baseOptions(t, "task")
		opts.TimeoutMinutes = 31

		_, err := Run(ctx, opts)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "timeout")
	})

	t.Run("prompt policy needs a console", func(t *testing.T) {
		opts := baseOptions(t, "task")
		opts.Dirty = DirtyPrompt
		opts.Interactive = false

		_, err := Run(ctx, opts)
		assert.Error(t, err)
	})
}

func TestSafeguardBlocksRun(t *testing.T) {
	ctx := context.Background()

	t.Run("protected resource reference spawns nothing", func(t *testing.T) {
		opts := baseOptions(t, "Fix typo", "Copy the .env file somewhere safe")

		_, err := Run(ctx, opts)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "protected-resource")
		assert.Zero(t, invocations(t, opts.Program))
	})

	t.Run("destructive command spawns nothing", func(t *testing.T) {
		opts := baseOptions(t, "rm -rf the build directory")

		_, err := Run(ctx, opts)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "destructive-command")
		assert.Zero(t, invocations(t, opts.Program))
	})
}

func TestLockContention(t *testing.T) {
	ctx := context.Background()

	t.Run("second run fails while the lock is held", func(t *testing.T) {
		opts := baseOptions(t, "task")

		held := lock.New(opts.ProjectDir)
		require.NoError(t, held.Acquire())
		defer held.Release()

		_, err := Run(ctx, opts)

		assert.ErrorIs(t, err, lock.ErrHeld)
		assert.Zero(t, invocations(t, opts.Program))
	})

	t.Run("lock is released after a run", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		opts := baseOptions(t, "task")

		_, err := Run(ctx, opts)
		require.NoError(t, err)

		assert.NoFileExists(t, filepath.Join(opts.ProjectDir, lock.FileName))
	})
}

func TestReadOnlyRun(t *testing.T) {
	ctx := context.Background()

	t.Run("single task in the project root", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		opts := baseOptions(t, "Fix typo in README")
		opts.Program = writeStub(t, "echo fixed the typo")

		r, err := Run(ctx, opts)
		require.NoError(t, err)
		require.NotNil(t, r)

		require.Len(t, r.Entries, 1)
		assert.Equal(t, worker.StatusSuccess, r.Entries[0].Status)
		assert.Contains(t, r.Entries[0].Output, "fixed the typo")
		assert.Empty(t, r.MergeInstructions)
		assert.Equal(t, 1, invocations(t, opts.Program))

		// Read-only mode creates no workspaces.
		assert.NoDirExists(t, filepath.Join(opts.ProjectDir, ".fanout"))
	})

	t.Run("one failing worker does not fail the run", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		opts := baseOptions(t, "a", "b")
		opts.Program = writeStub(t, `case "$1" in *"Task 1"*) exit 1;; esac`)

		r, err := Run(ctx, opts)
		require.NoError(t, err)

		require.Len(t, r.Entries, 2)
		assert.Equal(t, worker.StatusFailed, r.Entries[0].Status)
		assert.Equal(t, worker.StatusSuccess, r.Entries[1].Status)
		assert.Equal(t, 1, r.Counts.Succeeded)
		assert.Equal(t, 1, r.Counts.Failed)
	})

	t.Run("report entries keep task order", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		opts := baseOptions(t, "first", "second", "third")

		r, err := Run(ctx, opts)
		require.NoError(t, err)

		require.Len(t, r.Entries, 3)
		assert.Equal(t, "first", r.Entries[0].Task)
		assert.Equal(t, "second", r.Entries[1].Task)
		assert.Equal(t, "third", r.Entries[2].Task)
		assert.Equal(t, 3, invocations(t, opts.Program))
	})
}

func TestWriteModeRun(t *testing.T) {
	ctx := context.Background()

	t.Run("manual merge lists both branches and preserves workspaces", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		repoPath := setupTestRepo(t)

		opts := baseOptions(t, "A", "B")
		opts.ProjectDir = repoPath
		opts.Sandbox = SandboxWrite
		opts.Merge = MergeManual
		opts.Program = writeStub(t, "echo change > work.txt")

		r, err := Run(ctx, opts)
		require.NoError(t, err)

		require.Len(t, r.Entries, 2)
		require.Len(t, r.MergeInstructions, 2)
		assert.Contains(t, r.MergeInstructions[0], "fanout/")
		assert.NotEqual(t, r.MergeInstructions[0], r.MergeInstructions[1])

		// The base line saw no automatic merge.
		assert.NoFileExists(t, filepath.Join(repoPath, "work.txt"))

		// Manual mode keeps the worktrees around for human merging.
		assert.DirExists(t, filepath.Join(repoPath, ".fanout", "worktrees", "worker-1"))
		assert.DirExists(t, filepath.Join(repoPath, ".fanout", "worktrees", "worker-2"))
	})

	t.Run("auto merge lands worker changes on the base line", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		repoPath := setupTestRepo(t)

		opts := baseOptions(t, "add a file")
		opts.ProjectDir = repoPath
		opts.Sandbox = SandboxWrite
		opts.Merge = MergeAuto
		// The merge-step prompt starts with "Worker branches"; only task
		// prompts should produce a change.
		opts.Program = writeStub(t, `case "$1" in *"Worker branches"*) : ;; *) echo change > work.txt ;; esac`)

		r, err := Run(ctx, opts)
		require.NoError(t, err)

		assert.FileExists(t, filepath.Join(repoPath, "work.txt"))
		assert.NotEmpty(t, r.MergeOutcome)

		// Non-manual mode reclaims the workspaces on the way out.
		assert.NoDirExists(t, filepath.Join(repoPath, ".fanout", "worktrees", "worker-1"))
	})

	t.Run("later run is not blocked by workspaces preserved for manual merge", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		repoPath := setupTestRepo(t)

		opts := baseOptions(t, "first pass")
		opts.ProjectDir = repoPath
		opts.Sandbox = SandboxWrite
		opts.Merge = MergeManual
		opts.Program = writeStub(t, "echo change > work.txt")

		_, err := Run(ctx, opts)
		require.NoError(t, err)
		require.DirExists(t, filepath.Join(repoPath, ".fanout", "worktrees", "worker-1"))

		// The preserved worktrees and lock leftovers are run machinery, not
		// user changes; abort policy must not trip on them.
		opts2 := baseOptions(t, "second pass")
		opts2.ProjectDir = repoPath
		opts2.Sandbox = SandboxWrite
		opts2.Merge = MergeManual
		opts2.Dirty = DirtyAbort
		opts2.Program = writeStub(t, "true")

		_, err = Run(ctx, opts2)
		require.NoError(t, err)
	})

	t.Run("dirty repository with abort policy is a neutral abort", func(t *testing.T) {
		repoPath := setupTestRepo(t)
		require.NoError(t, os.WriteFile(filepath.Join(repoPath, "uncommitted.txt"), []byte("x"), 0644))

		opts := baseOptions(t, "task")
		opts.ProjectDir = repoPath
		opts.Sandbox = SandboxWrite
		opts.Dirty = DirtyAbort

		_, err := Run(ctx, opts)

		assert.ErrorIs(t, err, ErrAborted)
		assert.Zero(t, invocations(t, opts.Program))
	})

	t.Run("write mode outside a git repository is an environment error", func(t *testing.T) {
		opts := baseOptions(t, "task")
		opts.Sandbox = SandboxWrite

		_, err := Run(ctx, opts)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "git repository")
	})
}

func TestAsyncRun(t *testing.T) {
	ctx := context.Background()

	t.Run("persists job records and returns without waiting", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		opts := baseOptions(t, "long running task")
		opts.Async = true
		opts.Program = writeStub(t, "sleep 2")

		r, err := Run(ctx, opts)
		require.NoError(t, err)
		assert.Nil(t, r)

		records, err := registry.List()
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, "long running task", records[0].Task)
		assert.True(t, records[0].Alive())

		// The lock is not held hostage by the detached workers.
		assert.NoFileExists(t, filepath.Join(opts.ProjectDir, lock.FileName))
	})
}

func TestNoWatcherGoroutineLeak(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	opts := baseOptions(t, "task")
	before := runtime.NumGoroutine()

	for i := 0; i < 5; i++ {
		_, err := Run(context.Background(), opts)
		require.NoError(t, err)
	}

	// The interrupt watcher stands down when a run finishes; repeated runs
	// must not accumulate goroutines.
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= before+1
	}, 5*time.Second, 50*time.Millisecond)
}

func TestMissingProgram(t *testing.T) {
	opts := baseOptions(t, "task")
	opts.Program = "definitely-not-a-real-agent-binary"

	_, err := Run(context.Background(), opts)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found on PATH")
}
