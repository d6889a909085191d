package run

import (
	"errors"
	"fmt"

	"fanout/safeguard"
	"fanout/task"
)

// SandboxMode controls whether workers get isolated writable workspaces.
type SandboxMode string

const (
	// SandboxReadOnly runs every worker in the project root with no
	// workspaces and no merge step.
	SandboxReadOnly SandboxMode = "read-only"
	// SandboxWrite gives every worker its own worktree and branch.
	SandboxWrite SandboxMode = "workspace-write"
)

// MergeMode controls what happens to worker branches after a write-mode run.
type MergeMode string

const (
	MergeAuto   MergeMode = "auto"
	MergeManual MergeMode = "manual"
	MergeAsk    MergeMode = "ask"
)

// DirtyPolicy controls the dirty-repository precondition in write mode. The
// source of truth for a worker is the last commit, not the working state, so
// uncommitted changes are invisible to workers and need an explicit decision.
type DirtyPolicy string

const (
	// DirtyPrompt asks on the console. Only valid for interactive runs.
	DirtyPrompt DirtyPolicy = "prompt"
	// DirtyProceed overrides with a logged warning.
	DirtyProceed DirtyPolicy = "proceed"
	// DirtyAbort aborts the run with a neutral exit.
	DirtyAbort DirtyPolicy = "abort"
)

// MinTimeoutMinutes and MaxTimeoutMinutes bound the per-worker budget.
const (
	MinTimeoutMinutes = 1
	MaxTimeoutMinutes = 30
)

// ErrAborted marks a deliberate user abort: the run stops, but it is not a
// fault and exits zero.
var ErrAborted = errors.New("run aborted by user")

// Options is the explicit run context handed to every component. There is no
// process-wide mutable state; one run owns one Options value.
type Options struct {
	Tasks      []task.Task
	ProjectDir string
	// Program is the opaque agent executable, resolved on PATH before any
	// side effect.
	Program        string
	Sandbox        SandboxMode
	TimeoutMinutes int
	Merge          MergeMode
	Async          bool
	Container      safeguard.ContainerPolicy
	Dirty          DirtyPolicy
	// Interactive marks that stdin is a console, allowing prompt policies.
	Interactive bool
	// BranchPrefix is prepended to generated worker branch names.
	BranchPrefix string
}

// Validate checks the invocation arguments. Violations are configuration
// errors and must be reported before any process spawns.
func (o *Options) Validate() error {
	if err := task.Validate(o.Tasks); err != nil {
		return err
	}

	if o.TimeoutMinutes < MinTimeoutMinutes || o.TimeoutMinutes > MaxTimeoutMinutes {
		return fmt.Errorf("timeout must be between %d and %d minutes, got %d",
			MinTimeoutMinutes, MaxTimeoutMinutes, o.TimeoutMinutes)
	}

	switch o.Sandbox {
	case SandboxReadOnly, SandboxWrite:
	default:
		return fmt.Errorf("invalid sandbox mode %q (want %s or %s)", o.Sandbox, SandboxReadOnly, SandboxWrite)
	}

	switch o.Merge {
	case MergeAuto, MergeManual, MergeAsk:
	default:
		return fmt.Errorf("invalid merge mode %q (want auto, manual or ask)", o.Merge)
	}

	switch o.Dirty {
	case DirtyPrompt, DirtyProceed, DirtyAbort:
	default:
		return fmt.Errorf("invalid dirty policy %q (want prompt, proceed or abort)", o.Dirty)
	}

	if o.Dirty == DirtyPrompt && !o.Interactive {
		return fmt.Errorf("dirty policy %q needs a console; use proceed or abort for non-interactive runs", DirtyPrompt)
	}

	if o.Program == "" {
		return fmt.Errorf("no worker program configured")
	}

	return nil
}
