package task

import (
	"errors"
	"fmt"
	"strings"
)

// MaxTasks is the hard upper bound on tasks per run.
const MaxTasks = 10

var (
	ErrNoTasks      = errors.New("no tasks given")
	ErrTooManyTasks = fmt.Errorf("at most %d tasks per run", MaxTasks)
)

// Task is one bounded unit of work. It is immutable after validation: the
// orchestrator never rewrites a task, it only binds a worker to it.
type Task struct {
	// ID is the ordinal position of the task in the run, starting at 1.
	ID int
	// Description is the task text handed to the agent.
	Description string
	// Paths is the glob scope the worker may edit. Empty means everything.
	Paths []string
	// Context is an ordered list of files the worker should read first.
	Context []string
}

// Scope returns the allowed-path scope as a display string.
func (t Task) Scope() string {
	if len(t.Paths) == 0 {
		return "**"
	}
	return strings.Join(t.Paths, ", ")
}

// Prompt composes the full task string handed to the worker process: the
// description, its scope, its context references, the negative instructions
// and the required output shape.
func (t Task) Prompt() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Task %d: %s\n\n", t.ID, t.Description)

	fmt.Fprintf(&b, "Allowed paths: %s\n", t.Scope())
	if len(t.Context) > 0 {
		fmt.Fprintf(&b, "Read these files for context before starting: %s\n", strings.Join(t.Context, ", "))
	}

	b.WriteString("\nRules:\n")
	b.WriteString("- Do not edit any file outside the allowed paths.\n")
	b.WriteString("- Do not make unrelated refactors or drive-by changes.\n")
	b.WriteString("- If the task is under-specified, stop and report what is missing instead of guessing.\n")

	b.WriteString("\nWhen done, report:\n")
	b.WriteString("1. A short summary of what you did.\n")
	b.WriteString("2. The list of files you changed.\n")
	b.WriteString("3. How you verified the change (tests run, commands executed).\n")

	return b.String()
}

// Validate checks the whole task list: 1..MaxTasks tasks, each with a
// non-empty description. Violations are configuration errors and must be
// reported before any side effect.
func Validate(tasks []Task) error {
	if len(tasks) == 0 {
		return ErrNoTasks
	}
	if len(tasks) > MaxTasks {
		return fmt.Errorf("%w: got %d", ErrTooManyTasks, len(tasks))
	}
	for _, t := range tasks {
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("task %d has an empty description", t.ID)
		}
	}
	return nil
}

// FromDescriptions builds a task list from plain description strings, used by
// the repeated --task flag. IDs are assigned from position.
func FromDescriptions(descs []string) []Task {
	tasks := make([]Task, len(descs))
	for i, d := range descs {
		tasks[i] = Task{ID: i + 1, Description: d}
	}
	return tasks
}
