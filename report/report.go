// Package report aggregates per-worker outcomes into one structured report.
// Everything a worker wrote passes through Redact before it reaches disk or
// the terminal.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fanout/config"
	"fanout/worker"

	"github.com/charmbracelet/lipgloss"
)

// Entry is one worker's slice of the report, in original task order.
type Entry struct {
	TaskID   int
	Task     string
	Scope    string
	Status   worker.Status
	ExitCode int
	Duration time.Duration
	// Output is the worker's scrubbed output. Raw output never enters an Entry.
	Output string
	Branch string
}

// Counts are the run-level totals.
type Counts struct {
	Succeeded int
	Failed    int
	TimedOut  int
}

// Report is the derived, read-only aggregate over all workers of one run.
type Report struct {
	RunID     string
	StartedAt time.Time
	Entries   []Entry
	Counts    Counts
	// MergeInstructions lists per-branch manual merge commands (manual mode).
	MergeInstructions []string
	// MergeOutcome describes what the automatic merge step did (auto mode).
	MergeOutcome string
}

// Collect builds the report from awaited workers, scrubbing each output
// buffer exactly once on the way in. branches maps task ID to the worker's
// branch name and may be nil in read-only mode.
func Collect(runID string, startedAt time.Time, workers []*worker.Worker, branches map[int]string) *Report {
	r := &Report{RunID: runID, StartedAt: startedAt}

	for _, w := range workers {
		entry := Entry{
			TaskID:   w.Task.ID,
			Task:     w.Task.Description,
			Scope:    w.Task.Scope(),
			Status:   w.Status(),
			ExitCode: w.ExitCode(),
			Duration: w.Duration().Round(time.Second),
			Output:   Redact(w.Output()),
			Branch:   branches[w.Task.ID],
		}
		r.Entries = append(r.Entries, entry)

		switch entry.Status {
		case worker.StatusSuccess:
			r.Counts.Succeeded++
		case worker.StatusTimedOut:
			r.Counts.TimedOut++
		default:
			r.Counts.Failed++
		}
	}

	return r
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	timeoutStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle     = lipgloss.NewStyle().Faint(true)
)

func styleFor(s worker.Status) lipgloss.Style {
	switch s {
	case worker.StatusSuccess:
		return successStyle
	case worker.StatusTimedOut:
		return timeoutStyle
	default:
		return failStyle
	}
}

// Render produces the human-readable report. With styled=true the output is
// colored for the terminal; the persisted file always uses styled=false.
func (r *Report) Render(styled bool) string {
	var b strings.Builder

	title := fmt.Sprintf("fanout run %s — %d succeeded, %d failed, %d timed out",
		r.RunID, r.Counts.Succeeded, r.Counts.Failed, r.Counts.TimedOut)
	if styled {
		title = titleStyle.Render(title)
	}
	b.WriteString(title + "\n")
	fmt.Fprintf(&b, "started %s\n\n", r.StartedAt.Format(time.RFC3339))

	for _, e := range r.Entries {
		status := string(e.Status)
		if styled {
			status = styleFor(e.Status).Render(status)
		}
		fmt.Fprintf(&b, "[%d] %s (%s)\n", e.TaskID, e.Task, status)
		fmt.Fprintf(&b, "    scope: %s  duration: %s", e.Scope, e.Duration)
		if e.Status == worker.StatusFailed {
			fmt.Fprintf(&b, "  exit: %d", e.ExitCode)
		}
		if e.Branch != "" {
			fmt.Fprintf(&b, "  branch: %s", e.Branch)
		}
		b.WriteString("\n")

		output := strings.TrimSpace(e.Output)
		if output != "" {
			for _, line := range strings.Split(output, "\n") {
				if styled {
					line = dimStyle.Render(line)
				}
				fmt.Fprintf(&b, "    %s\n", line)
			}
		}
		b.WriteString("\n")
	}

	if len(r.MergeInstructions) > 0 {
		b.WriteString("To merge the worker branches manually:\n")
		for _, instr := range r.MergeInstructions {
			fmt.Fprintf(&b, "  %s\n", instr)
		}
	}
	if r.MergeOutcome != "" {
		fmt.Fprintf(&b, "Merge: %s\n", r.MergeOutcome)
	}

	return b.String()
}

// Persist writes the unstyled report to the reports directory and returns the
// file path.
func (r *Report) Persist() (string, error) {
	reportsDir, err := config.GetReportsDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(reportsDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create reports directory: %w", err)
	}

	path := filepath.Join(reportsDir, r.RunID+".txt")
	if err := os.WriteFile(path, []byte(r.Render(false)), 0644); err != nil {
		return "", fmt.Errorf("failed to write report %s: %w", path, err)
	}
	return path, nil
}
