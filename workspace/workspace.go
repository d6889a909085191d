// Package workspace gives each worker an isolated, independently-committable
// copy of the project: a git worktree on its own branch forked from HEAD.
// Worker writes are invisible to siblings until the merge step runs.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fanout/lock"
	"fanout/log"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// Workspace is one worker's isolated copy of the base snapshot.
type Workspace struct {
	// Path is the worktree directory.
	Path string
	// Branch is the uniquely named branch the worktree is checked out on.
	Branch string
	// Ordinal is the 1-based worker number the workspace belongs to.
	Ordinal int
}

// Isolator creates and reclaims the per-worker worktrees for one run.
type Isolator struct {
	repoPath     string
	branchPrefix string
	runID        string
}

// NewIsolator returns an isolator rooted at the repository containing
// projectDir. branchPrefix comes from config, runID makes branch names unique
// across runs.
func NewIsolator(projectDir, branchPrefix, runID string) (*Isolator, error) {
	repoPath, err := FindGitRepoRoot(projectDir)
	if err != nil {
		return nil, err
	}
	return &Isolator{
		repoPath:     repoPath,
		branchPrefix: branchPrefix,
		runID:        runID,
	}, nil
}

// RepoPath returns the repository root the isolator operates on.
func (iso *Isolator) RepoPath() string {
	return iso.repoPath
}

// worktreesDir is where this run's worktrees live, inside the repo so relative
// tooling keeps working but ignored by the naming scheme of normal checkouts.
func (iso *Isolator) worktreesDir() string {
	return filepath.Join(iso.repoPath, ".fanout", "worktrees")
}

// workspaceFor computes the identity of worker n's workspace. Identities never
// overlap across workers in the same run.
func (iso *Isolator) workspaceFor(n int) Workspace {
	return Workspace{
		Path:    filepath.Join(iso.worktreesDir(), fmt.Sprintf("worker-%d", n)),
		Branch:  fmt.Sprintf("%s%s-worker-%d", iso.branchPrefix, iso.runID, n),
		Ordinal: n,
	}
}

// ReclaimStale force-removes every worktree directory under the run's naming
// scheme and deletes any branch that would collide with it. Removal at the git
// layer is attempted first; if that fails the directory is removed raw.
// Reclamation always precedes creation.
func (iso *Isolator) ReclaimStale() error {
	entries, err := os.ReadDir(iso.worktreesDir())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read worktrees directory: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(iso.worktreesDir(), entry.Name())
		if _, err := runGitCommand(iso.repoPath, "worktree", "remove", "-f", path); err != nil {
			log.WarningLog.Printf("git worktree remove failed for %s, removing raw: %v", path, err)
			if err := os.RemoveAll(path); err != nil {
				return fmt.Errorf("failed to remove stale worktree %s: %w", path, err)
			}
		}
	}

	if err := iso.removeRunBranches(); err != nil {
		return err
	}

	// Prune leftover administrative entries for the removed worktrees.
	if _, err := runGitCommand(iso.repoPath, "worktree", "prune"); err != nil {
		return fmt.Errorf("failed to prune worktrees: %w", err)
	}

	return nil
}

// removeRunBranches deletes every branch carrying the run's branch prefix.
func (iso *Isolator) removeRunBranches() error {
	repo, err := git.PlainOpen(iso.repoPath)
	if err != nil {
		return fmt.Errorf("failed to open repository: %w", err)
	}

	iter, err := repo.Branches()
	if err != nil {
		return fmt.Errorf("failed to list branches: %w", err)
	}

	var errs []error
	_ = iter.ForEach(func(ref *plumbing.Reference) error {
		name := ref.Name().Short()
		if len(iso.branchPrefix) > 0 && len(name) >= len(iso.branchPrefix) && name[:len(iso.branchPrefix)] == iso.branchPrefix {
			if err := repo.Storer.RemoveReference(ref.Name()); err != nil {
				errs = append(errs, fmt.Errorf("failed to remove branch %s: %w", name, err))
			}
		}
		return nil
	})

	return errors.Join(errs...)
}

// CreateAll creates exactly n workspaces, each on its own branch forked from
// the current HEAD. Creation is all-or-nothing: if any single workspace fails
// to materialize, the whole batch is torn down and an error is returned.
func (iso *Isolator) CreateAll(n int) ([]Workspace, error) {
	if err := os.MkdirAll(iso.worktreesDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	iso.ensureExcluded()

	head, err := HeadCommit(iso.repoPath)
	if err != nil {
		return nil, err
	}

	workspaces := make([]Workspace, 0, n)
	for i := 1; i <= n; i++ {
		ws := iso.workspaceFor(i)

		if _, err := runGitCommand(iso.repoPath, "worktree", "add", "-b", ws.Branch, ws.Path, head); err != nil {
			iso.teardown()
			return nil, fmt.Errorf("failed to create workspace %d: %w", i, err)
		}

		// Guard against the silent failure where the add reports success
		// but the target path never appeared.
		if _, err := os.Stat(ws.Path); err != nil {
			iso.teardown()
			return nil, fmt.Errorf("workspace %d reported created but %s is absent", i, ws.Path)
		}

		workspaces = append(workspaces, ws)
	}

	log.InfoLog.Printf("created %d workspaces under %s", n, iso.worktreesDir())
	return workspaces, nil
}

// ensureExcluded appends fanout's artifact paths to .git/info/exclude so
// worktrees preserved for manual merging and the lock token never show up as
// untracked changes. Best-effort: the dirty check filters them out regardless.
func (iso *Isolator) ensureExcluded() {
	excludePath := filepath.Join(iso.repoPath, ".git", "info", "exclude")

	data, err := os.ReadFile(excludePath)
	if err != nil && !os.IsNotExist(err) {
		log.WarningLog.Printf("failed to read %s: %v", excludePath, err)
		return
	}
	if strings.Contains(string(data), ".fanout") {
		return
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		log.WarningLog.Printf("failed to create %s: %v", filepath.Dir(excludePath), err)
		return
	}
	f, err := os.OpenFile(excludePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.WarningLog.Printf("failed to open %s: %v", excludePath, err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "\n.fanout/\n%s\n", lock.FileName)
}

// teardown reclaims partially created workspaces after a batch failure.
func (iso *Isolator) teardown() {
	if err := iso.ReclaimStale(); err != nil {
		log.ErrorLog.Printf("failed to reclaim partially created workspaces: %v", err)
	}
}
