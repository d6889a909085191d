package workspace

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"fanout/lock"

	"github.com/go-git/go-git/v5"
)

// runGitCommand executes a git command rooted at path and returns its combined
// output.
func runGitCommand(path string, args ...string) (string, error) {
	baseArgs := []string{"-C", path}
	cmd := exec.Command("git", append(baseArgs, args...)...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git command failed: %s (%w)", output, err)
	}

	return string(output), nil
}

// IsGitRepo checks if the given path is within a git repository
func IsGitRepo(path string) bool {
	_, err := FindGitRepoRoot(path)
	return err == nil
}

// FindGitRepoRoot walks up from path until it finds a git repo root.
func FindGitRepoRoot(path string) (string, error) {
	currentPath := path
	for {
		_, err := git.PlainOpen(currentPath)
		if err == nil {
			// Found the repository root
			return currentPath, nil
		}

		parent := filepath.Dir(currentPath)
		if parent == currentPath {
			// Reached the filesystem root without finding a repository
			return "", fmt.Errorf("failed to find Git repository root from path: %s", path)
		}
		currentPath = parent
	}
}

// IsDirty reports whether the repository at path has uncommitted local
// modifications. Fanout's own artifacts (the lock token, the worktrees
// directory) never count: they are run machinery, not user changes, and the
// lock is already held when the check runs.
func IsDirty(path string) (bool, error) {
	output, err := runGitCommand(path, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("failed to check repository status: %w", err)
	}

	for _, line := range strings.Split(output, "\n") {
		// Porcelain lines are "XY <path>"; untracked directories keep a
		// trailing slash and unusual names come quoted.
		if len(line) < 4 {
			continue
		}
		name := strings.Trim(line[3:], `"`)
		if isFanoutArtifact(name) {
			continue
		}
		return true, nil
	}
	return false, nil
}

// isFanoutArtifact reports whether a status path belongs to fanout itself.
func isFanoutArtifact(name string) bool {
	return name == lock.FileName || name == ".fanout/" || strings.HasPrefix(name, ".fanout/")
}

// HeadCommit resolves the current HEAD commit hash for the repository at path.
func HeadCommit(path string) (string, error) {
	output, err := runGitCommand(path, "rev-parse", "HEAD")
	if err != nil {
		if strings.Contains(err.Error(), "ambiguous argument 'HEAD'") ||
			strings.Contains(err.Error(), "not a valid object name") {
			return "", fmt.Errorf("this appears to be a brand new repository: create an initial commit before running fanout")
		}
		return "", fmt.Errorf("failed to get HEAD commit hash: %w", err)
	}
	return strings.TrimSpace(output), nil
}

// IsInsideWorktreeDir reports whether path sits inside a fanout-generated
// worktree. Running the orchestrator from inside one of its own isolated
// copies nests worktrees and is refused.
func IsInsideWorktreeDir(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	sep := string(filepath.Separator)
	return strings.Contains(abs+sep, sep+".fanout"+sep+"worktrees"+sep)
}
