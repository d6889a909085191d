package workspace

import (
	"fmt"

	"fanout/log"
)

// Commit stages and commits everything in the workspace. A clean workspace is
// a no-op; the return value reports whether a commit was made.
func (ws Workspace) Commit(message string) (bool, error) {
	dirty, err := IsDirty(ws.Path)
	if err != nil {
		return false, fmt.Errorf("failed to check workspace %d for changes: %w", ws.Ordinal, err)
	}
	if !dirty {
		return false, nil
	}

	if _, err := runGitCommand(ws.Path, "add", "."); err != nil {
		log.ErrorLog.Print(err)
		return false, fmt.Errorf("failed to stage changes in workspace %d: %w", ws.Ordinal, err)
	}

	if _, err := runGitCommand(ws.Path, "commit", "-m", message, "--no-verify"); err != nil {
		log.ErrorLog.Print(err)
		return false, fmt.Errorf("failed to commit changes in workspace %d: %w", ws.Ordinal, err)
	}

	return true, nil
}

// MergeBranch merges one worker branch into the base line checked out at
// repoPath. Conflicts surface through the returned output, not as a hard run
// failure; the caller decides how to present them.
func MergeBranch(repoPath, branch string) (string, error) {
	output, err := runGitCommand(repoPath, "merge", "--no-ff", branch, "-m", fmt.Sprintf("Merge %s", branch))
	if err != nil {
		return output, fmt.Errorf("merge of %s did not complete cleanly: %w", branch, err)
	}
	return output, nil
}
