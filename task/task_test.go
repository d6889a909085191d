package task

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Run("accepts between one and ten tasks", func(t *testing.T) {
		for _, n := range []int{1, 2, 10} {
			tasks := make([]Task, n)
			for i := range tasks {
				tasks[i] = Task{ID: i + 1, Description: "do something"}
			}
			assert.NoError(t, Validate(tasks), "n=%d", n)
		}
	})

	t.Run("rejects empty task list", func(t *testing.T) {
		err := Validate(nil)
		assert.ErrorIs(t, err, ErrNoTasks)
	})

	t.Run("rejects more than ten tasks", func(t *testing.T) {
		tasks := make([]Task, MaxTasks+1)
		for i := range tasks {
			tasks[i] = Task{ID: i + 1, Description: "do something"}
		}
		err := Validate(tasks)
		assert.ErrorIs(t, err, ErrTooManyTasks)
	})

	t.Run("rejects blank descriptions", func(t *testing.T) {
		err := Validate([]Task{{ID: 1, Description: "   "}})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "empty description")
	})
}

func TestPrompt(t *testing.T) {
	t.Run("includes description, scope and context", func(t *testing.T) {
		task := Task{
			ID:          2,
			Description: "Fix the login bug",
			Paths:       []string{"auth/**", "cmd/server/*.go"},
			Context:     []string{"docs/auth.md"},
		}

		prompt := task.Prompt()

		assert.Contains(t, prompt, "Task 2: Fix the login bug")
		assert.Contains(t, prompt, "auth/**, cmd/server/*.go")
		assert.Contains(t, prompt, "docs/auth.md")
	})

	t.Run("carries the negative instructions and output shape", func(t *testing.T) {
		prompt := Task{ID: 1, Description: "x"}.Prompt()

		assert.Contains(t, prompt, "Do not edit any file outside the allowed paths")
		assert.Contains(t, prompt, "Do not make unrelated refactors")
		assert.Contains(t, prompt, "stop and report")
		assert.Contains(t, prompt, "summary")
		assert.Contains(t, prompt, "files you changed")
	})

	t.Run("defaults scope to everything", func(t *testing.T) {
		assert.Equal(t, "**", Task{ID: 1, Description: "x"}.Scope())
	})
}

func TestFromDescriptions(t *testing.T) {
	tasks := FromDescriptions([]string{"a", "b", "c"})

	require.Len(t, tasks, 3)
	assert.Equal(t, 1, tasks[0].ID)
	assert.Equal(t, 3, tasks[2].ID)
	assert.Equal(t, "b", tasks[1].Description)
}

func TestParseFile(t *testing.T) {
	t.Run("parses tasks and run options", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.yaml")
		content := `
sandbox: workspace-write
merge_mode: manual
timeout_minutes: 5
tasks:
  - description: Fix typo in README
    paths: ["README.md"]
  - description: Add unit tests
    context: ["docs/testing.md"]
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		file, tasks, err := ParseFile(path)
		require.NoError(t, err)

		assert.Equal(t, "workspace-write", file.Sandbox)
		assert.Equal(t, "manual", file.MergeMode)
		assert.Equal(t, 5, file.TimeoutMinutes)

		require.Len(t, tasks, 2)
		assert.Equal(t, 1, tasks[0].ID)
		assert.Equal(t, []string{"README.md"}, tasks[0].Paths)
		assert.Equal(t, []string{"docs/testing.md"}, tasks[1].Context)
	})

	t.Run("rejects a file with too many tasks", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.yaml")
		content := "tasks:\n"
		for i := 0; i < MaxTasks+1; i++ {
			content += "  - description: task\n"
		}
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))

		_, _, err := ParseFile(path)
		assert.ErrorIs(t, err, ErrTooManyTasks)
	})

	t.Run("rejects invalid yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tasks.yaml")
		require.NoError(t, os.WriteFile(path, []byte("tasks: ["), 0644))

		_, _, err := ParseFile(path)
		assert.Error(t, err)
	})

	t.Run("fails on a missing file", func(t *testing.T) {
		_, _, err := ParseFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}
