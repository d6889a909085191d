package task

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk YAML shape of a task file. Besides the task list it can
// carry run option overrides; flags still win over the file.
type File struct {
	Tasks []FileTask `yaml:"tasks"`

	Sandbox        string `yaml:"sandbox,omitempty"`
	MergeMode      string `yaml:"merge_mode,omitempty"`
	TimeoutMinutes int    `yaml:"timeout_minutes,omitempty"`
	Async          bool   `yaml:"async,omitempty"`
	Program        string `yaml:"program,omitempty"`
}

// FileTask is one task entry in a task file.
type FileTask struct {
	Description string   `yaml:"description"`
	Paths       []string `yaml:"paths,omitempty"`
	Context     []string `yaml:"context,omitempty"`
}

// ParseFile loads and validates a YAML task file.
func ParseFile(path string) (*File, []Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read task file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("failed to parse task file %s: %w", path, err)
	}

	tasks := make([]Task, len(f.Tasks))
	for i, ft := range f.Tasks {
		tasks[i] = Task{
			ID:          i + 1,
			Description: ft.Description,
			Paths:       ft.Paths,
			Context:     ft.Context,
		}
	}

	if err := Validate(tasks); err != nil {
		return nil, nil, err
	}

	return &f, tasks, nil
}
