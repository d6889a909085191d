// Package registry persists job records for async runs. Each spawned worker
// gets one durable JSON record with enough information for a later process to
// locate and inspect it. The orchestrator writes the record once at spawn
// time and never updates it; status changes are observed externally.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fanout/config"

	"golang.org/x/sys/unix"
)

// JobRecord is the serializable state of one fire-and-forget worker.
type JobRecord struct {
	JobID     string    `json:"job_id"`
	RunID     string    `json:"run_id"`
	Task      string    `json:"task"`
	Pid       int       `json:"pid"`
	Workspace string    `json:"workspace,omitempty"`
	StartedAt time.Time `json:"started_at"`
	Status    string    `json:"status"`
}

// Alive probes the recorded process with signal 0.
func (r JobRecord) Alive() bool {
	return unix.Kill(r.Pid, 0) == nil
}

// Save writes the record under the run's jobs directory.
func Save(record JobRecord) error {
	jobsDir, err := config.GetJobsDir()
	if err != nil {
		return err
	}

	runDir := filepath.Join(jobsDir, record.RunID)
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return fmt.Errorf("failed to create jobs directory: %w", err)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job record: %w", err)
	}

	path := filepath.Join(runDir, record.JobID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write job record %s: %w", path, err)
	}

	return nil
}

// List loads every persisted job record across all runs, newest run first.
func List() ([]JobRecord, error) {
	jobsDir, err := config.GetJobsDir()
	if err != nil {
		return nil, err
	}

	runDirs, err := os.ReadDir(jobsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read jobs directory: %w", err)
	}

	var records []JobRecord
	for i := len(runDirs) - 1; i >= 0; i-- {
		runDir := runDirs[i]
		if !runDir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(jobsDir, runDir.Name()))
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			data, err := os.ReadFile(filepath.Join(jobsDir, runDir.Name(), entry.Name()))
			if err != nil {
				continue
			}
			var record JobRecord
			if err := json.Unmarshal(data, &record); err != nil {
				continue
			}
			records = append(records, record)
		}
	}

	return records, nil
}
