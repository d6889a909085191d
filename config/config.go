package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"fanout/log"
)

const ConfigFileName = "config.json"

// GetConfigDir returns the path to the application's configuration directory
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, ".fanout"), nil
}

// GetJobsDir returns the directory where async job records are persisted.
func GetJobsDir() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "jobs"), nil
}

// GetReportsDir returns the directory where run reports are persisted.
func GetReportsDir() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "reports"), nil
}

// Config represents the application configuration
type Config struct {
	// DefaultProgram is the agent executable launched for each worker.
	DefaultProgram string `json:"default_program"`
	// TimeoutMinutes is the default per-worker time budget. Valid range is 1..30.
	TimeoutMinutes int `json:"timeout_minutes"`
	// ContainerPolicy controls how container-tool mentions in task text are
	// treated: "strict" blocks any mention, "standard" blocks only destructive
	// variants, "permissive" imposes no container restriction.
	ContainerPolicy string `json:"container_policy"`
	// DirtyPolicy controls what happens when the target repository has
	// uncommitted changes in write mode: "prompt", "proceed" or "abort".
	DirtyPolicy string `json:"dirty_policy"`
	// MergeMode is the default merge behavior in write mode: "auto", "manual"
	// or "ask".
	MergeMode string `json:"merge_mode"`
	// BranchPrefix is prepended to every generated worker branch name.
	BranchPrefix string `json:"branch_prefix"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		DefaultProgram:  "claude",
		TimeoutMinutes:  15,
		ContainerPolicy: "standard",
		DirtyPolicy:     "prompt",
		MergeMode:       "manual",
		BranchPrefix:    "fanout/",
	}
}

// LoadConfig loads the configuration from disk. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		log.ErrorLog.Printf("failed to parse config file: %v", err)
		return DefaultConfig()
	}

	return &config
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}
