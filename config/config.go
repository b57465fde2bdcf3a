// Package config loads the SDK configuration from YAML.
package config

import (
	"os"

	"github.com/m-mizutani/goerr/v2"
	"gopkg.in/yaml.v3"
)

// Config is the full SDK configuration.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Session  SessionConfig `yaml:"session_management"`
	Memory   MemoryConfig  `yaml:"memory_management"`
	Storage  StorageConfig `yaml:"storage"`
}

// SessionConfig controls the session store.
type SessionConfig struct {
	MaxTokenLimit      int  `yaml:"max_token_limit"`
	TTLDays            int  `yaml:"ttl_days"`
	EnablePIIRedaction bool `yaml:"enable_pii_redaction"`
}

// MemoryConfig controls the memory store and its maintenance.
type MemoryConfig struct {
	ImportanceThreshold        float64 `yaml:"importance_threshold"`
	MaxMemoriesPerQuery        int     `yaml:"max_memories_per_query"`
	ConsolidationIntervalHours int     `yaml:"consolidation_interval_hours"`
}

// StorageConfig selects the durable backend.
type StorageConfig struct {
	// Backend is "file" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the data directory for file, the database file for sqlite.
	Path string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Session: SessionConfig{
			MaxTokenLimit:      3000,
			TTLDays:            7,
			EnablePIIRedaction: true,
		},
		Memory: MemoryConfig{
			ImportanceThreshold:        0.3,
			MaxMemoriesPerQuery:        5,
			ConsolidationIntervalHours: 24,
		},
		Storage: StorageConfig{
			Backend: "file",
			Path:    "./data",
		},
	}
}

// Load reads a YAML file over the defaults. Fields absent from the file
// keep their default values.
func Load(path string) (*Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "read config", goerr.V("path", path))
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, goerr.Wrap(err, "parse config", goerr.V("path", path))
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Session.MaxTokenLimit <= 0 {
		return goerr.New("session_management.max_token_limit must be positive")
	}
	if c.Session.TTLDays <= 0 {
		return goerr.New("session_management.ttl_days must be positive")
	}
	if c.Memory.ImportanceThreshold < 0 || c.Memory.ImportanceThreshold > 1 {
		return goerr.New("memory_management.importance_threshold must be within [0,1]")
	}
	if c.Memory.MaxMemoriesPerQuery <= 0 {
		return goerr.New("memory_management.max_memories_per_query must be positive")
	}
	if c.Memory.ConsolidationIntervalHours <= 0 {
		return goerr.New("memory_management.consolidation_interval_hours must be positive")
	}
	switch c.Storage.Backend {
	case "file", "sqlite":
	default:
		return goerr.New("storage.backend must be file or sqlite",
			goerr.V("backend", c.Storage.Backend))
	}
	return nil
}
