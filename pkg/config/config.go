// Package config provides configuration loading and validation for the conductor server.
// It handles an optional YAML config file plus environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultPort       = 3000
	DefaultMainBranch = "main"
	DefaultDBPath     = "conductor.db"
	DefaultTempDir    = "temp"
)

// Config represents the conductor server configuration.
type Config struct {
	Port       int    `yaml:"port"`
	BaseURL    string `yaml:"base_url"`    // External URL the completion hook posts back to
	MainBranch string `yaml:"main_branch"` // Branch features merge into (default: main)
	DBPath     string `yaml:"db_path"`
	TempDir    string `yaml:"temp_dir"` // Where launch scripts are written
}

// Load reads configuration from the given YAML file (if it exists), applies
// environment variable overrides, and fills in defaults. An empty path skips
// the file step entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if port := os.Getenv("CONDUCTOR_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if url := os.Getenv("CONDUCTOR_BASE_URL"); url != "" {
		cfg.BaseURL = url
	}
	if branch := os.Getenv("CONDUCTOR_MAIN_BRANCH"); branch != "" {
		cfg.MainBranch = branch
	}
	if db := os.Getenv("CONDUCTOR_DB"); db != "" {
		cfg.DBPath = db
	}
	if dir := os.Getenv("CONDUCTOR_TEMP_DIR"); dir != "" {
		cfg.TempDir = dir
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MainBranch == "" {
		cfg.MainBranch = DefaultMainBranch
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath
	}
	if cfg.TempDir == "" {
		cfg.TempDir = DefaultTempDir
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.Port)
	}
	return nil
}
