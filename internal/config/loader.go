// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coral-mesh/addrline/internal/constants"
)

// Loader handles loading and saving the config file.
type Loader struct {
	homeDir string
}

// NewLoader creates a new config loader.
// The base directory is resolved in this order:
//  1. ADDRLINE_CONFIG environment variable.
//  2. User home directory (~/).
//  3. /tmp/addrline-fallback (containers without a home dir).
//
// In the fallback case no config file exists, so Load returns defaults
// with env var overrides applied.
func NewLoader() *Loader {
	if baseDir := os.Getenv(constants.ConfigDirEnv); baseDir != "" {
		return &Loader{homeDir: baseDir}
	}

	homeDir, err := os.UserHomeDir()
	if err == nil {
		return &Loader{homeDir: homeDir}
	}

	return &Loader{homeDir: constants.FallbackConfigDir}
}

// ConfigPath returns the path to the config file.
func (l *Loader) ConfigPath() string {
	return filepath.Join(l.homeDir, constants.DefaultDir, constants.ConfigFile)
}

// Load loads the config file, returning defaults if it doesn't exist.
// Environment variables override file values.
func (l *Loader) Load() (*Config, error) {
	path := l.ConfigPath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return finish(DefaultConfig(), path)
	}
	return LoadFile(path)
}

// LoadFile loads an explicit config file. Fields missing from the file
// keep their defaults.
func LoadFile(path string) (*Config, error) {
	//nolint:gosec // G304: Path is supplied by the user.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return finish(config, path)
}

func finish(config *Config, path string) (*Config, error) {
	if err := LoadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return config, nil
}

// Save writes the config file.
func (l *Loader) Save(config *Config) error {
	path := l.ConfigPath()

	//nolint:gosec // G301: Directory needs standard permissions for traversal
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	//nolint:gosec // G306: Config file is not sensitive
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}
