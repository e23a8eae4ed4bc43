// Package config loads the persistence layer's configuration from
// JSON or YAML files, with the format auto-detected from the file
// extension.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/getmockd/imposters/pkg/kv"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound = errors.New("configuration file not found")
	ErrEmptyFile    = errors.New("configuration file is empty")
	ErrInvalidJSON  = errors.New("invalid JSON syntax")
	ErrInvalidYAML  = errors.New("invalid YAML syntax")
)

// LoggingConfig holds logger settings as strings so they can live in
// config files; parse them with logging.ParseLevel / ParseFormat.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"`
}

// Config is the root configuration.
type Config struct {
	Redis   kv.RedisConfig `json:"redis" yaml:"redis"`
	Logging LoggingConfig  `json:"logging,omitempty" yaml:"logging,omitempty"`
}

// Default returns a config pointing at a local Redis with info-level
// text logging.
func Default() Config {
	return Config{
		Redis:   kv.DefaultRedisConfig(),
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// LoadFromFile reads a Config from a JSON or YAML file. Fields not
// present keep their defaults.
func LoadFromFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return cfg, fmt.Errorf("failed to read file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return cfg, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".yaml" || ext == ".yml" {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
		}
		return cfg, nil
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return cfg, nil
}
