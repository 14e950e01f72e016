// Package terminal provides the home-terminal timezone table.
//
// The FMCSA log day is defined in the driver's home-terminal timezone, not
// UTC: the same instant can fall on different log dates for carriers in
// different timezones. This package loads a per-carrier timezone table from
// YAML and resolves event timestamps to home-terminal log dates.
package terminal

import (
	"errors"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fleetlog-io/fleetlog/internal/config"
)

// Config holds the home-terminal timezone table loaded from .fleetlog.yaml.
type Config struct {
	// HomeTerminals maps carrier IDs to IANA timezone names.
	//nolint:tagliatelle // snake_case is intentional for YAML config files
	HomeTerminals map[string]string `yaml:"home_terminals"`
}

// DefaultConfigPath is the default location for the fleetlog configuration
// file. Uses hidden file format following common tool conventions.
const DefaultConfigPath = ".fleetlog.yaml"

// ConfigPathEnvVar is the environment variable name for a custom config path.
const ConfigPathEnvVar = "FLEETLOG_CONFIG_PATH"

// LoadConfig loads the timezone table from a YAML file at the given path.
//
// Behavior:
//   - Returns empty config (not error) if the file doesn't exist - the table
//     is optional, timestamps then resolve in their own submitted offset
//   - Returns empty config + logs warning if YAML is invalid (graceful
//     degradation)
//   - Returns populated config on success
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		HomeTerminals: make(map[string]string),
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Config file not found, continuing without home-terminal table",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("Failed to read config file, continuing without home-terminal table",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse config file, continuing without home-terminal table",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &Config{HomeTerminals: make(map[string]string)}, nil
	}

	if cfg.HomeTerminals == nil {
		cfg.HomeTerminals = make(map[string]string)
	}

	return cfg, nil
}

// LoadConfigFromEnv loads config from the path in FLEETLOG_CONFIG_PATH,
// falling back to ".fleetlog.yaml" in the current directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
