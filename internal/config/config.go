// Copyright (c) 2026 health-sync authors
// health-sync - personal health data sync
// This source code is licensed under the MIT license found in the LICENSE file.

// Package config loads health-sync settings from a YAML file, environment
// variables and command flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	appName  = "health-sync"
	fileName = "health-sync.yaml"
	// EnvPrefix prefixes environment overrides, e.g. HEALTH_SYNC_REMOTE_TTL.
	EnvPrefix = "HEALTH_SYNC"
)

// Database selects the session store backend.
type Database struct {
	Type string `mapstructure:"type" yaml:"type"`
	Dsn  string `mapstructure:"dsn" yaml:"dsn"`
}

// Remote holds the settings of the remote bootstrap commands.
type Remote struct {
	TTL             time.Duration `mapstructure:"ttl" yaml:"ttl"`
	ClaimLease      time.Duration `mapstructure:"claim_lease" yaml:"claim_lease"`
	ConfigPath      string        `mapstructure:"config_path" yaml:"config_path"`
	CredentialsPath string        `mapstructure:"credentials_path" yaml:"credentials_path"`
	ArchiveDir      string        `mapstructure:"archive_dir" yaml:"archive_dir"`
}

// Config is the complete application configuration.
type Config struct {
	Database Database `mapstructure:"database" yaml:"database"`
	// StateDir holds the token key, session key files and, for SQLite, the
	// session database.
	StateDir string `mapstructure:"state_dir" yaml:"state_dir"`
	Language string `mapstructure:"language" yaml:"language"`
	Remote   Remote `mapstructure:"remote" yaml:"remote"`
}

// Defaults returns the values used for keys missing from every source.
func Defaults() map[string]any {
	return map[string]any{
		"database.type":           "sqlite",
		"database.dsn":            "",
		"state_dir":               DefaultStateDir(),
		"language":                "en",
		"remote.ttl":              "24h",
		"remote.claim_lease":      "10m",
		"remote.config_path":      "health-sync.toml",
		"remote.credentials_path": "health.sqlite",
		"remote.archive_dir":      "",
	}
}

// DefaultStateDir is the per-user directory for remote bootstrap state.
func DefaultStateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".", "."+appName, "remote")
	}
	return filepath.Join(dir, appName, "remote")
}

// GetConfigPath returns the user or system configuration file path.
func GetConfigPath(system bool) (string, error) {
	var dir string
	if system {
		switch runtime.GOOS {
		case "windows":
			dir = filepath.Join(os.Getenv("ProgramData"), appName)
		default:
			dir = filepath.Join("/etc", appName)
		}
	} else {
		userDir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("could not get user config directory: %w", err)
		}
		dir = filepath.Join(userDir, appName)
	}
	return filepath.Join(dir, fileName), nil
}

// LoadConfig merges defaults, the first configuration file found, HEALTH_SYNC_*
// environment variables and the flags of cmd, in increasing precedence. A
// missing file is reported as viper.ConfigFileNotFoundError together with a
// fully populated config.
func LoadConfig[T any](cmd *cobra.Command, defaults map[string]any, path *string) (T, error) {
	var c T
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName(strings.TrimSuffix(fileName, filepath.Ext(fileName)))
	v.SetConfigType("yaml")
	if path != nil && *path != "" {
		v.SetConfigFile(*path)
	}
	if userPath, err := GetConfigPath(false); err == nil {
		v.AddConfigPath(filepath.Dir(userPath))
	}
	if systemPath, err := GetConfigPath(true); err == nil {
		v.AddConfigPath(filepath.Dir(systemPath))
	}
	v.AddConfigPath(".")

	var readErr error
	if err := v.ReadInConfig(); err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return c, err
		}
		readErr = err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		if err := v.BindPFlags(cmd.Flags()); err != nil {
			return c, err
		}
	}
	if err := v.Unmarshal(&c); err != nil {
		return c, err
	}
	return c, readErr
}

// WriteConfigFile stores c as YAML at the user or system configuration path.
func WriteConfigFile[T any](c *T, system bool) error {
	path, err := GetConfigPath(system)
	if err != nil {
		return err
	}
	return WriteConfigFileTo(c, path)
}

// WriteConfigFileTo stores c as YAML at path with owner-only permissions.
func WriteConfigFileTo[T any](c *T, path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", dir, err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations the commands cannot work with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Type {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.type: unsupported value %q", c.Database.Type))
	}
	if c.Database.Type != "sqlite" && c.Database.Dsn == "" {
		errs = append(errs, fmt.Errorf("database.dsn: required for %s", c.Database.Type))
	}
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir: must not be empty"))
	}
	if c.Remote.TTL < 0 {
		errs = append(errs, fmt.Errorf("remote.ttl: negative duration %s", c.Remote.TTL))
	}
	if c.Remote.ClaimLease < 0 {
		errs = append(errs, fmt.Errorf("remote.claim_lease: negative duration %s", c.Remote.ClaimLease))
	}
	return errors.Join(errs...)
}
