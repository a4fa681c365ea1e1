// Package config loads the orchestrator's own settings file
// (clawdesk.yaml). Everything has a default: a missing file is a valid
// zero configuration.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clawdesk/clawdesk/internal/paths"
)

// Config is the orchestrator configuration.
type Config struct {
	// Listen is the management API address.
	Listen string `yaml:"listen"`
	// DataDir overrides where ledger, logs, and backups live.
	DataDir string `yaml:"data-dir"`
	// AppHome overrides the managed app's home directory.
	AppHome string `yaml:"app-home"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log-level"`
	// AuthToken, when set, is required as a bearer token on the
	// management API. Empty leaves the API open on loopback.
	AuthToken string `yaml:"auth-token"`

	Install InstallDefaults `yaml:"install"`
}

// InstallDefaults seed the install operation when the caller does not
// specify them.
type InstallDefaults struct {
	Method string `yaml:"method"`
	Source string `yaml:"source"`
	Dir    string `yaml:"dir"`
}

func defaults() *Config {
	return &Config{
		Listen:   "127.0.0.1:8787",
		LogLevel: "info",
		Install:  InstallDefaults{Method: "npm", Source: "openclaw"},
	}
}

// Load reads the config from path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Listen == "" {
		cfg.Listen = defaults().Listen
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults().LogLevel
	}
	return cfg, nil
}

// Layout resolves the directory layout, applying any overrides from the
// config file on top of the environment and platform defaults.
func (c *Config) Layout() (paths.Layout, error) {
	layout := paths.Default()
	if c.DataDir != "" {
		dir, err := paths.Normalize(c.DataDir)
		if err != nil {
			return layout, err
		}
		layout.DataRoot = dir
	}
	if c.AppHome != "" {
		dir, err := paths.Normalize(c.AppHome)
		if err != nil {
			return layout, err
		}
		layout.AppHome = dir
	}
	return layout, nil
}
