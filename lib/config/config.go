// Copyright 2026 The Hermit Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads hermit's configuration.
//
// Configuration comes from a single YAML file named by:
//   - the HERMIT_CONFIG environment variable, or
//   - a --config flag passed to the command.
//
// There are no fallbacks or automatic discovery; a missing file means
// defaults. Every path defaults to a location under the state
// directory (~/.hermit) so a config file is only needed to deviate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable that points at the config file.
const EnvVar = "HERMIT_CONFIG"

// Duration decodes YAML strings like "90s" or "5m" through
// time.ParseDuration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var text string
	if err := value.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full hermit configuration.
type Config struct {
	// Paths configures file and directory locations.
	Paths Paths `yaml:"paths"`

	// Agent configures the sandboxed agent binary.
	Agent Agent `yaml:"agent"`

	// Scheduler configures the background task loop.
	Scheduler Scheduler `yaml:"scheduler"`

	// BusyWait bounds how long an interactive request waits for a
	// workspace that already has an agent running. Zero means fail
	// fast with a busy error.
	BusyWait Duration `yaml:"busy_wait"`
}

// Paths configures where hermit keeps its state.
type Paths struct {
	// Root is the state directory. Default ~/.hermit.
	Root string `yaml:"root"`
	// Socket is the daemon control socket. Default <root>/hermit.sock.
	Socket string `yaml:"socket"`
	// Pidfile is the daemon pidfile. Default <root>/hermit.pid.
	Pidfile string `yaml:"pidfile"`
	// Database is the sqlite database. Default <root>/hermit.db.
	Database string `yaml:"database"`
	// Groups is the directory holding workspace roots. Default
	// <root>/groups.
	Groups string `yaml:"groups"`
	// Tools is hermit's own tool-credential directory. Default
	// <root>/tools.
	Tools string `yaml:"tools"`
}

// Agent configures the agent binary and its run limits.
type Agent struct {
	// Command is the agent binary plus fixed leading arguments.
	// Default ["claude"].
	Command []string `yaml:"command"`
	// Timeout bounds one agent run. Default 5m.
	Timeout Duration `yaml:"timeout"`
	// Tools are provisioned in every sandbox. Default ["gh"].
	Tools []string `yaml:"tools"`
}

// Scheduler configures the task loop.
type Scheduler struct {
	// Tick is the poll interval. Default 1m.
	Tick Duration `yaml:"tick"`
}

// Load reads the config file at path. An empty path falls back to
// HERMIT_CONFIG; if that is also unset, defaults are returned. A named
// file that does not exist is an error: explicit configuration must
// never be silently ignored.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}

	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.Paths.Root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("config: resolving home directory: %w", err)
		}
		c.Paths.Root = filepath.Join(home, ".hermit")
	}
	if c.Paths.Socket == "" {
		c.Paths.Socket = filepath.Join(c.Paths.Root, "hermit.sock")
	}
	if c.Paths.Pidfile == "" {
		c.Paths.Pidfile = filepath.Join(c.Paths.Root, "hermit.pid")
	}
	if c.Paths.Database == "" {
		c.Paths.Database = filepath.Join(c.Paths.Root, "hermit.db")
	}
	if c.Paths.Groups == "" {
		c.Paths.Groups = filepath.Join(c.Paths.Root, "groups")
	}
	if c.Paths.Tools == "" {
		c.Paths.Tools = filepath.Join(c.Paths.Root, "tools")
	}
	if len(c.Agent.Command) == 0 {
		c.Agent.Command = []string{"claude"}
	}
	if c.Agent.Timeout <= 0 {
		c.Agent.Timeout = Duration(5 * time.Minute)
	}
	if c.Agent.Tools == nil {
		c.Agent.Tools = []string{"gh"}
	}
	if c.Scheduler.Tick <= 0 {
		c.Scheduler.Tick = Duration(time.Minute)
	}
	return nil
}
