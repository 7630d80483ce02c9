// Copyright 2026 the boar-with-shoes authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the daemon configuration from TOML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all daemon configuration values.
type Config struct {
	// ListenAddr is the host:port the framed protocol listens on.
	ListenAddr string `toml:"listen_addr"`

	// RepoPath is the repository root directory.
	RepoPath string `toml:"repo_path"`

	// ReadTimeout bounds how long the server waits for the payload
	// bytes of a request, in seconds.
	ReadTimeout int `toml:"read_timeout"`

	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `toml:"log_level"`
}

// DefaultConfig returns a Config with all defaults populated.
func DefaultConfig() Config {
	return Config{
		ListenAddr:  "127.0.0.1:10001",
		ReadTimeout: 30,
		LogLevel:    "info",
	}
}

// ReadTimeoutDuration returns the read timeout as a duration.
func (c Config) ReadTimeoutDuration() time.Duration {
	return time.Duration(c.ReadTimeout) * time.Second
}

// Load reads configuration from path, falling back to defaults when
// the file does not exist. Unrecognized TOML keys (likely typos) are
// returned as warnings.
func Load(path string) (Config, []string, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	var warnings []string
	for _, key := range meta.Undecoded() {
		warnings = append(warnings, fmt.Sprintf("unrecognized config key %q", key.String()))
	}
	return cfg, warnings, nil
}
