// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"time"
)

// OpsyncConfig is the CLI configuration, stored at ~/.opsync/opsync.yaml.
type OpsyncConfig struct {
	// ProductionURL is the primary backend.
	ProductionURL string `yaml:"production_url"`

	// LocalURL is the development backend, used only when UseLocal is set.
	LocalURL string `yaml:"local_url"`
	UseLocal bool   `yaml:"use_local"`

	// APIKey overrides the built-in client key when non-empty. It is
	// applied at runtime when the file changes.
	APIKey string `yaml:"api_key,omitempty"`

	// DataDir holds the credential and profile store.
	DataDir string `yaml:"data_dir"`

	// KeyBackend selects where the store encryption key comes from:
	// auto, env, keychain, libsecret or none.
	KeyBackend string `yaml:"key_backend"`

	Connection ConnectionConfig `yaml:"connection"`
	Log        LogConfig        `yaml:"log"`
}

type ConnectionConfig struct {
	AutoRetry         bool          `yaml:"auto_retry"`
	HealthTimeout     time.Duration `yaml:"health_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	MaxAutoRetries    int           `yaml:"max_auto_retries"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Dir enables per-day JSON log files.
	Dir string `yaml:"dir,omitempty"`
}

// DefaultConfig returns the configuration written on first run.
func DefaultConfig() OpsyncConfig {
	return OpsyncConfig{
		ProductionURL: "https://api.opsync.app",
		LocalURL:      "http://localhost:8787",
		UseLocal:      false,
		DataDir:       defaultDataDir(),
		KeyBackend:    "auto",
		Connection: ConnectionConfig{
			AutoRetry:      true,
			HealthTimeout:  5 * time.Second,
			RequestTimeout: 15 * time.Second,
			RetryDelay:     2 * time.Second,
			MaxAutoRetries: 3,
		},
		Log: LogConfig{Level: "warn"},
	}
}

// DefaultPath returns ~/.opsync/opsync.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".opsync", "opsync.yaml"), nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsync"
	}
	return filepath.Join(home, ".opsync", "data")
}
