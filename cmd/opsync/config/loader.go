// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the opsync CLI configuration.
//
// Precedence, lowest to highest:
//
//  1. DefaultConfig()
//  2. the YAML file (created with defaults on first run)
//  3. a .env file in the working directory (godotenv, never overriding
//     variables already set)
//  4. OPSYNC_* environment variables
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvProductionURL = "OPSYNC_PRODUCTION_URL"
	EnvLocalURL      = "OPSYNC_LOCAL_URL"
	EnvUseLocal      = "OPSYNC_USE_LOCAL"
	EnvAPIKey        = "OPSYNC_API_KEY"
	EnvDataDir       = "OPSYNC_DATA_DIR"
	EnvLogLevel      = "OPSYNC_LOG_LEVEL"
)

// Loader reads configuration. The zero value reads the default path and
// the process environment.
type Loader struct {
	// Path is the YAML file. Default: DefaultPath()
	Path string

	// DotEnv lists .env files to load. Default: ".env"
	DotEnv []string

	// Getenv is consulted for overrides. Default: os.Getenv
	Getenv func(string) string
}

// Load returns the effective configuration and the file it came from.
func (l Loader) Load() (OpsyncConfig, string, error) {
	path := l.Path
	if path == "" {
		var err error
		if path, err = DefaultPath(); err != nil {
			return OpsyncConfig{}, "", fmt.Errorf("could not find the user's home directory: %w", err)
		}
	}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := createDefault(path); err != nil {
			return OpsyncConfig{}, path, err
		}
	}

	cfg, err := ReadFile(path)
	if err != nil {
		return OpsyncConfig{}, path, err
	}

	dotenv := l.DotEnv
	if dotenv == nil {
		dotenv = []string{".env"}
	}
	for _, f := range dotenv {
		// godotenv.Load does not override variables that are already set.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return OpsyncConfig{}, path, fmt.Errorf("load %s: %w", f, err)
		}
	}

	getenv := l.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return OpsyncConfig{}, path, err
	}
	return cfg, path, nil
}

// ReadFile parses one config file over DefaultConfig, so keys missing from
// the file keep their defaults.
func ReadFile(path string) (OpsyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return OpsyncConfig{}, fmt.Errorf("failed to read the config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return OpsyncConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path.
func Save(path string, cfg OpsyncConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func createDefault(path string) error {
	return Save(path, DefaultConfig())
}

func applyEnv(cfg *OpsyncConfig, getenv func(string) string) error {
	if v := getenv(EnvProductionURL); v != "" {
		cfg.ProductionURL = v
	}
	if v := getenv(EnvLocalURL); v != "" {
		cfg.LocalURL = v
	}
	if v := getenv(EnvUseLocal); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUseLocal, err)
		}
		cfg.UseLocal = b
	}
	if v := getenv(EnvAPIKey); v != "" {
		cfg.APIKey = v
	}
	if v := getenv(EnvDataDir); v != "" {
		cfg.DataDir = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = v
	}
	return nil
}
