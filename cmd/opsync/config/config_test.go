// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoad_CreatesDefaultOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "opsync.yaml")

	cfg, got, err := Loader{Path: path, DotEnv: []string{}, Getenv: env(nil)}.Load()
	require.NoError(t, err)
	assert.Equal(t, path, got)
	assert.Equal(t, DefaultConfig(), cfg)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
production_url: https://prod.example.com
connection:
  health_timeout: 2s
`), 0o600))

	cfg, _, err := Loader{Path: path, DotEnv: []string{}, Getenv: env(nil)}.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://prod.example.com", cfg.ProductionURL)
	assert.Equal(t, 2*time.Second, cfg.Connection.HealthTimeout)
	// Untouched keys keep their defaults.
	assert.Equal(t, 15*time.Second, cfg.Connection.RequestTimeout)
	assert.Equal(t, "http://localhost:8787", cfg.LocalURL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.yaml")

	cfg, _, err := Loader{Path: path, DotEnv: []string{}, Getenv: env(map[string]string{
		EnvProductionURL: "https://env.example.com",
		EnvLocalURL:      "http://127.0.0.1:9999",
		EnvUseLocal:      "true",
		EnvAPIKey:        "env-key",
		EnvDataDir:       "/tmp/opsync",
		EnvLogLevel:      "debug",
	})}.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.ProductionURL)
	assert.Equal(t, "http://127.0.0.1:9999", cfg.LocalURL)
	assert.True(t, cfg.UseLocal)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "/tmp/opsync", cfg.DataDir)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_BadUseLocal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.yaml")
	_, _, err := Loader{Path: path, DotEnv: []string{}, Getenv: env(map[string]string{EnvUseLocal: "maybe"})}.Load()
	assert.ErrorContains(t, err, EnvUseLocal)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "opsync.yaml")
	dotenv := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(dotenv, []byte("OPSYNC_TEST_DOTENV_URL=https://dotenv.example.com\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("OPSYNC_TEST_DOTENV_URL") })

	_, _, err := Loader{Path: path, DotEnv: []string{dotenv, filepath.Join(dir, "missing.env")}, Getenv: env(nil)}.Load()
	require.NoError(t, err)

	assert.Equal(t, "https://dotenv.example.com", os.Getenv("OPSYNC_TEST_DOTENV_URL"))
}

func TestReadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("production_url: [unclosed"), 0o600))

	_, err := ReadFile(path)
	assert.Error(t, err)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.yaml")
	cfg := DefaultConfig()
	cfg.APIKey = "saved-key"
	cfg.Connection.RetryDelay = 750 * time.Millisecond

	require.NoError(t, Save(path, cfg))
	got, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestWatch_AppliesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsync.yaml")
	require.NoError(t, Save(path, DefaultConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan OpsyncConfig, 4)
	require.NoError(t, Watch(ctx, path, 20*time.Millisecond, nil, func(c OpsyncConfig) { changes <- c }))

	// An invalid write is skipped.
	require.NoError(t, os.WriteFile(path, []byte("api_key: [oops"), 0o600))
	time.Sleep(60 * time.Millisecond)

	cfg := DefaultConfig()
	cfg.APIKey = "rotated"
	require.NoError(t, Save(path, cfg))

	select {
	case got := <-changes:
		assert.Equal(t, "rotated", got.APIKey)
	case <-time.After(3 * time.Second):
		t.Fatal("no change observed")
	}
}

func TestWatch_MissingDir(t *testing.T) {
	err := Watch(context.Background(), filepath.Join(t.TempDir(), "nope", "opsync.yaml"), 0, nil, func(OpsyncConfig) {})
	assert.Error(t, err)
}
