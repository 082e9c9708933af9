// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/opsync/cmd/opsync/config"
	"github.com/AleutianAI/opsync/pkg/logging"
	"github.com/AleutianAI/opsync/pkg/telemetry"
	"github.com/AleutianAI/opsync/pkg/ux"
	"github.com/AleutianAI/opsync/services/opsync"
	"github.com/AleutianAI/opsync/services/opsync/credentials"
)

// errSilent marks an error that has already been printed.
var errSilent = errors.New("already reported")

// globalFlags are the root command's persistent flags.
type globalFlags struct {
	configPath string
	output     string
	trace      string
	local      bool
	ephemeral  bool
}

// app is the per-invocation state shared by commands.
type app struct {
	flags   globalFlags
	stdout  io.Writer
	stderr  io.Writer
	getenv  func(string) string
	cfg     config.OpsyncConfig
	cfgPath string
	out     *ux.Printer
	logger  *logging.Logger
	client  *opsync.Client

	// keyProvider overrides the configured key backend, for tests.
	keyProvider credentials.KeyProvider

	stopTelemetry func(context.Context) error
}

// setup loads configuration and prepares output. It makes no network call.
func (a *app) setup(ctx context.Context) error {
	mode := ux.DetectMode(a.stdout, a.getenv)
	if a.flags.output != "" {
		mode = ux.ParseMode(a.flags.output)
	}
	a.out = ux.NewPrinter(a.stdout, mode)

	cfg, path, err := config.Loader{Path: a.flags.configPath, Getenv: a.getenv}.Load()
	if err != nil {
		return err
	}
	if a.flags.local {
		cfg.UseLocal = true
	}
	a.cfg, a.cfgPath = cfg, path

	a.logger = logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.Log.Level),
		LogDir:  cfg.Log.Dir,
		Service: "opsync",
		Output:  a.stderr,
	})

	if a.flags.trace != "" && a.flags.trace != telemetry.ExporterNone {
		tcfg := telemetry.DefaultConfig("opsync-cli")
		tcfg.TraceExporter = a.flags.trace
		tcfg.MetricExporter = telemetry.ExporterNone
		tcfg.Writer = a.stderr
		stop, err := telemetry.Init(ctx, tcfg)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		a.stopTelemetry = stop
	}
	return nil
}

// open builds the sync client. It does not call Start.
func (a *app) open(ctx context.Context) (*opsync.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	c, err := opsync.New(ctx, opsync.Config{
		ProductionURL:     a.cfg.ProductionURL,
		LocalURL:          a.cfg.LocalURL,
		UseLocal:          a.cfg.UseLocal,
		DataDir:           a.cfg.DataDir,
		InMemory:          a.flags.ephemeral,
		KeyProvider:       a.keyProviderFor(a.cfg.KeyBackend),
		Getenv:            a.getenv,
		AutoRetry:         a.cfg.Connection.AutoRetry,
		HealthTimeout:     a.cfg.Connection.HealthTimeout,
		RequestTimeout:    a.cfg.Connection.RequestTimeout,
		RetryDelay:        a.cfg.Connection.RetryDelay,
		MaxAutoRetries:    a.cfg.Connection.MaxAutoRetries,
		RequestsPerSecond: a.cfg.Connection.RequestsPerSecond,
		UserAgent:         "opsync-cli",
		Logger:            a.logger.Slog(),
	})
	if err != nil {
		return nil, err
	}
	// The environment key is read by the credential store itself and is
	// never persisted.
	if a.cfg.APIKey != "" && a.cfg.APIKey != a.getenv(config.EnvAPIKey) {
		c.Credentials.SetAPIKey(a.cfg.APIKey)
	}
	a.client = c
	return c, nil
}

func (a *app) keyProviderFor(backend string) credentials.KeyProvider {
	if a.keyProvider != nil {
		return a.keyProvider
	}
	switch backend {
	case credentials.KeyBackendEnv:
		return credentials.NewEnvKeyProvider()
	case credentials.KeyBackendKeychain:
		return credentials.NewKeychainProvider()
	case credentials.KeyBackendLibsecret:
		return credentials.NewLibsecretProvider()
	case credentials.KeyBackendNone:
		return credentials.NoKeyProvider{}
	default:
		return credentials.DefaultKeyProvider()
	}
}

func (a *app) close() {
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn("close client", "error", err)
		}
		a.client = nil
	}
	if a.stopTelemetry != nil {
		if err := a.stopTelemetry(context.Background()); err != nil {
			a.logger.Warn("telemetry shutdown", "error", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, getenv: os.Getenv}
}
