// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command devbackend runs the in-memory development backend that the
// opsync client uses as its "local" endpoint.
//
// # Environment Variables
//
//   - DEVBACKEND_ADDR: listen address (default: :8787)
//   - DEVBACKEND_API_KEYS: comma-separated accepted API keys
//     (default: the client's built-in key)
//   - DEVBACKEND_ACCOUNTS: YAML file with a list of {email, password, name, role}
//   - DEVBACKEND_LIST_SHAPE: array, data or entity (default: data)
//   - DEVBACKEND_READONLY_ROLES: comma-separated roles that may only read
//   - DEVBACKEND_DEV_ROUTES: "true" enables /_dev fault injection
//   - OPSYNC_LOG_LEVEL: debug, info, warn, error (default: info)
//   - OTEL_TRACES_EXPORTER / OTEL_METRICS_EXPORTER: see pkg/telemetry
//
// A .env file in the working directory is loaded first.
//
// # Usage
//
//	go build -o devbackend ./cmd/devbackend
//	DEVBACKEND_DEV_ROUTES=true ./devbackend
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/opsync/pkg/extensions"
	"github.com/AleutianAI/opsync/pkg/logging"
	"github.com/AleutianAI/opsync/pkg/telemetry"
	"github.com/AleutianAI/opsync/services/opsync/devbackend"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/store"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "devbackend:", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(os.Getenv("OPSYNC_LOG_LEVEL")),
		Service: "opsync-devbackend",
		JSON:    true,
		Output:  os.Stdout,
	})
	defer logger.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := telemetry.DefaultConfig("opsync-devbackend")
	if tcfg.MetricExporter == telemetry.ExporterNone {
		tcfg.MetricExporter = telemetry.ExporterPrometheus
	}
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	accounts, err := loadAccounts(os.Getenv("DEVBACKEND_ACCOUNTS"))
	if err != nil {
		return err
	}

	cfg := devbackend.Config{
		Addr:      os.Getenv("DEVBACKEND_ADDR"),
		APIKeys:   splitList(os.Getenv("DEVBACKEND_API_KEYS")),
		Accounts:  accounts,
		ListShape: os.Getenv("DEVBACKEND_LIST_SHAPE"),
		DevRoutes: os.Getenv("DEVBACKEND_DEV_ROUTES") == "true",
		GinMode:   "release",
		Logger:    logger.Slog(),
	}

	opts := extensions.DefaultOptions().WithAudit(extensions.NewMemoryAuditLogger(1024))
	if roles := splitList(os.Getenv("DEVBACKEND_READONLY_ROLES")); len(roles) > 0 {
		opts = opts.WithAuthz(extensions.NewRoleAuthz(roles...))
	}

	svc, err := devbackend.New(cfg, &opts)
	if err != nil {
		return err
	}
	return svc.Run(ctx)
}

// loadAccounts reads a YAML list of accounts. An empty path means the
// built-in development account.
func loadAccounts(path string) ([]store.Account, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read accounts: %w", err)
	}
	var accounts []store.Account
	if err := yaml.Unmarshal(data, &accounts); err != nil {
		return nil, fmt.Errorf("parse accounts %s: %w", path, err)
	}
	return accounts, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
