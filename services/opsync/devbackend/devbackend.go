// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package devbackend is an in-memory implementation of the operations
// backend's HTTP contract. It is the "local" endpoint during development
// and the server side of the client's integration tests.
//
// # Endpoints
//
//	GET    /health              public
//	GET    /metrics             public, Prometheus
//	POST   /auth/login          X-API-Key
//	GET    /auth/me             X-API-Key + bearer
//	POST   /auth/logout         X-API-Key + bearer
//	GET    /api/:entity         X-API-Key + bearer
//	POST   /api/:entity         X-API-Key + bearer
//	PUT    /api/:entity/:id     X-API-Key + bearer
//	DELETE /api/:entity/:id     X-API-Key + bearer
//	POST   /_dev/faults         X-API-Key, when DevRoutes is set
//
// # Usage
//
//	svc, err := devbackend.New(devbackend.Config{Addr: ":8787"}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
//
// Authentication, authorization and auditing are pluggable through
// extensions.ServiceOptions. Without an AuthProvider the backend's own
// session tokens are used.
package devbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/opsync/pkg/extensions"
	"github.com/AleutianAI/opsync/pkg/telemetry"
	"github.com/AleutianAI/opsync/services/opsync/credentials"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/handlers"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/routes"
	"github.com/AleutianAI/opsync/services/opsync/devbackend/store"
)

// =============================================================================
// Interface Definition
// =============================================================================

// Service is a runnable development backend.
type Service interface {
	// Run serves on Config.Addr until ctx is cancelled, then shuts down
	// gracefully.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, for httptest servers.
	Router() *gin.Engine

	// Store exposes the data, for seeding and fault injection in tests.
	Store() *store.Store
}

// =============================================================================
// Configuration
// =============================================================================

// DefaultAccount is the account seeded when Config.Accounts is empty.
var DefaultAccount = store.Account{
	Email:    "dev@opsync.local",
	Password: "opsync-dev",
	Name:     "Developer",
	Role:     "admin",
}

// Config holds development backend options. All fields are optional.
type Config struct {
	// Addr is the listen address. Default: ":8787"
	Addr string

	// APIKeys are the accepted X-API-Key values.
	// Default: credentials.DefaultAPIKey
	APIKeys []string

	// Accounts are the users that can log in. Default: DefaultAccount
	Accounts []store.Account

	// ListShape is "array", "data" or "entity". Default: "data"
	ListShape string

	// DevRoutes registers the /_dev fault injection endpoints.
	DevRoutes bool

	// FastHash hashes seeded passwords at minimum bcrypt cost.
	FastHash bool

	// GinMode is "debug", "release" or "test". Default: gin's current mode
	GinMode string

	Logger *slog.Logger
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = ":8787"
	}
	if len(cfg.APIKeys) == 0 {
		cfg.APIKeys = []string{credentials.DefaultAPIKey}
	}
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = []store.Account{DefaultAccount}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}

// =============================================================================
// Implementation
// =============================================================================

type service struct {
	config Config
	opts   extensions.ServiceOptions
	router *gin.Engine
	store  *store.Store
	logger *slog.Logger
}

// New builds the backend.
//
// # Inputs
//
//   - cfg: Zero values use defaults.
//   - opts: Extension options. May be nil, in which case DefaultOptions()
//     is used. A nil AuthProvider is replaced by the backend's token store.
//
// # Outputs
//
//   - Service: Ready to Run or to mount in an httptest server.
//   - error: Non-nil for an invalid ListShape or account.
func New(cfg Config, opts *extensions.ServiceOptions) (Service, error) {
	cfg = applyConfigDefaults(cfg)
	shape, err := handlers.ParseListShape(cfg.ListShape)
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.Accounts, cfg.FastHash)
	if err != nil {
		return nil, fmt.Errorf("seed accounts: %w", err)
	}

	s := &service{config: cfg, store: st, logger: cfg.Logger}
	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}
	if s.opts.AuthProvider == nil {
		s.opts.AuthProvider = st
	}
	if s.opts.AuthzProvider == nil {
		s.opts.AuthzProvider = extensions.AllowAllAuthz{}
	}
	if s.opts.AuditLogger == nil {
		s.opts.AuditLogger = &extensions.NopAuditLogger{}
	}

	metrics, err := telemetry.NewServerMetrics(otel.Meter("opsync/devbackend"))
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	s.router.Use(otelgin.Middleware("opsync-devbackend"))
	s.router.Use(telemetry.GinMetrics(metrics))
	s.router.Use(requestLogger(s.logger))

	routes.SetupRoutes(s.router, routes.Deps{
		Store:     st,
		APIKeys:   cfg.APIKeys,
		Shape:     shape,
		Opts:      s.opts,
		Metrics:   metrics,
		DevRoutes: cfg.DevRoutes,
	})
	return s, nil
}

func (s *service) Router() *gin.Engine { return s.router }

func (s *service) Store() *store.Store { return s.store }

func (s *service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting development backend", "addr", s.config.Addr, "list_shape", s.config.ListShape)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.logger.Info("development backend stopped")
	return nil
}

// requestLogger logs one line per request at debug level, and failures
// at warn.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration", time.Since(start),
		}
		if id := telemetry.TraceID(c); id != "" {
			args = append(args, "trace_id", id)
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("request failed", args...)
			return
		}
		logger.Debug("request", args...)
	}
}
