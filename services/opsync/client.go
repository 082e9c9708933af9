// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package opsync is the client-side sync layer for the operations backend.

A Client wires together:

  - credentials: API key and session token, encrypted at rest when possible
  - connection: active endpoint selection, failover and reconnection
  - transport: the request pipeline every call goes through
  - mutation: optimistic create/update/delete per collection
  - session: startup restore, login and logout

# Example

	c, err := opsync.New(ctx, opsync.Config{ProductionURL: "https://api.example.com"})
	if err != nil {
	    return err
	}
	defer c.Close()

	c.Start(ctx)
	units, _ := c.Collections.Engine("units")
	_, err = units.Create(ctx, mutation.Fields{"name": "kg"})
*/
package opsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/opsync/services/opsync/connection"
	"github.com/AleutianAI/opsync/services/opsync/credentials"
	"github.com/AleutianAI/opsync/services/opsync/mutation"
	"github.com/AleutianAI/opsync/services/opsync/session"
	"github.com/AleutianAI/opsync/services/opsync/storage"
	"github.com/AleutianAI/opsync/services/opsync/transport"
)

// Config configures a Client.
type Config struct {
	// ProductionURL is the primary backend. Required.
	ProductionURL string

	// LocalURL is the development backend used as failover when UseLocal
	// is set.
	LocalURL string
	UseLocal bool

	// DataDir holds the durable store. Ignored when InMemory is set.
	DataDir  string
	InMemory bool

	// KeyProvider supplies the at-rest encryption key.
	// Default: credentials.DefaultKeyProvider()
	KeyProvider credentials.KeyProvider

	// Getenv is consulted for OPSYNC_API_KEY. Default: os.Getenv
	Getenv func(string) string

	// AutoRetry reconnects in the background after a network failure.
	AutoRetry bool

	HealthTimeout  time.Duration
	RequestTimeout time.Duration
	RetryDelay     time.Duration
	MaxAutoRetries int

	// RequestsPerSecond throttles outbound calls. Zero disables it.
	RequestsPerSecond float64

	UserAgent string
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Client is an assembled sync layer.
type Client struct {
	Store       *storage.Store
	Credentials *credentials.Store
	Connection  *connection.Manager
	Transport   *transport.Pipeline
	Collections *mutation.Registry
	Session     *session.Controller

	logger *slog.Logger
}

// New opens the durable store and wires every component. No network call
// is made; call Start for that.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ProductionURL == "" {
		return nil, errors.New("opsync: production URL is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	provider := cfg.KeyProvider
	if provider == nil {
		provider = credentials.DefaultKeyProvider()
	}

	store, err := credentials.OpenBacking(ctx, credentials.BackingConfig{
		Dir:      cfg.DataDir,
		Provider: provider,
		InMemory: cfg.InMemory,
		Logger:   logger.With("component", "storage"),
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c := &Client{Store: store, logger: logger}
	if err := c.wire(cfg, logger); err != nil {
		_ = store.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) wire(cfg Config, logger *slog.Logger) error {
	var err error
	c.Credentials, err = credentials.New(credentials.Config{
		KV:     c.Store,
		Secure: c.Store.Encrypted(),
		Getenv: cfg.Getenv,
		Logger: logger.With("component", "credentials"),
	})
	if err != nil {
		return err
	}

	connCfg := connection.DefaultConfig(cfg.ProductionURL)
	if cfg.UseLocal && cfg.LocalURL != "" {
		connCfg.Secondary = &connection.Endpoint{URL: cfg.LocalURL, Role: connection.RoleLocal}
	}
	connCfg.AutoRetry = cfg.AutoRetry
	connCfg.Logger = logger
	if cfg.HealthTimeout > 0 {
		connCfg.HealthTimeout = cfg.HealthTimeout
	}
	if cfg.RetryDelay > 0 {
		connCfg.RetryDelay = cfg.RetryDelay
	}
	if cfg.MaxAutoRetries > 0 {
		connCfg.MaxAutoRetries = cfg.MaxAutoRetries
	}
	c.Connection, err = connection.NewManager(connCfg)
	if err != nil {
		return err
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1)
	}
	c.Transport, err = transport.New(transport.Config{
		Endpoints:   c.Connection,
		Credentials: c.Credentials,
		Timeout:     cfg.RequestTimeout,
		Limiter:     limiter,
		UserAgent:   cfg.UserAgent,
		Tracer:      cfg.Tracer,
		Logger:      logger.With("component", "transport"),
	})
	if err != nil {
		c.Connection.Close()
		return err
	}

	c.Collections, err = mutation.NewRegistry(mutation.RegistryConfig{
		Client: c.Transport,
		Logger: logger.With("component", "mutation"),
	})
	if err != nil {
		c.Connection.Close()
		return err
	}

	c.Session, err = session.New(session.Config{
		Client:      c.Transport,
		Credentials: c.Credentials,
		Cache:       c.Store,
		Logger:      logger.With("component", "session"),
	})
	if err != nil {
		c.Connection.Close()
		return err
	}
	c.Transport.OnAuthExpired(c.Session.HandleAuthExpired)
	return nil
}

// Start checks connectivity (with failover) and restores the session.
// Neither step blocks on the other's outcome; an unreachable backend still
// yields a session from the cache.
func (c *Client) Start(ctx context.Context) session.Session {
	if !c.Connection.TestConnection(ctx, "") {
		st := c.Connection.Status()
		c.logger.Warn("backend unreachable at startup", "endpoint", st.Endpoint.URL, "error", st.LastError)
	}
	return c.Session.Start(ctx)
}

// Close stops background work and closes the store.
func (c *Client) Close() error {
	c.Session.Close()
	c.Connection.Close()
	return c.Store.Close()
}
