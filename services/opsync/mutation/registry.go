// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/opsync/pkg/validation"
)

// DefaultCollections are the business collections exposed by the backend.
var DefaultCollections = []string{
	"customers",
	"suppliers",
	"positions",
	"teams",
	"units",
	"warehouses",
	"product_category",
	"products",
	"staff",
}

// DefaultRules are the client-side checks applied per collection.
var DefaultRules = map[string]map[string]any{
	"customers":        {"name": "required,min=1,max=200", "email": "omitempty,email"},
	"suppliers":        {"name": "required,min=1,max=200", "email": "omitempty,email"},
	"positions":        {"name": "required,min=1,max=100"},
	"teams":            {"name": "required,min=1,max=100"},
	"units":            {"name": "required,min=1,max=50"},
	"warehouses":       {"name": "required,min=1,max=200"},
	"product_category": {"name": "required,min=1,max=100"},
	"products":         {"name": "required,min=1,max=200"},
	"staff":            {"name": "required,min=1,max=200", "email": "omitempty,email"},
}

// ErrUnknownCollection is returned for names that cannot be a collection.
var ErrUnknownCollection = errors.New("unknown collection")

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	Client Client

	// Rules overrides DefaultRules per collection.
	Rules map[string]map[string]any

	Logger *slog.Logger
}

// Registry holds one schemaless engine per collection.
//
// # Thread Safety
//
// Safe for concurrent use. Engines are created on first use.
type Registry struct {
	client Client
	rules  map[string]map[string]any
	logger *slog.Logger

	mu      sync.Mutex
	engines map[string]*Engine[Record]
}

// NewRegistry creates a registry with an engine for each default collection.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Client == nil {
		return nil, errors.New("mutation: client is required")
	}
	r := &Registry{
		client:  cfg.Client,
		rules:   cfg.Rules,
		logger:  cfg.Logger,
		engines: make(map[string]*Engine[Record]),
	}
	if r.rules == nil {
		r.rules = DefaultRules
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	for _, name := range DefaultCollections {
		if _, err := r.Engine(name); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Engine returns the engine for name, creating it if needed.
func (r *Registry) Engine(name string) (*Engine[Record], error) {
	if err := validation.ValidateCollection(name); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownCollection, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[name]; ok {
		return e, nil
	}
	e, err := NewEngine[Record](Config{
		Collection: name,
		Client:     r.client,
		Rules:      r.rules[name],
		Logger:     r.logger,
	})
	if err != nil {
		return nil, err
	}
	r.engines[name] = e
	return e, nil
}

// Names returns the known collection names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadAll fetches several collections concurrently. With no names every
// known collection is loaded. The first error cancels the others.
func (r *Registry) LoadAll(ctx context.Context, names ...string) error {
	if len(names) == 0 {
		names = r.Names()
	}
	engines := make([]*Engine[Record], 0, len(names))
	for _, name := range names {
		e, err := r.Engine(name)
		if err != nil {
			return err
		}
		engines = append(engines, e)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, e := range engines {
		g.Go(func() error {
			_, err := e.Load(ctx)
			return err
		})
	}
	return g.Wait()
}
