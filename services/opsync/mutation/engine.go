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
Package mutation applies create, update and delete to a remote collection
optimistically.

# Overview

An Engine holds the in-memory copy of one collection. A mutation changes
that copy first, so subscribers see it at once, then calls the backend:

  - Create appends a placeholder ("tmp-<uuid>") and, on success, swaps it
    in place for the server's record
  - Update merges the fields and, on success, keeps the server's copy when
    the response carries one
  - Delete removes the record

On any failure the local change is undone and a *syncerr.MutationError is
returned. Undo happens whatever the error class and even when the caller's
context was cancelled.

# Consistency

The collection is copy-on-write: readers get an immutable slice and every
change publishes a new one. At most one mutation per id is in flight; an
overlapping call fails with syncerr.ErrConcurrentMutation before any local
or network change.
*/
package mutation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/AleutianAI/opsync/services/opsync/model"
	"github.com/AleutianAI/opsync/services/opsync/resilience"
	"github.com/AleutianAI/opsync/services/opsync/syncerr"
	"github.com/AleutianAI/opsync/services/opsync/transport"
)

// Client sends requests to the backend. *transport.Pipeline implements it.
type Client interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Config configures an Engine.
type Config struct {
	// Collection is the entity name, e.g. "customers". Required.
	Collection string

	// Path is the REST path. Default: /api/<Collection>
	Path string

	// Client sends requests. Required.
	Client Client

	// Rules are validator map rules checked before any change, e.g.
	// {"name": "required,min=2", "email": "omitempty,email"}. Create checks
	// every rule; Update checks only the rules of fields it sets.
	Rules map[string]any

	// Now stamps placeholder timestamps. Default: time.Now
	Now func() time.Time

	// NewID generates the placeholder suffix. Default: uuid.NewString
	NewID func() string

	Logger *slog.Logger
}

// Engine is the optimistic mutation engine for one collection.
type Engine[T Entity] struct {
	collection string
	path       string
	client     Client
	rules      map[string]any
	validate   *validator.Validate
	now        func() time.Time
	newID      func() string
	logger     *slog.Logger

	// items is replaced, never modified in place.
	items   atomic.Pointer[[]T]
	writeMu sync.Mutex

	flightMu sync.Mutex
	inFlight map[string]struct{}

	subMu   sync.Mutex
	subs    map[int]chan []T
	nextSub int
}

// NewEngine creates an engine with an empty collection.
func NewEngine[T Entity](cfg Config) (*Engine[T], error) {
	if cfg.Collection == "" {
		return nil, errors.New("mutation: collection is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("mutation: client is required")
	}
	e := &Engine[T]{
		collection: cfg.Collection,
		path:       cfg.Path,
		client:     cfg.Client,
		rules:      cfg.Rules,
		validate:   validator.New(),
		now:        cfg.Now,
		newID:      cfg.NewID,
		logger:     cfg.Logger,
		inFlight:   make(map[string]struct{}),
		subs:       make(map[int]chan []T),
	}
	if e.path == "" {
		e.path = "/api/" + url.PathEscape(cfg.Collection)
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("collection", cfg.Collection)

	empty := []T{}
	e.items.Store(&empty)
	return e, nil
}

// Collection returns the entity name.
func (e *Engine[T]) Collection() string { return e.collection }

// Snapshot returns the current collection. The slice must not be modified.
func (e *Engine[T]) Snapshot() []T {
	return *e.items.Load()
}

// Get returns the record with id.
func (e *Engine[T]) Get(id string) (T, bool) {
	for _, item := range e.Snapshot() {
		if item.EntityID() == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// Subscribe returns a channel receiving each new collection snapshot. The
// channel holds only the latest snapshot; the current one is delivered
// immediately.
func (e *Engine[T]) Subscribe() (<-chan []T, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	ch := make(chan []T, 1)
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	ch <- e.Snapshot()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			if c, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(c)
			}
		})
	}
}

// =============================================================================
// Load
// =============================================================================

// Load fetches the collection and replaces the local copy.
//
// The list may arrive as a bare array, {"data": [...]} or
// {"<collection>": [...]}.
func (e *Engine[T]) Load(ctx context.Context) ([]T, error) {
	resp, err := e.client.Do(ctx, transport.Request{Method: http.MethodGet, Path: e.path})
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", e.collection, err)
	}
	items, err := decodeList[T](resp.Body, e.collection)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", e.collection, err)
	}
	e.Replace(items)
	return items, nil
}

// Replace swaps the whole collection.
func (e *Engine[T]) Replace(items []T) {
	next := make([]T, len(items))
	copy(next, items)
	e.swap(func([]T) []T { return next })
}

// =============================================================================
// Create
// =============================================================================

// Create adds a record optimistically.
//
// # Description
//
// Validates data, appends a placeholder with id "tmp-<uuid>" (plus
// active=true and created_at/updated_at=now when data does not set them),
// then POSTs data. On success the placeholder is replaced in place by the
// server's record. When the response carries no record the collection is
// reloaded instead. On failure the placeholder is removed.
//
// # Outputs
//
//   - T: the server's record (zero when the collection was reloaded)
//   - error: *syncerr.ValidationError before any change, or
//     *syncerr.MutationError after rollback
func (e *Engine[T]) Create(ctx context.Context, data Fields) (T, error) {
	var zero T
	if err := e.check(data, false); err != nil {
		return zero, err
	}

	tmpID := PlaceholderPrefix + e.newID()
	placeholder, err := e.placeholder(tmpID, data)
	if err != nil {
		return zero, &syncerr.ValidationError{Reason: err.Error()}
	}
	if !e.acquire(tmpID) {
		return zero, e.rejected("create", tmpID)
	}
	defer e.release(tmpID)

	var created T
	saga := e.saga()
	saga.AddStep(resilience.SagaStep{
		Name: "apply",
		Execute: func(context.Context) error {
			e.swap(func(items []T) []T { return append(items, placeholder) })
			return nil
		},
		Compensate: func(context.Context) error {
			e.swap(func(items []T) []T { return without(items, tmpID) })
			return nil
		},
	})
	// A record accepted by the server is never compensated: reconciliation
	// runs inside the send step.
	saga.AddStep(resilience.SagaStep{
		Name: "send",
		Execute: func(ctx context.Context) error {
			resp, err := e.client.Do(ctx, transport.Request{Method: http.MethodPost, Path: e.path, Body: map[string]any(data)})
			if err != nil {
				return err
			}
			created = e.reconcileCreate(ctx, tmpID, resp)
			return nil
		},
	})

	if err := saga.Execute(ctx); err != nil {
		return zero, e.failed("create", "", err)
	}
	recordMutation(e.collection, "create", resultSuccess)
	return created, nil
}

// =============================================================================
// Update
// =============================================================================

// Update merges data into the record with id optimistically.
//
// # Description
//
// Snapshots the record, merges data locally, then PUTs data. On success the
// record is replaced by the server's copy when the response carries one;
// otherwise the merged record stays. On failure the snapshot is restored.
//
// # Outputs
//
//   - T: the record as it stands after the update
//   - error: *syncerr.ValidationError, syncerr.ErrConcurrentMutation, or
//     *syncerr.MutationError after rollback
func (e *Engine[T]) Update(ctx context.Context, id string, data Fields) (T, error) {
	var zero T
	data, err := withoutID(data, id)
	if err != nil {
		return zero, err
	}
	if err := e.check(data, true); err != nil {
		return zero, err
	}
	if !e.acquire(id) {
		return zero, e.rejected("update", id)
	}
	defer e.release(id)

	before, ok := e.Get(id)
	if !ok {
		return zero, &syncerr.ValidationError{Reason: fmt.Sprintf("no %s record with id %q", e.collection, id)}
	}
	if IsPlaceholder(id) {
		return zero, &syncerr.ValidationError{Reason: "record is not saved yet"}
	}
	merged, err := merge(before, data)
	if err != nil {
		return zero, &syncerr.ValidationError{Reason: err.Error()}
	}
	if merged.EntityID() != id {
		return zero, &syncerr.ValidationError{Fields: map[string]string{"id": "cannot be changed"}}
	}

	result := merged
	saga := e.saga()
	saga.AddStep(resilience.SagaStep{
		Name: "apply",
		Execute: func(context.Context) error {
			e.swap(func(items []T) []T { return replaceByID(items, id, merged) })
			return nil
		},
		Compensate: func(context.Context) error {
			e.swap(func(items []T) []T { return replaceByID(items, id, before) })
			return nil
		},
	})
	saga.AddStep(resilience.SagaStep{
		Name: "send",
		Execute: func(ctx context.Context) error {
			resp, err := e.client.Do(ctx, transport.Request{Method: http.MethodPut, Path: e.itemPath(id), Body: map[string]any(data)})
			if err != nil {
				return err
			}
			if rec, derr := decodeRecord[T](resp.Body, e.collection); derr == nil && rec.EntityID() == id {
				result = rec
				e.swap(func(items []T) []T { return replaceByID(items, id, rec) })
			}
			return nil
		},
	})

	if err := saga.Execute(ctx); err != nil {
		return zero, e.failed("update", id, err)
	}
	recordMutation(e.collection, "update", resultSuccess)
	return result, nil
}

// =============================================================================
// Delete
// =============================================================================

// Delete removes the record with id optimistically. On failure the record
// is re-inserted at its original position.
func (e *Engine[T]) Delete(ctx context.Context, id string) error {
	if !e.acquire(id) {
		return e.rejected("delete", id)
	}
	defer e.release(id)

	before, ok := e.Get(id)
	if !ok {
		return &syncerr.ValidationError{Reason: fmt.Sprintf("no %s record with id %q", e.collection, id)}
	}
	if IsPlaceholder(id) {
		return &syncerr.ValidationError{Reason: "record is not saved yet"}
	}

	index := -1
	saga := e.saga()
	saga.AddStep(resilience.SagaStep{
		Name: "apply",
		Execute: func(context.Context) error {
			e.swap(func(items []T) []T {
				index = indexOf(items, id)
				return without(items, id)
			})
			return nil
		},
		Compensate: func(context.Context) error {
			e.swap(func(items []T) []T { return insertAt(items, index, before) })
			return nil
		},
	})
	saga.AddStep(resilience.SagaStep{
		Name: "send",
		Execute: func(ctx context.Context) error {
			_, err := e.client.Do(ctx, transport.Request{Method: http.MethodDelete, Path: e.itemPath(id)})
			return err
		},
	})

	if err := saga.Execute(ctx); err != nil {
		return e.failed("delete", id, err)
	}
	recordMutation(e.collection, "delete", resultSuccess)
	return nil
}

// =============================================================================
// Internals
// =============================================================================

// reconcileCreate swaps the placeholder for the server's record. When the
// response carries no record the placeholder is dropped and the collection
// reloaded.
func (e *Engine[T]) reconcileCreate(ctx context.Context, tmpID string, resp *transport.Response) T {
	rec, err := decodeRecord[T](resp.Body, e.collection)
	if err != nil {
		e.logger.Warn("create response has no record, reloading", "error", err)
		e.swap(func(items []T) []T { return without(items, tmpID) })
		if _, lerr := e.Load(context.WithoutCancel(ctx)); lerr != nil {
			e.logger.Warn("reload after create failed", "error", lerr)
		}
		var zero T
		return zero
	}
	e.swap(func(items []T) []T { return replacePlaceholder(items, tmpID, rec) })
	return rec
}

// swap applies fn to a private copy of the collection and publishes it.
func (e *Engine[T]) swap(fn func([]T) []T) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := *e.items.Load()
	work := make([]T, len(cur), len(cur)+1)
	copy(work, cur)
	next := fn(work)
	e.items.Store(&next)
	e.publish(next)
}

func (e *Engine[T]) publish(items []T) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subs {
		select {
		case <-ch:
		default:
		}
		ch <- items
	}
}

func (e *Engine[T]) acquire(id string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if _, busy := e.inFlight[id]; busy {
		return false
	}
	e.inFlight[id] = struct{}{}
	return true
}

func (e *Engine[T]) release(id string) {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	delete(e.inFlight, id)
}

func (e *Engine[T]) rejected(op, id string) error {
	recordMutation(e.collection, op, resultRejected)
	return &syncerr.MutationError{Collection: e.collection, Op: op, ID: id, Err: syncerr.ErrConcurrentMutation}
}

func (e *Engine[T]) failed(op, id string, err error) error {
	var stepErr *resilience.StepError
	if errors.As(err, &stepErr) {
		if len(stepErr.CompensationErrors) > 0 {
			e.logger.Error("rollback incomplete", "op", op, "id", id, "errors", len(stepErr.CompensationErrors))
		}
		err = stepErr.Err
	}
	e.logger.Warn("mutation rolled back", "op", op, "id", id, "kind", syncerr.KindOf(err).String(), "error", err)
	recordMutation(e.collection, op, resultRolledBack)
	return &syncerr.MutationError{Collection: e.collection, Op: op, ID: id, Err: err}
}

func (e *Engine[T]) saga() *resilience.Saga {
	cfg := resilience.DefaultSagaConfig()
	cfg.Logger = e.logger
	return resilience.NewSaga(cfg)
}

func (e *Engine[T]) itemPath(id string) string {
	return e.path + "/" + url.PathEscape(id)
}

// withoutID returns data minus its "id" key. An id equal to the target is
// dropped; a different one is a validation error.
func withoutID(data Fields, id string) (Fields, error) {
	v, ok := data["id"]
	if !ok {
		return data, nil
	}
	if model.IDString(v) != id {
		return nil, &syncerr.ValidationError{Fields: map[string]string{"id": "cannot be changed"}}
	}
	out := make(Fields, len(data)-1)
	for k, val := range data {
		if k != "id" {
			out[k] = val
		}
	}
	return out, nil
}

// check validates data against the rules. Partial limits the rules to the
// fields present in data.
func (e *Engine[T]) check(data Fields, partial bool) error {
	if len(data) == 0 && partial {
		return &syncerr.ValidationError{Reason: "no fields to update"}
	}
	if len(e.rules) == 0 {
		return nil
	}
	rules := e.rules
	if partial {
		rules = make(map[string]any, len(data))
		for k := range data {
			if r, ok := e.rules[k]; ok {
				rules[k] = r
			}
		}
	}
	problems := e.validate.ValidateMap(map[string]any(data), rules)
	if len(problems) == 0 {
		return nil
	}
	fields := make(map[string]string, len(problems))
	for field, p := range problems {
		var verrs validator.ValidationErrors
		if err, ok := p.(error); ok && errors.As(err, &verrs) && len(verrs) > 0 {
			fields[field] = verrs[0].Tag()
			continue
		}
		fields[field] = fmt.Sprint(p)
	}
	return &syncerr.ValidationError{Fields: fields}
}

// placeholder builds the optimistic record for a create.
func (e *Engine[T]) placeholder(tmpID string, data Fields) (T, error) {
	now := e.now().UTC().Format(time.RFC3339)
	fields := Fields{
		"active":     true,
		"created_at": now,
		"updated_at": now,
	}
	for k, v := range data {
		fields[k] = v
	}
	fields["id"] = tmpID
	return fromFields[T](fields)
}

func indexOf[T Entity](items []T, id string) int {
	for i, item := range items {
		if item.EntityID() == id {
			return i
		}
	}
	return -1
}

func without[T Entity](items []T, id string) []T {
	if i := indexOf(items, id); i >= 0 {
		return append(items[:i], items[i+1:]...)
	}
	return items
}

func replaceByID[T Entity](items []T, id string, rec T) []T {
	if i := indexOf(items, id); i >= 0 {
		items[i] = rec
	}
	return items
}

// replacePlaceholder swaps the placeholder for rec in one step. If the
// placeholder is gone (the collection was reloaded meanwhile) rec replaces
// an existing record with its id or is appended, never duplicated.
func replacePlaceholder[T Entity](items []T, tmpID string, rec T) []T {
	if i := indexOf(items, tmpID); i >= 0 {
		if j := indexOf(items, rec.EntityID()); j >= 0 && j != i {
			items = append(items[:j], items[j+1:]...)
			if j < i {
				i--
			}
		}
		items[i] = rec
		return items
	}
	if j := indexOf(items, rec.EntityID()); j >= 0 {
		items[j] = rec
		return items
	}
	return append(items, rec)
}

// insertAt puts rec back at index, or at the end when index is out of
// range. A record already carrying rec's id is replaced instead.
func insertAt[T Entity](items []T, index int, rec T) []T {
	if j := indexOf(items, rec.EntityID()); j >= 0 {
		items[j] = rec
		return items
	}
	if index < 0 || index > len(items) {
		return append(items, rec)
	}
	items = append(items, rec)
	copy(items[index+1:], items[index:])
	items[index] = rec
	return items
}
