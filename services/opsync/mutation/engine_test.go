// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package mutation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/opsync/services/opsync/model"
	"github.com/AleutianAI/opsync/services/opsync/syncerr"
	"github.com/AleutianAI/opsync/services/opsync/transport"
)

// =============================================================================
// Test Helpers
// =============================================================================

type fakeClient struct {
	mu     sync.Mutex
	calls  []transport.Request
	handle func(ctx context.Context, req transport.Request) (*transport.Response, error)
}

func (f *fakeClient) Do(ctx context.Context, req transport.Request) (*transport.Response, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	handle := f.handle
	f.mu.Unlock()
	return handle(ctx, req)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ok(body string) (*transport.Response, error) {
	return &transport.Response{Status: http.StatusOK, Body: []byte(body)}, nil
}

func serverError(status int, msg string) error {
	return &syncerr.StatusError{Status: status, Body: []byte(`{"error":"` + msg + `"}`)}
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, client *fakeClient, rules map[string]any) *Engine[Record] {
	t.Helper()
	e, err := NewEngine[Record](Config{
		Collection: "units",
		Client:     client,
		Rules:      rules,
		Now:        func() time.Time { return fixedNow },
		NewID:      func() string { return "0001" },
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return e
}

// seeded returns an engine holding ids 1, 2 and 3.
func seeded(t *testing.T, client *fakeClient) *Engine[Record] {
	t.Helper()
	e := newTestEngine(t, client, nil)
	e.Replace([]Record{
		{"id": "1", "name": "kg"},
		{"id": "2", "name": "litre"},
		{"id": "3", "name": "box"},
	})
	return e
}

func ids(items []Record) []string {
	out := make([]string, len(items))
	for i, r := range items {
		out[i] = r.EntityID()
	}
	return out
}

// =============================================================================
// Load
// =============================================================================

func TestLoad_AcceptsAllListShapes(t *testing.T) {
	shapes := map[string]string{
		"bare array": `[{"id":1,"name":"kg"},{"id":2,"name":"box"}]`,
		"data":       `{"data":[{"id":1,"name":"kg"},{"id":2,"name":"box"}]}`,
		"entity":     `{"units":[{"id":1,"name":"kg"},{"id":2,"name":"box"}]}`,
	}
	for name, body := range shapes {
		t.Run(name, func(t *testing.T) {
			client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
				return ok(body)
			}}
			e := newTestEngine(t, client, nil)

			items, err := e.Load(context.Background())

			require.NoError(t, err)
			assert.Equal(t, []string{"1", "2"}, ids(items))
			assert.Equal(t, []string{"1", "2"}, ids(e.Snapshot()))
			assert.Equal(t, "/api/units", client.calls[0].Path)
			assert.Equal(t, http.MethodGet, client.calls[0].Method)
		})
	}
}

func TestLoad_RejectsUnknownShape(t *testing.T) {
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		return ok(`{"items":[]}`)
	}}
	e := seeded(t, client)

	_, err := e.Load(context.Background())

	assert.Error(t, err)
	assert.Len(t, e.Snapshot(), 3)
}

// =============================================================================
// Create
// =============================================================================

func TestCreate_ReplacesPlaceholderInPlace(t *testing.T) {
	var during []Record
	client := &fakeClient{}
	e := seeded(t, client)
	client.handle = func(_ context.Context, req transport.Request) (*transport.Response, error) {
		during = e.Snapshot()
		return ok(`{"ok":true,"data":{"id":42,"name":"crate","active":true}}`)
	}

	created, err := e.Create(context.Background(), Fields{"name": "crate"})

	require.NoError(t, err)
	assert.Equal(t, "42", created.EntityID())

	require.Len(t, during, 4)
	tmp := during[3]
	assert.Equal(t, "tmp-0001", tmp.EntityID())
	assert.Equal(t, true, tmp["active"])
	assert.Equal(t, "2025-03-01T12:00:00Z", tmp["created_at"])
	assert.Equal(t, "2025-03-01T12:00:00Z", tmp["updated_at"])

	after := e.Snapshot()
	assert.Equal(t, []string{"1", "2", "3", "42"}, ids(after))
	for _, r := range after {
		assert.False(t, IsPlaceholder(r.EntityID()))
	}

	// The request carries the caller's fields, not the placeholder's.
	assert.Equal(t, http.MethodPost, client.calls[0].Method)
	assert.Equal(t, map[string]any{"name": "crate"}, client.calls[0].Body)
}

func TestCreate_FailureRestoresCollection(t *testing.T) {
	errs := []error{
		serverError(http.StatusConflict, "Name already taken"),
		syncerr.NewNetworkError(http.MethodPost, "http://x/api/units", errors.New("refused")),
		syncerr.ErrAuthExpired,
	}
	for _, cause := range errs {
		t.Run(cause.Error(), func(t *testing.T) {
			client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
				return nil, cause
			}}
			e := seeded(t, client)
			before := e.Snapshot()

			_, err := e.Create(context.Background(), Fields{"name": "crate"})

			var me *syncerr.MutationError
			require.True(t, errors.As(err, &me))
			assert.Equal(t, "create", me.Op)
			assert.ErrorIs(t, err, cause)
			assert.Equal(t, before, e.Snapshot())
		})
	}
}

func TestCreate_SurfacesServerMessage(t *testing.T) {
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		return nil, serverError(http.StatusConflict, "Name already taken")
	}}
	e := seeded(t, client)

	_, err := e.Create(context.Background(), Fields{"name": "kg"})

	assert.Equal(t, "Name already taken", syncerr.UserMessage(err))
}

func TestCreate_ReloadsWhenResponseHasNoRecord(t *testing.T) {
	client := &fakeClient{handle: func(_ context.Context, req transport.Request) (*transport.Response, error) {
		if req.Method == http.MethodPost {
			return ok(`{"ok":true}`)
		}
		return ok(`[{"id":"1"},{"id":"2"},{"id":"3"},{"id":"9","name":"crate"}]`)
	}}
	e := seeded(t, client)

	created, err := e.Create(context.Background(), Fields{"name": "crate"})

	require.NoError(t, err)
	assert.Nil(t, created)
	assert.Equal(t, []string{"1", "2", "3", "9"}, ids(e.Snapshot()))
	assert.Equal(t, 2, client.callCount())
}

func TestCreate_ServerIDAlreadyPresentIsNotDuplicated(t *testing.T) {
	client := &fakeClient{}
	e := seeded(t, client)
	client.handle = func(context.Context, transport.Request) (*transport.Response, error) {
		// A concurrent reload delivered the new record before the reply.
		e.Replace(append(e.Snapshot(), Record{"id": "7", "name": "crate"}))
		return ok(`{"id":"7","name":"crate"}`)
	}

	_, err := e.Create(context.Background(), Fields{"name": "crate"})

	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2", "3", "7"}, ids(e.Snapshot()))
}

func TestCreate_ValidationBeforeAnyChange(t *testing.T) {
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		t.Fatal("request must not be sent")
		return nil, nil
	}}
	e := newTestEngine(t, client, map[string]any{"name": "required,min=2", "email": "omitempty,email"})
	ch, cancel := e.Subscribe()
	defer cancel()
	<-ch

	_, err := e.Create(context.Background(), Fields{"name": "x", "email": "nope"})

	var ve *syncerr.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "min", ve.Fields["name"])
	assert.Equal(t, "email", ve.Fields["email"])
	assert.Empty(t, e.Snapshot())
	assert.Len(t, ch, 0)
}

// =============================================================================
// Update
// =============================================================================

func TestUpdate_KeepsServerCopy(t *testing.T) {
	client := &fakeClient{handle: func(_ context.Context, req transport.Request) (*transport.Response, error) {
		return ok(`{"id":"2","name":"Litre","updated_at":"2025-03-02T00:00:00Z"}`)
	}}
	e := seeded(t, client)

	got, err := e.Update(context.Background(), "2", Fields{"name": "Litre"})

	require.NoError(t, err)
	assert.Equal(t, "2025-03-02T00:00:00Z", got["updated_at"])
	rec, found := e.Get("2")
	require.True(t, found)
	assert.Equal(t, "Litre", rec["name"])
	assert.Equal(t, http.MethodPut, client.calls[0].Method)
	assert.Equal(t, "/api/units/2", client.calls[0].Path)
}

func TestUpdate_MergedRecordStaysWithoutEcho(t *testing.T) {
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		return ok(`{"ok":true}`)
	}}
	e := seeded(t, client)

	got, err := e.Update(context.Background(), "3", Fields{"name": "carton"})

	require.NoError(t, err)
	assert.Equal(t, "carton", got["name"])
	assert.Equal(t, []string{"1", "2", "3"}, ids(e.Snapshot()))
}

func TestUpdate_FailureRestoresFields(t *testing.T) {
	client := &fakeClient{}
	e := seeded(t, client)
	before := e.Snapshot()
	var during Record
	client.handle = func(context.Context, transport.Request) (*transport.Response, error) {
		during, _ = e.Get("2")
		return nil, serverError(http.StatusInternalServerError, "boom")
	}

	_, err := e.Update(context.Background(), "2", Fields{"name": "Litre", "symbol": "L"})

	require.Error(t, err)
	assert.Equal(t, "Litre", during["name"])
	assert.Equal(t, before, e.Snapshot())
	rec, _ := e.Get("2")
	assert.NotContains(t, rec, "symbol")
}

func TestUpdate_IDInFieldsCannotMoveRecord(t *testing.T) {
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		return nil, serverError(http.StatusInternalServerError, "boom")
	}}
	e := seeded(t, client)
	before := e.Snapshot()

	_, err := e.Update(context.Background(), "1", Fields{"id": "3", "name": "kilogram"})

	assert.ErrorIs(t, err, syncerr.ErrValidation)
	assert.Equal(t, 0, client.callCount())
	assert.Equal(t, before, e.Snapshot())
}

func TestUpdate_SameIDInFieldsIsDropped(t *testing.T) {
	client := &fakeClient{}
	e := seeded(t, client)
	before := e.Snapshot()
	client.handle = func(_ context.Context, req transport.Request) (*transport.Response, error) {
		assert.NotContains(t, req.Body, "id")
		return nil, serverError(http.StatusInternalServerError, "boom")
	}

	_, err := e.Update(context.Background(), "1", Fields{"id": float64(1), "name": "kilogram"})

	require.Error(t, err)
	assert.Equal(t, 1, client.callCount())
	assert.Equal(t, before, e.Snapshot())
	assert.Equal(t, []string{"1", "2", "3"}, ids(e.Snapshot()))
}

func TestUpdate_UnknownOrPlaceholderID(t *testing.T) {
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		return ok(`{}`)
	}}
	e := seeded(t, client)

	_, err := e.Update(context.Background(), "99", Fields{"name": "x"})
	assert.ErrorIs(t, err, syncerr.ErrValidation)

	_, err = e.Update(context.Background(), "1", Fields{})
	assert.ErrorIs(t, err, syncerr.ErrValidation)
	assert.Zero(t, client.callCount())
}

func TestUpdate_PartialRules(t *testing.T) {
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		return ok(`{}`)
	}}
	e := newTestEngine(t, client, map[string]any{"name": "required", "email": "omitempty,email"})
	e.Replace([]Record{{"id": "1", "name": "a"}})

	_, err := e.Update(context.Background(), "1", Fields{"email": "a@b.co"})
	assert.NoError(t, err)

	_, err = e.Update(context.Background(), "1", Fields{"email": "bad"})
	assert.ErrorIs(t, err, syncerr.ErrValidation)
}

// =============================================================================
// Delete
// =============================================================================

func TestDelete_Success(t *testing.T) {
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		return &transport.Response{Status: http.StatusNoContent}, nil
	}}
	e := seeded(t, client)

	require.NoError(t, e.Delete(context.Background(), "2"))
	assert.Equal(t, []string{"1", "3"}, ids(e.Snapshot()))
	assert.Equal(t, http.MethodDelete, client.calls[0].Method)
}

func TestDelete_FailureReinsertsAtOriginalIndex(t *testing.T) {
	client := &fakeClient{}
	e := seeded(t, client)
	before := e.Snapshot()
	var during []string
	client.handle = func(context.Context, transport.Request) (*transport.Response, error) {
		during = ids(e.Snapshot())
		return nil, syncerr.NewNetworkError(http.MethodDelete, "http://x", errors.New("refused"))
	}

	err := e.Delete(context.Background(), "2")

	assert.ErrorIs(t, err, syncerr.ErrNetworkUnreachable)
	assert.Equal(t, []string{"1", "3"}, during)
	assert.Equal(t, before, e.Snapshot())
}

func TestInsertAt_ClampsIndex(t *testing.T) {
	items := []Record{{"id": "1"}}
	assert.Equal(t, []string{"1", "5"}, ids(insertAt(items, 7, Record{"id": "5"})))
	assert.Equal(t, []string{"5", "1"}, ids(insertAt([]Record{{"id": "1"}}, 0, Record{"id": "5"})))
	assert.Equal(t, []string{"1"}, ids(insertAt([]Record{{"id": "1"}}, 0, Record{"id": "1"})))
}

// =============================================================================
// Concurrency
// =============================================================================

func TestConcurrentMutationOnSameIDRejected(t *testing.T) {
	release := make(chan struct{})
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		<-release
		return ok(`{}`)
	}}
	e := seeded(t, client)

	done := make(chan error, 1)
	go func() {
		_, err := e.Update(context.Background(), "1", Fields{"name": "first"})
		done <- err
	}()
	require.Eventually(t, func() bool { return client.callCount() == 1 }, time.Second, time.Millisecond)

	_, err := e.Update(context.Background(), "1", Fields{"name": "second"})
	assert.ErrorIs(t, err, syncerr.ErrConcurrentMutation)
	assert.ErrorIs(t, e.Delete(context.Background(), "1"), syncerr.ErrConcurrentMutation)

	// Other ids are unaffected.
	go func() { _ = e.Delete(context.Background(), "3") }()
	require.Eventually(t, func() bool { return client.callCount() == 2 }, time.Second, time.Millisecond)

	close(release)
	require.NoError(t, <-done)
	rec, _ := e.Get("1")
	assert.Equal(t, "first", rec["name"])
}

func TestRollbackWhenCallerCancels(t *testing.T) {
	client := &fakeClient{handle: func(ctx context.Context, _ transport.Request) (*transport.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	e := seeded(t, client)
	before := e.Snapshot()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.Eventually(t, func() bool { return client.callCount() == 1 }, time.Second, time.Millisecond)
		cancel()
	}()

	_, err := e.Create(ctx, Fields{"name": "crate"})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, e.Snapshot())
}

func TestConcurrentCreatesAllLand(t *testing.T) {
	var mu sync.Mutex
	next := 100
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		mu.Lock()
		next++
		id := next
		mu.Unlock()
		return ok(`{"id":` + strconv.Itoa(id) + `}`)
	}}
	e, err := NewEngine[Record](Config{Collection: "teams", Client: client, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Create(context.Background(), Fields{"name": "t"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := e.Snapshot()
	assert.Len(t, got, 20)
	seen := map[string]bool{}
	for _, r := range got {
		assert.False(t, IsPlaceholder(r.EntityID()))
		assert.False(t, seen[r.EntityID()])
		seen[r.EntityID()] = true
	}
}

func TestSubscribe(t *testing.T) {
	client := &fakeClient{handle: func(context.Context, transport.Request) (*transport.Response, error) {
		return nil, serverError(http.StatusBadRequest, "no")
	}}
	e := seeded(t, client)
	ch, unsubscribe := e.Subscribe()
	assert.Len(t, <-ch, 3)

	_ = e.Delete(context.Background(), "1")

	// Only the latest snapshot is kept: the restored collection.
	assert.Equal(t, []string{"1", "2", "3"}, ids(<-ch))

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

// =============================================================================
// Typed entities
// =============================================================================

type unit struct {
	ID     model.ID `json:"id"`
	Name   string   `json:"name"`
	Active bool     `json:"active"`
}

func (u unit) EntityID() string { return string(u.ID) }

func TestTypedEngine(t *testing.T) {
	client := &fakeClient{handle: func(_ context.Context, req transport.Request) (*transport.Response, error) {
		if req.Method == http.MethodGet {
			return ok(`{"data":[{"id":1,"name":"kg","active":true}]}`)
		}
		return ok(`{"id":2,"name":"box","active":true}`)
	}}
	e, err := NewEngine[unit](Config{Collection: "units", Client: client, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)

	_, err = e.Load(context.Background())
	require.NoError(t, err)

	created, err := e.Create(context.Background(), Fields{"name": "box"})
	require.NoError(t, err)
	assert.Equal(t, unit{ID: "2", Name: "box", Active: true}, created)
	assert.Equal(t, []unit{{ID: "1", Name: "kg", Active: true}, {ID: "2", Name: "box", Active: true}}, e.Snapshot())
}

func TestNewEngine_Requirements(t *testing.T) {
	_, err := NewEngine[Record](Config{Client: &fakeClient{}})
	assert.Error(t, err)
	_, err = NewEngine[Record](Config{Collection: "units"})
	assert.Error(t, err)
}
