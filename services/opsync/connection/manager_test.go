// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package connection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

// healthServer answers /health with the status held in code.
type healthServer struct {
	*httptest.Server
	code  atomic.Int32
	calls atomic.Int32
}

func newHealthServer(t *testing.T, code int) *healthServer {
	t.Helper()
	hs := &healthServer{}
	hs.code.Store(int32(code))
	hs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hs.calls.Add(1)
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(int(hs.code.Load()))
	}))
	t.Cleanup(hs.Close)
	return hs
}

// deadURL returns a URL nothing listens on.
func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

func newTestManager(t *testing.T, primary string, secondary string) *Manager {
	t.Helper()
	cfg := Config{
		Primary:       Endpoint{URL: primary, Role: RoleProduction},
		HealthTimeout: time.Second,
		RetryDelay:    5 * time.Millisecond,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	if secondary != "" {
		cfg.Secondary = &Endpoint{URL: secondary, Role: RoleLocal}
	}
	m, err := NewManager(cfg)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

// =============================================================================
// Transition table
// =============================================================================

func TestTransition(t *testing.T) {
	prod := Endpoint{URL: "https://prod", Role: RoleProduction}
	local := Endpoint{URL: "http://local", Role: RoleLocal}

	tests := []struct {
		name string
		from Status
		ev   event
		want Status
	}{
		{
			name: "probe ok connects and clears",
			from: Status{State: StateFailed, RetryCount: 2, LastError: "x", ShowError: true, Endpoint: prod},
			ev:   event{kind: evProbeOK, endpoint: local},
			want: Status{State: StateConnected, Endpoint: local},
		},
		{
			name: "probe failed outside loop fails and keeps endpoint",
			from: Status{State: StateConnected, Endpoint: prod},
			ev:   event{kind: evProbeFailed, err: "refused", maxRetries: 3},
			want: Status{State: StateFailed, LastError: "refused", ShowError: true, Endpoint: prod},
		},
		{
			name: "probe failed inside loop with budget stays reconnecting",
			from: Status{State: StateReconnecting, RetryCount: 2},
			ev:   event{kind: evProbeFailed, err: "refused", maxRetries: 3},
			want: Status{State: StateReconnecting, RetryCount: 2, LastError: "refused", ShowError: true},
		},
		{
			name: "probe failed at cap fails",
			from: Status{State: StateReconnecting, RetryCount: 3},
			ev:   event{kind: evProbeFailed, err: "refused", maxRetries: 3},
			want: Status{State: StateFailed, RetryCount: 3, LastError: "refused", ShowError: true},
		},
		{
			name: "retry increments",
			from: Status{State: StateFailed, RetryCount: 1},
			ev:   event{kind: evRetryStarted, maxRetries: 3},
			want: Status{State: StateReconnecting, RetryCount: 2},
		},
		{
			name: "retry after exhaustion resets",
			from: Status{State: StateFailed, RetryCount: 3},
			ev:   event{kind: evRetryStarted, maxRetries: 3},
			want: Status{State: StateReconnecting, RetryCount: 1},
		},
		{
			name: "network failure shows error",
			from: Status{State: StateConnected, Endpoint: prod},
			ev:   event{kind: evNetworkFailure, err: "timeout"},
			want: Status{State: StateFailed, LastError: "timeout", ShowError: true, Endpoint: prod},
		},
		{
			name: "network failure during loop keeps reconnecting",
			from: Status{State: StateReconnecting, RetryCount: 1},
			ev:   event{kind: evNetworkFailure, err: "timeout"},
			want: Status{State: StateReconnecting, RetryCount: 1, LastError: "timeout", ShowError: true},
		},
		{
			name: "request ok dismisses surface",
			from: Status{State: StateFailed, RetryCount: 2, LastError: "timeout", ShowError: true},
			ev:   event{kind: evRequestOK},
			want: Status{State: StateConnected},
		},
		{
			name: "request ok while connected is a no-op",
			from: Status{State: StateConnected, Endpoint: prod},
			ev:   event{kind: evRequestOK},
			want: Status{State: StateConnected, Endpoint: prod},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transition(tt.from, tt.ev))
		})
	}
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "checking", StateChecking.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown(9)", State(9).String())
}

// =============================================================================
// TestConnection
// =============================================================================

func TestTestConnection_PrimaryReachable(t *testing.T) {
	prod := newHealthServer(t, http.StatusOK)
	local := newHealthServer(t, http.StatusOK)
	m := newTestManager(t, prod.URL, local.URL)

	assert.True(t, m.TestConnection(context.Background(), ""))

	st := m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, RoleProduction, st.Endpoint.Role)
	assert.Equal(t, int32(0), local.calls.Load())
}

func TestTestConnection_FailsOverToLocal(t *testing.T) {
	local := newHealthServer(t, http.StatusOK)
	m := newTestManager(t, deadURL(t), local.URL)

	assert.True(t, m.TestConnection(context.Background(), ""))

	st := m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, local.URL, st.Endpoint.URL)
	assert.Equal(t, RoleLocal, st.Endpoint.Role)
	assert.False(t, st.ShowError)
}

func TestTestConnection_Non200IsUnreachable(t *testing.T) {
	prod := newHealthServer(t, http.StatusServiceUnavailable)
	local := newHealthServer(t, http.StatusOK)
	m := newTestManager(t, prod.URL, local.URL)

	assert.True(t, m.TestConnection(context.Background(), ""))
	assert.Equal(t, RoleLocal, m.ActiveEndpoint().Role)
}

func TestTestConnection_BothUnreachableKeepsEndpoint(t *testing.T) {
	prod := newHealthServer(t, http.StatusOK)
	local := newHealthServer(t, http.StatusOK)
	m := newTestManager(t, prod.URL, local.URL)

	require.True(t, m.TestConnection(context.Background(), ""))
	before := m.ActiveEndpoint()

	prod.code.Store(http.StatusBadGateway)
	local.code.Store(http.StatusBadGateway)

	assert.False(t, m.TestConnection(context.Background(), ""))

	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, before, st.Endpoint)
	assert.NotEmpty(t, st.LastError)
	assert.True(t, st.ShowError)
}

func TestTestConnection_SecondaryNeverFallsBackToPrimary(t *testing.T) {
	prod := newHealthServer(t, http.StatusOK)
	local := newHealthServer(t, http.StatusInternalServerError)
	m := newTestManager(t, prod.URL, local.URL)

	assert.False(t, m.TestConnection(context.Background(), local.URL))
	assert.Equal(t, int32(0), prod.calls.Load())
	assert.Equal(t, StateFailed, m.Status().State)
}

func TestTestConnection_SingleHop(t *testing.T) {
	prod := newHealthServer(t, http.StatusInternalServerError)
	local := newHealthServer(t, http.StatusInternalServerError)
	m := newTestManager(t, prod.URL, local.URL)

	assert.False(t, m.TestConnection(context.Background(), ""))
	assert.Equal(t, int32(1), prod.calls.Load())
	assert.Equal(t, int32(1), local.calls.Load())
}

func TestTestConnection_CallerCancelLeavesState(t *testing.T) {
	m := newTestManager(t, deadURL(t), "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, m.TestConnection(ctx, ""))
	assert.Equal(t, StateChecking, m.Status().State)
}

// =============================================================================
// Retry loop
// =============================================================================

func TestRetryOnce_ExhaustsAtThreeAndManualTriggerResets(t *testing.T) {
	prod := newHealthServer(t, http.StatusServiceUnavailable)
	m := newTestManager(t, prod.URL, "")
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		assert.False(t, m.RetryOnce(ctx))
		assert.Equal(t, i, m.Status().RetryCount)
	}
	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 3, st.RetryCount)
	assert.False(t, m.Allow())

	calls := prod.calls.Load()
	prod.code.Store(http.StatusOK)

	assert.True(t, m.RetryOnce(ctx))
	assert.Equal(t, calls+1, prod.calls.Load())
	st = m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, 0, st.RetryCount)
	assert.True(t, m.Allow())
}

func TestHandleRetryConnection_StopsAtCap(t *testing.T) {
	prod := newHealthServer(t, http.StatusServiceUnavailable)
	m := newTestManager(t, prod.URL, "")

	assert.False(t, m.HandleRetryConnection(context.Background()))

	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, 3, st.RetryCount)
	assert.Equal(t, int32(3), prod.calls.Load())
	assert.False(t, m.Retrying())

	// Manual retry after exhaustion starts over.
	assert.False(t, m.HandleRetryConnection(context.Background()))
	assert.Equal(t, int32(6), prod.calls.Load())
	assert.Equal(t, 3, m.Status().RetryCount)
}

func TestHandleRetryConnection_RecoversMidLoop(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	m := newTestManager(t, srv.URL, "")

	assert.True(t, m.HandleRetryConnection(context.Background()))
	assert.Equal(t, int32(2), calls.Load())

	st := m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.Equal(t, 0, st.RetryCount)
	assert.False(t, st.ShowError)
}

func TestHandleRetryConnection_CancelledContext(t *testing.T) {
	m := newTestManager(t, deadURL(t), "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, m.HandleRetryConnection(ctx))
	assert.Equal(t, StateFailed, m.Status().State)
	assert.True(t, m.Allow())
}

// =============================================================================
// Pipeline reports
// =============================================================================

func TestReportNetworkFailureAndSuccess(t *testing.T) {
	prod := newHealthServer(t, http.StatusOK)
	m := newTestManager(t, prod.URL, "")
	require.True(t, m.TestConnection(context.Background(), ""))

	m.ReportNetworkFailure(errors.New("dial tcp: connection refused"))
	st := m.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.True(t, st.ShowError)
	assert.Contains(t, st.LastError, "connection refused")
	assert.True(t, m.Allow())

	m.ReportSuccess()
	st = m.Status()
	assert.Equal(t, StateConnected, st.State)
	assert.False(t, st.ShowError)
	assert.Equal(t, 0, st.RetryCount)
}

func TestReportNetworkFailure_AutoRetry(t *testing.T) {
	prod := newHealthServer(t, http.StatusOK)
	m, err := NewManager(Config{
		Primary:    Endpoint{URL: prod.URL},
		RetryDelay: time.Millisecond,
		AutoRetry:  true,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	defer m.Close()

	m.ReportNetworkFailure(nil)

	assert.Eventually(t, func() bool {
		return m.Status().State == StateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReportNetworkFailure_ConcurrentWithClose(t *testing.T) {
	for i := 0; i < 20; i++ {
		m, err := NewManager(Config{
			Primary:       Endpoint{URL: deadURL(t)},
			HealthTimeout: 50 * time.Millisecond,
			RetryDelay:    time.Millisecond,
			AutoRetry:     true,
			Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for j := 0; j < 4; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.ReportNetworkFailure(errors.New("connection refused"))
			}()
		}
		assert.NotPanics(t, m.Close)
		wg.Wait()

		m.ReportNetworkFailure(nil)
		m.Close()
	}
}

// =============================================================================
// Subscribe
// =============================================================================

func TestSubscribe_DeliversLatest(t *testing.T) {
	prod := newHealthServer(t, http.StatusOK)
	m := newTestManager(t, prod.URL, "")

	ch, unsubscribe := m.Subscribe()
	first := <-ch
	assert.Equal(t, StateChecking, first.State)

	m.ReportNetworkFailure(errors.New("a"))
	m.ReportNetworkFailure(errors.New("b"))

	latest := <-ch
	assert.Equal(t, "b", latest.LastError)

	unsubscribe()
	unsubscribe()
	_, open := <-ch
	assert.False(t, open)
}

func TestSubscribe_ClosedOnClose(t *testing.T) {
	prod := newHealthServer(t, http.StatusOK)
	m := newTestManager(t, prod.URL, "")
	ch, _ := m.Subscribe()
	<-ch

	m.Close()
	_, open := <-ch
	assert.False(t, open)

	ch2, _ := m.Subscribe()
	_, open = <-ch2
	assert.False(t, open)
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(Config{})
	assert.ErrorIs(t, err, ErrNoPrimary)

	m, err := NewManager(Config{
		Primary:   Endpoint{URL: "http://same/"},
		Secondary: &Endpoint{URL: "http://same", Role: RoleLocal},
	})
	require.NoError(t, err)
	defer m.Close()
	assert.Nil(t, m.cfg.Secondary)
	assert.Equal(t, "http://same", m.ActiveEndpoint().URL)
	assert.Equal(t, DefaultMaxAutoRetries, m.MaxAutoRetries())
}
