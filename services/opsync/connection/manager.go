// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package connection owns the active backend endpoint and the connection
// state shown to the user.
//
// # Overview
//
// The Manager health-checks a production endpoint and, when it is down,
// fails over once to a local endpoint. A bounded retry loop reconnects after
// failures; once the retry budget is spent it stops until the user asks
// for another attempt. The Request Pipeline reports network failures and
// successes here so the connection-error surface follows real traffic.
//
// # Thread Safety
//
// Manager is safe for concurrent use. Only the Manager writes the active
// endpoint and the status.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/opsync/services/opsync/syncerr"
)

// Defaults applied to zero Config fields.
const (
	DefaultHealthPath     = "/health"
	DefaultHealthTimeout  = 5 * time.Second
	DefaultMaxAutoRetries = 3
	DefaultRetryDelay     = 2 * time.Second
)

// ErrNoPrimary is returned by NewManager when no primary URL is configured.
var ErrNoPrimary = errors.New("primary endpoint URL is required")

// Config configures a Manager.
//
// # Example
//
//	cfg := connection.Config{
//	    Primary:   connection.Endpoint{URL: "https://api.example.com", Role: connection.RoleProduction},
//	    Secondary: &connection.Endpoint{URL: "http://localhost:8080", Role: connection.RoleLocal},
//	}
type Config struct {
	// Primary is the preferred endpoint, normally production. Required.
	Primary Endpoint

	// Secondary is the single failover target. Nil disables failover.
	Secondary *Endpoint

	// HealthPath is appended to the base URL. Default: /health
	HealthPath string

	// HealthTimeout bounds one probe. Default: 5s
	HealthTimeout time.Duration

	// MaxAutoRetries caps automatic reconnect attempts. Default: 3
	MaxAutoRetries int

	// RetryDelay is the fixed wait between attempts. Default: 2s
	RetryDelay time.Duration

	// AutoRetry starts the retry loop in the background whenever a network
	// failure is reported.
	AutoRetry bool

	// HTTPClient performs probes. Default: a client without timeout; the
	// probe context carries HealthTimeout.
	HTTPClient *http.Client

	// Logger receives state changes. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultConfig returns defaults for the given production URL.
func DefaultConfig(productionURL string) Config {
	return Config{
		Primary:        Endpoint{URL: productionURL, Role: RoleProduction},
		HealthPath:     DefaultHealthPath,
		HealthTimeout:  DefaultHealthTimeout,
		MaxAutoRetries: DefaultMaxAutoRetries,
		RetryDelay:     DefaultRetryDelay,
	}
}

// Manager selects the active endpoint and drives reconnection.
type Manager struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	mu       sync.RWMutex
	status   Status
	retrying bool
	subs     map[int]chan Status
	nextSub  int
	closed   bool

	// lifetime bounds background retry loops started by AutoRetry.
	lifetime context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a Manager in state checking with the primary endpoint
// active. No probe is issued until TestConnection is called.
func NewManager(cfg Config) (*Manager, error) {
	cfg.Primary.URL = normalizeURL(cfg.Primary.URL)
	if cfg.Primary.URL == "" {
		return nil, ErrNoPrimary
	}
	if cfg.Secondary != nil {
		secondary := *cfg.Secondary
		secondary.URL = normalizeURL(secondary.URL)
		if secondary.URL == "" || secondary.URL == cfg.Primary.URL {
			cfg.Secondary = nil
		} else {
			cfg.Secondary = &secondary
		}
	}
	if cfg.HealthPath == "" {
		cfg.HealthPath = DefaultHealthPath
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.MaxAutoRetries <= 0 {
		cfg.MaxAutoRetries = DefaultMaxAutoRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	lifetime, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "connection"),
		status: Status{
			State:     StateChecking,
			Endpoint:  cfg.Primary,
			UpdatedAt: time.Now(),
		},
		subs:     make(map[int]chan Status),
		lifetime: lifetime,
		cancel:   cancel,
	}
	recordState(StateChecking)
	return m, nil
}

// =============================================================================
// Queries
// =============================================================================

// Status returns the current status snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// ActiveEndpoint returns the endpoint requests should be sent to.
func (m *Manager) ActiveEndpoint() Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Endpoint
}

// Allow reports whether data calls should be attempted. It is false only
// after the automatic retry budget is exhausted, until a manual retry or a
// successful probe.
func (m *Manager) Allow() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.status.exhausted(m.cfg.MaxAutoRetries)
}

// MaxAutoRetries returns the effective retry cap.
func (m *Manager) MaxAutoRetries() int {
	return m.cfg.MaxAutoRetries
}

// Subscribe returns a channel that receives every status change. The
// channel holds only the latest value; slow readers skip intermediate
// states. The current status is delivered immediately. Call the returned
// function to unsubscribe.
func (m *Manager) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan Status, 1)
	if m.closed {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.status

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if c, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(c)
			}
		})
	}
}

// =============================================================================
// Health checks
// =============================================================================

// TestConnection health-checks an endpoint and updates the active endpoint.
//
// # Description
//
// An empty url means the primary endpoint; the secondary URL selects the
// secondary; any other URL is probed as a primary candidate. When a
// primary candidate fails and a secondary is configured, the secondary is
// probed exactly once. The secondary never falls back to the primary.
//
// On success the probed endpoint becomes active and the state becomes
// connected. On failure the active endpoint is kept and the state becomes
// failed with LastError set. A context cancelled by the caller returns
// false without touching the state.
//
// # Inputs
//
//   - ctx: caller context; each probe also gets HealthTimeout
//   - url: candidate base URL, or "" for the primary
//
// # Outputs
//
//   - bool: true when some endpoint answered 200
func (m *Manager) TestConnection(ctx context.Context, url string) bool {
	ok, _ := m.check(ctx, m.resolve(url))
	return ok
}

// check probes candidate with single-hop failover. The second return is
// false when the outcome was caused by ctx being cancelled.
func (m *Manager) check(ctx context.Context, candidate Endpoint) (bool, bool) {
	err := m.probe(ctx, candidate)
	if err == nil {
		m.apply(event{kind: evProbeOK, endpoint: candidate})
		return true, true
	}
	if ctx.Err() != nil {
		return false, false
	}

	m.logger.Warn("health check failed", "endpoint", candidate.URL, "role", candidate.Role.String(), "error", err)

	if candidate.Role == RoleProduction && m.cfg.Secondary != nil {
		secondary := *m.cfg.Secondary
		m.logger.Info("failing over", "from", candidate.URL, "to", secondary.URL)

		serr := m.probe(ctx, secondary)
		if serr == nil {
			failovers.Inc()
			m.apply(event{kind: evProbeOK, endpoint: secondary})
			return true, true
		}
		if ctx.Err() != nil {
			return false, false
		}
		m.logger.Warn("health check failed", "endpoint", secondary.URL, "role", secondary.Role.String(), "error", serr)
		err = fmt.Errorf("%v; %s: %v", err, secondary.Role, serr)
	}

	m.apply(event{kind: evProbeFailed, err: err.Error(), maxRetries: m.cfg.MaxAutoRetries})
	return false, true
}

// probe issues GET <base><HealthPath>; only HTTP 200 counts as reachable.
func (m *Manager) probe(ctx context.Context, ep Endpoint) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.HealthTimeout)
	defer cancel()

	url := ep.URL + m.cfg.HealthPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		recordHealthCheck(ep.Role, false)
		return fmt.Errorf("build health request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		recordHealthCheck(ep.Role, false)
		return syncerr.NewNetworkError(http.MethodGet, url, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		recordHealthCheck(ep.Role, false)
		return fmt.Errorf("%s: status %d", url, resp.StatusCode)
	}
	recordHealthCheck(ep.Role, true)
	return nil
}

func (m *Manager) resolve(url string) Endpoint {
	url = normalizeURL(url)
	switch {
	case url == "" || url == m.cfg.Primary.URL:
		return m.cfg.Primary
	case m.cfg.Secondary != nil && url == m.cfg.Secondary.URL:
		return *m.cfg.Secondary
	default:
		return Endpoint{URL: url, Role: RoleProduction}
	}
}

// =============================================================================
// Retry state machine
// =============================================================================

// RetryOnce performs one reconnect attempt.
//
// # Description
//
// Moves to reconnecting and increments RetryCount (resetting it first when
// the budget was exhausted, which is what a manual retry does), then
// health-checks the primary with failover. A failure leaves the state at
// reconnecting while attempts remain and at failed once RetryCount reaches
// the cap.
//
// # Outputs
//
//   - bool: true when connected
func (m *Manager) RetryOnce(ctx context.Context) bool {
	m.apply(event{kind: evRetryStarted, maxRetries: m.cfg.MaxAutoRetries})
	retryAttempts.Inc()

	ok, decided := m.check(ctx, m.cfg.Primary)
	if !decided {
		// Cancelled mid-probe: record it so the loop does not stay reconnecting.
		m.apply(event{kind: evProbeFailed, err: ctx.Err().Error(), maxRetries: 0})
	}
	return ok
}

// HandleRetryConnection runs the bounded retry loop until connected, the
// retry budget is spent, or ctx is done.
//
// # Description
//
// Each attempt is RetryOnce followed by RetryDelay. After MaxAutoRetries
// failed attempts the state is failed and the loop stops; automatic
// retries do not resume. Calling HandleRetryConnection again after that is
// the manual retry: the count resets and the loop runs again.
//
// Only one loop runs at a time; a call made while a loop is running
// returns false immediately.
//
// # Outputs
//
//   - bool: true when the loop ended connected
func (m *Manager) HandleRetryConnection(ctx context.Context) bool {
	m.mu.Lock()
	if m.retrying || m.closed {
		m.mu.Unlock()
		return false
	}
	m.retrying = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.retrying = false
		m.mu.Unlock()
	}()

	for {
		if m.RetryOnce(ctx) {
			m.logger.Info("connection restored", "endpoint", m.ActiveEndpoint().URL)
			return true
		}

		st := m.Status()
		if st.State != StateReconnecting {
			if st.State == StateConnected {
				return true
			}
			m.logger.Warn("giving up automatic reconnect", "attempts", st.RetryCount, "error", st.LastError)
			return false
		}

		timer := time.NewTimer(m.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.apply(event{kind: evProbeFailed, err: ctx.Err().Error(), maxRetries: 0})
			return false
		case <-timer.C:
		}

		if m.Status().State == StateConnected {
			// A request succeeded while we were waiting.
			return true
		}
	}
}

// Retrying reports whether a retry loop is running.
func (m *Manager) Retrying() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.retrying
}

// =============================================================================
// Reports from the Request Pipeline
// =============================================================================

// ReportNetworkFailure raises the connection-error surface. With AutoRetry
// set it also starts the retry loop in the background.
func (m *Manager) ReportNetworkFailure(err error) {
	msg := "network unreachable"
	if err != nil {
		msg = err.Error()
	}
	m.apply(event{kind: evNetworkFailure, err: msg})

	if !m.cfg.AutoRetry {
		return
	}
	// wg.Add happens under mu so Close cannot start waiting in between.
	m.mu.Lock()
	start := !m.retrying && !m.closed && !m.status.exhausted(m.cfg.MaxAutoRetries)
	if start {
		m.wg.Add(1)
	}
	m.mu.Unlock()
	if start {
		go func() {
			defer m.wg.Done()
			m.HandleRetryConnection(m.lifetime)
		}()
	}
}

// ReportSuccess dismisses the connection-error surface and resets the
// retry count. It does nothing while already connected without an error.
func (m *Manager) ReportSuccess() {
	m.apply(event{kind: evRequestOK})
}

// Close stops background retry loops and closes subscriber channels.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
}

// =============================================================================
// Internals
// =============================================================================

// apply runs the transition table and publishes changes.
func (m *Manager) apply(ev event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.status
	next := transition(prev, ev)
	if next == prev {
		return
	}
	next.UpdatedAt = time.Now()
	m.status = next

	if prev.State != next.State || prev.Endpoint != next.Endpoint {
		m.logger.Info("connection state changed",
			"from", prev.State.String(),
			"to", next.State.String(),
			"event", ev.kind.String(),
			"endpoint", next.Endpoint.URL,
			"retry_count", next.RetryCount,
		)
		recordState(next.State)
	}

	for _, ch := range m.subs {
		// Keep only the latest value.
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
}

func normalizeURL(url string) string {
	return strings.TrimRight(strings.TrimSpace(url), "/")
}
