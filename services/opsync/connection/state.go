// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package connection

import (
	"fmt"
	"time"
)

// State is the connection state shown to the user.
//
// # Transitions
//
//	checking      --probe ok-------------------------> connected
//	checking      --probe failed---------------------> failed
//	connected     --network failure------------------> failed
//	failed        --retry----------------------------> reconnecting
//	reconnecting  --probe failed, retries < max------> reconnecting
//	reconnecting  --probe failed, retries >= max-----> failed
//	any           --probe ok or request ok-----------> connected
type State int

const (
	// StateChecking is the state before the first health check completes.
	StateChecking State = iota

	// StateConnected means the active endpoint answered its health check.
	StateConnected

	// StateReconnecting means the bounded retry loop is running.
	StateReconnecting

	// StateFailed means the backend is unreachable. Automatic retries stop
	// once RetryCount reaches the cap; a manual retry starts over.
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateChecking:
		return "checking"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

// Role tags an endpoint as the production or the local backend.
type Role int

const (
	RoleProduction Role = iota
	RoleLocal
)

func (r Role) String() string {
	if r == RoleLocal {
		return "local"
	}
	return "production"
}

// Endpoint is a backend base URL with its role.
type Endpoint struct {
	URL  string
	Role Role
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s (%s)", e.URL, e.Role)
}

// Status is a snapshot of the connection state.
type Status struct {
	State State

	// RetryCount is the number of automatic attempts since the last reset.
	RetryCount int

	// LastError describes the most recent failure, empty after a success.
	LastError string

	// ShowError is true while the connection-error surface should be shown.
	ShowError bool

	// Endpoint is the active endpoint. It is kept when probes fail.
	Endpoint Endpoint

	UpdatedAt time.Time
}

// =============================================================================
// Transition table
// =============================================================================

type eventKind int

const (
	evProbeOK eventKind = iota
	evProbeFailed
	evRetryStarted
	evNetworkFailure
	evRequestOK
)

func (k eventKind) String() string {
	switch k {
	case evProbeOK:
		return "probe_ok"
	case evProbeFailed:
		return "probe_failed"
	case evRetryStarted:
		return "retry_started"
	case evNetworkFailure:
		return "network_failure"
	case evRequestOK:
		return "request_ok"
	default:
		return "unknown"
	}
}

type event struct {
	kind eventKind

	// endpoint is set for evProbeOK.
	endpoint Endpoint

	// err is set for evProbeFailed and evNetworkFailure.
	err string

	// maxRetries is the automatic retry cap.
	maxRetries int
}

// transition returns the status after ev. It has no side effects; UpdatedAt
// is stamped by the caller.
func transition(s Status, ev event) Status {
	switch ev.kind {
	case evProbeOK:
		s.State = StateConnected
		s.Endpoint = ev.endpoint
		s.RetryCount = 0
		s.LastError = ""
		s.ShowError = false

	case evProbeFailed:
		s.LastError = ev.err
		s.ShowError = true
		if s.State == StateReconnecting && s.RetryCount < ev.maxRetries {
			// Loop continues after the delay.
			break
		}
		s.State = StateFailed

	case evRetryStarted:
		if s.RetryCount >= ev.maxRetries {
			s.RetryCount = 0
		}
		s.State = StateReconnecting
		s.RetryCount++

	case evNetworkFailure:
		s.LastError = ev.err
		s.ShowError = true
		if s.State != StateReconnecting {
			s.State = StateFailed
		}

	case evRequestOK:
		if s.State == StateConnected && !s.ShowError {
			break
		}
		s.State = StateConnected
		s.RetryCount = 0
		s.LastError = ""
		s.ShowError = false
	}
	return s
}

// exhausted reports whether automatic retries are used up.
func (s Status) exhausted(maxRetries int) bool {
	return s.State == StateFailed && s.RetryCount >= maxRetries
}
