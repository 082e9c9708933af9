// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package syncerr defines the error taxonomy shared by the opsync client.
//
// # Overview
//
// Every failure produced by the connection, transport, mutation and session
// packages can be mapped onto one of five kinds:
//
//   - NetworkUnreachable: no HTTP response at all (timeout, DNS, refused)
//   - AuthExpired: the backend answered 401
//   - ServerError: any other non-2xx status, carrying status and body
//   - Validation: rejected on the client before any network call
//   - ConcurrentMutation: an overlapping mutation on the same id was refused
//
// Callers match kinds with errors.Is against the sentinels, or extract
// details with errors.As against the concrete types.
//
// # Example
//
//	_, err := customers.Update(ctx, id, fields)
//	switch {
//	case errors.Is(err, syncerr.ErrNetworkUnreachable):
//	    // connection banner is already showing
//	case errors.Is(err, syncerr.ErrServerError):
//	    var se *syncerr.StatusError
//	    errors.As(err, &se)
//	    fmt.Println(se.Status, se.Message())
//	}
package syncerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// =============================================================================
// Sentinels
// =============================================================================

var (
	// ErrNetworkUnreachable means no HTTP response was received.
	ErrNetworkUnreachable = errors.New("network unreachable")

	// ErrAuthExpired means the backend rejected the credentials with 401.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrServerError means the backend answered with a non-2xx status other than 401.
	ErrServerError = errors.New("server error")

	// ErrValidation means the request was rejected before reaching the network.
	ErrValidation = errors.New("validation failed")

	// ErrConcurrentMutation means another mutation on the same id is in flight.
	ErrConcurrentMutation = errors.New("concurrent mutation rejected")
)

// =============================================================================
// Kind
// =============================================================================

// Kind classifies an error for display and propagation decisions.
type Kind int

const (
	// KindUnknown is anything that does not belong to the taxonomy
	// (for example a cancelled context).
	KindUnknown Kind = iota
	KindNetworkUnreachable
	KindAuthExpired
	KindServerError
	KindValidation
	KindConcurrentMutation
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindAuthExpired:
		return "auth_expired"
	case KindServerError:
		return "server_error"
	case KindValidation:
		return "validation"
	case KindConcurrentMutation:
		return "concurrent_mutation"
	default:
		return "unknown"
	}
}

// Global reports whether errors of this kind are handled by a process-wide
// component (connection banner or forced logout) in addition to the caller.
func (k Kind) Global() bool {
	return k == KindNetworkUnreachable || k == KindAuthExpired
}

// KindOf maps err onto the taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrNetworkUnreachable):
		return KindNetworkUnreachable
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrServerError):
		return KindServerError
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrConcurrentMutation):
		return KindConcurrentMutation
	default:
		return KindUnknown
	}
}

// =============================================================================
// NetworkError
// =============================================================================

// NetworkError records a request that never produced an HTTP response.
//
// errors.Is(err, ErrNetworkUnreachable) is always true; Unwrap exposes the
// underlying transport error (net.OpError, context.DeadlineExceeded, ...).
type NetworkError struct {
	Method string
	URL    string
	Cause  error
}

func (e *NetworkError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s %s: network unreachable", e.Method, e.URL)
	}
	return fmt.Sprintf("%s %s: network unreachable: %v", e.Method, e.URL, e.Cause)
}

func (e *NetworkError) Unwrap() error { return e.Cause }

func (e *NetworkError) Is(target error) bool { return target == ErrNetworkUnreachable }

// NewNetworkError wraps cause as a network-unreachable failure.
func NewNetworkError(method, url string, cause error) *NetworkError {
	return &NetworkError{Method: method, URL: url, Cause: cause}
}

// =============================================================================
// StatusError
// =============================================================================

// StatusError records a non-2xx HTTP response.
//
// # Description
//
// A 401 matches ErrAuthExpired, every other status matches ErrServerError.
// The original status and body are kept untouched so the caller can render
// the backend's own message.
type StatusError struct {
	Method string
	Path   string
	Status int
	Body   []byte
}

func (e *StatusError) Error() string {
	msg := e.Message()
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, msg)
}

func (e *StatusError) Is(target error) bool {
	if e.Status == http.StatusUnauthorized {
		return target == ErrAuthExpired
	}
	return target == ErrServerError
}

// Message extracts a human-readable message from the response body.
//
// The backend uses {"error": "..."} or {"message": "..."}; a short
// non-JSON body is returned as-is. Empty when nothing usable is present.
func (e *StatusError) Message() string {
	return MessageFromBody(e.Body)
}

// MessageFromBody extracts "error" or "message" from a JSON body.
func MessageFromBody(body []byte) string {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return ""
	}
	var payload struct {
		Error   any    `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
		switch v := payload.Error.(type) {
		case string:
			if v != "" {
				return v
			}
		case map[string]any:
			if m, ok := v["message"].(string); ok && m != "" {
				return m
			}
		}
		return payload.Message
	}
	if len(trimmed) <= 200 && !strings.HasPrefix(trimmed, "<") {
		return trimmed
	}
	return ""
}

// =============================================================================
// ValidationError
// =============================================================================

// ValidationError lists client-side problems found before a request was sent.
type ValidationError struct {
	// Fields maps a field name to the rule it failed.
	Fields map[string]string

	// Reason is used when the problem is not tied to a field.
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Reason == "" {
			return ErrValidation.Error()
		}
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid builds a ValidationError that is not tied to a field.
func Invalid(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// =============================================================================
// MutationError
// =============================================================================

// MutationError is returned by the optimistic mutation engine once the local
// change has been rolled back.
type MutationError struct {
	Collection string
	Op         string
	ID         string
	Err        error
}

func (e *MutationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Collection, e.ID, e.Err)
}

func (e *MutationError) Unwrap() error { return e.Err }

// =============================================================================
// Display
// =============================================================================

// GenericFailureMessage is shown when the backend gave no usable message.
const GenericFailureMessage = "Something went wrong. Please try again."

// UserMessage renders err as a one-line notification.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch KindOf(err) {
	case KindNetworkUnreachable:
		return "Cannot reach the server. Check your connection and retry."
	case KindAuthExpired:
		return "Your session has expired. Please sign in again."
	case KindConcurrentMutation:
		return "This item is still being saved. Please wait a moment."
	case KindValidation:
		var ve *ValidationError
		if errors.As(err, &ve) {
			return ve.Error()
		}
	case KindServerError:
		var se *StatusError
		if errors.As(err, &se) {
			if msg := se.Message(); msg != "" {
				return msg
			}
		}
	}
	return GenericFailureMessage
}
