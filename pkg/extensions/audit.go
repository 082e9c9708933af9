// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"sync"
	"time"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeBlocked = "blocked"
)

// AuditEvent is one security-relevant event.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:  "entity.create",
//	    UserID:     info.UserID,
//	    Action:     "create",
//	    Collection: "customers",
//	    ResourceID: "17",
//	    Outcome:    OutcomeSuccess,
//	}
type AuditEvent struct {
	// EventType is "category.action", e.g. "auth.login".
	EventType string

	// Timestamp defaults to now (UTC) when zero.
	Timestamp time.Time

	// UserID is "anonymous" when unknown.
	UserID string

	Action     string
	Collection string
	ResourceID string
	Outcome    string

	// TraceID links the event to the request's trace when traced.
	TraceID string
}

// AuditFilter selects events. Zero fields match everything.
type AuditFilter struct {
	EventType string
	UserID    string
	Since     time.Time
	Limit     int
}

func (f AuditFilter) match(e AuditEvent) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	return true
}

// AuditLogger records events.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error

	// Query returns matching events, newest first.
	Query(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards event.
func (*NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// Query always returns an empty slice.
func (*NopAuditLogger) Query(context.Context, AuditFilter) ([]AuditEvent, error) {
	return []AuditEvent{}, nil
}

// MemoryAuditLogger keeps the most recent events in a ring buffer.
//
// Thread Safety: Safe for concurrent use.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
	next   int
	full   bool
	now    func() time.Time
}

// NewMemoryAuditLogger keeps up to capacity events (minimum 1).
func NewMemoryAuditLogger(capacity int) *MemoryAuditLogger {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryAuditLogger{events: make([]AuditEvent, capacity), now: time.Now}
}

// Log records event, evicting the oldest when full.
func (l *MemoryAuditLogger) Log(_ context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = l.now().UTC()
	}
	if event.UserID == "" {
		event.UserID = "anonymous"
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[l.next] = event
	l.next = (l.next + 1) % len(l.events)
	if l.next == 0 {
		l.full = true
	}
	return nil
}

// Query implements AuditLogger.
func (l *MemoryAuditLogger) Query(_ context.Context, filter AuditFilter) ([]AuditEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := l.next
	if l.full {
		n = len(l.events)
	}
	out := make([]AuditEvent, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.events)) % len(l.events)
		e := l.events[idx]
		if !filter.match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*MemoryAuditLogger)(nil)
)
