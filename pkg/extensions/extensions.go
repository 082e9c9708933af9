// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the pluggable parts of the opsync backend.
//
// The development backend ships working defaults for everything here; a
// deployment can replace them by injecting implementations via
// ServiceOptions.
//
//   - auth.go: token validation and per-collection authorization
//   - audit.go: a trail of mutations and authentication events
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithAuthz(extensions.NewRoleAuthz("viewer")).
//	    WithAudit(extensions.NewMemoryAuditLogger(1000))
//	srv, err := devbackend.New(cfg, &opts)
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups the extension points of a backend service.
//
// Nil fields are replaced with defaults by the service:
//   - AuthProvider: the service's own session store
//   - AuthzProvider: AllowAllAuthz
//   - AuditLogger: NopAuditLogger
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	AuthProvider AuthProvider

	// AuthzProvider decides whether a user may perform an action.
	AuthzProvider AuthzProvider

	// AuditLogger records security-relevant events.
	AuditLogger AuditLogger
}

// DefaultOptions returns options with open defaults for authorization and
// auditing. AuthProvider stays nil so the service uses its own sessions.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthzProvider: &AllowAllAuthz{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
