// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when a token is missing, unknown or expired.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated user may not perform an
// action.
var ErrForbidden = errors.New("forbidden")

// AuthInfo is the identity behind a validated token.
type AuthInfo struct {
	// UserID is never empty.
	UserID string
	Email  string
	Name   string
	Roles  []string
}

// HasRole reports whether the user has role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates bearer tokens.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate returns the identity behind token, or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest is one (user, action, resource) decision.
//
// Example:
//
//	req := AuthzRequest{
//	    User:       info,
//	    Action:     "delete",
//	    Collection: "customers",
//	    ResourceID: "42",
//	}
type AuthzRequest struct {
	User *AuthInfo

	// Action is "read", "create", "update" or "delete".
	Action string

	Collection string

	// ResourceID is empty for collection-level actions.
	ResourceID string
}

// AuthzProvider decides whether a request is allowed.
type AuthzProvider interface {
	// Authorize returns nil when allowed, otherwise an error wrapping
	// ErrForbidden.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// AllowAllAuthz permits every action.
type AllowAllAuthz struct{}

// Authorize always returns nil.
func (AllowAllAuthz) Authorize(context.Context, AuthzRequest) error { return nil }

// RoleAuthz makes users holding any of the read-only roles unable to
// mutate. Reads are always allowed.
type RoleAuthz struct {
	readOnly []string
}

// NewRoleAuthz creates a RoleAuthz for the given read-only roles.
func NewRoleAuthz(readOnlyRoles ...string) *RoleAuthz {
	return &RoleAuthz{readOnly: readOnlyRoles}
}

// Authorize implements AuthzProvider.
func (r *RoleAuthz) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return fmt.Errorf("no user: %w", ErrForbidden)
	}
	if req.Action == "read" {
		return nil
	}
	for _, role := range r.readOnly {
		if req.User.HasRole(role) {
			return fmt.Errorf("role %q may not %s %s: %w", role, req.Action, req.Collection, ErrForbidden)
		}
	}
	return nil
}

var (
	_ AuthzProvider = AllowAllAuthz{}
	_ AuthzProvider = (*RoleAuthz)(nil)
)
