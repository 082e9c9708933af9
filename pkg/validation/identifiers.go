// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers that end up in request paths.
//
// Collection names and record ids are interpolated into URLs on the client
// and matched against routes on the development backend. Validating them in
// one place keeps both sides agreeing on what a legal identifier is and
// stops path traversal ("../auth/me") through a crafted name.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// collectionPattern matches valid collection names.
// Allows: lowercase letters, digits, underscores. Max length: 64.
var collectionPattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// MaxRecordIDLength bounds record ids.
const MaxRecordIDLength = 128

// ValidateCollection validates a collection name.
//
// Valid names:
//   - 1-64 characters
//   - Lowercase letters a-z, digits 0-9 and underscores
//
// Example:
//
//	if err := validation.ValidateCollection(name); err != nil {
//	    return nil, fmt.Errorf("open collection: %w", err)
//	}
//	// Safe to use as a path segment
func ValidateCollection(name string) error {
	if name == "" {
		return fmt.Errorf("collection name cannot be empty")
	}
	if !collectionPattern.MatchString(name) {
		return fmt.Errorf("invalid collection name: %q (must be 1-64 lowercase alphanumeric chars or underscores)", name)
	}
	return nil
}

// ValidateCollections validates several names and lists every invalid one.
func ValidateCollections(names []string) error {
	var invalid []string
	for _, n := range names {
		if err := ValidateCollection(n); err != nil {
			invalid = append(invalid, n)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid collection names: %v", invalid)
	}
	return nil
}

// SanitizeCollection lowercases and trims name, then validates it.
//
//	name, err := validation.SanitizeCollection(userInput)
func SanitizeCollection(name string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if err := ValidateCollection(normalized); err != nil {
		return "", err
	}
	return normalized, nil
}

// ValidateRecordID rejects ids that cannot be a single path segment:
// empty, too long, "." or "..", or containing a slash, backslash or
// control character.
func ValidateRecordID(id string) error {
	switch {
	case id == "":
		return fmt.Errorf("record id cannot be empty")
	case len(id) > MaxRecordIDLength:
		return fmt.Errorf("record id is longer than %d bytes", MaxRecordIDLength)
	case id == "." || id == "..":
		return fmt.Errorf("invalid record id: %q", id)
	}
	for _, r := range id {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return fmt.Errorf("invalid record id: %q", id)
		}
	}
	return nil
}
