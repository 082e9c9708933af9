// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the in-memory data behind the development backend:
// collections of records, user accounts and issued session tokens.
//
// Records are plain JSON objects with an integer id assigned on create.
// Names are unique per collection, mirroring the production backend's
// "Name already taken" conflict.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/AleutianAI/opsync/pkg/extensions"
	"github.com/AleutianAI/opsync/services/opsync/model"
)

var (
	// ErrNotFound is returned for an unknown record id.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a name is already used in a collection.
	ErrConflict = errors.New("Name already taken")

	// ErrBadCredentials is returned by Authenticate for an unknown email or
	// a wrong password.
	ErrBadCredentials = errors.New("Invalid email or password")

	// ErrInjected is returned by a mutation consumed by InjectFailures.
	ErrInjected = errors.New("injected failure")
)

// Record is one stored entity.
type Record map[string]any

// Account is a user that can log in.
type Account struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Role     string `yaml:"role"`
}

type account struct {
	user model.User
	hash []byte
}

type collection struct {
	nextID  int
	records []Record
	faults  int
}

// Store is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	collections map[string]*collection
	accounts    map[string]*account
	tokens      map[string]string
	now         func() time.Time
}

// New creates a store holding the given accounts. Passwords are hashed
// with bcrypt; cost is bcrypt.MinCost when fast is set.
func New(accounts []Account, fast bool) (*Store, error) {
	s := &Store{
		collections: make(map[string]*collection),
		accounts:    make(map[string]*account),
		tokens:      make(map[string]string),
		now:         time.Now,
	}
	cost := bcrypt.DefaultCost
	if fast {
		cost = bcrypt.MinCost
	}
	for i, a := range accounts {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email == "" || a.Password == "" {
			return nil, fmt.Errorf("account %d: email and password are required", i)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(a.Password), cost)
		if err != nil {
			return nil, fmt.Errorf("hash password for %s: %w", email, err)
		}
		s.accounts[email] = &account{
			user: model.User{ID: model.ID(strconv.Itoa(i + 1)), Name: a.Name, Email: email, Role: a.Role},
			hash: hash,
		}
	}
	return s, nil
}

// =============================================================================
// Accounts and tokens
// =============================================================================

// Authenticate checks a password and issues a new token.
func (s *Store) Authenticate(email, password string) (string, model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[strings.ToLower(strings.TrimSpace(email))]
	if !ok || bcrypt.CompareHashAndPassword(acct.hash, []byte(password)) != nil {
		return "", model.User{}, ErrBadCredentials
	}
	token := uuid.NewString()
	s.tokens[token] = acct.user.Email
	return token, acct.user, nil
}

// UserForToken returns the user a token was issued to.
func (s *Store) UserForToken(token string) (model.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	email, ok := s.tokens[token]
	if !ok {
		return model.User{}, false
	}
	acct, ok := s.accounts[email]
	if !ok {
		return model.User{}, false
	}
	return acct.user, true
}

// Revoke invalidates a token. Unknown tokens are ignored.
func (s *Store) Revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// RevokeAll invalidates every issued token, as a backend restart would.
func (s *Store) RevokeAll() {
	s.mu.Lock()
	clear(s.tokens)
	s.mu.Unlock()
}

// Validate implements extensions.AuthProvider over the issued tokens.
func (s *Store) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", extensions.ErrUnauthorized)
	}
	user, ok := s.UserForToken(token)
	if !ok {
		return nil, fmt.Errorf("unknown token: %w", extensions.ErrUnauthorized)
	}
	var roles []string
	if user.Role != "" {
		roles = []string{user.Role}
	}
	return &extensions.AuthInfo{UserID: user.ID.String(), Email: user.Email, Name: user.Name, Roles: roles}, nil
}

var _ extensions.AuthProvider = (*Store)(nil)

// =============================================================================
// Records
// =============================================================================

// List returns copies of every record of a collection in insertion order.
func (s *Store) List(name string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.collections[name]
	if !ok {
		return []Record{}
	}
	out := make([]Record, len(c.records))
	for i, r := range c.records {
		out[i] = maps.Clone(r)
	}
	return out
}

// Create stores fields as a new record with a fresh id and server-side
// timestamps. A client-supplied id is ignored.
func (s *Store) Create(name string, fields map[string]any) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collectionLocked(name)
	if err := c.takeFault(); err != nil {
		return nil, err
	}
	if n, ok := fields["name"].(string); ok && c.nameTaken(n, "") {
		return nil, ErrConflict
	}

	c.nextID++
	now := s.now().UTC().Format(time.RFC3339)
	rec := Record{"active": true}
	maps.Copy(rec, fields)
	rec["id"] = c.nextID
	rec["created_at"] = now
	rec["updated_at"] = now
	c.records = append(c.records, rec)
	return maps.Clone(rec), nil
}

// Update overlays fields onto a record. The id cannot change.
func (s *Store) Update(name, id string, fields map[string]any) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collectionLocked(name)
	if err := c.takeFault(); err != nil {
		return nil, err
	}
	i := c.index(id)
	if i < 0 {
		return nil, ErrNotFound
	}
	if n, ok := fields["name"].(string); ok && c.nameTaken(n, id) {
		return nil, ErrConflict
	}

	rec := c.records[i]
	for k, v := range fields {
		if k == "id" || k == "created_at" {
			continue
		}
		rec[k] = v
	}
	rec["updated_at"] = s.now().UTC().Format(time.RFC3339)
	return maps.Clone(rec), nil
}

// Delete removes a record.
func (s *Store) Delete(name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.collectionLocked(name)
	if err := c.takeFault(); err != nil {
		return err
	}
	i := c.index(id)
	if i < 0 {
		return ErrNotFound
	}
	c.records = append(c.records[:i], c.records[i+1:]...)
	return nil
}

// InjectFailures makes the next n mutations of a collection fail with
// ErrInjected. Reads are never affected.
func (s *Store) InjectFailures(name string, n int) {
	s.mu.Lock()
	s.collectionLocked(name).faults = max(n, 0)
	s.mu.Unlock()
}

func (s *Store) collectionLocked(name string) *collection {
	c, ok := s.collections[name]
	if !ok {
		c = &collection{}
		s.collections[name] = c
	}
	return c
}

func (c *collection) takeFault() error {
	if c.faults == 0 {
		return nil
	}
	c.faults--
	return ErrInjected
}

func (c *collection) index(id string) int {
	for i, r := range c.records {
		if model.IDString(r["id"]) == id {
			return i
		}
	}
	return -1
}

func (c *collection) nameTaken(name, exceptID string) bool {
	for _, r := range c.records {
		if r["name"] == name && model.IDString(r["id"]) != exceptID {
			return true
		}
	}
	return false
}
