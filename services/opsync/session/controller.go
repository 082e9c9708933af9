// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package session decides whether a stored session is usable and clears it on
expiry or logout.

# Startup

Start never waits for the network. With a token and a cached profile the
user is presented at once while GET /auth/me revalidates in the background:

  - success replaces and persists the profile
  - failure with a cached profile keeps the user, marked Stale
  - failure without one logs out (token and cache cleared)
  - 401 always logs out

# Thread Safety

All methods are safe for concurrent use. No lock is held across a network
call, so the 401 hook may fire from inside any request.
*/
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/opsync/services/opsync/model"
	"github.com/AleutianAI/opsync/services/opsync/storage"
	"github.com/AleutianAI/opsync/services/opsync/syncerr"
	"github.com/AleutianAI/opsync/services/opsync/transport"
)

const (
	// CacheKey is where the profile is persisted.
	CacheKey = "session/profile"

	// DefaultLogoutTimeout bounds the best-effort logout notification.
	DefaultLogoutTimeout = 3 * time.Second

	pathLogin  = "/auth/login"
	pathMe     = "/auth/me"
	pathLogout = "/auth/logout"
)

// Requester sends backend requests. *transport.Pipeline implements it.
type Requester interface {
	Do(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// TokenStore holds the session token. *credentials.Store implements it.
type TokenStore interface {
	Token() (string, bool)
	SetToken(token string) error
	ClearToken() error
}

// LoginError is returned by Login. Message is the server's message when it
// sent one, otherwise syncerr.GenericFailureMessage.
type LoginError struct {
	Message string
	Err     error
}

func (e *LoginError) Error() string { return e.Message }

func (e *LoginError) Unwrap() error { return e.Err }

// Config configures a Controller.
type Config struct {
	Client      Requester
	Credentials TokenStore

	// Cache persists the profile. Required.
	Cache storage.KV

	// LogoutTimeout bounds the logout notification. Default: 3s
	LogoutTimeout time.Duration

	Now    func() time.Time
	Logger *slog.Logger
}

// Controller owns the session lifecycle.
type Controller struct {
	client        Requester
	creds         TokenStore
	cache         storage.KV
	logoutTimeout time.Duration
	now           func() time.Time
	logger        *slog.Logger
	validate      *validator.Validate

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	current Session
	// epoch increases on every login or logout; background results from an
	// older epoch are discarded.
	epoch   uint64
	pending chan struct{}
	subs    map[int]chan Session
	nextSub int
}

// New creates a logged-out controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Client == nil || cfg.Credentials == nil || cfg.Cache == nil {
		return nil, errors.New("session: client, credentials and cache are required")
	}
	c := &Controller{
		client:        cfg.Client,
		creds:         cfg.Credentials,
		cache:         cfg.Cache,
		logoutTimeout: cfg.LogoutTimeout,
		now:           cfg.Now,
		logger:        cfg.Logger,
		validate:      validator.New(),
		subs:          make(map[int]chan Session),
	}
	if c.logoutTimeout <= 0 {
		c.logoutTimeout = DefaultLogoutTimeout
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// Current returns the current session.
func (c *Controller) Current() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe returns a channel receiving every session change. Only the
// latest value is kept; the current one is delivered immediately.
func (c *Controller) Subscribe() (<-chan Session, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Session, 1)
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.current

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// =============================================================================
// Startup
// =============================================================================

// Start restores the stored session without waiting for the network.
//
// # Description
//
// With no token the session is logged out. With a token the cached profile
// (if any) is presented immediately and a background GET /auth/me
// revalidates it. Use Wait to block until revalidation finishes.
//
// # Outputs
//
//   - Session: the state presented right now
func (c *Controller) Start(ctx context.Context) Session {
	if _, ok := c.creds.Token(); !ok {
		c.mu.Lock()
		c.epoch++
		c.setLocked(Session{State: StateLoggedOut})
		s := c.current
		c.mu.Unlock()
		return s
	}

	cached, hasCache := c.loadCache()

	c.mu.Lock()
	c.epoch++
	epoch := c.epoch
	if hasCache {
		user := cached.User
		c.setLocked(Session{State: StateLoggedIn, User: &user, CachedAt: cached.CachedAt})
	} else {
		c.setLocked(Session{State: StateRestoring})
	}
	done := make(chan struct{})
	c.pending = done
	s := c.current
	c.mu.Unlock()

	// Revalidation outlives the caller's ctx (keeping its values) and stops
	// on Close.
	rctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	unlink := context.AfterFunc(c.ctx, stop)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(done)
		defer unlink()
		defer stop()
		c.revalidate(rctx, epoch, hasCache)
	}()
	return s
}

// Wait blocks until the background revalidation started by Start finishes.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	pending := c.pending
	c.mu.Unlock()
	if pending == nil {
		return nil
	}
	select {
	case <-pending:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) revalidate(ctx context.Context, epoch uint64, hasCache bool) {
	user, err := c.fetchMe(ctx)
	if err == nil {
		cachedAt := c.now().UTC()
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.epoch != epoch {
			return
		}
		// Persisted under mu so a concurrent logout cannot be undone.
		c.saveCache(model.CachedSession{User: user, CachedAt: cachedAt})
		c.setLocked(Session{State: StateLoggedIn, User: &user, CachedAt: cachedAt})
		c.logger.Info("session revalidated", "user_id", user.ID.String())
		return
	}

	if ctx.Err() != nil {
		return
	}

	if errors.Is(err, syncerr.ErrAuthExpired) || !hasCache {
		c.logger.Info("session not restorable, logging out", "kind", syncerr.KindOf(err).String(), "error", err)
		c.clearIf(epoch)
		return
	}

	c.logger.Warn("session revalidation failed, keeping cached profile", "kind", syncerr.KindOf(err).String(), "error", err)
	c.mu.Lock()
	if c.epoch == epoch && c.current.State == StateLoggedIn {
		s := c.current
		s.Stale = true
		c.setLocked(s)
	}
	c.mu.Unlock()
}

func (c *Controller) fetchMe(ctx context.Context) (model.User, error) {
	resp, err := c.client.Do(ctx, transport.Request{Method: http.MethodGet, Path: pathMe})
	if err != nil {
		return model.User{}, err
	}
	var me model.MeResponse
	if err := json.Unmarshal(resp.Body, &me); err != nil {
		return model.User{}, fmt.Errorf("decode %s: %w", pathMe, err)
	}
	if !me.OK || me.User == nil {
		return model.User{}, fmt.Errorf("%s: no user in response", pathMe)
	}
	return *me.User, nil
}

// =============================================================================
// Login / Logout
// =============================================================================

// Login authenticates and persists the token and profile.
//
// # Outputs
//
//   - model.User: the signed-in user
//   - error: *syncerr.ValidationError for bad input, otherwise *LoginError
//     carrying the server's message or a generic one
func (c *Controller) Login(ctx context.Context, email, password string) (model.User, error) {
	req := model.LoginRequest{Email: email, Password: password}
	if err := c.validate.Struct(req); err != nil {
		return model.User{}, validationError(err)
	}

	resp, err := c.client.Do(ctx, transport.Request{Method: http.MethodPost, Path: pathLogin, Body: req})
	if err != nil {
		msg := syncerr.GenericFailureMessage
		var se *syncerr.StatusError
		if errors.As(err, &se) && se.Message() != "" {
			msg = se.Message()
		}
		c.logger.Info("login failed", "kind", syncerr.KindOf(err).String())
		return model.User{}, &LoginError{Message: msg, Err: err}
	}

	var out model.LoginResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return model.User{}, &LoginError{Message: syncerr.GenericFailureMessage, Err: fmt.Errorf("decode %s: %w", pathLogin, err)}
	}
	if !out.OK || out.Token == "" || out.User == nil {
		msg := out.Error
		if msg == "" {
			msg = syncerr.GenericFailureMessage
		}
		return model.User{}, &LoginError{Message: msg, Err: syncerr.ErrServerError}
	}

	cachedAt := c.now().UTC()
	user := *out.User

	// The epoch moves before the token is stored so a pending revalidation
	// cannot clear the new token.
	c.mu.Lock()
	c.epoch++
	if err := c.creds.SetToken(out.Token); err != nil {
		c.mu.Unlock()
		return model.User{}, &LoginError{Message: syncerr.GenericFailureMessage, Err: err}
	}
	c.saveCache(model.CachedSession{User: user, CachedAt: cachedAt})
	c.setLocked(Session{State: StateLoggedIn, User: &user, CachedAt: cachedAt})
	c.mu.Unlock()

	c.logger.Info("logged in", "user_id", user.ID.String())
	return user, nil
}

// Logout notifies the backend, best effort, then clears the token and the
// cached profile. It always ends logged out.
func (c *Controller) Logout(ctx context.Context) {
	if _, ok := c.creds.Token(); ok {
		notifyCtx, cancel := context.WithTimeout(ctx, c.logoutTimeout)
		if _, err := c.client.Do(notifyCtx, transport.Request{Method: http.MethodPost, Path: pathLogout}); err != nil {
			c.logger.Debug("logout notification failed", "error", err)
		}
		cancel()
	}

	c.mu.Lock()
	c.epoch++
	c.clearLocked()
	c.mu.Unlock()
	c.logger.Info("logged out")
}

// HandleAuthExpired logs out locally. It is registered as the transport's
// 401 hook, which runs after the rejected token has been cleared; a token
// present by then belongs to a newer login and is kept.
func (c *Controller) HandleAuthExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.creds.Token(); ok {
		c.logger.Debug("ignoring 401 for a replaced session")
		return
	}
	c.epoch++
	wasLoggedIn := c.current.State != StateLoggedOut
	c.clearLocked()
	if wasLoggedIn {
		c.logger.Warn("session expired")
	}
}

// Close stops background revalidation.
func (c *Controller) Close() {
	c.cancel()
	c.wg.Wait()
}

// =============================================================================
// Internals
// =============================================================================

// clearIf logs out unless a login or logout has happened since epoch.
func (c *Controller) clearIf(epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return
	}
	c.epoch++
	c.clearLocked()
}

// clearLocked must be called with mu held.
func (c *Controller) clearLocked() {
	if err := c.creds.ClearToken(); err != nil {
		c.logger.Warn("clear token failed", "error", err)
	}
	if err := c.cache.Delete(CacheKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn("clear cached profile failed", "error", err)
	}
	c.setLocked(Session{State: StateLoggedOut})
}

func (c *Controller) loadCache() (model.CachedSession, bool) {
	data, err := c.cache.Get(CacheKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("read cached profile failed", "error", err)
		}
		return model.CachedSession{}, false
	}
	var cs model.CachedSession
	if err := json.Unmarshal(data, &cs); err != nil || cs.User.ID == "" {
		c.logger.Warn("discarding unreadable cached profile", "error", err)
		return model.CachedSession{}, false
	}
	return cs, true
}

func (c *Controller) saveCache(cs model.CachedSession) {
	data, err := json.Marshal(cs)
	if err == nil {
		err = c.cache.Set(CacheKey, data)
	}
	if err != nil {
		c.logger.Warn("persist cached profile failed", "error", err)
	}
}

// setLocked must be called with mu held.
func (c *Controller) setLocked(s Session) {
	if s.State != StateLoggedIn {
		s.User = nil
	}
	prev := c.current
	c.current = s
	if prev.State != s.State {
		c.logger.Debug("session state changed", "from", prev.State.String(), "to", s.State.String())
	}
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return syncerr.Invalid("%v", err)
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fe.Tag()
	}
	return &syncerr.ValidationError{Fields: fields}
}
