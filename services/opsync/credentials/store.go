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
Package credentials persists the API key and the session token.

# Security Context

The token authorizes every backend call for the signed-in user. It is kept
in a memguard Enclave while in memory and written to the durable store,
which is encrypted at rest whenever a KeyProvider can supply a key (OS
keychain, Secret Service, or OPSYNC_STORE_KEY). Without a key the store
falls back to plain persistence; callers see the same contract either way.

# Security Features

  - Values are NEVER logged, only their presence
  - The in-memory token is sealed, not held as a plain string
  - SetAPIKey never panics and never returns an error to the caller

# Lookup Order

GetAPIKey returns, in order: the persisted key, the OPSYNC_API_KEY
environment variable, DefaultAPIKey.
*/
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/AleutianAI/opsync/services/opsync/storage"
)

const (
	// DefaultAPIKey is the documented fallback used when nothing else is set.
	DefaultAPIKey = "opsync-public-client-key"

	// EnvAPIKey overrides DefaultAPIKey when no key has been persisted.
	EnvAPIKey = "OPSYNC_API_KEY"

	kvAPIKey = "credentials/api_key"
	kvToken  = "credentials/token"
)

var memguardInitOnce sync.Once

// Config configures a Store.
type Config struct {
	// KV is the durable backing store. Required.
	KV storage.KV

	// Secure records whether KV is encrypted at rest.
	Secure bool

	// DefaultAPIKey replaces the package default when non-empty.
	DefaultAPIKey string

	// Getenv is used for the API key override. Default: os.Getenv.
	Getenv func(string) string

	// Logger for warnings. Default: slog.Default().
	Logger *slog.Logger
}

// Store holds the API key and the bearer token.
//
// Store is safe for concurrent use. It performs no network I/O.
type Store struct {
	kv         storage.KV
	secure     bool
	defaultKey string
	getenv     func(string) string
	logger     *slog.Logger

	mu     sync.RWMutex
	apiKey string
	token  *memguard.Enclave
}

// New creates a Store and loads any persisted values.
//
// # Description
//
// Reads the persisted API key and token from KV. A read failure is logged
// and treated as "absent", so a damaged store degrades to logged-out with
// the default key instead of failing startup.
//
// # Inputs
//
//   - cfg: configuration; cfg.KV must be non-nil
//
// # Outputs
//
//   - *Store: ready store
//   - error: only when cfg.KV is nil
func New(cfg Config) (*Store, error) {
	if cfg.KV == nil {
		return nil, errors.New("credentials: KV is required")
	}
	memguardInitOnce.Do(checkMemoryLock)

	s := &Store{
		kv:         cfg.KV,
		secure:     cfg.Secure,
		defaultKey: cfg.DefaultAPIKey,
		getenv:     cfg.Getenv,
		logger:     cfg.Logger,
	}
	if s.defaultKey == "" {
		s.defaultKey = DefaultAPIKey
	}
	if s.getenv == nil {
		s.getenv = os.Getenv
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if raw, err := s.kv.Get(kvAPIKey); err == nil {
		s.apiKey = string(raw)
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("could not read persisted api key", "error", err)
	}

	if raw, err := s.kv.Get(kvToken); err == nil && len(raw) > 0 {
		s.token = memguard.NewEnclave(raw)
	} else if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("could not read persisted token", "error", err)
	}

	return s, nil
}

// Secure reports whether values are encrypted at rest.
func (s *Store) Secure() bool {
	return s.secure
}

// GetAPIKey returns the persisted key, the environment override, or the
// default. It never fails.
func (s *Store) GetAPIKey() string {
	s.mu.RLock()
	key := s.apiKey
	s.mu.RUnlock()

	if key != "" {
		return key
	}
	if env := strings.TrimSpace(s.getenv(EnvAPIKey)); env != "" {
		return env
	}
	return s.defaultKey
}

// SetAPIKey persists key and reports success. An empty key removes the
// persisted value so the lookup order applies again.
func (s *Store) SetAPIKey(key string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("set api key panicked", "panic", fmt.Sprint(r))
			ok = false
		}
	}()

	key = strings.TrimSpace(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if key == "" {
		err = s.kv.Delete(kvAPIKey)
	} else {
		err = s.kv.Set(kvAPIKey, []byte(key))
	}
	if err != nil {
		s.logger.Warn("could not persist api key", "error", err)
		return false
	}
	s.apiKey = key
	return true
}

// Token returns the bearer token and whether one is present.
func (s *Store) Token() (string, bool) {
	s.mu.RLock()
	enclave := s.token
	s.mu.RUnlock()
	return s.open(enclave)
}

func (s *Store) open(enclave *memguard.Enclave) (string, bool) {
	if enclave == nil {
		return "", false
	}
	buf, err := enclave.Open()
	if err != nil {
		s.logger.Error("could not open token enclave", "error", err)
		return "", false
	}
	defer buf.Destroy()

	token := string(buf.Bytes())
	return token, token != ""
}

// HasToken reports whether a token is present without unsealing it.
func (s *Store) HasToken() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != nil
}

// SetToken persists token. An empty token is the same as ClearToken.
func (s *Store) SetToken(token string) error {
	if token == "" {
		return s.ClearToken()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Set(kvToken, []byte(token)); err != nil {
		return fmt.Errorf("persist token: %w", err)
	}
	s.token = memguard.NewEnclave([]byte(token))
	return nil
}

// ClearToken destroys the token in memory and in storage.
//
// The in-memory token is dropped even when the storage delete fails, so a
// 401 always takes effect for the running process.
func (s *Store) ClearToken() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clearLocked()
}

// ClearTokenIf clears the token only while it still equals expected ("" for
// no token). It reports whether the token was cleared.
func (s *Store) ClearTokenIf(expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, _ := s.open(s.token); current != expected {
		return false, nil
	}
	return true, s.clearLocked()
}

func (s *Store) clearLocked() error {
	s.token = nil
	if err := s.kv.Delete(kvToken); err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	return nil
}

// =============================================================================
// Backing store
// =============================================================================

// BackingConfig selects where and how the durable store is opened.
type BackingConfig struct {
	// Dir is the data directory. Encrypted data lives in Dir/secure,
	// unencrypted data in Dir/plain.
	Dir string

	// Provider supplies the encryption key. Nil means no encryption.
	Provider KeyProvider

	// InMemory opens a throwaway store (tests, --ephemeral).
	InMemory bool

	Logger *slog.Logger
}

// OpenBacking opens the durable store, encrypted when a key is available.
//
// # Description
//
// Asks the provider for a key. With a key, opens Dir/secure encrypted.
// Without one (ErrNoStorageKey), opens Dir/plain unencrypted and logs that
// the platform offers no secure storage. An invalid key is an error: the
// user configured one and it must not be ignored.
//
// # Outputs
//
//   - *storage.Store: open store, caller must Close it
//   - error: invalid key or open failure
func OpenBacking(ctx context.Context, cfg BackingConfig) (*storage.Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InMemory {
		return storage.OpenInMemory()
	}

	provider := cfg.Provider
	if provider == nil {
		provider = NoKeyProvider{}
	}

	key, err := provider.StorageKey(ctx)
	switch {
	case err == nil:
		sc := storage.DefaultConfig(filepath.Join(cfg.Dir, "secure"))
		sc.EncryptionKey = key
		sc.Logger = logger
		st, err := storage.Open(sc)
		if err != nil {
			return nil, fmt.Errorf("open encrypted store: %w", err)
		}
		logger.Debug("opened encrypted store", "backend", provider.Backend())
		return st, nil

	case errors.Is(err, ErrNoStorageKey):
		logger.Info("no secure storage on this platform, using plain store")
		sc := storage.DefaultConfig(filepath.Join(cfg.Dir, "plain"))
		sc.Logger = logger
		st, err := storage.Open(sc)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		return st, nil

	default:
		return nil, fmt.Errorf("storage key from %s: %w", provider.Backend(), err)
	}
}

func checkMemoryLock() {
	limitKB, known := mlockLimitKB()
	if known && limitKB >= 0 && limitKB < minMlockLimitKB {
		slog.Warn("mlock limit is low, sealed secrets may be swappable", "limit_kb", limitKB)
	}
}

// minMlockLimitKB is enough for a handful of small enclaves.
const minMlockLimitKB = 64
