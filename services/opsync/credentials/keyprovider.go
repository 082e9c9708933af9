// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package credentials

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// -----------------------------------------------------------------------------
// Error Sentinel Values
// -----------------------------------------------------------------------------

// ErrNoStorageKey is returned when a provider has no storage key to offer.
// The store then falls back to unencrypted persistence.
var ErrNoStorageKey = errors.New("no storage key available")

// ErrInvalidStorageKey is returned when a key is present but unusable.
var ErrInvalidStorageKey = errors.New("storage key invalid")

// -----------------------------------------------------------------------------
// Backend Constants
// -----------------------------------------------------------------------------

const (
	// KeyBackendEnv reads a hex key from OPSYNC_STORE_KEY.
	KeyBackendEnv = "env"

	// KeyBackendKeychain uses the macOS Keychain.
	KeyBackendKeychain = "keychain"

	// KeyBackendLibsecret uses the Linux Secret Service via secret-tool.
	KeyBackendLibsecret = "libsecret"

	// KeyBackendNone never provides a key.
	KeyBackendNone = "none"
)

const (
	// EnvStoreKey names the environment variable holding a hex storage key.
	EnvStoreKey = "OPSYNC_STORE_KEY"

	// keychainAccount and keychainService identify the key in OS stores.
	keychainAccount = "opsync"
	keychainService = "opsync-store-key"

	// storageKeyLen is the AES-256 key length used for generated keys.
	storageKeyLen = 32
)

// KeyProvider supplies the key used to encrypt the durable store at rest.
//
// Implementations return ErrNoStorageKey when the platform has no secure
// storage, which is not an error for the caller.
type KeyProvider interface {
	// StorageKey returns a 16, 24 or 32 byte key.
	StorageKey(ctx context.Context) ([]byte, error)

	// Backend names the mechanism, for status output.
	Backend() string
}

// execCommandFunc matches exec.CommandContext so tests can substitute it.
type execCommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// -----------------------------------------------------------------------------
// Environment Provider
// -----------------------------------------------------------------------------

// EnvKeyProvider reads a hex-encoded key from an environment variable.
type EnvKeyProvider struct {
	// Name is the variable to read. Default: OPSYNC_STORE_KEY.
	Name string

	getenv func(string) string
}

// NewEnvKeyProvider returns a provider reading OPSYNC_STORE_KEY.
func NewEnvKeyProvider() *EnvKeyProvider {
	return &EnvKeyProvider{Name: EnvStoreKey, getenv: os.Getenv}
}

func (p *EnvKeyProvider) Backend() string { return KeyBackendEnv }

func (p *EnvKeyProvider) StorageKey(_ context.Context) ([]byte, error) {
	getenv := p.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	name := p.Name
	if name == "" {
		name = EnvStoreKey
	}

	raw := strings.TrimSpace(getenv(name))
	if raw == "" {
		return nil, ErrNoStorageKey
	}
	return decodeKey(raw)
}

// -----------------------------------------------------------------------------
// OS Secret Store Providers
// -----------------------------------------------------------------------------

// KeychainProvider keeps the storage key in the macOS Keychain, generating
// one on first use.
type KeychainProvider struct {
	execCommand execCommandFunc
}

// NewKeychainProvider returns a provider backed by the `security` tool.
func NewKeychainProvider() *KeychainProvider {
	return &KeychainProvider{execCommand: exec.CommandContext}
}

func (p *KeychainProvider) Backend() string { return KeyBackendKeychain }

func (p *KeychainProvider) StorageKey(ctx context.Context) ([]byte, error) {
	if runtime.GOOS != "darwin" {
		return nil, ErrNoStorageKey
	}

	out, err := p.execCommand(ctx, "security", "find-generic-password",
		"-a", keychainAccount,
		"-s", keychainService,
		"-w",
	).Output()
	if err == nil {
		if value := strings.TrimSpace(string(out)); value != "" {
			return decodeKey(value)
		}
	}

	key, encoded, err := generateKey()
	if err != nil {
		return nil, err
	}
	err = p.execCommand(ctx, "security", "add-generic-password",
		"-a", keychainAccount,
		"-s", keychainService,
		"-w", encoded,
		"-U",
	).Run()
	if err != nil {
		return nil, fmt.Errorf("%w: keychain write: %v", ErrNoStorageKey, err)
	}
	return key, nil
}

// LibsecretProvider keeps the storage key in the Secret Service via
// secret-tool, generating one on first use.
type LibsecretProvider struct {
	execCommand execCommandFunc
	lookPath    func(string) (string, error)
}

// NewLibsecretProvider returns a provider backed by `secret-tool`.
func NewLibsecretProvider() *LibsecretProvider {
	return &LibsecretProvider{execCommand: exec.CommandContext, lookPath: exec.LookPath}
}

func (p *LibsecretProvider) Backend() string { return KeyBackendLibsecret }

func (p *LibsecretProvider) StorageKey(ctx context.Context) ([]byte, error) {
	if runtime.GOOS != "linux" {
		return nil, ErrNoStorageKey
	}
	if _, err := p.lookPath("secret-tool"); err != nil {
		return nil, ErrNoStorageKey
	}

	out, err := p.execCommand(ctx, "secret-tool", "lookup",
		"service", keychainService,
		"account", keychainAccount,
	).Output()
	if err == nil {
		if value := strings.TrimSpace(string(out)); value != "" {
			return decodeKey(value)
		}
	}

	key, encoded, err := generateKey()
	if err != nil {
		return nil, err
	}
	cmd := p.execCommand(ctx, "secret-tool", "store",
		"--label=opsync storage key",
		"service", keychainService,
		"account", keychainAccount,
	)
	cmd.Stdin = strings.NewReader(encoded)
	if err := cmd.Run(); err != nil {
		// No running secret service (headless box) is the common case.
		return nil, fmt.Errorf("%w: secret-tool store: %v", ErrNoStorageKey, err)
	}
	return key, nil
}

// -----------------------------------------------------------------------------
// Composition
// -----------------------------------------------------------------------------

// ChainProvider tries providers in order and returns the first key found.
type ChainProvider struct {
	providers []KeyProvider
	used      string
}

// NewChainProvider builds a chain. Nil providers are skipped.
func NewChainProvider(providers ...KeyProvider) *ChainProvider {
	c := &ChainProvider{}
	for _, p := range providers {
		if p != nil {
			c.providers = append(c.providers, p)
		}
	}
	return c
}

// DefaultKeyProvider returns env first, then the platform secret store.
func DefaultKeyProvider() *ChainProvider {
	return NewChainProvider(NewEnvKeyProvider(), NewKeychainProvider(), NewLibsecretProvider())
}

// Backend names the provider that produced the last key, or "none".
func (c *ChainProvider) Backend() string {
	if c.used == "" {
		return KeyBackendNone
	}
	return c.used
}

// StorageKey returns the first key any provider offers.
//
// An invalid key (bad hex, wrong length) stops the chain: silently falling
// through would open the store with a different key than the user set.
func (c *ChainProvider) StorageKey(ctx context.Context) ([]byte, error) {
	for _, p := range c.providers {
		key, err := p.StorageKey(ctx)
		if err == nil {
			c.used = p.Backend()
			return key, nil
		}
		if errors.Is(err, ErrInvalidStorageKey) {
			return nil, err
		}
	}
	return nil, ErrNoStorageKey
}

// NoKeyProvider never returns a key.
type NoKeyProvider struct{}

func (NoKeyProvider) Backend() string { return KeyBackendNone }

func (NoKeyProvider) StorageKey(context.Context) ([]byte, error) { return nil, ErrNoStorageKey }

var (
	_ KeyProvider = (*EnvKeyProvider)(nil)
	_ KeyProvider = (*KeychainProvider)(nil)
	_ KeyProvider = (*LibsecretProvider)(nil)
	_ KeyProvider = (*ChainProvider)(nil)
	_ KeyProvider = NoKeyProvider{}
)

func decodeKey(value string) ([]byte, error) {
	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: not hex", ErrInvalidStorageKey)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %d bytes, need 16, 24 or 32", ErrInvalidStorageKey, len(key))
	}
}

func generateKey() ([]byte, string, error) {
	key := make([]byte, storageKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, "", fmt.Errorf("generate storage key: %w", err)
	}
	return key, hex.EncodeToString(key), nil
}
