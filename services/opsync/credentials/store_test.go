// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package credentials

import (
	"context"
	"errors"
	"os/exec"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/opsync/services/opsync/storage"
)

// =============================================================================
// Test Helpers
// =============================================================================

// failingKV fails every write; reads report not found.
type failingKV struct{}

func (failingKV) Get(string) ([]byte, error) { return nil, storage.ErrNotFound }
func (failingKV) Set(string, []byte) error   { return errors.New("disk full") }
func (failingKV) Delete(string) error        { return errors.New("disk full") }
func (failingKV) Close() error               { return nil }

func newTestStore(t *testing.T, env map[string]string) (*Store, *storage.Store) {
	t.Helper()
	kv, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	s, err := New(Config{
		KV:     kv,
		Getenv: func(name string) string { return env[name] },
	})
	require.NoError(t, err)
	return s, kv
}

// =============================================================================
// API Key
// =============================================================================

func TestGetAPIKey_LookupOrder(t *testing.T) {
	t.Run("default when nothing set", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		assert.Equal(t, DefaultAPIKey, s.GetAPIKey())
	})

	t.Run("env overrides default", func(t *testing.T) {
		s, _ := newTestStore(t, map[string]string{EnvAPIKey: "from-env"})
		assert.Equal(t, "from-env", s.GetAPIKey())
	})

	t.Run("persisted wins over env", func(t *testing.T) {
		s, _ := newTestStore(t, map[string]string{EnvAPIKey: "from-env"})
		require.True(t, s.SetAPIKey("persisted"))
		assert.Equal(t, "persisted", s.GetAPIKey())
	})

	t.Run("empty key restores lookup order", func(t *testing.T) {
		s, _ := newTestStore(t, nil)
		require.True(t, s.SetAPIKey("persisted"))
		require.True(t, s.SetAPIKey(""))
		assert.Equal(t, DefaultAPIKey, s.GetAPIKey())
	})
}

func TestSetAPIKey_SurvivesReload(t *testing.T) {
	s, kv := newTestStore(t, nil)
	require.True(t, s.SetAPIKey("k-123"))

	reloaded, err := New(Config{KV: kv})
	require.NoError(t, err)
	assert.Equal(t, "k-123", reloaded.GetAPIKey())
}

func TestSetAPIKey_FailureReturnsFalse(t *testing.T) {
	s, err := New(Config{KV: failingKV{}, Getenv: func(string) string { return "" }})
	require.NoError(t, err)

	assert.False(t, s.SetAPIKey("new"))
	assert.Equal(t, DefaultAPIKey, s.GetAPIKey())
}

// =============================================================================
// Token
// =============================================================================

func TestToken_Lifecycle(t *testing.T) {
	s, kv := newTestStore(t, nil)

	_, ok := s.Token()
	assert.False(t, ok)
	assert.False(t, s.HasToken())

	require.NoError(t, s.SetToken("tok-abc"))
	tok, ok := s.Token()
	assert.True(t, ok)
	assert.Equal(t, "tok-abc", tok)

	// Reading twice works: the enclave is reopened each time.
	tok, _ = s.Token()
	assert.Equal(t, "tok-abc", tok)

	reloaded, err := New(Config{KV: kv})
	require.NoError(t, err)
	tok, ok = reloaded.Token()
	assert.True(t, ok)
	assert.Equal(t, "tok-abc", tok)

	require.NoError(t, s.ClearToken())
	_, ok = s.Token()
	assert.False(t, ok)
	_, err = kv.Get(kvToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSetToken_EmptyClears(t *testing.T) {
	s, _ := newTestStore(t, nil)
	require.NoError(t, s.SetToken("x"))
	require.NoError(t, s.SetToken(""))
	assert.False(t, s.HasToken())
}

func TestClearTokenIf_OnlyClearsExpectedToken(t *testing.T) {
	s, kv := newTestStore(t, nil)
	require.NoError(t, s.SetToken("new"))

	cleared, err := s.ClearTokenIf("old")
	require.NoError(t, err)
	assert.False(t, cleared)
	tok, ok := s.Token()
	assert.True(t, ok)
	assert.Equal(t, "new", tok)

	cleared, err = s.ClearTokenIf("new")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, s.HasToken())
	_, err = kv.Get(kvToken)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	cleared, err = s.ClearTokenIf("")
	require.NoError(t, err)
	assert.True(t, cleared)
}

func TestClearToken_DropsMemoryEvenOnStorageFailure(t *testing.T) {
	s, err := New(Config{KV: failingKV{}})
	require.NoError(t, err)

	assert.Error(t, s.SetToken("t"))
	assert.False(t, s.HasToken())
	assert.Error(t, s.ClearToken())
	assert.False(t, s.HasToken())
}

func TestNew_RequiresKV(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

// =============================================================================
// Backing
// =============================================================================

func TestOpenBacking_EncryptedWithKey(t *testing.T) {
	dir := t.TempDir()
	provider := &EnvKeyProvider{getenv: func(string) string { return strings.Repeat("ab", 32) }}

	st, err := OpenBacking(context.Background(), BackingConfig{Dir: dir, Provider: provider})
	require.NoError(t, err)
	defer st.Close()

	assert.True(t, st.Encrypted())
	assert.Contains(t, st.Path(), "secure")
}

func TestOpenBacking_PlainWithoutKey(t *testing.T) {
	st, err := OpenBacking(context.Background(), BackingConfig{Dir: t.TempDir(), Provider: NoKeyProvider{}})
	require.NoError(t, err)
	defer st.Close()

	assert.False(t, st.Encrypted())
	assert.Contains(t, st.Path(), "plain")
}

func TestOpenBacking_InvalidKeyIsError(t *testing.T) {
	provider := &EnvKeyProvider{getenv: func(string) string { return "zz" }}
	_, err := OpenBacking(context.Background(), BackingConfig{Dir: t.TempDir(), Provider: provider})
	assert.ErrorIs(t, err, ErrInvalidStorageKey)
}

// =============================================================================
// Key Providers
// =============================================================================

func TestEnvKeyProvider(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantLen int
		wantErr error
	}{
		{"absent", "", 0, ErrNoStorageKey},
		{"not hex", "nothex!", 0, ErrInvalidStorageKey},
		{"wrong length", "abcd", 0, ErrInvalidStorageKey},
		{"aes-128", strings.Repeat("01", 16), 16, nil},
		{"aes-256", strings.Repeat("01", 32), 32, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &EnvKeyProvider{getenv: func(string) string { return tt.value }}
			key, err := p.StorageKey(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, tt.wantLen)
		})
	}
}

func TestChainProvider(t *testing.T) {
	good := &EnvKeyProvider{getenv: func(string) string { return strings.Repeat("0f", 32) }}
	bad := &EnvKeyProvider{getenv: func(string) string { return "xx" }}

	chain := NewChainProvider(NoKeyProvider{}, nil, good)
	key, err := chain.StorageKey(context.Background())
	require.NoError(t, err)
	assert.Len(t, key, 32)
	assert.Equal(t, KeyBackendEnv, chain.Backend())

	chain = NewChainProvider(bad, good)
	_, err = chain.StorageKey(context.Background())
	assert.ErrorIs(t, err, ErrInvalidStorageKey)

	chain = NewChainProvider(NoKeyProvider{})
	_, err = chain.StorageKey(context.Background())
	assert.ErrorIs(t, err, ErrNoStorageKey)
	assert.Equal(t, KeyBackendNone, chain.Backend())
}

func TestLibsecretProvider_LookupExisting(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("libsecret is linux only")
	}
	stored := strings.Repeat("ee", 32)
	p := &LibsecretProvider{
		lookPath: func(string) (string, error) { return "/usr/bin/secret-tool", nil },
		execCommand: func(ctx context.Context, name string, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "echo", stored)
		},
	}

	key, err := p.StorageKey(context.Background())
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestLibsecretProvider_MissingTool(t *testing.T) {
	p := &LibsecretProvider{
		lookPath: func(string) (string, error) { return "", exec.ErrNotFound },
	}
	_, err := p.StorageKey(context.Background())
	assert.ErrorIs(t, err, ErrNoStorageKey)
}

func TestLibsecretProvider_StoreFailureMeansNoKey(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("libsecret is linux only")
	}
	p := &LibsecretProvider{
		lookPath: func(string) (string, error) { return "/usr/bin/secret-tool", nil },
		execCommand: func(ctx context.Context, name string, args ...string) *exec.Cmd {
			return exec.CommandContext(ctx, "false")
		},
	}
	_, err := p.StorageKey(context.Background())
	assert.ErrorIs(t, err, ErrNoStorageKey)
}
