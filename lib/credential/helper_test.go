package credential

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_PlainCredential(t *testing.T) {
	h := New("test")
	h.run = func(ctx context.Context, serverURL string) ([]byte, []byte, error) {
		assert.Equal(t, "registry.example.com", serverURL)
		return []byte(`{"Username":"alice","Secret":"hunter2"}`), nil, nil
	}

	cred, ok, err := h.Resolve(context.Background(), "registry.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", cred.Username)
	assert.Equal(t, "hunter2", cred.Secret)
	assert.False(t, cred.IsIdentityToken)
}

func TestResolve_IdentityToken(t *testing.T) {
	h := New("test")
	h.run = func(ctx context.Context, serverURL string) ([]byte, []byte, error) {
		return []byte(`{"Username":"<token>","Secret":"eyJ...identitytoken"}`), nil, nil
	}

	cred, ok, err := h.Resolve(context.Background(), "registry.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, cred.IsIdentityToken)
	assert.Equal(t, "eyJ...identitytoken", cred.Secret)
}

func TestResolve_NotFoundMarkerIsNotAnError(t *testing.T) {
	h := New("test")
	h.run = func(ctx context.Context, serverURL string) ([]byte, []byte, error) {
		return nil, []byte("credentials not found"), &exitError{}
	}

	cred, ok, err := h.Resolve(context.Background(), "registry.example.com")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Credential{}, cred)
}

func TestResolve_OtherNonZeroExitIsAnError(t *testing.T) {
	h := New("test")
	h.run = func(ctx context.Context, serverURL string) ([]byte, []byte, error) {
		return nil, []byte("permission denied"), &exitError{}
	}

	_, ok, err := h.Resolve(context.Background(), "registry.example.com")
	require.Error(t, err)
	assert.False(t, ok)
}

func TestGet_IdentityTokenUsesEmptyUsername(t *testing.T) {
	h := New("test")
	h.run = func(ctx context.Context, serverURL string) ([]byte, []byte, error) {
		return []byte(`{"Username":"<token>","Secret":"tok"}`), nil, nil
	}

	username, secret, ok, err := h.Get("registry.example.com")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, username)
	assert.Equal(t, "tok", secret)
}

// exitError is a minimal stand-in for *exec.ExitError in tests that only
// need a non-nil error value.
type exitError struct{}

func (e *exitError) Error() string { return "exit status 1" }
