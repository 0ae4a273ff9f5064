package provider_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarkshell/tark/internal/provider"
	"github.com/tarkshell/tark/internal/provider/tokenstore"
)

func TestOAuthCredentialSourceReturnsUnexpiredTokenWithoutRefreshing(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	store, err := tokenstore.Open("anthropic")
	require.NoError(t, err)
	require.NoError(t, store.Save(tokenstore.Token{
		AccessToken: "still-good",
		ExpiresAt:   time.Now().Add(time.Hour).Unix(),
	}))

	refreshCalled := false
	source, err := provider.NewOAuthCredentialSource("anthropic", func(ctx context.Context, refreshToken string) (tokenstore.Token, error) {
		refreshCalled = true
		return tokenstore.Token{}, nil
	})
	require.NoError(t, err)

	key, err := source.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still-good", key)
	assert.False(t, refreshCalled)
}

func TestOAuthCredentialSourceRefreshesExpiredToken(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	store, err := tokenstore.Open("anthropic")
	require.NoError(t, err)
	require.NoError(t, store.Save(tokenstore.Token{
		AccessToken:  "expired",
		RefreshToken: "refresh-me",
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	}))

	source, err := provider.NewOAuthCredentialSource("anthropic", func(ctx context.Context, refreshToken string) (tokenstore.Token, error) {
		assert.Equal(t, "refresh-me", refreshToken)
		return tokenstore.Token{AccessToken: "refreshed", ExpiresAt: time.Now().Add(time.Hour).Unix()}, nil
	})
	require.NoError(t, err)

	key, err := source.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed", key)

	reloaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "refreshed", reloaded.AccessToken, "refreshed token must be persisted back to disk")
}

func TestOAuthCredentialSourceFailsWithoutRefreshToken(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())

	store, err := tokenstore.Open("openai")
	require.NoError(t, err)
	require.NoError(t, store.Save(tokenstore.Token{
		AccessToken: "expired",
		ExpiresAt:   time.Now().Add(-time.Minute).Unix(),
	}))

	source, err := provider.NewOAuthCredentialSource("openai", func(ctx context.Context, refreshToken string) (tokenstore.Token, error) {
		t.Fatal("refresh should not be called without a refresh token")
		return tokenstore.Token{}, nil
	})
	require.NoError(t, err)

	_, err = source.Credentials(context.Background())
	assert.Error(t, err)
}
