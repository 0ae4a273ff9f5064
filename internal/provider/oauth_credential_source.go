package provider

import (
	"context"
	"fmt"

	"github.com/tarkshell/tark/internal/provider/tokenstore"
)

// RefreshFunc exchanges a refresh token for a fresh access token, as an
// OAuth-authenticated provider's token endpoint would.
type RefreshFunc func(ctx context.Context, refreshToken string) (tokenstore.Token, error)

// OAuthCredentialSource supplies credentials from a tokenstore.Store,
// refreshing and re-persisting the token once it is within its expiry
// window. It is the non-plugin counterpart to pluginCredentialSource: for
// providers tark authenticates with directly (not through a plugin), the
// refresh token round-trip lives here instead of in a guest module.
type OAuthCredentialSource struct {
	store   *tokenstore.Store
	refresh RefreshFunc
}

// NewOAuthCredentialSource builds a CredentialSource backed by provider's
// on-disk token store.
func NewOAuthCredentialSource(provider string, refresh RefreshFunc) (*OAuthCredentialSource, error) {
	store, err := tokenstore.Open(provider)
	if err != nil {
		return nil, err
	}
	return &OAuthCredentialSource{store: store, refresh: refresh}, nil
}

// Credentials returns the stored access token, refreshing and persisting a
// new one first if the stored token has expired or is about to.
func (s *OAuthCredentialSource) Credentials(ctx context.Context) (string, error) {
	token, err := s.store.Load()
	if err != nil {
		return "", fmt.Errorf("provider: load oauth token: %w", err)
	}
	if !token.Expired() {
		return token.AccessToken, nil
	}
	if token.RefreshToken == "" {
		return "", fmt.Errorf("provider: oauth token expired and no refresh token stored")
	}

	fresh, err := s.refresh(ctx, token.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("provider: refresh oauth token: %w", err)
	}
	if err := s.store.Save(fresh); err != nil {
		return "", fmt.Errorf("provider: persist refreshed oauth token: %w", err)
	}
	return fresh.AccessToken, nil
}
