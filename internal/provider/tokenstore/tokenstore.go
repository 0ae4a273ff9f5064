// Package tokenstore persists OAuth tokens for providers that authenticate
// via an access/refresh token pair rather than a static API key.
package tokenstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tarkshell/tark/internal/config"
)

// schemaVersion is bumped when StoredToken's on-disk shape changes in a way
// Load needs to migrate; Load refuses to read a version newer than this.
const schemaVersion = 1

// Token is one provider's OAuth credential.
type Token struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	ExpiresAt    int64    `json:"expires_at"` // unix seconds
	Scopes       []string `json:"scopes,omitempty"`
}

// Expired reports whether the token has expired or will within 5 minutes.
func (t Token) Expired() bool {
	return time.Now().Add(5 * time.Minute).Unix() >= t.ExpiresAt
}

// storedToken is Token plus the bookkeeping fields written to disk.
type storedToken struct {
	Version  int    `json:"version"`
	Provider string `json:"provider"`
	Token
	StoredAt int64 `json:"stored_at"`
}

// Store manages one provider's token file under $DATA_DIR/tokens/{provider}.json
// with 0600 permissions and atomic (write-temp, rename) writes.
type Store struct {
	provider string
	path     string
}

// Open creates a Store for provider, ensuring its tokens directory exists.
func Open(provider string) (*Store, error) {
	dir := filepath.Join(config.GetPaths().Data, "tokens")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("tokenstore: create tokens dir: %w", err)
	}
	return &Store{provider: provider, path: filepath.Join(dir, provider+".json")}, nil
}

// Path returns the token file's path.
func (s *Store) Path() string { return s.path }

// Exists reports whether a token is currently stored.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load reads and parses the stored token.
func (s *Store) Load() (Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Token{}, fmt.Errorf("tokenstore: read %s: %w", s.path, err)
	}
	var stored storedToken
	if err := json.Unmarshal(data, &stored); err != nil {
		return Token{}, fmt.Errorf("tokenstore: parse %s: %w", s.path, err)
	}
	if stored.Version > schemaVersion {
		return Token{}, fmt.Errorf("tokenstore: %s has schema version %d, newer than supported %d", s.path, stored.Version, schemaVersion)
	}
	return stored.Token, nil
}

// Save writes token atomically with 0600 permissions.
func (s *Store) Save(token Token) error {
	stored := storedToken{
		Version:  schemaVersion,
		Provider: s.provider,
		Token:    token,
		StoredAt: time.Now().Unix(),
	}
	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: encode: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("tokenstore: write temp file: %w", err)
	}
	if err := os.Chmod(tmp, 0600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("tokenstore: set permissions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("tokenstore: rename into place: %w", err)
	}
	return nil
}

// Delete removes the stored token, if any.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("tokenstore: delete %s: %w", s.path, err)
	}
	return nil
}
