package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var ErrNoToken = errors.New("no access token available")

// tokenFile is the on-disk shape of the persisted credentials.
type tokenFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	UserID       int64  `json:"user_id,omitempty"`
}

// TokenStore holds the persisted access token. It is the only persisted
// state the realtime core reads.
type TokenStore struct {
	path string

	mu      sync.RWMutex
	data    tokenFile
	onClear []func()
}

// OpenTokenStore loads path if it exists. A missing file yields an empty,
// unauthenticated store.
func OpenTokenStore(path string) (*TokenStore, error) {
	s := &TokenStore{path: path}

	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	if err := json.Unmarshal(b, &s.data); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	return s, nil
}

// NewMemoryTokenStore returns a store that never touches disk.
func NewMemoryTokenStore(accessToken string, userID int64) *TokenStore {
	return &TokenStore{data: tokenFile{AccessToken: accessToken, UserID: userID}}
}

func (s *TokenStore) AccessToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.data.AccessToken == "" {
		return "", ErrNoToken
	}
	return s.data.AccessToken, nil
}

// UserID returns the current user's id: the stored value if present,
// otherwise the access token's subject. Zero means unknown.
func (s *TokenStore) UserID() int64 {
	s.mu.RLock()
	data := s.data
	s.mu.RUnlock()

	if data.UserID > 0 {
		return data.UserID
	}
	if data.AccessToken == "" {
		return 0
	}
	claims, err := InspectAccessToken(data.AccessToken)
	if err != nil {
		return 0
	}
	return claims.UserID
}

// Authenticated reports whether a token is present and, when the token
// carries an expiry, not yet expired.
func (s *TokenStore) Authenticated() bool {
	tok, err := s.AccessToken()
	if err != nil {
		return false
	}
	claims, err := InspectAccessToken(tok)
	if err != nil || claims.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Before(claims.ExpiresAt)
}

// Set replaces the credentials and persists them.
//
// Replacing a different access token or user id is an account switch.
// Everything built on the old credentials (the socket, its session, the
// caches) belongs to the previous account, so the OnClear hooks run first,
// with the store briefly empty, and only then are the new credentials
// installed. Setting the same credentials again is a no-op for the hooks.
func (s *TokenStore) Set(accessToken, refreshToken string, userID int64) error {
	next := tokenFile{AccessToken: accessToken, RefreshToken: refreshToken, UserID: userID}

	s.mu.Lock()
	prev := s.data
	switched := prev.AccessToken != "" &&
		(prev.AccessToken != next.AccessToken || prev.UserID != next.UserID)
	var hooks []func()
	if switched {
		s.data = tokenFile{}
		hooks = append(hooks, s.onClear...)
	} else {
		s.data = next
	}
	s.mu.Unlock()

	if switched {
		for _, fn := range hooks {
			fn()
		}
		s.mu.Lock()
		s.data = next
		s.mu.Unlock()
	}
	return s.persist(next)
}

// Clear drops the credentials (auth loss) and runs the OnClear hooks.
func (s *TokenStore) Clear() error {
	s.mu.Lock()
	had := s.data.AccessToken != ""
	s.data = tokenFile{}
	hooks := append([]func(){}, s.onClear...)
	s.mu.Unlock()

	err := s.persist(tokenFile{})
	if had {
		for _, fn := range hooks {
			fn()
		}
	}
	return err
}

// OnClear registers fn to run after credentials are cleared, and before
// different credentials replace the current ones.
func (s *TokenStore) OnClear(fn func()) {
	s.mu.Lock()
	s.onClear = append(s.onClear, fn)
	s.mu.Unlock()
}

func (s *TokenStore) persist(data tokenFile) error {
	if s.path == "" {
		return nil
	}
	if data.AccessToken == "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove token file: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode token file: %w", err)
	}
	if err := os.WriteFile(s.path, b, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}
