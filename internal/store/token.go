package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrTokenNotFound is returned when no token is stored for a service.
var ErrTokenNotFound = errors.New("token not found")

// Token is a persisted OAuth token record.
type Token struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	Scopes       []string   `json:"scopes,omitempty"`
	UserID       string     `json:"user_id,omitempty"`
	ClientID     string     `json:"client_id"`
}

// Expired reports whether the token is past its expiry. Tokens without an
// expiry never expire.
func (t Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// TokenStore persists OAuth tokens per service.
type TokenStore interface {
	GetToken(ctx context.Context, service string) (Token, error)
	SaveToken(ctx context.Context, service string, token Token) error
}

// MemoryTokenStore keeps tokens in memory.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]Token
}

// NewMemoryTokenStore creates an empty in-memory token store.
func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]Token)}
}

func (s *MemoryTokenStore) GetToken(ctx context.Context, service string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[service]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return t, nil
}

func (s *MemoryTokenStore) SaveToken(ctx context.Context, service string, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[service] = token
	return nil
}

// FileTokenStore persists tokens as a JSON document on disk, written via
// temp-file rename. Serves as the secondary recovery copy behind a primary
// store, or as the primary store for small deployments.
type FileTokenStore struct {
	mu   sync.Mutex
	path string
}

// NewFileTokenStore creates a store writing to path.
func NewFileTokenStore(path string) *FileTokenStore {
	return &FileTokenStore{path: path}
}

func (s *FileTokenStore) load() (map[string]Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Token{}, nil
		}
		return nil, err
	}
	tokens := make(map[string]Token)
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *FileTokenStore) GetToken(ctx context.Context, service string) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		return Token{}, err
	}
	t, ok := tokens[service]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return t, nil
}

func (s *FileTokenStore) SaveToken(ctx context.Context, service string, token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tokens, err := s.load()
	if err != nil {
		// A corrupt recovery file must not block saving fresh state.
		tokens = make(map[string]Token)
	}
	tokens[service] = token

	data, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

// writeFileAtomic writes data to path through a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
