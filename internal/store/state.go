package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
)

// ErrStateNotFound is returned when a state key has no value.
var ErrStateNotFound = errors.New("state not found")

// StateStore persists opaque state blobs under durable keys. The producer
// writes its snapshot here on every broadcast.
type StateStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryStateStore keeps state in memory.
type MemoryStateStore struct {
	mu     sync.Mutex
	values map[string][]byte
}

// NewMemoryStateStore creates an empty in-memory state store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{values: make(map[string][]byte)}
}

func (s *MemoryStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.values[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (s *MemoryStateStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)
	s.values[key] = v
	return nil
}

func (s *MemoryStateStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// FileStateStore keeps all keys in a single JSON document on disk, written
// via temp-file rename so restarts never observe a torn snapshot.
type FileStateStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStateStore creates a store writing to path.
func NewFileStateStore(path string) *FileStateStore {
	return &FileStateStore{path: path}
}

func (s *FileStateStore) load() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]json.RawMessage{}, nil
		}
		return nil, err
	}
	values := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// store writes the document compactly: RawMessage values must come back
// byte-for-byte as they were put.
func (s *FileStateStore) store(values map[string]json.RawMessage) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}
	return writeFileAtomic(s.path, data)
}

func (s *FileStateStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return nil, err
	}
	v, ok := values[key]
	if !ok {
		return nil, ErrStateNotFound
	}
	return []byte(v), nil
}

func (s *FileStateStore) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		values = make(map[string]json.RawMessage)
	}
	values[key] = json.RawMessage(value)
	return s.store(values)
}

func (s *FileStateStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}
	delete(values, key)
	return s.store(values)
}
