package storage

import (
	"context"
	"sync"

	"github.com/ruteri/attested-vault-client/interfaces"
)

// MemoryStore is an in-process SecretStore for tests and the self-test
// command. Values are copied on the way in and out.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemoryStore creates an empty in-memory secret store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

// Save stores a copy of the value under the key.
func (s *MemoryStore) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[key] = append([]byte(nil), value...)
	return nil
}

// Load returns a copy of the stored value or ErrSecretNotFound.
func (s *MemoryStore) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.secrets[key]
	if !ok {
		return nil, interfaces.ErrSecretNotFound
	}
	return append([]byte(nil), value...), nil
}

// Delete removes the key if present.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, key)
	return nil
}
