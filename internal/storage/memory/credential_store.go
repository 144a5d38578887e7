package memory

import (
	"context"
	"sync"

	"github.com/ternarybob/colligo/internal/interfaces"
)

// CredentialStore is the in-memory interfaces.CredentialStorage.
type CredentialStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewCredentialStore creates an empty credential store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{tokens: make(map[string]string)}
}

func (s *CredentialStore) StoreCredential(ctx context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[key] = token
	return nil
}

func (s *CredentialStore) GetCredential(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[key]
	if !ok {
		return "", interfaces.ErrNotFound
	}
	return token, nil
}

func (s *CredentialStore) DeleteCredential(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, key)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *CredentialStore) Close() error { return nil }
