// Package badger holds the embedded key/value store for provider
// credentials. Tokens stay out of postgres; integration rows reference them
// by credential key only.
package badger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/timshannon/badgerhold/v4"
)

type credentialRecord struct {
	Key       string `badgerhold:"key"`
	Token     string
	UpdatedAt int64
}

// CredentialStore implements interfaces.CredentialStorage on badgerhold.
type CredentialStore struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewCredentialStore opens (or creates) the store at path.
func NewCredentialStore(path string, logger arbor.ILogger) (*CredentialStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create credential store directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Options = badgerdb.DefaultOptions(path).
		WithLogger(nil). // arbor handles logging
		WithIndexCacheSize(16 << 20)

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}

	logger.Debug().Str("path", path).Msg("Credential store opened")
	return &CredentialStore{store: store, logger: logger}, nil
}

func (s *CredentialStore) StoreCredential(ctx context.Context, key, token string) error {
	if key == "" {
		return fmt.Errorf("credential key is required")
	}
	record := &credentialRecord{
		Key:       key,
		Token:     token,
		UpdatedAt: time.Now().Unix(),
	}
	if err := s.store.Upsert(key, record); err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	return nil
}

func (s *CredentialStore) GetCredential(ctx context.Context, key string) (string, error) {
	var record credentialRecord
	if err := s.store.Get(key, &record); err != nil {
		if err == badgerhold.ErrNotFound {
			return "", interfaces.ErrNotFound
		}
		return "", fmt.Errorf("failed to get credential: %w", err)
	}
	return record.Token, nil
}

func (s *CredentialStore) DeleteCredential(ctx context.Context, key string) error {
	if err := s.store.Delete(key, &credentialRecord{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil // already deleted
		}
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// Close closes the underlying store.
func (s *CredentialStore) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}
