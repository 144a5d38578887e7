package vectorindex

import (
	"context"
	"fmt"
	"sync"
)

type memVector struct {
	vector  []float32
	payload map[string]string
}

// MemoryIndex is the in-process VectorIndex. Used by tests and by
// deployments running without an external vector store.
type MemoryIndex struct {
	mu      sync.RWMutex
	vectors map[string]memVector
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vectors: make(map[string]memVector)}
}

func memKey(tenantID int64, tableName, externalID string) string {
	return fmt.Sprintf("%d/%s/%s", tenantID, tableName, externalID)
}

func (i *MemoryIndex) Upsert(ctx context.Context, tenantID int64, tableName, externalID string, vector []float32, payload map[string]string) error {
	if tenantID == 0 {
		return fmt.Errorf("tenant_id is required")
	}
	copied := make([]float32, len(vector))
	copy(copied, vector)
	meta := make(map[string]string, len(payload))
	for k, v := range payload {
		meta[k] = v
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.vectors[memKey(tenantID, tableName, externalID)] = memVector{vector: copied, payload: meta}
	return nil
}

func (i *MemoryIndex) Delete(ctx context.Context, tenantID int64, tableName, externalID string) error {
	if tenantID == 0 {
		return fmt.Errorf("tenant_id is required")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.vectors, memKey(tenantID, tableName, externalID))
	return nil
}

func (i *MemoryIndex) Count(ctx context.Context, tenantID int64) (int64, error) {
	if tenantID == 0 {
		return 0, fmt.Errorf("tenant_id is required")
	}
	prefix := fmt.Sprintf("%d/", tenantID)
	i.mu.RLock()
	defer i.mu.RUnlock()
	var count int64
	for key := range i.vectors {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			count++
		}
	}
	return count, nil
}

// Get returns a stored vector; used by tests to assert index contents.
func (i *MemoryIndex) Get(tenantID int64, tableName, externalID string) ([]float32, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry, ok := i.vectors[memKey(tenantID, tableName, externalID)]
	if !ok {
		return nil, false
	}
	return entry.vector, true
}

func (i *MemoryIndex) Close() error { return nil }
