package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// VectorStore is the in-memory interfaces.VectorStorage.
type VectorStore struct {
	mu      sync.Mutex
	items   map[int64]*models.VectorizationQueueItem
	unique  map[string]int64
	bridges map[string]*models.VectorBridge
	nextID  int64
}

// NewVectorStore creates an empty vector store.
func NewVectorStore() *VectorStore {
	return &VectorStore{
		items:   make(map[int64]*models.VectorizationQueueItem),
		unique:  make(map[string]int64),
		bridges: make(map[string]*models.VectorBridge),
		nextID:  1,
	}
}

func itemKey(item *models.VectorizationQueueItem) string {
	return fmt.Sprintf("%d/%s/%s/%s", item.TenantID, item.Table, item.ExternalID, item.Operation)
}

func bridgeKey(tenantID int64, tableName, externalID string) string {
	return fmt.Sprintf("%d/%s/%s", tenantID, tableName, externalID)
}

func (s *VectorStore) EnqueueItem(ctx context.Context, item *models.VectorizationQueueItem) (*models.VectorizationQueueItem, bool, error) {
	if item.TenantID == 0 {
		return nil, false, interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existingID, ok := s.unique[itemKey(item)]; ok {
		existing := s.items[existingID]
		existing.JobID = item.JobID
		existing.StepName = item.StepName
		existing.Status = models.VectorItemPending
		existing.Error = ""
		existing.UpdatedAt = time.Now()
		copied := *existing
		return &copied, false, nil
	}

	item.ID = s.nextID
	s.nextID++
	item.Status = models.VectorItemPending
	item.CreatedAt = time.Now()
	copied := *item
	s.items[item.ID] = &copied
	s.unique[itemKey(item)] = item.ID
	result := copied
	return &result, true, nil
}

func (s *VectorStore) GetItem(ctx context.Context, tenantID, itemID int64) (*models.VectorizationQueueItem, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok || item.TenantID != tenantID {
		return nil, interfaces.ErrNotFound
	}
	copied := *item
	return &copied, nil
}

func (s *VectorStore) MarkItem(ctx context.Context, tenantID, itemID int64, status models.VectorItemStatus, errMsg string) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemID]
	if !ok || item.TenantID != tenantID {
		return interfaces.ErrNotFound
	}
	item.Status = status
	item.Error = errMsg
	item.UpdatedAt = time.Now()
	return nil
}

func (s *VectorStore) CountOutstanding(ctx context.Context, tenantID, jobID int64, stepName string) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, item := range s.items {
		if item.TenantID == tenantID && item.JobID == jobID && item.StepName == stepName &&
			item.Status == models.VectorItemPending {
			count++
		}
	}
	return count, nil
}

func (s *VectorStore) TenantModel(ctx context.Context, tenantID int64) (string, int, bool, error) {
	if tenantID == 0 {
		return "", 0, false, interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, bridge := range s.bridges {
		if bridge.TenantID == tenantID && bridge.Active {
			return bridge.EmbeddingModel, bridge.EmbeddingDimensions, true, nil
		}
	}
	return "", 0, false, nil
}

func (s *VectorStore) UpsertBridge(ctx context.Context, bridge *models.VectorBridge) error {
	if bridge.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bridgeKey(bridge.TenantID, bridge.Table, bridge.ExternalID)
	if existing, ok := s.bridges[key]; ok {
		bridge.ID = existing.ID
	} else {
		bridge.ID = s.nextID
		s.nextID++
	}
	bridge.UpdatedAt = time.Now()
	copied := *bridge
	s.bridges[key] = &copied
	return nil
}

func (s *VectorStore) GetBridge(ctx context.Context, tenantID int64, tableName, externalID string) (*models.VectorBridge, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bridge, ok := s.bridges[bridgeKey(tenantID, tableName, externalID)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *bridge
	return &copied, nil
}

func (s *VectorStore) DeactivateBridge(ctx context.Context, tenantID int64, tableName, externalID string) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bridge, ok := s.bridges[bridgeKey(tenantID, tableName, externalID)]
	if !ok {
		return interfaces.ErrNotFound
	}
	bridge.Active = false
	bridge.UpdatedAt = time.Now()
	return nil
}

func (s *VectorStore) CountBridges(ctx context.Context, tenantID int64) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var count int64
	for _, bridge := range s.bridges {
		if bridge.TenantID == tenantID && bridge.Active {
			count++
		}
	}
	return count, nil
}
