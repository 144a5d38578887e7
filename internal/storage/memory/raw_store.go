package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// RawStore is the in-memory interfaces.RawStorage.
type RawStore struct {
	mu      sync.RWMutex
	records map[int64]*models.RawExtractionRecord
	nextID  int64
}

// NewRawStore creates an empty raw store.
func NewRawStore() *RawStore {
	return &RawStore{
		records: make(map[int64]*models.RawExtractionRecord),
		nextID:  1,
	}
}

func (s *RawStore) CreateRaw(ctx context.Context, record *models.RawExtractionRecord) error {
	if record.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == 0 {
		record.ID = s.nextID
		s.nextID++
	}
	if record.Status == "" {
		record.Status = models.RawPending
	}
	record.CreatedAt = time.Now()
	copied := *record
	s.records[record.ID] = &copied
	return nil
}

func (s *RawStore) GetRaw(ctx context.Context, tenantID, rawID int64) (*models.RawExtractionRecord, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[rawID]
	if !ok || record.TenantID != tenantID {
		return nil, interfaces.ErrNotFound
	}
	copied := *record
	return &copied, nil
}

func (s *RawStore) MarkRaw(ctx context.Context, tenantID, rawID int64, status models.RawStatus, errorDetails string) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[rawID]
	if !ok || record.TenantID != tenantID {
		return interfaces.ErrNotFound
	}
	record.Status = status
	record.ErrorDetails = errorDetails
	return nil
}

func (s *RawStore) ListPendingRaw(ctx context.Context, tenantID int64, limit int) ([]*models.RawExtractionRecord, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.RawExtractionRecord
	for _, record := range s.records {
		if record.TenantID == tenantID && record.Status == models.RawPending {
			copied := *record
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RawStore) CountRaw(ctx context.Context, tenantID int64) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, record := range s.records {
		if record.TenantID == tenantID {
			count++
		}
	}
	return count, nil
}

func (s *RawStore) CountRawForStep(ctx context.Context, tenantID, jobID int64, stepName string) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, record := range s.records {
		if record.TenantID == tenantID && record.JobID == jobID && record.StepName == stepName {
			count++
		}
	}
	return count, nil
}
