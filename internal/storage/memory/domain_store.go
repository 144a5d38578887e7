package memory

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// DomainStore is the in-memory interfaces.DomainStorage.
type DomainStore struct {
	mu   sync.RWMutex
	rows map[string]models.DomainRecord
}

// NewDomainStore creates an empty domain store.
func NewDomainStore() *DomainStore {
	return &DomainStore{rows: make(map[string]models.DomainRecord)}
}

func domainKey(tenantID int64, tableName, externalID string) string {
	return fmt.Sprintf("%d/%s/%s", tenantID, tableName, externalID)
}

func cloneRecord(record models.DomainRecord) models.DomainRecord {
	v := reflect.ValueOf(record).Elem()
	copied := reflect.New(v.Type())
	copied.Elem().Set(v)
	return copied.Interface().(models.DomainRecord)
}

func (s *DomainStore) Upsert(ctx context.Context, record models.DomainRecord) (bool, error) {
	if record.GetTenantID() == 0 {
		return false, interfaces.ErrTenantRequired
	}
	key := domainKey(record.GetTenantID(), record.TableName(), record.GetExternalID())
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.rows[key]
	s.rows[key] = cloneRecord(record)
	return !exists, nil
}

func (s *DomainStore) Get(ctx context.Context, tenantID int64, tableName, externalID string) (models.DomainRecord, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.rows[domainKey(tenantID, tableName, externalID)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *DomainStore) Count(ctx context.Context, tenantID int64, tableName string) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, record := range s.rows {
		if record.GetTenantID() == tenantID && record.TableName() == tableName {
			count++
		}
	}
	return count, nil
}

func (s *DomainStore) CountAll(ctx context.Context, tenantID int64) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, record := range s.rows {
		if record.GetTenantID() == tenantID {
			count++
		}
	}
	return count, nil
}
