// Package memory provides map-backed implementations of the storage
// interfaces. Used by tests and by local development without postgres.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// TenantStore is the in-memory interfaces.TenantStorage.
type TenantStore struct {
	mu           sync.RWMutex
	tenants      map[int64]*models.Tenant
	integrations map[int64]*models.Integration
	nextID       int64
}

// NewTenantStore creates an empty tenant store.
func NewTenantStore() *TenantStore {
	return &TenantStore{
		tenants:      make(map[int64]*models.Tenant),
		integrations: make(map[int64]*models.Integration),
		nextID:       1,
	}
}

func (s *TenantStore) GetTenant(ctx context.Context, tenantID int64) (*models.Tenant, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[tenantID]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	copied := *tenant
	return &copied, nil
}

func (s *TenantStore) ListActiveTenants(ctx context.Context) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Tenant
	for _, tenant := range s.tenants {
		if tenant.Active {
			copied := *tenant
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *TenantStore) GetIntegration(ctx context.Context, tenantID, integrationID int64) (*models.Integration, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	integration, ok := s.integrations[integrationID]
	if !ok || integration.TenantID != tenantID {
		return nil, interfaces.ErrNotFound
	}
	copied := *integration
	return &copied, nil
}

func (s *TenantStore) SaveTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tenant.ID == 0 {
		tenant.ID = s.nextID
		s.nextID++
	}
	copied := *tenant
	s.tenants[tenant.ID] = &copied
	return nil
}

func (s *TenantStore) SaveIntegration(ctx context.Context, integration *models.Integration) error {
	if integration.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if integration.ID == 0 {
		integration.ID = s.nextID
		s.nextID++
	}
	copied := *integration
	s.integrations[integration.ID] = &copied
	return nil
}
