package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"gorm.io/gorm"
)

// TenantStore implements interfaces.TenantStorage on postgres.
type TenantStore struct {
	db *DB
}

// NewTenantStore creates a tenant and integration store.
func NewTenantStore(db *DB) *TenantStore {
	return &TenantStore{db: db}
}

func (s *TenantStore) GetTenant(ctx context.Context, tenantID int64) (*models.Tenant, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	var tenant models.Tenant
	err := s.db.RW.WithContext(ctx).First(&tenant, tenantID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &tenant, nil
}

// ListActiveTenants is a scheduler-startup read across tenants.
func (s *TenantStore) ListActiveTenants(ctx context.Context) ([]*models.Tenant, error) {
	var tenants []*models.Tenant
	err := s.db.RW.WithContext(ctx).
		Where("active = ?", true).
		Order("id").
		Find(&tenants).Error
	if err != nil {
		return nil, fmt.Errorf("list active tenants: %w", err)
	}
	return tenants, nil
}

func (s *TenantStore) GetIntegration(ctx context.Context, tenantID, integrationID int64) (*models.Integration, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	var integration models.Integration
	err := s.db.RW.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, integrationID).
		First(&integration).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get integration: %w", err)
	}
	return &integration, nil
}

func (s *TenantStore) SaveTenant(ctx context.Context, tenant *models.Tenant) error {
	if err := s.db.RW.WithContext(ctx).Save(tenant).Error; err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

func (s *TenantStore) SaveIntegration(ctx context.Context, integration *models.Integration) error {
	if integration.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	if err := s.db.RW.WithContext(ctx).Save(integration).Error; err != nil {
		return fmt.Errorf("save integration: %w", err)
	}
	return nil
}
