package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"gorm.io/gorm"
)

// RawStore implements interfaces.RawStorage on postgres.
type RawStore struct {
	db *DB
}

// NewRawStore creates a raw extraction record store.
func NewRawStore(db *DB) *RawStore {
	return &RawStore{db: db}
}

func (s *RawStore) CreateRaw(ctx context.Context, record *models.RawExtractionRecord) error {
	if record.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	if record.Status == "" {
		record.Status = models.RawPending
	}
	return withTransientRetry(ctx, s.db.logger, func() error {
		if err := s.db.RW.WithContext(ctx).Create(record).Error; err != nil {
			return fmt.Errorf("create raw record: %w", err)
		}
		return nil
	})
}

func (s *RawStore) GetRaw(ctx context.Context, tenantID, rawID int64) (*models.RawExtractionRecord, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	var record models.RawExtractionRecord
	err := s.db.RW.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, rawID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get raw record: %w", err)
	}
	return &record, nil
}

func (s *RawStore) MarkRaw(ctx context.Context, tenantID, rawID int64, status models.RawStatus, errorDetails string) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	return withTransientRetry(ctx, s.db.logger, func() error {
		result := s.db.RW.WithContext(ctx).Model(&models.RawExtractionRecord{}).
			Where("tenant_id = ? AND id = ?", tenantID, rawID).
			Updates(map[string]interface{}{"status": status, "error_details": errorDetails})
		if result.Error != nil {
			return fmt.Errorf("mark raw record: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

func (s *RawStore) ListPendingRaw(ctx context.Context, tenantID int64, limit int) ([]*models.RawExtractionRecord, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	if limit <= 0 {
		limit = 100
	}
	var records []*models.RawExtractionRecord
	err := s.db.RO.WithContext(ctx).
		Where("tenant_id = ? AND status = ?", tenantID, models.RawPending).
		Order("id").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("list pending raw records: %w", err)
	}
	return records, nil
}

func (s *RawStore) CountRaw(ctx context.Context, tenantID int64) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	var count int64
	err := s.db.RO.WithContext(ctx).Model(&models.RawExtractionRecord{}).
		Where("tenant_id = ?", tenantID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count raw records: %w", err)
	}
	return count, nil
}

func (s *RawStore) CountRawForStep(ctx context.Context, tenantID, jobID int64, stepName string) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	var count int64
	err := s.db.RO.WithContext(ctx).Model(&models.RawExtractionRecord{}).
		Where("tenant_id = ? AND job_id = ? AND step_name = ?", tenantID, jobID, stepName).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count raw records for step: %w", err)
	}
	return count, nil
}
