package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VectorStore implements interfaces.VectorStorage on postgres.
type VectorStore struct {
	db *DB
}

// NewVectorStore creates a vectorization queue and bridge store.
func NewVectorStore(db *DB) *VectorStore {
	return &VectorStore{db: db}
}

// EnqueueItem upserts the item on the unique
// (tenant_id, table_name, external_id, operation) index. An existing row is
// reset to pending under the new job attribution, so re-detected work after
// a completed run queues again instead of conflicting.
func (s *VectorStore) EnqueueItem(ctx context.Context, item *models.VectorizationQueueItem) (*models.VectorizationQueueItem, bool, error) {
	if item.TenantID == 0 {
		return nil, false, interfaces.ErrTenantRequired
	}
	item.Status = models.VectorItemPending

	var stored models.VectorizationQueueItem
	created := false
	err := withTransientRetry(ctx, s.db.logger, func() error {
		return s.db.RW.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var count int64
			err := tx.Model(&models.VectorizationQueueItem{}).
				Where("tenant_id = ? AND table_name = ? AND external_id = ? AND operation = ?",
					item.TenantID, item.Table, item.ExternalID, item.Operation).
				Count(&count).Error
			if err != nil {
				return err
			}
			created = count == 0

			result := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{
					{Name: "tenant_id"}, {Name: "table_name"},
					{Name: "external_id"}, {Name: "operation"},
				},
				DoUpdates: clause.AssignmentColumns([]string{"job_id", "step_name", "status", "error", "updated_at"}),
			}).Create(item)
			if result.Error != nil {
				return fmt.Errorf("enqueue vectorization item: %w", result.Error)
			}

			return tx.
				Where("tenant_id = ? AND table_name = ? AND external_id = ? AND operation = ?",
					item.TenantID, item.Table, item.ExternalID, item.Operation).
				First(&stored).Error
		})
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

func (s *VectorStore) GetItem(ctx context.Context, tenantID, itemID int64) (*models.VectorizationQueueItem, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	var item models.VectorizationQueueItem
	err := s.db.RW.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, itemID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get vectorization item: %w", err)
	}
	return &item, nil
}

func (s *VectorStore) MarkItem(ctx context.Context, tenantID, itemID int64, status models.VectorItemStatus, errMsg string) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	return withTransientRetry(ctx, s.db.logger, func() error {
		result := s.db.RW.WithContext(ctx).Model(&models.VectorizationQueueItem{}).
			Where("tenant_id = ? AND id = ?", tenantID, itemID).
			Updates(map[string]interface{}{"status": status, "error": errMsg})
		if result.Error != nil {
			return fmt.Errorf("mark vectorization item: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

func (s *VectorStore) CountOutstanding(ctx context.Context, tenantID, jobID int64, stepName string) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	var count int64
	err := s.db.RW.WithContext(ctx).Model(&models.VectorizationQueueItem{}).
		Where("tenant_id = ? AND job_id = ? AND step_name = ? AND status = ?",
			tenantID, jobID, stepName, models.VectorItemPending).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count outstanding vectorization items: %w", err)
	}
	return count, nil
}

// TenantModel reads the (model, dimensions) pair off any live bridge row.
// All live rows share the pair, so one row answers for the tenant.
func (s *VectorStore) TenantModel(ctx context.Context, tenantID int64) (string, int, bool, error) {
	if tenantID == 0 {
		return "", 0, false, interfaces.ErrTenantRequired
	}
	var bridge models.VectorBridge
	err := s.db.RW.WithContext(ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		First(&bridge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("read tenant embedding model: %w", err)
	}
	return bridge.EmbeddingModel, bridge.EmbeddingDimensions, true, nil
}

func (s *VectorStore) UpsertBridge(ctx context.Context, bridge *models.VectorBridge) error {
	if bridge.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	return withTransientRetry(ctx, s.db.logger, func() error {
		err := s.db.RW.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "table_name"}, {Name: "external_id"},
			},
			UpdateAll: true,
		}).Create(bridge).Error
		if err != nil {
			return fmt.Errorf("upsert bridge row: %w", err)
		}
		return nil
	})
}

func (s *VectorStore) GetBridge(ctx context.Context, tenantID int64, tableName, externalID string) (*models.VectorBridge, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	var bridge models.VectorBridge
	err := s.db.RW.WithContext(ctx).
		Where("tenant_id = ? AND table_name = ? AND external_id = ?", tenantID, tableName, externalID).
		First(&bridge).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get bridge row: %w", err)
	}
	return &bridge, nil
}

func (s *VectorStore) DeactivateBridge(ctx context.Context, tenantID int64, tableName, externalID string) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	return withTransientRetry(ctx, s.db.logger, func() error {
		result := s.db.RW.WithContext(ctx).Model(&models.VectorBridge{}).
			Where("tenant_id = ? AND table_name = ? AND external_id = ?", tenantID, tableName, externalID).
			Update("active", false)
		if result.Error != nil {
			return fmt.Errorf("deactivate bridge row: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return interfaces.ErrNotFound
		}
		return nil
	})
}

func (s *VectorStore) CountBridges(ctx context.Context, tenantID int64) (int64, error) {
	if tenantID == 0 {
		return 0, interfaces.ErrTenantRequired
	}
	var count int64
	err := s.db.RO.WithContext(ctx).Model(&models.VectorBridge{}).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("count bridge rows: %w", err)
	}
	return count, nil
}
