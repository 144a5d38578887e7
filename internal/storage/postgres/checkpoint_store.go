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

// CheckpointStore implements interfaces.CheckpointStorage on postgres.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore creates a checkpoint store.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// PutCheckpoint upserts the cursor on the (tenant_id, job_id, step_name)
// unique index. Written before the continuation message is published, so a
// crash between the two replays the page instead of skipping it.
func (s *CheckpointStore) PutCheckpoint(ctx context.Context, cp *models.JobCheckpoint) error {
	if cp.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	return withTransientRetry(ctx, s.db.logger, func() error {
		err := s.db.RW.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"}, {Name: "job_id"}, {Name: "step_name"},
			},
			UpdateAll: true,
		}).Create(cp).Error
		if err != nil {
			return fmt.Errorf("put checkpoint: %w", err)
		}
		return nil
	})
}

func (s *CheckpointStore) GetCheckpoint(ctx context.Context, tenantID, jobID int64, stepName string) (*models.JobCheckpoint, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	var cp models.JobCheckpoint
	err := s.db.RW.WithContext(ctx).
		Where("tenant_id = ? AND job_id = ? AND step_name = ?", tenantID, jobID, stepName).
		First(&cp).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return &cp, nil
}

func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, tenantID, jobID int64, stepName string) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	return withTransientRetry(ctx, s.db.logger, func() error {
		err := s.db.RW.WithContext(ctx).
			Where("tenant_id = ? AND job_id = ? AND step_name = ?", tenantID, jobID, stepName).
			Delete(&models.JobCheckpoint{}).Error
		if err != nil {
			return fmt.Errorf("delete checkpoint: %w", err)
		}
		return nil
	})
}

// ListCheckpoints is a startup-recovery read across tenants.
func (s *CheckpointStore) ListCheckpoints(ctx context.Context) ([]*models.JobCheckpoint, error) {
	var cps []*models.JobCheckpoint
	err := s.db.RW.WithContext(ctx).
		Order("tenant_id, job_id, step_name").
		Find(&cps).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}
