package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScheduleStore implements interfaces.ScheduleStorage on postgres. Status
// transitions are serialized with SELECT ... FOR UPDATE on the schedule
// row, so concurrent stage signals cannot interleave their read-modify-
// write cycles.
type ScheduleStore struct {
	db *DB
}

// NewScheduleStore creates a schedule store.
func NewScheduleStore(db *DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

func (s *ScheduleStore) GetSchedule(ctx context.Context, tenantID int64, jobName string) (*models.JobSchedule, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	var schedule models.JobSchedule
	err := s.db.RW.WithContext(ctx).
		Where("tenant_id = ? AND job_name = ?", tenantID, jobName).
		First(&schedule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &schedule, nil
}

func (s *ScheduleStore) GetScheduleByID(ctx context.Context, tenantID, jobID int64) (*models.JobSchedule, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	var schedule models.JobSchedule
	err := s.db.RW.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, jobID).
		First(&schedule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, interfaces.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule by id: %w", err)
	}
	return &schedule, nil
}

// ListActiveSchedules is a scheduler-startup read across tenants; it is the
// one deliberate exception to the tenant-filter rule.
func (s *ScheduleStore) ListActiveSchedules(ctx context.Context) ([]*models.JobSchedule, error) {
	var schedules []*models.JobSchedule
	err := s.db.RW.WithContext(ctx).
		Where("active = ?", true).
		Order("tenant_id, execution_order").
		Find(&schedules).Error
	if err != nil {
		return nil, fmt.Errorf("list active schedules: %w", err)
	}
	return schedules, nil
}

func (s *ScheduleStore) SaveSchedule(ctx context.Context, schedule *models.JobSchedule) error {
	if schedule.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	if err := s.db.RW.WithContext(ctx).Save(schedule).Error; err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

// UpdateStatus runs mutate on the schedule inside a transaction holding a
// row-level lock, then persists the mutated row. Returns the status
// document after the mutation.
func (s *ScheduleStore) UpdateStatus(ctx context.Context, tenantID int64, jobName string, mutate func(*models.JobSchedule) error) (*models.JobStatus, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}

	var result *models.JobStatus
	err := withTransientRetry(ctx, s.db.logger, func() error {
		return s.db.RW.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var schedule models.JobSchedule
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("tenant_id = ? AND job_name = ?", tenantID, jobName).
				First(&schedule).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return interfaces.ErrNotFound
			}
			if err != nil {
				return err
			}

			if err := mutate(&schedule); err != nil {
				return err
			}
			if err := tx.Save(&schedule).Error; err != nil {
				return err
			}
			result = schedule.Status
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ScheduleStore) MarkRunStarted(ctx context.Context, tenantID int64, jobName string, startedAt time.Time) error {
	return s.updateFields(ctx, tenantID, jobName, map[string]interface{}{
		"last_run_started_at": startedAt,
	})
}

func (s *ScheduleStore) MarkRunSuccess(ctx context.Context, tenantID int64, jobName string, at time.Time) error {
	return s.updateFields(ctx, tenantID, jobName, map[string]interface{}{
		"last_success_at": at,
	})
}

func (s *ScheduleStore) SetNextRun(ctx context.Context, tenantID int64, jobName string, next time.Time) error {
	return s.updateFields(ctx, tenantID, jobName, map[string]interface{}{
		"next_run": next,
	})
}

func (s *ScheduleStore) updateFields(ctx context.Context, tenantID int64, jobName string, fields map[string]interface{}) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	result := s.db.RW.WithContext(ctx).Model(&models.JobSchedule{}).
		Where("tenant_id = ? AND job_name = ?", tenantID, jobName).
		Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("update schedule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}
