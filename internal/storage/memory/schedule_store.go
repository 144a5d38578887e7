package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// ScheduleStore is the in-memory interfaces.ScheduleStorage. A single mutex
// stands in for the row-level lock: UpdateStatus mutations are serialized
// exactly as they are against postgres.
type ScheduleStore struct {
	mu        sync.Mutex
	schedules map[string]*models.JobSchedule
	nextID    int64
}

// NewScheduleStore creates an empty schedule store.
func NewScheduleStore() *ScheduleStore {
	return &ScheduleStore{
		schedules: make(map[string]*models.JobSchedule),
		nextID:    1,
	}
}

func scheduleKey(tenantID int64, jobName string) string {
	return fmt.Sprintf("%d/%s", tenantID, jobName)
}

func cloneSchedule(s *models.JobSchedule) *models.JobSchedule {
	copied := *s
	copied.Status = s.Status.Clone()
	if s.LastRunStartedAt != nil {
		t := *s.LastRunStartedAt
		copied.LastRunStartedAt = &t
	}
	if s.LastSuccessAt != nil {
		t := *s.LastSuccessAt
		copied.LastSuccessAt = &t
	}
	if s.NextRun != nil {
		t := *s.NextRun
		copied.NextRun = &t
	}
	return &copied
}

func (s *ScheduleStore) GetSchedule(ctx context.Context, tenantID int64, jobName string) (*models.JobSchedule, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[scheduleKey(tenantID, jobName)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	return cloneSchedule(schedule), nil
}

func (s *ScheduleStore) GetScheduleByID(ctx context.Context, tenantID, jobID int64) (*models.JobSchedule, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, schedule := range s.schedules {
		if schedule.TenantID == tenantID && schedule.ID == jobID {
			return cloneSchedule(schedule), nil
		}
	}
	return nil, interfaces.ErrNotFound
}

func (s *ScheduleStore) ListActiveSchedules(ctx context.Context) ([]*models.JobSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.JobSchedule
	for _, schedule := range s.schedules {
		if schedule.Active {
			out = append(out, cloneSchedule(schedule))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].ExecutionOrder < out[j].ExecutionOrder
	})
	return out, nil
}

func (s *ScheduleStore) SaveSchedule(ctx context.Context, schedule *models.JobSchedule) error {
	if schedule.TenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if schedule.ID == 0 {
		schedule.ID = s.nextID
		s.nextID++
	}
	s.schedules[scheduleKey(schedule.TenantID, schedule.JobName)] = cloneSchedule(schedule)
	return nil
}

func (s *ScheduleStore) UpdateStatus(ctx context.Context, tenantID int64, jobName string, mutate func(*models.JobSchedule) error) (*models.JobStatus, error) {
	if tenantID == 0 {
		return nil, interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[scheduleKey(tenantID, jobName)]
	if !ok {
		return nil, interfaces.ErrNotFound
	}
	working := cloneSchedule(schedule)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now()
	s.schedules[scheduleKey(tenantID, jobName)] = working
	return working.Status.Clone(), nil
}

func (s *ScheduleStore) MarkRunStarted(ctx context.Context, tenantID int64, jobName string, startedAt time.Time) error {
	return s.setField(tenantID, jobName, func(schedule *models.JobSchedule) {
		t := startedAt
		schedule.LastRunStartedAt = &t
	})
}

func (s *ScheduleStore) MarkRunSuccess(ctx context.Context, tenantID int64, jobName string, at time.Time) error {
	return s.setField(tenantID, jobName, func(schedule *models.JobSchedule) {
		t := at
		schedule.LastSuccessAt = &t
	})
}

func (s *ScheduleStore) SetNextRun(ctx context.Context, tenantID int64, jobName string, next time.Time) error {
	return s.setField(tenantID, jobName, func(schedule *models.JobSchedule) {
		t := next
		schedule.NextRun = &t
	})
}

func (s *ScheduleStore) setField(tenantID int64, jobName string, set func(*models.JobSchedule)) error {
	if tenantID == 0 {
		return interfaces.ErrTenantRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[scheduleKey(tenantID, jobName)]
	if !ok {
		return interfaces.ErrNotFound
	}
	set(schedule)
	schedule.UpdatedAt = time.Now()
	return nil
}
