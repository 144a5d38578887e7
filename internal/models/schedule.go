package models

import "time"

// JobSchedule drives periodic execution of one tenant x provider job.
// For an active schedule NextRun is always set and advances by
// ScheduleIntervalMinutes from LastRunStartedAt (or from now on first
// scheduling). NextRun is stored as a naive timestamp in the tenant's
// nominal time zone; all comparisons use the same zone.
type JobSchedule struct {
	ID                      int64      `gorm:"primaryKey" json:"id"`
	TenantID                int64      `gorm:"uniqueIndex:idx_schedules_tenant_job" json:"tenant_id"`
	JobName                 string     `gorm:"size:255;uniqueIndex:idx_schedules_tenant_job" json:"job_name"`
	Provider                string     `gorm:"size:64" json:"provider"`
	IntegrationID           int64      `json:"integration_id"`
	ExecutionOrder          int        `json:"execution_order"`
	ScheduleIntervalMinutes int        `json:"schedule_interval_minutes"`
	LastRunStartedAt        *time.Time `json:"last_run_started_at"`
	LastSuccessAt           *time.Time `json:"last_success_at"`
	NextRun                 *time.Time `json:"next_run"`
	Active                  bool       `json:"active"`
	Status                  *JobStatus `gorm:"serializer:json;type:jsonb" json:"status"`
	CreatedAt               time.Time  `json:"created_at"`
	UpdatedAt               time.Time  `json:"updated_at"`
}

// TableName implements the gorm naming convention override.
func (JobSchedule) TableName() string { return "job_schedules" }

// Interval returns the schedule interval as a duration.
func (s *JobSchedule) Interval() time.Duration {
	return time.Duration(s.ScheduleIntervalMinutes) * time.Minute
}

// Overall returns the overall state of the status document, treating a
// missing document as idle.
func (s *JobSchedule) Overall() OverallState {
	if s.Status == nil {
		return OverallIdle
	}
	return s.Status.Overall
}

// JobCheckpoint persists a resumable cursor (and the secondary-extraction
// counters) alongside a job step. A checkpoint is written before the
// next-page message is published, so a crash between write and publish
// yields a duplicate page rather than a lost one.
type JobCheckpoint struct {
	ID               int64     `gorm:"primaryKey" json:"id"`
	TenantID         int64     `gorm:"uniqueIndex:idx_checkpoints_key" json:"tenant_id"`
	JobID            int64     `gorm:"uniqueIndex:idx_checkpoints_key" json:"job_id"`
	StepName         string    `gorm:"size:255;uniqueIndex:idx_checkpoints_key" json:"step_name"`
	Stage            Stage     `gorm:"size:32" json:"stage"`
	CursorToken      string    `gorm:"size:1024" json:"cursor_token"`
	PrimaryDone      bool      `json:"primary_done"`
	SecondaryPending int       `json:"secondary_pending"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName implements the gorm naming convention override.
func (JobCheckpoint) TableName() string { return "job_checkpoints" }
