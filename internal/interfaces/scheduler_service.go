package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/colligo/internal/models"
)

// ErrAlreadyRunning is returned by StartRun when the job's overall status is
// already running.
var ErrAlreadyRunning = errors.New("job is already running")

// RunResult is delivered on a run's done channel when the run reaches a
// terminal overall state.
type RunResult struct {
	Overall models.OverallState
	Err     error
}

// Orchestrator drives a single job execution: it seeds the first extraction
// message per step, observes completion signals from the stage handlers,
// and advances the status document under a row-level lock.
type Orchestrator interface {
	// StartRun begins a run and returns a channel closed (after one
	// result) when the run finishes. Returns ErrAlreadyRunning when the
	// job's overall status is already running (single-flight).
	StartRun(ctx context.Context, tenantID int64, jobName string) (<-chan RunResult, error)
	// Cancel sets the cooperative cancellation flag for a running job.
	Cancel(tenantID int64, jobName string) error
	// Status returns the canonical status document.
	Status(ctx context.Context, tenantID int64, jobName string) (*models.JobStatus, error)
	// ResumeCheckpoints republishes continuation messages for steps that
	// were mid-pagination when the process stopped.
	ResumeCheckpoints(ctx context.Context) error
}

// SchedulerService owns one timer per active schedule.
type SchedulerService interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
	// RunNow forces a run outside the timer, respecting single-flight.
	RunNow(ctx context.Context, tenantID int64, jobName string) error
}

// WorkerStatus reports one consumer group's health.
type WorkerStatus struct {
	Key           string       `json:"key"` // tenant or tier identity
	Stage         models.Stage `json:"stage"`
	Running       bool         `json:"running"`
	ActiveWorkers int          `json:"active_workers"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// WorkerPool supervises per-(tenant|tier, stage) consumer groups. All
// lifecycle operations are idempotent.
type WorkerPool interface {
	StartAll(ctx context.Context) error
	StopAll() error
	StartTenantWorkers(ctx context.Context, tenant *models.Tenant) error
	StopTenantWorkers(tenantID int64) error
	Status() []WorkerStatus
}
