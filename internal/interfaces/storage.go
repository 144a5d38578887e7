package interfaces

import (
	"context"
	"errors"
	"time"

	"github.com/ternarybob/colligo/internal/models"
)

// ErrTenantRequired is returned by every tenant-scoped store operation that
// is called without a tenant id. Omitting the tenant filter is a programming
// error, surfaced at call time rather than silently widening a query.
var ErrTenantRequired = errors.New("tenant_id is required for tenant-scoped access")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// TenantStorage reads tenant and integration rows.
type TenantStorage interface {
	GetTenant(ctx context.Context, tenantID int64) (*models.Tenant, error)
	ListActiveTenants(ctx context.Context) ([]*models.Tenant, error)
	GetIntegration(ctx context.Context, tenantID, integrationID int64) (*models.Integration, error)
	SaveTenant(ctx context.Context, tenant *models.Tenant) error
	SaveIntegration(ctx context.Context, integration *models.Integration) error
}

// ScheduleStorage persists job schedules and their status documents.
// UpdateStatus serializes concurrent transitions with a row-level lock:
// mutate runs inside a transaction holding SELECT ... FOR UPDATE (or the
// in-memory equivalent) on the schedule row.
type ScheduleStorage interface {
	GetSchedule(ctx context.Context, tenantID int64, jobName string) (*models.JobSchedule, error)
	GetScheduleByID(ctx context.Context, tenantID, jobID int64) (*models.JobSchedule, error)
	ListActiveSchedules(ctx context.Context) ([]*models.JobSchedule, error)
	SaveSchedule(ctx context.Context, schedule *models.JobSchedule) error
	UpdateStatus(ctx context.Context, tenantID int64, jobName string, mutate func(*models.JobSchedule) error) (*models.JobStatus, error)
	MarkRunStarted(ctx context.Context, tenantID int64, jobName string, startedAt time.Time) error
	MarkRunSuccess(ctx context.Context, tenantID int64, jobName string, at time.Time) error
	SetNextRun(ctx context.Context, tenantID int64, jobName string, next time.Time) error
}

// RawStorage persists raw extraction records between extraction and
// transform.
type RawStorage interface {
	CreateRaw(ctx context.Context, record *models.RawExtractionRecord) error
	GetRaw(ctx context.Context, tenantID, rawID int64) (*models.RawExtractionRecord, error)
	MarkRaw(ctx context.Context, tenantID, rawID int64, status models.RawStatus, errorDetails string) error
	ListPendingRaw(ctx context.Context, tenantID int64, limit int) ([]*models.RawExtractionRecord, error)
	CountRaw(ctx context.Context, tenantID int64) (int64, error)
	CountRawForStep(ctx context.Context, tenantID, jobID int64, stepName string) (int64, error)
}

// DomainStorage upserts normalized rows by (tenant_id, external_id).
type DomainStorage interface {
	// Upsert writes the record, keyed on (tenant_id, external_id).
	// Returns true when a new row was created.
	Upsert(ctx context.Context, record models.DomainRecord) (created bool, err error)
	// Get loads a row from the named table into a fresh record.
	Get(ctx context.Context, tenantID int64, tableName, externalID string) (models.DomainRecord, error)
	Count(ctx context.Context, tenantID int64, tableName string) (int64, error)
	CountAll(ctx context.Context, tenantID int64) (int64, error)
}

// VectorStorage persists the vectorization queue and the bridge table.
type VectorStorage interface {
	// EnqueueItem inserts a pending item unless the unique
	// (table_name, external_id, operation, tenant_id) row already exists.
	// Returns the stored item and whether it was newly created.
	EnqueueItem(ctx context.Context, item *models.VectorizationQueueItem) (*models.VectorizationQueueItem, bool, error)
	GetItem(ctx context.Context, tenantID, itemID int64) (*models.VectorizationQueueItem, error)
	MarkItem(ctx context.Context, tenantID, itemID int64, status models.VectorItemStatus, errMsg string) error
	CountOutstanding(ctx context.Context, tenantID, jobID int64, stepName string) (int64, error)

	// TenantModel returns the (model, dimensions) pair shared by the
	// tenant's live bridge rows, or ok=false when the tenant has none.
	TenantModel(ctx context.Context, tenantID int64) (model string, dimensions int, ok bool, err error)
	UpsertBridge(ctx context.Context, bridge *models.VectorBridge) error
	GetBridge(ctx context.Context, tenantID int64, tableName, externalID string) (*models.VectorBridge, error)
	DeactivateBridge(ctx context.Context, tenantID int64, tableName, externalID string) error
	CountBridges(ctx context.Context, tenantID int64) (int64, error)
}

// CheckpointStorage persists resumable cursors per job step.
type CheckpointStorage interface {
	PutCheckpoint(ctx context.Context, cp *models.JobCheckpoint) error
	GetCheckpoint(ctx context.Context, tenantID, jobID int64, stepName string) (*models.JobCheckpoint, error)
	DeleteCheckpoint(ctx context.Context, tenantID, jobID int64, stepName string) error
	// ListCheckpoints returns every stored checkpoint; used on startup to
	// republish continuation messages for steps still marked running.
	ListCheckpoints(ctx context.Context) ([]*models.JobCheckpoint, error)
}

// CredentialStorage holds opaque provider tokens keyed by the integration's
// credential key. Backed by the embedded key/value store; credentials are
// loaded once per handler invocation and never cached across tenants.
type CredentialStorage interface {
	StoreCredential(ctx context.Context, key, token string) error
	GetCredential(ctx context.Context, key string) (string, error)
	DeleteCredential(ctx context.Context, key string) error
	Close() error
}
