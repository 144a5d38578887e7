package models

import "time"

// VectorOperation is the kind of pending embedding work for a domain row.
type VectorOperation string

const (
	VectorInsert VectorOperation = "insert"
	VectorUpdate VectorOperation = "update"
	VectorDelete VectorOperation = "delete"
)

// VectorItemStatus is the lifecycle state of a vectorization queue item.
type VectorItemStatus string

const (
	VectorItemPending   VectorItemStatus = "pending"
	VectorItemCompleted VectorItemStatus = "completed"
	VectorItemFailed    VectorItemStatus = "failed"
)

// VectorBridge maps a domain row to its vector in the external store.
// Within a tenant all live bridge rows share the same
// (embedding_model, embedding_dimensions) pair; the embedding handler
// enforces this before any new vector is written. Bridges are soft-deleted
// (active=false) when the source row is removed.
type VectorBridge struct {
	ID                  int64     `gorm:"primaryKey" json:"id"`
	TenantID            int64     `gorm:"uniqueIndex:idx_bridge_tenant_row" json:"tenant_id"`
	Table               string    `gorm:"size:128;uniqueIndex:idx_bridge_tenant_row;column:table_name" json:"table_name"`
	ExternalID          string    `gorm:"size:255;uniqueIndex:idx_bridge_tenant_row" json:"external_id"`
	RecordID            int64     `json:"record_id"`
	EmbeddingModel      string    `gorm:"size:128" json:"embedding_model"`
	EmbeddingDimensions int       `json:"embedding_dimensions"`
	Active              bool      `json:"active"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// TableName implements the gorm naming convention override.
func (VectorBridge) TableName() string { return "vector_bridge" }

// VectorizationQueueItem is the durable record of a pending embedding task,
// unique on (table_name, external_id, operation, tenant_id). JobID and
// StepName attribute the item to a run so the orchestrator can tell when a
// step's embedding work has drained.
type VectorizationQueueItem struct {
	ID         int64            `gorm:"primaryKey" json:"id"`
	TenantID   int64            `gorm:"uniqueIndex:idx_vq_unique" json:"tenant_id"`
	Table      string           `gorm:"size:128;uniqueIndex:idx_vq_unique;column:table_name" json:"table_name"`
	ExternalID string           `gorm:"size:255;uniqueIndex:idx_vq_unique" json:"external_id"`
	Operation  VectorOperation  `gorm:"size:16;uniqueIndex:idx_vq_unique" json:"operation"`
	JobID      int64            `gorm:"index:idx_vq_job" json:"job_id"`
	StepName   string           `gorm:"size:255;index:idx_vq_job" json:"step_name"`
	Status     VectorItemStatus `gorm:"size:32;default:pending" json:"status"`
	Error      string           `gorm:"type:text" json:"error"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// TableName implements the gorm naming convention override.
func (VectorizationQueueItem) TableName() string { return "vectorization_queue" }
