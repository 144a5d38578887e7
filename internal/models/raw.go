package models

import "time"

// RawStatus is the lifecycle state of a raw extraction record.
type RawStatus string

const (
	RawPending   RawStatus = "pending"
	RawCompleted RawStatus = "completed"
	RawFailed    RawStatus = "failed"
)

// RawTypeSentinel marks an empty carrier record created when a step's final
// page produced no payload. It exists only to carry the LastItem flag
// through the transform queue.
const RawTypeSentinel = "sentinel"

// RawExtractionRecord is an unparsed provider payload persisted between the
// extraction and transform stages. Records are append-only until transform
// marks them completed or failed.
//
// Exactly one raw record per step carries LastItem=true; processing it is
// the step-completion signal for the transform stage. When a step triggers
// secondary extractions the flag moves to the final secondary record.
type RawExtractionRecord struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	TenantID      int64     `gorm:"index:idx_raw_tenant" json:"tenant_id"`
	IntegrationID int64     `json:"integration_id"`
	JobID         int64     `gorm:"index:idx_raw_tenant" json:"job_id"`
	StepName      string    `gorm:"size:255" json:"step_name"`
	Type          string    `gorm:"size:128" json:"type"`
	Payload       []byte    `gorm:"type:jsonb" json:"payload"`
	Status        RawStatus `gorm:"size:32;default:pending" json:"status"`
	FirstItem     bool      `json:"first_item"`
	LastItem      bool      `json:"last_item"`
	ErrorDetails  string    `gorm:"type:text" json:"error_details"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName implements the gorm naming convention override.
func (RawExtractionRecord) TableName() string { return "raw_extraction_data" }
