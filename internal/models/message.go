package models

import (
	"encoding/json"
	"fmt"
)

// Envelope is the required header on every queue message. Stage-specific
// fields ride alongside it in the concrete message types.
type Envelope struct {
	TenantID      int64  `json:"tenant_id"`
	JobID         int64  `json:"job_id"`
	IntegrationID int64  `json:"integration_id"`
	Type          string `json:"type"`
	FirstItem     bool   `json:"first_item,omitempty"`
	LastItem      bool   `json:"last_item,omitempty"`
	Cursor        string `json:"cursor,omitempty"`
}

// Validate checks the mandatory envelope fields.
func (e *Envelope) Validate() error {
	if e.TenantID == 0 {
		return fmt.Errorf("envelope missing tenant_id")
	}
	if e.JobID == 0 {
		return fmt.Errorf("envelope missing job_id")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope missing type")
	}
	return nil
}

// Message type discriminators carried in Envelope.Type.
const (
	TypeExtraction    = "extraction"
	TypeTransform     = "transform"
	TypeVectorization = "vectorization"
)

// ExtractionMessage asks an extraction worker to fetch one page for a step.
// Secondary marks a follow-on extraction spawned by a primary record (e.g.
// development status for a single issue); ParentExternalID identifies the
// spawning record.
type ExtractionMessage struct {
	Envelope
	Provider         string `json:"provider"`
	StepName         string `json:"step_name"`
	Secondary        bool   `json:"secondary,omitempty"`
	SecondaryStep    string `json:"secondary_step,omitempty"`
	ParentExternalID string `json:"parent_external_id,omitempty"`
}

// TransformMessage references one raw record to normalize.
type TransformMessage struct {
	Envelope
	Provider string `json:"provider"`
	StepName string `json:"step_name"`
	RawID    int64  `json:"raw_id"`
}

// VectorizationMessage references one durable vectorization queue item.
type VectorizationMessage struct {
	Envelope
	ItemID     int64           `json:"item_id"`
	StepName   string          `json:"step_name"`
	TableName  string          `json:"table_name"`
	ExternalID string          `json:"external_id"`
	Operation  VectorOperation `json:"operation"`
}

// Queue naming. Extraction shares a queue per tier; transform and
// vectorization are isolated per tenant to preserve per-tenant ordering and
// contain noisy tenants.

// ExtractionQueue returns the shared extraction queue name for a tier.
func ExtractionQueue(tier Tier) string {
	return fmt.Sprintf("extraction_queue_%s", tier)
}

// TransformQueue returns the per-tenant transform queue name.
func TransformQueue(tenantID int64) string {
	return fmt.Sprintf("transform_queue_tenant_%d", tenantID)
}

// VectorizationQueue returns the per-tenant vectorization queue name.
func VectorizationQueue(tenantID int64) string {
	return fmt.Sprintf("vectorization_queue_tenant_%d", tenantID)
}

// DeadLetterQueue returns the dead-letter queue paired with a queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}

// EncodeMessage marshals a queue message to its wire form.
func EncodeMessage(msg interface{}) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode queue message: %w", err)
	}
	return body, nil
}
