package interfaces

import (
	"context"

	"github.com/ternarybob/colligo/internal/models"
)

// RawBatch is one logical batch fetched by an extractor, persisted verbatim
// as a raw extraction record.
type RawBatch struct {
	Type    string
	Payload []byte
}

// SecondaryExtraction asks for a follow-on extraction spawned by a primary
// record (e.g. development status for one issue that has code changes).
type SecondaryExtraction struct {
	StepType         string
	ParentExternalID string
}

// ExtractRequest carries everything an extractor needs for one page.
// Credential is the opaque provider token, loaded fresh per invocation.
type ExtractRequest struct {
	Integration      *models.Integration
	Credential       string
	Cursor           string
	Secondary        bool
	SecondaryStep    string
	ParentExternalID string
}

// ExtractResult is one page of provider data. LastPage marks pagination
// exhaustion; NextCursor is the opaque checkpoint token for the next page.
type ExtractResult struct {
	Batches    []RawBatch
	NextCursor string
	LastPage   bool
	Secondary  []SecondaryExtraction
}

// Extractor fetches one page from an external provider per call. Failures
// are classified through models error kinds: retryable errors are nacked
// and requeued by the bus, fatal ones fail the step.
type Extractor interface {
	Provider() string
	Step() string
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResult, error)
}

// TransformResult is the set of normalized rows parsed from one raw record.
type TransformResult struct {
	Records []models.DomainRecord
}

// Transformer parses one raw record into domain rows. The unknown->typed
// boundary lives entirely inside the transformer; everything downstream is
// typed.
type Transformer interface {
	Provider() string
	Step() string
	Transform(ctx context.Context, raw *models.RawExtractionRecord) (*TransformResult, error)
}

// EmbeddingClient produces vectors of known dimensionality.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
	Dimensions() int
}

// VectorIndex is the external vector store: one collection per tenant,
// upsert keyed by (tenant, table, external_id), idempotent on that key.
type VectorIndex interface {
	Upsert(ctx context.Context, tenantID int64, tableName, externalID string, vector []float32, payload map[string]string) error
	Delete(ctx context.Context, tenantID int64, tableName, externalID string) error
	Count(ctx context.Context, tenantID int64) (int64, error)
	Close() error
}

// CancelToken exposes the per-job cooperative cancellation flag. Stage
// handlers poll it at page boundaries; in-flight calls are never
// interrupted mid-operation.
type CancelToken interface {
	Cancelled(tenantID, jobID int64) bool
}
