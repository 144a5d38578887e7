package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/colligo/internal/models"
)

// EventType represents different event types in the system.
type EventType string

const (
	// Subscriber-facing events, mirrored to the push channel.
	EventProgress   EventType = "progress"
	EventException  EventType = "exception"
	EventStatus     EventType = "status"
	EventCompletion EventType = "completion"

	// Internal pipeline signals. The orchestrator consumes step signals;
	// the scheduler consumes run-finished events. This thin bus is what
	// keeps scheduler, orchestrator and worker pool free of cyclic
	// references.
	EventStepSignal  EventType = "step_signal"
	EventRunFinished EventType = "run_finished"
)

// SignalKind discriminates step signals emitted by stage handlers.
type SignalKind string

const (
	SignalTransformComplete SignalKind = "transform_complete"
	SignalEmbeddingEnqueued SignalKind = "embedding_enqueued"
	SignalEmbeddingDrained  SignalKind = "embedding_drained"
	SignalStageFailed       SignalKind = "stage_failed"
)

// Event is a system event scoped to a (tenant, job) pair.
type Event struct {
	Type      EventType   `json:"type"`
	TenantID  int64       `json:"tenant_id"`
	JobID     int64       `json:"job_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// ProgressPayload reports run progress.
type ProgressPayload struct {
	Percent float64 `json:"percent"`
	Step    string  `json:"step"`
	Stage   string  `json:"stage,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}

// ExceptionPayload reports a user-visible failure. Provider payloads are
// never echoed here.
type ExceptionPayload struct {
	Level   string `json:"level"`
	Step    string `json:"step,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// CompletionPayload summarizes a finished run.
type CompletionPayload struct {
	Overall     models.OverallState `json:"overall"`
	RawRecords  int64               `json:"raw_records"`
	DomainRows  int64               `json:"domain_rows"`
	BridgeRows  int64               `json:"bridge_rows"`
	DurationSec float64             `json:"duration_sec"`
}

// StepSignalPayload is an internal handler -> orchestrator signal.
type StepSignalPayload struct {
	Step   string             `json:"step"`
	Signal SignalKind         `json:"signal"`
	Stage  models.Stage       `json:"stage,omitempty"`
	Kind   models.ErrorKind   `json:"kind,omitempty"`
	Reason string             `json:"reason,omitempty"`
}

// RunFinishedPayload is emitted once per run, whatever the outcome.
type RunFinishedPayload struct {
	Overall models.OverallState `json:"overall"`
}

// EventHandler is a function that handles events.
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the in-process pub/sub event bus. The service
// retains the latest progress event per (tenant, job) so late subscribers
// get an immediate snapshot.
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	// PublishSync publishes and waits for all handlers to complete.
	PublishSync(ctx context.Context, event Event) error
	// LatestProgress returns the retained progress snapshot, or nil.
	LatestProgress(tenantID, jobID int64) *Event
	Close() error
}
