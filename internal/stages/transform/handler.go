// Package transform implements the transform stage handler. Each message
// references one raw record: the handler parses it into typed rows, upserts
// them, and enqueues the resulting embedding work.
package transform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
	"github.com/ternarybob/colligo/internal/providers"
)

// Handler processes transform queue messages.
type Handler struct {
	registry  *providers.Registry
	schedules interfaces.ScheduleStorage
	raw       interfaces.RawStorage
	domain    interfaces.DomainStorage
	vectors   interfaces.VectorStorage
	bus       interfaces.MessageBus
	events    interfaces.EventService
	cancel    interfaces.CancelToken
	logger    arbor.ILogger
}

// NewHandler wires the transform handler.
func NewHandler(
	registry *providers.Registry,
	schedules interfaces.ScheduleStorage,
	raw interfaces.RawStorage,
	domain interfaces.DomainStorage,
	vectors interfaces.VectorStorage,
	bus interfaces.MessageBus,
	events interfaces.EventService,
	cancel interfaces.CancelToken,
	logger arbor.ILogger,
) *Handler {
	return &Handler{
		registry:  registry,
		schedules: schedules,
		raw:       raw,
		domain:    domain,
		vectors:   vectors,
		bus:       bus,
		events:    events,
		cancel:    cancel,
		logger:    logger,
	}
}

// Process handles one delivery. Redelivered messages converge: upserts are
// keyed on (tenant_id, external_id) and a completed raw record short-circuits
// to its completion signal.
func (h *Handler) Process(ctx context.Context, delivery *interfaces.Delivery) error {
	var msg models.TransformMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return models.Poison("malformed transform message", err)
	}
	if err := msg.Validate(); err != nil {
		return models.Poison("invalid transform envelope", err)
	}
	if msg.Type != models.TypeTransform {
		return models.Poison(fmt.Sprintf("unexpected message type %q on transform queue", msg.Type), nil)
	}

	if h.cancel.Cancelled(msg.TenantID, msg.JobID) {
		return h.failStep(ctx, &msg, models.Cancelled("job cancelled"))
	}

	record, err := h.raw.GetRaw(ctx, msg.TenantID, msg.RawID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.Poison("transform message references unknown raw record", err)
		}
		return models.Retryable("failed to load raw record", err)
	}

	if record.Status == models.RawCompleted {
		// Redelivery after a crash between mark and signal; re-emit the
		// completion signal, which the orchestrator tolerates.
		if record.LastItem {
			return h.signalComplete(ctx, &msg)
		}
		return nil
	}

	schedule, err := h.schedules.GetScheduleByID(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.Poison("transform message references unknown job", err)
		}
		return models.Retryable("failed to load schedule", err)
	}

	status, err := h.schedules.UpdateStatus(ctx, msg.TenantID, schedule.JobName, func(s *models.JobSchedule) error {
		step, err := s.Status.Step(msg.StepName)
		if err != nil {
			return models.Poison("message references unknown step", err)
		}
		if step.Transform == models.StageIdle {
			return step.SetStage(models.StageTransform, models.StageRunning)
		}
		return nil
	})
	if err != nil {
		var ke *models.KindError
		if errors.As(err, &ke) {
			return err
		}
		return models.Retryable("failed to update job status", err)
	}

	if record.Type != models.RawTypeSentinel {
		if err := h.transform(ctx, &msg, record); err != nil {
			switch {
			case models.IsFatal(err):
				if markErr := h.raw.MarkRaw(ctx, msg.TenantID, record.ID, models.RawFailed, err.Error()); markErr != nil {
					return models.Retryable("failed to mark raw record failed", markErr)
				}
				return h.failStep(ctx, &msg, err)
			case models.Classify(err) == models.KindPoisonMessage:
				// Dead-letter without failing the step; the stale sweep
				// catches a step whose completion carrier was poisoned.
				if markErr := h.raw.MarkRaw(ctx, msg.TenantID, record.ID, models.RawFailed, err.Error()); markErr != nil {
					return models.Retryable("failed to mark raw record failed", markErr)
				}
				return err
			default:
				return err
			}
		}
	}

	if err := h.raw.MarkRaw(ctx, msg.TenantID, record.ID, models.RawCompleted, ""); err != nil {
		return models.Retryable("failed to mark raw record completed", err)
	}

	h.publishProgress(ctx, &msg, status)

	if record.LastItem {
		return h.signalComplete(ctx, &msg)
	}
	return nil
}

// transform parses the raw record and upserts its rows, enqueueing one
// vectorization item per row. The operation is insert for newly created
// rows and update for existing ones.
func (h *Handler) transform(ctx context.Context, msg *models.TransformMessage, record *models.RawExtractionRecord) error {
	transformer, err := h.registry.Transformer(msg.Provider, msg.StepName)
	if err != nil {
		return models.Poison("no transformer for message", err)
	}

	result, err := transformer.Transform(ctx, record)
	if err != nil {
		return err
	}

	for _, row := range result.Records {
		created, err := h.domain.Upsert(ctx, row)
		if err != nil {
			return models.Retryable("failed to upsert domain row", err)
		}

		operation := models.VectorUpdate
		if created {
			operation = models.VectorInsert
		}
		item, itemCreated, err := h.vectors.EnqueueItem(ctx, &models.VectorizationQueueItem{
			TenantID:   msg.TenantID,
			Table:      row.TableName(),
			ExternalID: row.GetExternalID(),
			Operation:  operation,
			JobID:      msg.JobID,
			StepName:   msg.StepName,
		})
		if err != nil {
			return models.Retryable("failed to enqueue vectorization item", err)
		}
		// A pre-existing pending item already has a message in flight; the
		// requeue sweep covers the rare lost one.
		if !itemCreated {
			continue
		}
		if err := h.publishVectorization(ctx, msg, item); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) publishVectorization(ctx context.Context, msg *models.TransformMessage, item *models.VectorizationQueueItem) error {
	next := models.VectorizationMessage{
		Envelope: models.Envelope{
			TenantID:      msg.TenantID,
			JobID:         msg.JobID,
			IntegrationID: msg.IntegrationID,
			Type:          models.TypeVectorization,
		},
		ItemID:     item.ID,
		StepName:   item.StepName,
		TableName:  item.Table,
		ExternalID: item.ExternalID,
		Operation:  item.Operation,
	}
	body, err := models.EncodeMessage(next)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, models.VectorizationQueue(msg.TenantID), body); err != nil {
		return models.Retryable("failed to publish vectorization message", err)
	}
	return nil
}

func (h *Handler) signalComplete(ctx context.Context, msg *models.TransformMessage) error {
	err := h.events.PublishSync(ctx, interfaces.Event{
		Type:     interfaces.EventStepSignal,
		TenantID: msg.TenantID,
		JobID:    msg.JobID,
		Payload: interfaces.StepSignalPayload{
			Step:   msg.StepName,
			Signal: interfaces.SignalTransformComplete,
		},
	})
	if err != nil {
		return models.Retryable("failed to signal transform completion", err)
	}
	return nil
}

func (h *Handler) publishProgress(ctx context.Context, msg *models.TransformMessage, status *models.JobStatus) {
	_ = h.events.Publish(ctx, interfaces.Event{
		Type:     interfaces.EventProgress,
		TenantID: msg.TenantID,
		JobID:    msg.JobID,
		Payload: interfaces.ProgressPayload{
			Percent: status.Percent(),
			Step:    msg.StepName,
			Stage:   string(models.StageTransform),
		},
	})
}

func (h *Handler) failStep(ctx context.Context, msg *models.TransformMessage, cause error) error {
	kind := models.Classify(cause)
	h.logger.Warn().
		Int64("tenant_id", msg.TenantID).
		Int64("job_id", msg.JobID).
		Str("step", msg.StepName).
		Str("kind", string(kind)).
		Err(cause).
		Msg("Transform step failed")

	err := h.events.PublishSync(ctx, interfaces.Event{
		Type:     interfaces.EventStepSignal,
		TenantID: msg.TenantID,
		JobID:    msg.JobID,
		Payload: interfaces.StepSignalPayload{
			Step:   msg.StepName,
			Signal: interfaces.SignalStageFailed,
			Stage:  models.StageTransform,
			Kind:   kind,
			Reason: cause.Error(),
		},
	})
	if err != nil {
		return models.Retryable("failed to signal stage failure", err)
	}
	return nil
}
