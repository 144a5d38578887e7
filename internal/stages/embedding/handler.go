// Package embedding implements the embedding stage handler. Each message
// references one durable vectorization queue item: the handler embeds the
// row's text, writes the vector and bridge row, and reports queue drain.
package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// Handler processes vectorization queue messages.
type Handler struct {
	schedules   interfaces.ScheduleStorage
	domain      interfaces.DomainStorage
	vectors     interfaces.VectorStorage
	index       interfaces.VectorIndex
	client      interfaces.EmbeddingClient
	events      interfaces.EventService
	cancel      interfaces.CancelToken
	fieldConfig map[string][]string
	logger      arbor.ILogger
}

// NewHandler wires the embedding handler.
func NewHandler(
	schedules interfaces.ScheduleStorage,
	domain interfaces.DomainStorage,
	vectors interfaces.VectorStorage,
	index interfaces.VectorIndex,
	client interfaces.EmbeddingClient,
	events interfaces.EventService,
	cancel interfaces.CancelToken,
	fieldConfig map[string][]string,
	logger arbor.ILogger,
) *Handler {
	return &Handler{
		schedules:   schedules,
		domain:      domain,
		vectors:     vectors,
		index:       index,
		client:      client,
		events:      events,
		cancel:      cancel,
		fieldConfig: fieldConfig,
		logger:      logger,
	}
}

// Process handles one delivery. Upserts into the vector index are keyed on
// (tenant, table, external_id), so a redelivered message converges on the
// same vector.
func (h *Handler) Process(ctx context.Context, delivery *interfaces.Delivery) error {
	var msg models.VectorizationMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return models.Poison("malformed vectorization message", err)
	}
	if err := msg.Validate(); err != nil {
		return models.Poison("invalid vectorization envelope", err)
	}
	if msg.Type != models.TypeVectorization {
		return models.Poison(fmt.Sprintf("unexpected message type %q on vectorization queue", msg.Type), nil)
	}

	if h.cancel.Cancelled(msg.TenantID, msg.JobID) {
		return h.failStep(ctx, &msg, models.Cancelled("job cancelled"))
	}

	item, err := h.vectors.GetItem(ctx, msg.TenantID, msg.ItemID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.Poison("vectorization message references unknown item", err)
		}
		return models.Retryable("failed to load vectorization item", err)
	}
	if item.Status != models.VectorItemPending {
		return h.checkDrained(ctx, &msg)
	}

	if err := h.markRunning(ctx, &msg); err != nil {
		return err
	}

	// Model consistency: within a tenant every live vector shares one
	// (model, dimensions) pair.
	model, dims, ok, err := h.vectors.TenantModel(ctx, msg.TenantID)
	if err != nil {
		return models.Retryable("failed to read tenant embedding model", err)
	}
	if ok && (model != h.client.Model() || dims != h.client.Dimensions()) {
		cause := models.ModelMismatch(fmt.Sprintf(
			"tenant vectors use %s/%d but client is %s/%d",
			model, dims, h.client.Model(), h.client.Dimensions()))
		if markErr := h.vectors.MarkItem(ctx, msg.TenantID, item.ID, models.VectorItemFailed, cause.Error()); markErr != nil {
			return models.Retryable("failed to mark vectorization item", markErr)
		}
		return h.failStep(ctx, &msg, cause)
	}

	if err := h.apply(ctx, &msg, item); err != nil {
		if models.IsFatal(err) {
			if markErr := h.vectors.MarkItem(ctx, msg.TenantID, item.ID, models.VectorItemFailed, err.Error()); markErr != nil {
				return models.Retryable("failed to mark vectorization item", markErr)
			}
			return h.failStep(ctx, &msg, err)
		}
		return err
	}

	if err := h.vectors.MarkItem(ctx, msg.TenantID, item.ID, models.VectorItemCompleted, ""); err != nil {
		return models.Retryable("failed to mark vectorization item", err)
	}

	h.publishProgress(ctx, &msg)
	return h.checkDrained(ctx, &msg)
}

func (h *Handler) markRunning(ctx context.Context, msg *models.VectorizationMessage) error {
	schedule, err := h.schedules.GetScheduleByID(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.Poison("vectorization message references unknown job", err)
		}
		return models.Retryable("failed to load schedule", err)
	}
	_, err = h.schedules.UpdateStatus(ctx, msg.TenantID, schedule.JobName, func(s *models.JobSchedule) error {
		step, err := s.Status.Step(msg.StepName)
		if err != nil {
			return models.Poison("message references unknown step", err)
		}
		if step.Embedding == models.StageIdle {
			return step.SetStage(models.StageEmbedding, models.StageRunning)
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
	return nil
}

// apply performs the item's operation against the index and bridge table.
func (h *Handler) apply(ctx context.Context, msg *models.VectorizationMessage, item *models.VectorizationQueueItem) error {
	if item.Operation == models.VectorDelete {
		if err := h.index.Delete(ctx, msg.TenantID, item.Table, item.ExternalID); err != nil {
			return models.Retryable("failed to delete vector", err)
		}
		if err := h.vectors.DeactivateBridge(ctx, msg.TenantID, item.Table, item.ExternalID); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
			return models.Retryable("failed to deactivate bridge row", err)
		}
		return nil
	}

	record, err := h.domain.Get(ctx, msg.TenantID, item.Table, item.ExternalID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.Poison("vectorization item references missing domain row", err)
		}
		return models.Retryable("failed to load domain row", err)
	}

	text := AssembleText(record, h.fieldConfig)
	vector, err := h.client.Embed(ctx, text)
	if err != nil {
		return err
	}

	payload := map[string]string{
		"table_name":  item.Table,
		"external_id": item.ExternalID,
		"tenant_id":   strconv.FormatInt(msg.TenantID, 10),
	}
	if err := h.index.Upsert(ctx, msg.TenantID, item.Table, item.ExternalID, vector, payload); err != nil {
		return models.Retryable("failed to upsert vector", err)
	}

	bridge := &models.VectorBridge{
		TenantID:            msg.TenantID,
		Table:               item.Table,
		ExternalID:          item.ExternalID,
		EmbeddingModel:      h.client.Model(),
		EmbeddingDimensions: h.client.Dimensions(),
		Active:              true,
	}
	if err := h.vectors.UpsertBridge(ctx, bridge); err != nil {
		return models.Retryable("failed to upsert bridge row", err)
	}
	return nil
}

// checkDrained signals the orchestrator when the step's embedding queue
// reaches zero outstanding items.
func (h *Handler) checkDrained(ctx context.Context, msg *models.VectorizationMessage) error {
	outstanding, err := h.vectors.CountOutstanding(ctx, msg.TenantID, msg.JobID, msg.StepName)
	if err != nil {
		return models.Retryable("failed to count outstanding items", err)
	}
	if outstanding > 0 {
		return nil
	}
	err = h.events.PublishSync(ctx, interfaces.Event{
		Type:     interfaces.EventStepSignal,
		TenantID: msg.TenantID,
		JobID:    msg.JobID,
		Payload: interfaces.StepSignalPayload{
			Step:   msg.StepName,
			Signal: interfaces.SignalEmbeddingDrained,
		},
	})
	if err != nil {
		return models.Retryable("failed to signal embedding drain", err)
	}
	return nil
}

func (h *Handler) publishProgress(ctx context.Context, msg *models.VectorizationMessage) {
	_ = h.events.Publish(ctx, interfaces.Event{
		Type:     interfaces.EventProgress,
		TenantID: msg.TenantID,
		JobID:    msg.JobID,
		Payload: interfaces.ProgressPayload{
			Step:   msg.StepName,
			Stage:  string(models.StageEmbedding),
			Detail: msg.TableName + "/" + msg.ExternalID,
		},
	})
}

func (h *Handler) failStep(ctx context.Context, msg *models.VectorizationMessage, cause error) error {
	kind := models.Classify(cause)
	h.logger.Warn().
		Int64("tenant_id", msg.TenantID).
		Int64("job_id", msg.JobID).
		Str("step", msg.StepName).
		Str("kind", string(kind)).
		Err(cause).
		Msg("Embedding step failed")

	err := h.events.PublishSync(ctx, interfaces.Event{
		Type:     interfaces.EventStepSignal,
		TenantID: msg.TenantID,
		JobID:    msg.JobID,
		Payload: interfaces.StepSignalPayload{
			Step:   msg.StepName,
			Signal: interfaces.SignalStageFailed,
			Stage:  models.StageEmbedding,
			Kind:   kind,
			Reason: cause.Error(),
		},
	})
	if err != nil {
		return models.Retryable("failed to signal stage failure", err)
	}
	return nil
}
