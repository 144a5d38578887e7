// Package extraction implements the extraction stage handler. Each message
// is one provider page: the handler fetches it, persists the raw batches,
// checkpoints the cursor, and publishes the continuation and transform
// messages.
package extraction

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

// Handler processes extraction queue messages.
type Handler struct {
	registry    *providers.Registry
	tenants     interfaces.TenantStorage
	schedules   interfaces.ScheduleStorage
	raw         interfaces.RawStorage
	checkpoints interfaces.CheckpointStorage
	credentials interfaces.CredentialStorage
	bus         interfaces.MessageBus
	events      interfaces.EventService
	cancel      interfaces.CancelToken
	logger      arbor.ILogger
}

// NewHandler wires the extraction handler.
func NewHandler(
	registry *providers.Registry,
	tenants interfaces.TenantStorage,
	schedules interfaces.ScheduleStorage,
	raw interfaces.RawStorage,
	checkpoints interfaces.CheckpointStorage,
	credentials interfaces.CredentialStorage,
	bus interfaces.MessageBus,
	events interfaces.EventService,
	cancel interfaces.CancelToken,
	logger arbor.ILogger,
) *Handler {
	return &Handler{
		registry:    registry,
		tenants:     tenants,
		schedules:   schedules,
		raw:         raw,
		checkpoints: checkpoints,
		credentials: credentials,
		bus:         bus,
		events:      events,
		cancel:      cancel,
		logger:      logger,
	}
}

// Process handles one delivery. The returned error drives the ack policy:
// nil acks, retryable errors nack for requeue, poison errors dead-letter.
// Fatal provider errors are absorbed here: the step is failed through a
// signal and the message is acked.
func (h *Handler) Process(ctx context.Context, delivery *interfaces.Delivery) error {
	var msg models.ExtractionMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		return models.Poison("malformed extraction message", err)
	}
	if err := msg.Validate(); err != nil {
		return models.Poison("invalid extraction envelope", err)
	}
	if msg.Type != models.TypeExtraction {
		return models.Poison(fmt.Sprintf("unexpected message type %q on extraction queue", msg.Type), nil)
	}

	if h.cancel.Cancelled(msg.TenantID, msg.JobID) {
		return h.failStep(ctx, &msg, models.Cancelled("job cancelled"))
	}

	schedule, err := h.schedules.GetScheduleByID(ctx, msg.TenantID, msg.JobID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return models.Poison("extraction message references unknown job", err)
		}
		return models.Retryable("failed to load schedule", err)
	}

	result, err := h.extract(ctx, &msg)
	if err != nil {
		if models.IsFatal(err) {
			return h.failStep(ctx, &msg, err)
		}
		return err
	}

	return h.persist(ctx, schedule, &msg, result)
}

func (h *Handler) extract(ctx context.Context, msg *models.ExtractionMessage) (*interfaces.ExtractResult, error) {
	integration, err := h.tenants.GetIntegration(ctx, msg.TenantID, msg.IntegrationID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.Poison("extraction message references unknown integration", err)
		}
		return nil, models.Retryable("failed to load integration", err)
	}

	// Credentials are loaded fresh on every invocation.
	credential, err := h.credentials.GetCredential(ctx, integration.CredentialKey)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, models.AuthError(fmt.Sprintf("no credential stored under key %q", integration.CredentialKey), nil)
		}
		return nil, models.Retryable("failed to load credential", err)
	}

	extractor, err := h.registry.Extractor(msg.Provider, msg.StepName)
	if err != nil {
		return nil, models.Poison("no extractor for message", err)
	}

	return extractor.Extract(ctx, interfaces.ExtractRequest{
		Integration:      integration,
		Credential:       credential,
		Cursor:           msg.Cursor,
		Secondary:        msg.Secondary,
		SecondaryStep:    msg.SecondaryStep,
		ParentExternalID: msg.ParentExternalID,
	})
}

// persist updates the checkpoint and stage state under the schedule row
// lock, then writes raw records and publishes follow-on messages. The
// checkpoint is written before any message referencing it is published, so
// a crash in between replays a page rather than losing one.
func (h *Handler) persist(ctx context.Context, schedule *models.JobSchedule, msg *models.ExtractionMessage, result *interfaces.ExtractResult) error {
	tenant, err := h.tenants.GetTenant(ctx, msg.TenantID)
	if err != nil {
		return models.Retryable("failed to load tenant", err)
	}

	stepDone := false
	status, err := h.schedules.UpdateStatus(ctx, msg.TenantID, schedule.JobName, func(s *models.JobSchedule) error {
		step, err := s.Status.Step(msg.StepName)
		if err != nil {
			return models.Poison("message references unknown step", err)
		}
		if step.Extraction == models.StageIdle {
			if err := step.SetStage(models.StageExtraction, models.StageRunning); err != nil {
				return err
			}
		}

		cp, err := h.checkpoints.GetCheckpoint(ctx, msg.TenantID, msg.JobID, msg.StepName)
		if errors.Is(err, interfaces.ErrNotFound) {
			cp = &models.JobCheckpoint{
				TenantID: msg.TenantID,
				JobID:    msg.JobID,
				StepName: msg.StepName,
				Stage:    models.StageExtraction,
			}
		} else if err != nil {
			return models.Retryable("failed to load checkpoint", err)
		}

		if msg.Secondary {
			if cp.SecondaryPending > 0 {
				cp.SecondaryPending--
			}
		} else {
			cp.CursorToken = result.NextCursor
			if result.LastPage {
				cp.PrimaryDone = true
			}
		}
		cp.SecondaryPending += len(result.Secondary)

		stepDone = cp.PrimaryDone && cp.SecondaryPending == 0
		if stepDone {
			if err := step.SetStage(models.StageExtraction, models.StageFinished); err != nil {
				return err
			}
		}
		return h.checkpoints.PutCheckpoint(ctx, cp)
	})
	if err != nil {
		var ke *models.KindError
		if errors.As(err, &ke) {
			return err
		}
		return models.Retryable("failed to update job status", err)
	}

	records, err := h.writeRaw(ctx, msg, result, stepDone)
	if err != nil {
		return err
	}

	// Publish order: secondaries and the continuation first, transform
	// messages last, so the step cannot look complete while pages remain.
	for _, sec := range result.Secondary {
		if err := h.publishSecondary(ctx, tenant, msg, sec); err != nil {
			return err
		}
	}
	if !msg.Secondary && !result.LastPage {
		if err := h.publishContinuation(ctx, tenant, msg, result.NextCursor); err != nil {
			return err
		}
	}
	for _, record := range records {
		if err := h.publishTransform(ctx, msg, record); err != nil {
			return err
		}
	}

	h.publishProgress(ctx, msg, status)
	return nil
}

// writeRaw persists the page's batches. Exactly one record per step carries
// LastItem; when the final page is empty a sentinel record carries it.
func (h *Handler) writeRaw(ctx context.Context, msg *models.ExtractionMessage, result *interfaces.ExtractResult, stepDone bool) ([]*models.RawExtractionRecord, error) {
	batches := result.Batches
	if stepDone && len(batches) == 0 {
		batches = []interfaces.RawBatch{{Type: models.RawTypeSentinel, Payload: []byte("{}")}}
	}

	records := make([]*models.RawExtractionRecord, 0, len(batches))
	for i, batch := range batches {
		record := &models.RawExtractionRecord{
			TenantID:      msg.TenantID,
			IntegrationID: msg.IntegrationID,
			JobID:         msg.JobID,
			StepName:      msg.StepName,
			Type:          batch.Type,
			Payload:       batch.Payload,
			Status:        models.RawPending,
			FirstItem:     msg.FirstItem && !msg.Secondary && i == 0,
			LastItem:      stepDone && i == len(batches)-1,
		}
		if err := h.raw.CreateRaw(ctx, record); err != nil {
			return nil, models.Retryable("failed to persist raw record", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (h *Handler) publishSecondary(ctx context.Context, tenant *models.Tenant, msg *models.ExtractionMessage, sec interfaces.SecondaryExtraction) error {
	next := models.ExtractionMessage{
		Envelope: models.Envelope{
			TenantID:      msg.TenantID,
			JobID:         msg.JobID,
			IntegrationID: msg.IntegrationID,
			Type:          models.TypeExtraction,
		},
		Provider:         msg.Provider,
		StepName:         msg.StepName,
		Secondary:        true,
		SecondaryStep:    sec.StepType,
		ParentExternalID: sec.ParentExternalID,
	}
	body, err := models.EncodeMessage(next)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, models.ExtractionQueue(tenant.Tier), body); err != nil {
		return models.Retryable("failed to publish secondary extraction", err)
	}
	return nil
}

func (h *Handler) publishContinuation(ctx context.Context, tenant *models.Tenant, msg *models.ExtractionMessage, cursor string) error {
	next := models.ExtractionMessage{
		Envelope: models.Envelope{
			TenantID:      msg.TenantID,
			JobID:         msg.JobID,
			IntegrationID: msg.IntegrationID,
			Type:          models.TypeExtraction,
			Cursor:        cursor,
		},
		Provider: msg.Provider,
		StepName: msg.StepName,
	}
	body, err := models.EncodeMessage(next)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, models.ExtractionQueue(tenant.Tier), body); err != nil {
		return models.Retryable("failed to publish continuation", err)
	}
	return nil
}

func (h *Handler) publishTransform(ctx context.Context, msg *models.ExtractionMessage, record *models.RawExtractionRecord) error {
	next := models.TransformMessage{
		Envelope: models.Envelope{
			TenantID:      msg.TenantID,
			JobID:         msg.JobID,
			IntegrationID: msg.IntegrationID,
			Type:          models.TypeTransform,
			FirstItem:     record.FirstItem,
			LastItem:      record.LastItem,
		},
		Provider: msg.Provider,
		StepName: msg.StepName,
		RawID:    record.ID,
	}
	body, err := models.EncodeMessage(next)
	if err != nil {
		return err
	}
	if err := h.bus.Publish(ctx, models.TransformQueue(msg.TenantID), body); err != nil {
		return models.Retryable("failed to publish transform message", err)
	}
	return nil
}

func (h *Handler) publishProgress(ctx context.Context, msg *models.ExtractionMessage, status *models.JobStatus) {
	_ = h.events.Publish(ctx, interfaces.Event{
		Type:     interfaces.EventProgress,
		TenantID: msg.TenantID,
		JobID:    msg.JobID,
		Payload: interfaces.ProgressPayload{
			Percent: status.Percent(),
			Step:    msg.StepName,
			Stage:   string(models.StageExtraction),
		},
	})
}

// failStep marks the extraction stage failed and signals the orchestrator.
// The message is acked by returning nil; fatal errors are not retried.
func (h *Handler) failStep(ctx context.Context, msg *models.ExtractionMessage, cause error) error {
	kind := models.Classify(cause)
	h.logger.Warn().
		Int64("tenant_id", msg.TenantID).
		Int64("job_id", msg.JobID).
		Str("step", msg.StepName).
		Str("kind", string(kind)).
		Err(cause).
		Msg("Extraction step failed")

	err := h.events.PublishSync(ctx, interfaces.Event{
		Type:     interfaces.EventStepSignal,
		TenantID: msg.TenantID,
		JobID:    msg.JobID,
		Payload: interfaces.StepSignalPayload{
			Step:   msg.StepName,
			Signal: interfaces.SignalStageFailed,
			Stage:  models.StageExtraction,
			Kind:   kind,
			Reason: cause.Error(),
		},
	})
	if err != nil {
		return models.Retryable("failed to signal stage failure", err)
	}
	return nil
}
