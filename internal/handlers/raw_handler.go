package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
	"github.com/ternarybob/colligo/internal/models"
)

// defaultRequeueLimit caps one bulk requeue request.
const defaultRequeueLimit = 500

// RawHandler requeues stuck raw extraction records for transform.
type RawHandler struct {
	raw       interfaces.RawStorage
	schedules interfaces.ScheduleStorage
	bus       interfaces.MessageBus
	logger    arbor.ILogger
}

// NewRawHandler wires the raw requeue API.
func NewRawHandler(
	raw interfaces.RawStorage,
	schedules interfaces.ScheduleStorage,
	bus interfaces.MessageBus,
	logger arbor.ILogger,
) *RawHandler {
	return &RawHandler{raw: raw, schedules: schedules, bus: bus, logger: logger}
}

type requeueRequest struct {
	TenantID int64 `json:"tenant_id"`
	RawID    int64 `json:"raw_id,omitempty"`
	Limit    int   `json:"limit,omitempty"`
}

// RequeueHandler handles POST /api/raw/requeue. With raw_id it republishes
// the transform message for that one pending record; without it, every
// pending record of the tenant up to limit. The transform handler's upserts
// make redelivery idempotent.
func (h *RawHandler) RequeueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req requeueRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.TenantID == 0 {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	if req.RawID != 0 {
		h.requeueOne(w, r, req)
		return
	}
	h.requeuePending(w, r, req)
}

func (h *RawHandler) requeueOne(w http.ResponseWriter, r *http.Request, req requeueRequest) {
	record, err := h.raw.GetRaw(r.Context(), req.TenantID, req.RawID)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		writeError(w, http.StatusNotFound, "raw record not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to load raw record")
		return
	}
	if record.Status != models.RawPending {
		writeError(w, http.StatusConflict, "raw record is not pending")
		return
	}

	if err := h.republish(r.Context(), record); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to publish transform message")
		return
	}

	h.logger.Info().
		Int64("tenant_id", record.TenantID).
		Int64("raw_id", record.ID).
		Str("step", record.StepName).
		Msg("Raw record requeued")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "requeued", "requeued": 1})
}

func (h *RawHandler) requeuePending(w http.ResponseWriter, r *http.Request, req requeueRequest) {
	limit := req.Limit
	if limit <= 0 || limit > defaultRequeueLimit {
		limit = defaultRequeueLimit
	}

	records, err := h.raw.ListPendingRaw(r.Context(), req.TenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list pending raw records")
		return
	}

	requeued := 0
	for _, record := range records {
		if err := h.republish(r.Context(), record); err != nil {
			h.logger.Warn().
				Int64("tenant_id", record.TenantID).
				Int64("raw_id", record.ID).
				Err(err).
				Msg("Requeue publish failed")
			continue
		}
		requeued++
	}

	h.logger.Info().
		Int64("tenant_id", req.TenantID).
		Int("requeued", requeued).
		Msg("Pending raw records requeued")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "requeued", "requeued": requeued})
}

// republish rebuilds and publishes the record's transform message.
func (h *RawHandler) republish(ctx context.Context, record *models.RawExtractionRecord) error {
	schedule, err := h.schedules.GetScheduleByID(ctx, record.TenantID, record.JobID)
	if err != nil {
		return err
	}
	msg := models.TransformMessage{
		Envelope: models.Envelope{
			TenantID:      record.TenantID,
			JobID:         record.JobID,
			IntegrationID: record.IntegrationID,
			Type:          models.TypeTransform,
			FirstItem:     record.FirstItem,
			LastItem:      record.LastItem,
		},
		Provider: schedule.Provider,
		StepName: record.StepName,
		RawID:    record.ID,
	}
	body, err := models.EncodeMessage(msg)
	if err != nil {
		return err
	}
	return h.bus.Publish(ctx, models.TransformQueue(record.TenantID), body)
}
