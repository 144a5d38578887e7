// Package handlers holds the HTTP API and websocket push channel.
package handlers

import (
	"errors"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/colligo/internal/interfaces"
)

// JobHandler exposes run control and status for job schedules.
type JobHandler struct {
	scheduler interfaces.SchedulerService
	orch      interfaces.Orchestrator
	schedules interfaces.ScheduleStorage
	logger    arbor.ILogger
}

// NewJobHandler wires the job API.
func NewJobHandler(
	scheduler interfaces.SchedulerService,
	orch interfaces.Orchestrator,
	schedules interfaces.ScheduleStorage,
	logger arbor.ILogger,
) *JobHandler {
	return &JobHandler{
		scheduler: scheduler,
		orch:      orch,
		schedules: schedules,
		logger:    logger,
	}
}

type jobRequest struct {
	TenantID int64  `json:"tenant_id"`
	JobName  string `json:"job_name"`
}

func (req *jobRequest) validate() string {
	if req.TenantID == 0 {
		return "tenant_id is required"
	}
	if req.JobName == "" {
		return "job_name is required"
	}
	return ""
}

// RunHandler handles POST /api/jobs/run. A job already running returns 409;
// the caller retries after the current run finishes.
func (h *JobHandler) RunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req jobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	err := h.scheduler.RunNow(r.Context(), req.TenantID, req.JobName)
	switch {
	case errors.Is(err, interfaces.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, "job is already running")
		return
	case errors.Is(err, interfaces.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case err != nil:
		h.logger.Error().
			Int64("tenant_id", req.TenantID).
			Str("job", req.JobName).
			Err(err).
			Msg("Manual run failed to start")
		writeError(w, http.StatusInternalServerError, "failed to start run")
		return
	}

	h.logger.Info().
		Int64("tenant_id", req.TenantID).
		Str("job", req.JobName).
		Msg("Manual run started")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// CancelHandler handles POST /api/jobs/cancel. Cancellation is cooperative:
// in-flight pages finish, new work stops.
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req jobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	err := h.orch.Cancel(req.TenantID, req.JobName)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		writeError(w, http.StatusNotFound, "job is not running")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	h.logger.Info().
		Int64("tenant_id", req.TenantID).
		Str("job", req.JobName).
		Msg("Run cancellation requested")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// StatusHandler handles GET /api/jobs/status?tenant_id=&job_name=.
func (h *JobHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	tenantID := queryInt64(r, "tenant_id")
	jobName := r.URL.Query().Get("job_name")
	if tenantID == 0 || jobName == "" {
		writeError(w, http.StatusBadRequest, "tenant_id and job_name are required")
		return
	}

	status, err := h.orch.Status(r.Context(), tenantID, jobName)
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to load status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListHandler handles GET /api/jobs?tenant_id=. Omitting tenant_id lists
// every active schedule.
func (h *JobHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	schedules, err := h.schedules.ListActiveSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	if tenantID := queryInt64(r, "tenant_id"); tenantID != 0 {
		filtered := schedules[:0]
		for _, s := range schedules {
			if s.TenantID == tenantID {
				filtered = append(filtered, s)
			}
		}
		schedules = filtered
	}
	writeJSON(w, http.StatusOK, schedules)
}
