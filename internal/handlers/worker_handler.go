package handlers

import (
	"net/http"

	"github.com/ternarybob/colligo/internal/interfaces"
)

// WorkerHandler reports consumer group health.
type WorkerHandler struct {
	pool interfaces.WorkerPool
}

// NewWorkerHandler wires the worker status API.
func NewWorkerHandler(pool interfaces.WorkerPool) *WorkerHandler {
	return &WorkerHandler{pool: pool}
}

// StatusHandler handles GET /api/workers/status.
func (h *WorkerHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, h.pool.Status())
}
