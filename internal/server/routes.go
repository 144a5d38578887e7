package server

import (
	"net/http"
)

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket push channel
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// Job control and status
	mux.HandleFunc("/api/jobs", s.app.JobHandler.ListHandler)
	mux.HandleFunc("/api/jobs/run", s.app.JobHandler.RunHandler)
	mux.HandleFunc("/api/jobs/cancel", s.app.JobHandler.CancelHandler)
	mux.HandleFunc("/api/jobs/status", s.app.JobHandler.StatusHandler)

	// Pipeline maintenance
	mux.HandleFunc("/api/raw/requeue", s.app.RawHandler.RequeueHandler)
	mux.HandleFunc("/api/workers/status", s.app.WorkerHandler.StatusHandler)

	// Health
	mux.HandleFunc("/api/health", s.healthHandler)

	return mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
