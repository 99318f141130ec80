package api

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

type healthResponse struct {
	Status   string `json:"status"`
	Profiles int    `json:"profiles"`
	Ledger   string `json:"ledger"`
}

// handleHealthz reports liveness. A ledger that cannot be read degrades the
// response to 503 so the Functions host stops routing to this worker.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Profiles: len(s.engine.Registry().List()), Ledger: "ok"}
	status := http.StatusOK
	if _, err := s.store.GetInvocationStats(ctx); err != nil {
		s.logger.Warn("ledger health check failed", "error", err)
		resp.Status = "degraded"
		resp.Ledger = "unavailable"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
