package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/offloadlabs/offload/internal/store"
)

// healthResponse reports process liveness plus whether the job store answers.
type healthResponse struct {
	Status string `json:"status"`
	Store  string `json:"store"`
}

// handleHealthz answers readiness checks. The store is exercised with a
// lookup that is expected to miss; any error other than not-found means the
// database is not serving and the process should leave rotation.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.storeReady(r.Context()); err != nil {
		s.logger.Error("health store check", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Store: "unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Store: "ok"})
}

func (s *Server) storeReady(ctx context.Context) error {
	_, err := s.store.GetJob(ctx, "healthz")
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
