package server

import (
	"context"
	"net/http"

	"github.com/promptforge/promptforge/providers"
	"github.com/promptforge/promptforge/version"
)

// handleHealthz answers liveness probes. With deep=1 it also tests the
// default provider's connectivity within the standard probe window.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":  "ok",
		"version": version.GetVersion(),
	}

	if r.URL.Query().Get("deep") == "1" {
		p, _ := s.provider("")
		ctx, cancel := context.WithTimeout(r.Context(), providers.ConnectionTestTimeout)
		defer cancel()
		if err := p.TestConnection(ctx); err != nil {
			body["status"] = "degraded"
			body["provider"] = p.ID()
			body["detail"] = providers.Classify(p.ID(), err).Error()
			writeJSON(w, http.StatusServiceUnavailable, body)
			return
		}
		body["provider"] = p.ID()
	}

	writeJSON(w, http.StatusOK, body)
}

// handleStats serves the cached aggregate over all optimizations.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "%s", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}
