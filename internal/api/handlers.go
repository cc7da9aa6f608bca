package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/aaronlmathis/kmon/internal/cache"
	"github.com/aaronlmathis/kmon/internal/model"
	"github.com/aaronlmathis/kmon/internal/version"
)

// ClusterSnapshotResponse is the self-describing wire form of the
// aggregated snapshot: age and per-node staleness are explicit so the
// poller can apply its own acceptance policy without out-of-band
// knowledge.
type ClusterSnapshotResponse struct {
	ID           string                        `json:"id"`
	AggregatedAt time.Time                     `json:"aggregatedAt"`
	AgeSeconds   float64                       `json:"ageSeconds"`
	Partial      bool                          `json:"partial"`
	Degraded     bool                          `json:"degraded"`
	StaleNodes   []string                      `json:"staleNodes,omitempty"`
	Nodes        map[string]model.NodeSnapshot `json:"nodes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness: ready once a first aggregate exists,
// with a degraded marker when the control-plane has been unreachable
// beyond the configured ceiling.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.slot.Current() == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}

	status := "ready"
	if s.aggregator.Degraded() {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

// handleClusterSnapshot serves the current cache contents. Stale data is
// returned immediately while a background refresh runs; only the
// first-ever read blocks, bounded by the request context.
func (s *Server) handleClusterSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.slot.Get(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, model.ErrNotYetAvailable):
			writeJSON(w, http.StatusServiceUnavailable, model.ErrorResponse{
				Error:   model.ErrorNotYetAvailable,
				Message: "no aggregated snapshot produced yet",
			})
		case errors.Is(err, cache.ErrRefreshTimeout):
			writeJSON(w, http.StatusServiceUnavailable, model.ErrorResponse{
				Error:   model.ErrorNotYetAvailable,
				Message: "initial aggregation timed out",
			})
		default:
			s.logger.Error("Failed to read cluster snapshot", zap.Error(err))
			writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{
				Error:   "Internal",
				Message: err.Error(),
			})
		}
		return
	}

	staleNodes := snap.StaleNodes()
	w.Header().Set("ETag", `"`+snap.ID+`"`)
	writeJSON(w, http.StatusOK, ClusterSnapshotResponse{
		ID:           snap.ID,
		AggregatedAt: snap.AggregatedAt,
		AgeSeconds:   snap.Age(time.Now()).Seconds(),
		Partial:      len(staleNodes) > 0,
		Degraded:     s.aggregator.Degraded(),
		StaleNodes:   staleNodes,
		Nodes:        snap.Nodes,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
