package nodecollector

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	kmonmw "github.com/aaronlmathis/kmon/internal/middleware"
	"github.com/aaronlmathis/kmon/internal/model"
	"github.com/aaronlmathis/kmon/internal/version"
)

// Server exposes the node collector's latest snapshot over HTTP. It is
// idempotent and side-effect-free: reads never trigger collection.
type Server struct {
	logger    *zap.Logger
	collector *Collector
	router    chi.Router
}

// NewServer creates the node collector HTTP server
func NewServer(logger *zap.Logger, collector *Collector) *Server {
	s := &Server{
		logger:    logger,
		collector: collector,
		router:    chi.NewRouter(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(chimw.Logger)
	s.router.Use(chimw.Recoverer)
	s.router.Use(chimw.Timeout(30 * time.Second))
	s.router.Use(kmonmw.RequestIDResponseMiddleware)
	s.router.Use(kmonmw.PrometheusMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/version", s.handleVersion)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/snapshot", s.handleSnapshot)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports readiness: the collector is ready once a first
// fetch has succeeded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, _, err := s.collector.Latest(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, version.Get())
}

// handleSnapshot returns the most recent successful snapshot plus its
// age. When no fetch has ever succeeded it signals NotYetAvailable so
// callers can tell "no data yet" apart from an empty node.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, _, err := s.collector.Latest()
	if err != nil {
		if errors.Is(err, model.ErrNotYetAvailable) {
			writeJSON(w, http.StatusServiceUnavailable, model.ErrorResponse{
				Error:   model.ErrorNotYetAvailable,
				Message: "no successful collection yet",
			})
			return
		}
		s.logger.Error("Failed to read latest snapshot", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, model.ErrorResponse{
			Error:   "Internal",
			Message: err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, model.NodeSnapshotResponse{
		Snapshot:   snap,
		AgeSeconds: snap.Age(time.Now()).Seconds(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
