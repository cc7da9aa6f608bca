package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aaronlmathis/kmon/internal/cache"
	"github.com/aaronlmathis/kmon/internal/cluster"
	"github.com/aaronlmathis/kmon/internal/config"
	kmonmw "github.com/aaronlmathis/kmon/internal/middleware"
)

// Server is the cluster collector's serving API: the pull surface the
// external monitoring server polls. It only reads the cache slot; no
// request ever performs collection work synchronously.
type Server struct {
	logger     *zap.Logger
	config     *config.Config
	router     chi.Router
	slot       *cache.Slot
	aggregator *cluster.Aggregator
}

// NewServer creates the serving API around the cache slot
func NewServer(logger *zap.Logger, cfg *config.Config, slot *cache.Slot, aggregator *cluster.Aggregator) *Server {
	s := &Server{
		logger:     logger,
		config:     cfg,
		router:     chi.NewRouter(),
		slot:       slot,
		aggregator: aggregator,
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
	s.router.Use(chimw.Timeout(60 * time.Second))
	s.router.Use(kmonmw.RequestIDResponseMiddleware)
	s.router.Use(kmonmw.PrometheusMiddleware)
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/version", s.handleVersion)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(kmonmw.RateLimit(s.config.Cluster.RateLimitPerSec, s.config.Cluster.RateLimitBurst))
		r.Use(kmonmw.ETag(s.logger))
		r.Get("/cluster/snapshot", s.handleClusterSnapshot)
	})
}
