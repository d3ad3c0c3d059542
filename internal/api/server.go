package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/oslsr/kestrel/internal/domain"
	"github.com/oslsr/kestrel/internal/metrics"
	"github.com/oslsr/kestrel/internal/pipeline"
	"github.com/oslsr/kestrel/internal/thresholds"
)

// Deps are the services the API is built on. Cache, Bus and Metrics may be nil.
type Deps struct {
	Repo       domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Thresholds *thresholds.Provider
	Pipeline   *pipeline.Pipeline
	Metrics    *metrics.Recorder

	// MetricsPath defaults to /metrics.
	MetricsPath string
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) (*Server, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	handler := NewHandler(deps, validator, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Metrics != nil {
		path := deps.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, deps.Metrics.Handler())
	}

	// Forms and submissions
	router.Post("/forms", handler.CreateForm)
	router.Get("/forms/{id}", handler.GetForm)
	router.Post("/submissions", handler.CreateSubmission)
	router.Get("/submissions/{id}", handler.GetSubmission)
	router.Post("/submissions/{id}/evaluate", handler.EvaluateSubmission)

	// Detections
	router.Get("/detections", handler.ListDetections)
	router.Get("/detections/{id}", handler.GetDetection)
	router.With(ActorMiddleware).Patch("/detections/{id}/review", handler.ReviewDetection)

	// Thresholds
	router.Get("/thresholds", handler.ListThresholds)
	router.Get("/thresholds/{key}/history", handler.ThresholdHistory)
	router.With(ActorMiddleware).Put("/thresholds/{key}", handler.UpdateThreshold)
	router.Post("/thresholds/invalidate", handler.InvalidateThresholds)

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
