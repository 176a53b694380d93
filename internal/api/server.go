// Package api exposes the scoring service over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/tracex/internal/domain"
	"github.com/opensource-finance/tracex/internal/metrics"
	"github.com/opensource-finance/tracex/internal/scoring"
)

// Options configures the optional parts of a Server.
type Options struct {
	Version string
	Auth    domain.AuthConfig
	Metrics *metrics.Metrics
	// Gatherer backs GET /metrics; nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, service *scoring.Service, opts Options) *Server {
	handler := NewHandler(service, opts.Version)
	router := chi.NewRouter()

	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(metrics.HTTPMetricsMiddleware(opts.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Unauthenticated probes
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	router.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(opts.Auth))

		r.Post("/score/transaction", handler.ScoreTransaction)
		r.Post("/analyze/address", handler.AnalyzeAddress)

		r.Get("/evaluations/{id}", handler.GetEvaluation)
		r.Get("/transactions/{hash}", handler.GetTransaction)

		r.Get("/rules", handler.ListRules)
		r.Get("/rules/{id}", handler.GetRule)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
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
