package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/crunchy/internal/crunchy"
	"github.com/mattjoyce/crunchy/internal/ledger"
	"github.com/mattjoyce/crunchy/internal/observability"
)

// StatusReader derives the state of a unit from its path.
type StatusReader interface {
	StateOf(path string) (crunchy.State, error)
}

// SubmissionLister reads the submission ledger.
type SubmissionLister interface {
	List(ctx context.Context, f ledger.Filter) ([]ledger.Entry, error)
	Latest(ctx context.Context, unit string) (*ledger.Entry, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
}

// Server is the read-only status API.
type Server struct {
	config         Config
	status         StatusReader
	submissions    SubmissionLister
	metrics        *observability.Metrics
	metricsHandler http.Handler
	logger         *slog.Logger
	server         *http.Server
	startedAt      time.Time
}

// New creates a new API server instance. submissions, metrics and
// metricsHandler may be nil; the matching endpoints then answer 503 or are
// not mounted.
func New(config Config, status StatusReader, submissions SubmissionLister, metrics *observability.Metrics, metricsHandler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		config:         config,
		status:         status,
		submissions:    submissions,
		metrics:        metrics,
		metricsHandler: metricsHandler,
		logger:         logger,
		startedAt:      time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/units/status", s.handleUnitStatus)
		r.Get("/submissions", s.handleListSubmissions)
	})
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	return r
}

// loggingMiddleware logs HTTP requests and records their metrics.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Context(), r.Method, ww.Status(), elapsed.Seconds())
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", elapsed.Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
