// Package server wires the chi router, middleware chain, and handler
// set behind one HTTP listener with graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/courtyard/studio/internal/errors"
	"github.com/courtyard/studio/internal/observability"
	"github.com/courtyard/studio/internal/server/handlers"
	"github.com/courtyard/studio/internal/server/middleware"
)

// adminTokenEnvVars gate the admin endpoint; unset means disabled.
var adminTokenEnvVars = []string{"STUDIO_ADMIN_TOKEN"}

// Option customizes a Server at construction.
type Option func(*Server)

// WithAPI attaches the job-control API handlers.
func WithAPI(api *handlers.API) Option {
	return func(s *Server) { s.api = api }
}

// WithLogger overrides the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithShutdownTimeout bounds graceful drain on Run teardown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// Server is the HTTP front end.
type Server struct {
	host            string
	port            int
	logger          *zap.Logger
	api             *handlers.API
	router          chi.Router
	shutdownTimeout time.Duration
	shutdownCh      chan struct{}
	shutdownOnce    sync.Once
}

// New builds a server. Port 0 lets the OS pick at listen time.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:            host,
		port:            port,
		logger:          observability.CLILogger,
		shutdownTimeout: 10 * time.Second,
		shutdownCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.router = s.buildRouter()
	return s
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Handler returns the full middleware-wrapped router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(chimiddleware.RealIP)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, http.StatusNotFound, apperrors.ErrorDetail{
			Code:      apperrors.CodeNotFound,
			Message:   fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path),
			RequestID: middleware.GetRequestID(req.Context()),
		})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.WriteHTTPError(w, http.StatusMethodNotAllowed, apperrors.ErrorDetail{
			Code:      apperrors.CodeMethodNotAllowed,
			Message:   fmt.Sprintf("method %s not allowed for %s", req.Method, req.URL.Path),
			RequestID: middleware.GetRequestID(req.Context()),
		})
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.api != nil {
		r.Route("/api", func(r chi.Router) {
			r.Get("/jobs", s.api.ListJobs)
			r.Post("/jobs", s.api.StartJob)
			r.Post("/jobs/{id}/stop", s.api.StopJob)
			r.Get("/jobs/{id}/events", s.api.StreamEvents)
			r.Get("/projects/{id}/versions", s.api.ListVersions)
			r.Get("/ollama/status", s.api.OllamaStatus)
			r.Post("/ollama/models-dir", s.api.OllamaApply)
		})
	}

	s.registerAdminEndpoint(r)

	return r
}

// registerAdminEndpoint adds the token-gated shutdown hook. With no
// token in the environment the route does not exist at all.
func (s *Server) registerAdminEndpoint(r chi.Router) {
	var token string
	for _, name := range adminTokenEnvVars {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			token = v
			break
		}
	}
	if token == "" {
		return
	}

	r.Post("/admin/signal", func(w http.ResponseWriter, req *http.Request) {
		auth := req.Header.Get("Authorization")
		if auth != "Bearer "+token {
			apperrors.WriteHTTPError(w, http.StatusUnauthorized, apperrors.ErrorDetail{
				Code:      "UNAUTHORIZED",
				Message:   "invalid admin token",
				RequestID: middleware.GetRequestID(req.Context()),
			})
			return
		}
		s.logger.Info("admin shutdown requested",
			zap.String("request_id", middleware.GetRequestID(req.Context())))
		w.WriteHeader(http.StatusAccepted)
		s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	})
}

// Run serves until ctx is cancelled or an admin shutdown fires, then
// drains within the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	case <-s.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.logger.Info("http server draining")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	return nil
}
