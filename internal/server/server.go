// Package server exposes finalized run output over HTTP.
//
// The server is read-only: it loads a results stream into an in-memory
// collection and serves it alongside the standard health and version
// endpoints.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/cryokit/ctfstream/internal/errors"
	"github.com/cryokit/ctfstream/internal/observability"
	"github.com/cryokit/ctfstream/internal/server/handlers"
	"github.com/cryokit/ctfstream/internal/server/middleware"
	"github.com/cryokit/ctfstream/pkg/results"
)

// Server is the HTTP results server.
type Server struct {
	host    string
	port    int
	router  chi.Router
	httpSrv *http.Server
	logger  *zap.Logger

	readTimeout     time.Duration
	writeTimeout    time.Duration
	idleTimeout     time.Duration
	shutdownTimeout time.Duration
}

// Option customizes a Server.
type Option func(*Server)

// WithCollection serves the given collection from the results API.
func WithCollection(collection *results.Collection) Option {
	return func(s *Server) {
		s.registerResultsAPI(handlers.NewResultsHandler(collection))
	}
}

// WithTimeouts overrides the HTTP server timeouts.
func WithTimeouts(read, write, idle, shutdown time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
		s.idleTimeout = idle
		s.shutdownTimeout = shutdown
	}
}

// WithLogger overrides the server logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New builds a server bound to host:port. Port 0 lets the OS choose.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:            host,
		port:            port,
		router:          chi.NewRouter(),
		logger:          observability.CLILogger,
		readTimeout:     30 * time.Second,
		writeTimeout:    30 * time.Second,
		idleTimeout:     120 * time.Second,
		shutdownTimeout: 10 * time.Second,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recovery)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteJSONError(w, http.StatusNotFound, apperrors.HTTPErrorDetail{
			Code:      "NOT_FOUND",
			Message:   "no route for " + r.URL.Path,
			RequestID: middleware.GetRequestID(r.Context()),
		})
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteJSONError(w, http.StatusMethodNotAllowed, apperrors.HTTPErrorDetail{
			Code:      "METHOD_NOT_ALLOWED",
			Message:   r.Method + " not allowed on " + r.URL.Path,
			RequestID: middleware.GetRequestID(r.Context()),
		})
	})

	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)
	s.router.Get("/version", handlers.VersionHandler)

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Server) registerResultsAPI(h *handlers.ResultsHandler) {
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/results", h.ListResults)
		r.Get("/results/{item}", h.GetResult)
		r.Get("/series", h.ListSeries)
		r.Get("/series/{series}", h.GetSeries)
		r.Get("/summary", h.Summary)
	})
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
}

// Start serves until ctx is cancelled, then shuts down gracefully within
// the shutdown timeout.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Addr(), err)
	}

	s.httpSrv = &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.readTimeout,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  s.idleTimeout,
	}

	s.logger.Info("server listening",
		zap.String("addr", listener.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
