// Package core provides the HTTP chassis for the Tollgate billing API: the chi
// router, the global middleware chain, the JSON response envelope and the
// health endpoint. Domain handlers attach through RouteRegistrars so this
// package never imports them.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tollgate/internal/config"
)

// Server holds the dependencies shared by every request.
type Server struct {
	Config        *config.Config
	Logger        *slog.Logger
	Validator     *Validator
	Metrics       MetricsCollector
	Authenticator Authenticator
	HealthProbes  []HealthProbe

	// RouteRegistrars attach domain routes to the root router after the
	// global middleware is installed.
	RouteRegistrars []func(chi.Router)

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	// Closers run in order on Shutdown.
	Closers []func()

	router *chi.Mux
}

func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases pooled resources. It does not stop the listener; the
// caller owns the http.Server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	start := time.Now()
	for _, closeFn := range s.Closers {
		closeFn()
	}
	s.Logger.InfoContext(ctx, "server shutdown complete", "duration", time.Since(start))
	return nil
}
