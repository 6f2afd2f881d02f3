// Package server sets up the HTTP server, router, and all route definitions.
//
// This package is the wiring layer: which URL maps to which handler, which
// middleware runs where, and how the server starts and stops. The engine,
// the database and the report publisher are built in main and handed in, so
// tests can stand up the full router around fakes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sakif/polyglot-runner/internal/auth"
	"github.com/sakif/polyglot-runner/internal/handler"
	"github.com/sakif/polyglot-runner/internal/middleware"
)

type Config struct {
	Port int

	// RateLimitRPS of zero disables the limiter on the run routes.
	RateLimitRPS   float64
	RateLimitBurst int

	// WriteTimeout must outlast the slowest execution: install, compile and
	// run deadlines back to back.
	WriteTimeout time.Duration
}

// Deps are the collaborators behind the routes. Tokens and Metrics are
// optional: nil Tokens disables auth, nil Metrics drops /metrics.
type Deps struct {
	Runner    handler.Runner
	History   handler.History
	Languages handler.LanguageLister
	Tokens    *auth.TokenService
	Metrics   prometheus.Gatherer
}

type Server struct {
	router  *chi.Mux
	config  Config
	logger  *slog.Logger
	limiter *middleware.RateLimiter
}

func New(cfg Config, deps Deps, logger *slog.Logger) (*Server, error) {
	if deps.Runner == nil || deps.History == nil || deps.Languages == nil {
		return nil, errors.New("server: runner, history and languages are required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		logger: logger,
	}
	if cfg.RateLimitRPS > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	}
	s.setupRoutes(deps)
	return s, nil
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures middleware and routes.
//
// ROUTES:
// GET  /healthz                → liveness
// GET  /metrics                → Prometheus scrape endpoint
// GET  /api/languages          → supported languages
// POST /api/run, /api/execute  → run code
// GET  /api/executions         → history, newest first
// GET  /api/executions/{id}    → one past execution
//
// MIDDLEWARE ORDER MATTERS:
// RequestID and RealIP come first so the logger and the rate limiter see
// them. Auth runs inside /api only, so health checks and scrapes stay open.
// The limiter runs after auth and keys on the client id when there is one.
func (s *Server) setupRoutes(deps Deps) {
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})
	if deps.Metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	executeHandler := handler.NewExecuteHandler(deps.Runner, s.logger)
	historyHandler := handler.NewHistoryHandler(deps.History, s.logger)
	languagesHandler := handler.NewLanguagesHandler(deps.Languages)

	s.router.Route("/api", func(r chi.Router) {
		if deps.Tokens != nil {
			r.Use(auth.RequireAuth(deps.Tokens))
		}

		r.Get("/languages", languagesHandler.HandleList)
		r.Get("/executions", historyHandler.HandleList)
		r.Get("/executions/{id}", historyHandler.HandleGet)

		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Handler)
			}
			r.Post("/run", executeHandler.HandleRun)
			r.Post("/execute", executeHandler.HandleRun)
		})
	})
}

// Start serves until SIGINT or SIGTERM, then shuts down gracefully: stop
// accepting connections and give in-flight executions 30 seconds to finish.
// Closing the engine, database and publisher is the caller's job once Start
// returns.
func (s *Server) Start() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.Serve(ctx)
}

// Serve is Start with the shutdown trigger supplied by the caller.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	if s.limiter != nil {
		go s.limiter.Run(ctx)
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", s.config.Port)),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
		return nil
	}
}
