package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/eshaffer321/ynab-sync/internal/api/handlers"
	"github.com/eshaffer321/ynab-sync/internal/api/middleware"
)

// Config holds API server configuration.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// DefaultConfig returns sensible defaults for the API server.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
	}
}

// Engine is what the server needs from the sync engine.
// *appsync.Engine satisfies it.
type Engine interface {
	handlers.Engine
	handlers.BudgetLister
}

// Server is the local HTTP API over the sync engine.
type Server struct {
	config Config
	router chi.Router
	logger *slog.Logger
	engine Engine

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

// NewServer creates a new API server.
func NewServer(cfg Config, engine Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		logger: logger,
		engine: engine,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.Recoverer)

	corsConfig := middleware.DefaultCORSConfig()
	if len(s.config.AllowedOrigins) > 0 {
		corsConfig.AllowedOrigins = s.config.AllowedOrigins
	}
	s.router.Use(middleware.CORS(corsConfig))

	s.router.Use(middleware.Logging(s.logger))
}

func (s *Server) setupRoutes() {
	// Health check (no /api prefix)
	healthHandler := handlers.NewHealthHandler(s.engine)
	s.router.Get("/health", healthHandler.ServeHTTP)

	s.router.Route("/api", func(r chi.Router) {
		budgetsHandler := handlers.NewBudgetsHandler(s.engine)
		r.Route("/budgets/{budgetID}", func(r chi.Router) {
			r.Get("/view", budgetsHandler.View)
			r.Get("/status", budgetsHandler.Status)
			r.Post("/refresh", budgetsHandler.Refresh)
			r.Post("/mutations", budgetsHandler.Enqueue)
			r.Get("/operations", budgetsHandler.Operations)
			r.Get("/notices", budgetsHandler.Notices)
		})

		noticesHandler := handlers.NewNoticesHandler(s.engine)
		r.Post("/notices/{id}/ack", noticesHandler.Acknowledge)

		// Sync runs (historical)
		runsHandler := handlers.NewRunsHandler(s.engine)
		r.Get("/runs", runsHandler.List)
		r.Get("/runs/{id}", runsHandler.Get)
	})
}

// Start listens on the configured port and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener. Tests pass a port-0 listener.
// After Shutdown it closes ln and returns nil.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ln.Close()
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting API server", "addr", ln.Addr().String())

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")

	s.mu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}
