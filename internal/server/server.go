// Package server exposes the admin HTTP API: health, engine status,
// strategy lifecycle, positions, signals and whales.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/polywhale/internal/server/handler"
	"github.com/alanyoungcy/polywhale/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled
	// RatePerSec and RateBurst bound requests per client IP. Zero disables
	// rate limiting.
	RatePerSec float64
	RateBurst  int
}

// Handlers aggregates the HTTP handlers the server registers. Nil handlers
// leave their routes unregistered.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Strategies *handler.StrategyHandler
	Positions  *handler.PositionHandler
	Signals    *handler.SignalHandler
	Whales     *handler.WhaleHandler
}

// Server is the headless admin API server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered and the middleware
// chain applied.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      NewHandler(cfg, handlers, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

// NewHandler builds the routed and wrapped http.Handler.
func NewHandler(cfg Config, handlers Handlers, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	if handlers.Health != nil {
		mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	}
	if handlers.Status != nil {
		mux.HandleFunc("GET /api/status", handlers.Status.GetStatus)
	}
	if h := handlers.Strategies; h != nil {
		mux.HandleFunc("GET /api/strategies", h.ListStrategies)
		mux.HandleFunc("POST /api/strategies/{name}/enable", h.Enable)
		mux.HandleFunc("POST /api/strategies/{name}/pause", h.Pause)
		mux.HandleFunc("POST /api/strategies/{name}/disable", h.Disable)
	}
	if h := handlers.Positions; h != nil {
		mux.HandleFunc("GET /api/positions", h.ListPositions)
		mux.HandleFunc("POST /api/positions/{id}/close", h.ClosePosition)
	}
	if h := handlers.Signals; h != nil {
		mux.HandleFunc("GET /api/signals", h.ListSignals)
		mux.HandleFunc("GET /api/signals/{id}", h.GetSignal)
	}
	if h := handlers.Whales; h != nil {
		mux.HandleFunc("GET /api/whales", h.ListWhales)
		mux.HandleFunc("GET /api/whales/{address}", h.GetWhale)
	}

	var h http.Handler = mux
	h = middleware.Auth(cfg.APIKey, "/api/health")(h)
	if cfg.RatePerSec > 0 {
		h = middleware.RateLimit(middleware.NewClientLimiter(cfg.RatePerSec, cfg.RateBurst))(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	return h
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
