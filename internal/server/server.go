// Package server exposes the system over HTTP: a WebSocket endpoint for
// the duplex chat stream and REST read/admin paths for sessions,
// transcripts, and bots.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/seanhagen/chatwire/internal/dispatcher"
	"github.com/seanhagen/chatwire/internal/registry"
	"github.com/seanhagen/chatwire/internal/storage"
)

// Config holds the HTTP surface settings.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 64 * 1024
	}
}

// Server owns the chi router and the http.Server lifecycle.
type Server struct {
	Router *chi.Mux

	cfg        Config
	store      storage.Store
	dispatcher *dispatcher.Dispatcher
	registry   *registry.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds the router with the standard middleware chain. The
// WebSocket route sits outside the request timeout; connections are
// long lived.
func New(cfg Config, store storage.Store, disp *dispatcher.Dispatcher, reg *registry.Registry, opts ...Option) *Server {
	cfg.applyDefaults()

	s := &Server{
		cfg:        cfg,
		store:      store,
		dispatcher: disp,
		registry:   reg,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "chatwire")
	})

	r.Get("/ws", s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(TimeoutMiddleware(s.cfg.RequestTimeout))

		r.Get("/sessions", s.handleListSessions)
		r.Get("/sessions/{session_id}/messages", s.handleListMessages)

		r.Post("/bots", s.handleCreateBot)
		r.Get("/bots", s.handleListBots)
		r.Get("/bots/{bot_id}", s.handleGetBot)
		r.Post("/bots/{bot_id}", s.handleUpdateBot)
		r.Delete("/bots/{bot_id}", s.handleDeleteBot)
		r.Post("/bots/{bot_id}/deployment", s.handleDeployBot)
	})

	s.Router = r
	return s
}

// Start runs the HTTP server until ctx is cancelled, then drains it.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", slog.String("addr", s.cfg.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"connections": s.registry.Len(),
	})
}
