package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/sessionkv/internal/api/rest"
	"github.com/gosuda/sessionkv/internal/api/ws"
	"github.com/gosuda/sessionkv/internal/config"
	"github.com/gosuda/sessionkv/internal/events"
	"github.com/gosuda/sessionkv/internal/server/middleware"
)

// Pinger reports whether the storage backend is reachable.
// kv.Backend satisfies this interface.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	backend    Pinger
}

// New creates a Server with all routes wired.
func New(cfg *config.Config, sessions rest.SessionService, backend Pinger, feed events.Subscriber) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger(log.Logger))
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}).Handler)

	router.NotFound(rest.NotFound)
	router.MethodNotAllowed(rest.MethodNotAllowed)

	s := &Server{
		router:  router,
		backend: backend,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	api := humachi.New(router, rest.NewConfig())
	registerSessionRoutes(api, rest.NewHandler(sessions, cfg.Server.MaxBodyBytes))

	// WebSocket change feeds.
	if feed != nil {
		router.Route("/ws", func(r chi.Router) {
			registerWSRoutes(r, ws.NewHub(feed, cfg.Server.CORSOrigins))
		})
	}

	router.Get("/healthz", s.healthz)

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.backend.Ping(r.Context()); err != nil {
		log.Ctx(r.Context()).Error().Err(err).Msg("health check: backend ping")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
