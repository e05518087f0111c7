package core

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"creditengine/internal/config"
)

// RouteRegistrar mounts a group of domain routes onto the v1 router. The
// application entry point populates Server.V1RouteRegistrars with the
// handler packages' registrars; this indirection avoids an import cycle
// between core and handlers.
type RouteRegistrar func(r chi.Router)

// Server encapsulates the chassis dependencies, allowing injection during
// testing and distinct wiring per environment.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	HealthProbes      []HealthProbe
	V1RouteRegistrars []RouteRegistrar

	router *chi.Mux
}

// NewServer initializes the chassis and prepares the router for route
// mounting. The caller mounts routes via MountRoutes after registering
// registrars and probes.
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
		Validator: NewValidator(logger),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// MountRoutes registers the global middleware chain and all routes. The
// health endpoint sits outside /v1 and outside admin-key auth so load
// balancers can probe it.
//
// Middleware ordering:
//  1. Recoverer        - outermost, catches all panics.
//  2. ContextTimeout   - soft request deadline.
//  3. RequestID        - correlation ID before anything logs.
//  4. SecurityHeaders  - present on every response, error paths included.
//  5. RequestLogger    - structured logs with redacted headers.
//  6. AdminKey         - applied inside /v1 only.
func (s *Server) MountRoutes() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))

	s.router.Get("/health", s.HandleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(s.AdminKeyMiddleware)
		for _, registrar := range s.V1RouteRegistrars {
			registrar(r)
		}
	})
}
