/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

ROUTE GROUPS:
  /api/runs/*           Run lifecycle and per-run read surface

READ-ONLY SURFACE:
  Everything under a run is read-only except POST /api/runs, which triggers
  a recompute. Proposals and hierarchies served here are the PUBLISHED
  subset only; non-conformant groups never cross this boundary.

SECURITY NOTE:
  No authentication middleware currently. All endpoints are public.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", h.ListRuns)
			r.Post("/", h.TriggerRun)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetRun)
				r.Get("/proposals", h.ListProposals)
				r.Get("/hierarchies", h.ListHierarchies)
				r.Get("/exceptions", h.ListExceptions)
				r.Get("/conformance", h.ListConformance)
				r.Get("/journal", h.ListJournal)
				r.Get("/traceability", h.ListTraceability)
				r.Get("/traceability/{premiumID}", h.GetTraceability)
			})
		})
	})

	return r
}
