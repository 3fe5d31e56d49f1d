// Package api assembles the control-plane HTTP router: the REST surface,
// the per-agent A2A endpoints, the Hub chat engine, and the LLM proxy.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/a2agate/a2agate/internal/a2arouter"
	"github.com/a2agate/a2agate/internal/api/handlers"
	"github.com/a2agate/a2agate/internal/api/middleware"
	"github.com/a2agate/a2agate/internal/auth"
	"github.com/a2agate/a2agate/internal/config"
	"github.com/a2agate/a2agate/internal/hub"
	"github.com/a2agate/a2agate/internal/llmproxy"
	"github.com/a2agate/a2agate/internal/metrics"
)

// Deps carries the mounted surfaces.
type Deps struct {
	Handlers *handlers.Handlers
	A2A      *a2arouter.Handler
	Hub      *hub.Engine
	LLM      *llmproxy.Handler
	Chain    *auth.Chain
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(cfg *config.Config, deps *Deps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Metrics)
	if cfg.Telemetry.Enabled {
		r.Use(middleware.Telemetry)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "x-api-key", "X-Trace-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))
	r.Handle("/metrics", metrics.Handler())

	// REST surface
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Identity(deps.Chain))

			r.Route("/agents", func(r chi.Router) {
				r.Get("/", deps.Handlers.ListAgents)
				r.Route("/{agentRef}", func(r chi.Router) {
					r.Get("/", deps.Handlers.GetAgent)
					r.Post("/health", deps.Handlers.RelayHealth)
				})
			})

			r.Route("/keys", func(r chi.Router) {
				r.Post("/", deps.Handlers.CreateAPIKey)
				r.Delete("/{key}", deps.Handlers.RevokeAPIKey)
			})

			r.Get("/traces/{traceId}/calls", deps.Handlers.ListTraceCalls)
		})

		// Per-agent A2A endpoints; the router runs its own auth chain
		// because errors must surface as JSON-RPC bodies.
		r.Route("/a2a", deps.A2A.Routes)
	})

	// Hub chat engine
	r.Route("/api/hub", deps.Hub.Routes)

	// OpenAI-compatible LLM proxy
	r.Group(deps.LLM.Routes)

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "a2agate-control-plane",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "a2agate-control-plane",
		})
	}
}
