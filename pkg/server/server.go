// Package server provides the public entry point for initializing the
// A2AGate control plane.
//
// It lives in pkg/ so deployment-specific binaries can import it and
// compose the assembled handler with their own outer middleware.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/a2agate/a2agate/internal/a2arouter"
	"github.com/a2agate/a2agate/internal/adapter"
	"github.com/a2agate/a2agate/internal/api"
	"github.com/a2agate/a2agate/internal/api/handlers"
	"github.com/a2agate/a2agate/internal/auth"
	"github.com/a2agate/a2agate/internal/config"
	"github.com/a2agate/a2agate/internal/gateway"
	"github.com/a2agate/a2agate/internal/hub"
	"github.com/a2agate/a2agate/internal/llmproxy"
	"github.com/a2agate/a2agate/internal/registry"
	"github.com/a2agate/a2agate/internal/retention"
	"github.com/a2agate/a2agate/internal/store"
	"github.com/a2agate/a2agate/internal/telemetry"
	"github.com/a2agate/a2agate/internal/upstream"
)

// gatewayCacheTTL is how long the gateway may serve a cached GET body.
const gatewayCacheTTL = 30 * time.Second

// Server holds the initialized A2AGate control plane.
type Server struct {
	// Handler carries all routes and middleware. When gateway routes are
	// configured it proxies matched prefixes and falls through to the
	// control plane for everything else.
	Handler http.Handler

	// Store is the data store backing the platform.
	Store store.Store

	// Janitor is the retention sweeper; the caller starts it.
	Janitor *retention.Janitor

	// Config is the loaded configuration.
	Config *config.Config

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes all control plane components from the environment.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit
// configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := upstream.NewClient(cfg.Platform.ContainerHostAlias)
	adapters := adapter.NewRegistry()
	reg := registry.NewService(dataStore, client)
	chain := auth.NewChain(
		auth.NewAPIKeyProvider(dataStore),
		auth.NewSSOProvider(),
	)

	deps := &api.Deps{
		Handlers: handlers.New(dataStore, reg),
		A2A:      a2arouter.NewHandler(reg, adapters, client, dataStore, chain, cfg.Platform, cfg.Version),
		Hub:      hub.NewEngine(dataStore, reg, client, chain),
		LLM:      llmproxy.NewHandler(dataStore, client, cfg.LLM),
		Chain:    chain,
	}
	handler := api.NewRouter(cfg, deps)

	if len(cfg.Gateway.Routes) > 0 {
		gw := gateway.New(cfg.Gateway, gatewayCacheTTL)
		handler = edgeHandler(gw, handler)
		log.Info().Int("routes", len(cfg.Gateway.Routes)).Msg("API gateway enabled")
	}

	return &Server{
		Handler:      handler,
		Store:        dataStore,
		Janitor:      retention.NewJanitor(dataStore, retention.DefaultSessionRetention, retention.DefaultSweepInterval),
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}

// openStore picks PostgreSQL when a database URL is configured, the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.URL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return pg, nil
	}
	log.Info().Msg("In-memory store initialized")
	return store.NewMemoryStore(), nil
}

// edgeHandler routes matched gateway prefixes to the proxy and
// everything else to the control plane. The gateway's health fan-out
// stays reachable at /gateway/health.
func edgeHandler(gw *gateway.Gateway, controlPlane http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gateway/health" {
			gw.HealthHandler(w, r)
			return
		}
		if _, ok := gw.Match(r.URL.Path); ok {
			gw.ServeHTTP(w, r)
			return
		}
		controlPlane.ServeHTTP(w, r)
	})
}
