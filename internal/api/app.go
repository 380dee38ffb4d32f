// Package api assembles the REST adapter: it owns construction of the
// core components (vault, store, OAuth2 runtime, client pool, engine,
// cleanup) and mounts the thin handlers over them on a chi router.
package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aionixone/openact/internal/api/handlers"
	apimiddleware "github.com/aionixone/openact/internal/api/middleware"
	"github.com/aionixone/openact/internal/cleanup"
	"github.com/aionixone/openact/internal/clientpool"
	"github.com/aionixone/openact/internal/config"
	"github.com/aionixone/openact/internal/engine"
	"github.com/aionixone/openact/internal/metrics"
	oauth2rt "github.com/aionixone/openact/internal/oauth2"
	"github.com/aionixone/openact/internal/store"
	"github.com/aionixone/openact/internal/vault"
)

// App holds application dependencies.
type App struct {
	config *config.Config
	logger *slog.Logger
	router *chi.Mux

	metrics         *metrics.Metrics
	metricsRegistry *prometheus.Registry

	vault     *vault.Vault
	store     *store.Store
	pool      *clientpool.Pool
	oauth2    *oauth2rt.Runtime
	engine    *engine.Engine
	cleanupSv *cleanup.Service
	cleanupSc *cleanup.Scheduler
}

// NewApp wires every core component from cfg and mounts the routes.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{config: cfg, logger: logger}

	app.metrics = metrics.NewMetrics()
	app.metricsRegistry = prometheus.NewRegistry()
	if err := app.metrics.Register(app.metricsRegistry); err != nil {
		return nil, err
	}

	v, err := vault.NewFromHex(cfg.Credential.MasterKey)
	if err != nil {
		return nil, err
	}
	if cfg.Credential.UseKMS {
		backend, err := vault.NewKMSBackend(ctx, cfg.Credential.KMSKeyID, cfg.Credential.KMSRegion, "")
		if err != nil {
			return nil, err
		}
		v.UseKMS(backend)
	}
	app.vault = v

	st, err := store.Open(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	app.store = st.WithVault(v).WithMetrics(app.metrics)

	app.pool = clientpool.New(cfg.ClientPool.Capacity).WithMetrics(app.metrics)
	app.oauth2 = oauth2rt.New(
		app.store,
		time.Duration(cfg.OAuth2.CheckpointTTLSeconds)*time.Second,
		time.Duration(cfg.OAuth2.TokenSkewSeconds)*time.Second,
	).WithMetrics(app.metrics)
	app.engine = engine.New(app.store, app.oauth2, app.pool).
		WithMetrics(app.metrics).
		WithLogger(logger)

	app.cleanupSv = cleanup.NewService(app.store, logger, cfg.Cleanup.CleanupRevoked)
	app.cleanupSc = cleanup.NewScheduler(app.cleanupSv, cfg.Cleanup.Schedule, logger)

	app.router = app.buildRouter()
	return app, nil
}

func (a *App) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(apimiddleware.StructuredLogger(a.logger, a.metrics))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", apimiddleware.TenantHeader},
	}))

	connH := handlers.NewConnectionHandler(a.store, a.logger)
	taskH := handlers.NewTaskHandler(a.store, a.logger)
	execH := handlers.NewExecuteHandler(a.engine, a.logger)
	oauthH := handlers.NewOAuth2Handler(a.store, a.oauth2, a.logger)
	statsH := handlers.NewStatsHandler(a.pool, a.oauth2, a.cleanupSv, a.logger)

	r.Get("/health", statsH.Health)
	if a.config.Observability.MetricsEnabled {
		r.Handle("/metrics", promhttp.HandlerFor(a.metricsRegistry, promhttp.HandlerOpts{}))
	}

	// The provider callback carries its own run_id/state; no tenant header.
	r.Get("/oauth/callback", oauthH.Callback)

	r.Route("/v1", func(r chi.Router) {
		r.Use(apimiddleware.TenantContext)

		r.Route("/connections", func(r chi.Router) {
			r.Post("/", connH.Upsert)
			r.Get("/", connH.List)
			r.Get("/*", connH.Get)
			r.Delete("/*", connH.Delete)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", taskH.Upsert)
			r.Get("/", taskH.List)
			r.Get("/*", taskH.Get)
			r.Delete("/*", taskH.Delete)
		})
		r.Post("/execute/*", execH.Execute)
		r.Post("/oauth2/begin", oauthH.Begin)
		r.Post("/oauth2/resume", oauthH.Resume)
		r.Get("/stats", statsH.Stats)
		r.Post("/cleanup", statsH.Cleanup)
	})

	return r
}

// Router returns the mounted HTTP handler.
func (a *App) Router() *chi.Mux {
	return a.router
}

// StartBackground starts the cleanup scheduler.
func (a *App) StartBackground(ctx context.Context) error {
	return a.cleanupSc.Start(ctx)
}

// Close stops background work and releases the store.
func (a *App) Close() error {
	a.cleanupSc.Stop()
	return a.store.Close()
}
