package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/upb/llm-echelon/config"
	"github.com/upb/llm-echelon/internal/observability"
	"github.com/upb/llm-echelon/middleware"
	"github.com/upb/llm-echelon/repositories"
	"github.com/upb/llm-echelon/repositories/postgres"
	"github.com/upb/llm-echelon/services/audit"
	"github.com/upb/llm-echelon/services/breaker"
	"github.com/upb/llm-echelon/services/pool"
	"github.com/upb/llm-echelon/services/providers"
	"github.com/upb/llm-echelon/services/providers/openai"
	"github.com/upb/llm-echelon/services/routing"
	"github.com/upb/llm-echelon/services/taskgroup"
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB // nil when no database is configured
	Logger *zap.Logger

	// Audit trail; both nil without a database
	RouteEvents repositories.RouteEventRepository
	Audit       *audit.Service

	// Routing
	Providers  *providers.Registry
	Metrics    *observability.InMemoryMetrics
	Prometheus *observability.PrometheusMetrics
	TaskGroups *taskgroup.Manager
	Pools      *pool.Manager
	Router     *routing.Service

	// Auth; nil when admin tokens are not configured
	AuthMiddleware *middleware.AuthMiddleware
}

// NewDependencies creates and wires up all application dependencies
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	prom, err := observability.NewPrometheusMetrics()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	deps := &Dependencies{
		Config:     cfg,
		Logger:     logger,
		Metrics:    observability.NewInMemoryMetrics(),
		Prometheus: prom,
	}

	if err := deps.initDatabase(ctx, cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := deps.initAudit(cfg); err != nil {
		_ = deps.closeDatabase()
		return nil, fmt.Errorf("failed to initialize audit trail: %w", err)
	}

	deps.initProviders(cfg)
	deps.initRouting(cfg)

	topology, err := config.LoadTopology(cfg.Routing.TopologyFile)
	if err == nil {
		err = deps.LoadTopology(topology)
	}
	if err != nil {
		_ = deps.Close(ctx)
		return nil, fmt.Errorf("failed to load topology: %w", err)
	}

	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully")
	return deps, nil
}

// initDatabase opens PostgreSQL and creates the audit schema. Without a
// database config the audit trail is disabled.
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if cfg.Database == nil {
		d.Logger.Warn("no database configured, route audit trail disabled")
		return nil
	}

	db, err := postgres.NewDB(*cfg.Database, d.Logger)
	if err != nil {
		return err
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.DB = db
	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))
	return nil
}

func (d *Dependencies) initAudit(cfg *config.Config) error {
	if d.DB == nil {
		return nil
	}

	d.RouteEvents = postgres.NewRouteEventRepository(d.DB, d.Logger)
	d.Audit = audit.NewService(d.RouteEvents, d.Logger, audit.Config{
		BufferSize:  cfg.Audit.BufferSize,
		WorkerCount: cfg.Audit.WorkerCount,
	})
	return d.Audit.Start()
}

// initProviders registers the OpenAI-compatible builder. Echelons and pool
// instances override the base URL and API key per endpoint.
func (d *Dependencies) initProviders(cfg *config.Config) {
	registry := providers.NewRegistry()

	defaults := providers.DefaultProviderConfig()
	defaults.APIKey = cfg.Providers.OpenAI.APIKey
	defaults.BaseURL = cfg.Providers.OpenAI.BaseURL
	if cfg.Providers.OpenAI.Timeout > 0 {
		defaults.Timeout = cfg.Providers.OpenAI.Timeout
	}
	registry.RegisterBuilder(openai.ProviderName, openai.Builder, defaults)

	if cfg.Providers.OpenAI.APIKey == "" {
		d.Logger.Warn("no default OpenAI API key, echelons must carry their own")
	}

	d.Providers = registry
	d.Logger.Info("provider registry initialized", zap.Strings("model_types", registry.ModelTypes()))
}

func (d *Dependencies) initRouting(cfg *config.Config) {
	metrics := observability.Fanout{d.Metrics, d.Prometheus}

	d.TaskGroups = taskgroup.NewManager(d.Logger,
		taskgroup.WithBreakerHook(func(group string, from, to breaker.State) {
			metrics.RecordBreakerTransition(group, string(from), string(to))
		}),
	)
	d.Pools = pool.NewManager(d.Logger, pool.WithDefaultTimeout(cfg.Routing.DefaultTimeout))

	opts := []routing.Option{routing.WithMetrics(metrics)}
	if d.Audit != nil {
		opts = append(opts, routing.WithRecorder(d.Audit))
	}
	d.Router = routing.NewService(d.TaskGroups, d.Providers, observability.NewLogger(d.Logger), opts...)
}

// LoadTopology registers the pools and task groups of topo
func (d *Dependencies) LoadTopology(topo *config.Topology) error {
	for _, cfg := range topo.Pools {
		if _, err := d.Pools.CreatePool(cfg); err != nil {
			return fmt.Errorf("pool %q: %w", cfg.Name, err)
		}
	}
	for _, cfg := range topo.TaskGroups {
		if _, err := d.TaskGroups.CreateTaskGroup(cfg); err != nil {
			return fmt.Errorf("task group %q: %w", cfg.Name, err)
		}
	}

	if len(topo.TaskGroups)+len(topo.Pools) > 0 {
		d.Logger.Info("topology loaded",
			zap.Int("task_groups", len(topo.TaskGroups)),
			zap.Int("pools", len(topo.Pools)))
	}
	return nil
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	if !cfg.AdminAuthEnabled() {
		d.Logger.Warn("ADMIN_JWT_SECRET not set, management endpoints are unauthenticated")
		return
	}
	validator := middleware.NewHMACValidator(cfg.Admin.JWTSecret, cfg.Admin.Issuer)
	d.AuthMiddleware = middleware.NewAuthMiddleware(validator, d.Logger)
	d.Logger.Info("admin auth enabled")
}

func (d *Dependencies) closeDatabase() error {
	if d.DB == nil {
		return nil
	}
	if err := d.DB.Close(); err != nil {
		return err
	}
	d.Logger.Info("database connection closed")
	return nil
}

// Close gracefully shuts down all dependencies. Buffered audit events are
// flushed before the database is closed.
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.TaskGroups != nil {
		d.TaskGroups.Shutdown()
	}
	if d.Pools != nil {
		d.Pools.Shutdown()
	}

	if d.Audit != nil {
		if err := d.Audit.Stop(d.Config.Server.ShutdownTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop audit service: %w", err))
		}
	}

	if err := d.closeDatabase(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close database: %w", err))
	}

	_ = d.Logger.Sync()

	return errors.Join(errs...)
}
