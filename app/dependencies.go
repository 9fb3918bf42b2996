package app

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/upb/ai-execution-gateway/config"
	"github.com/upb/ai-execution-gateway/internal/observability"
	"github.com/upb/ai-execution-gateway/middleware"
	"github.com/upb/ai-execution-gateway/repositories"
	"github.com/upb/ai-execution-gateway/repositories/postgres"
	"github.com/upb/ai-execution-gateway/services/activity"
	"github.com/upb/ai-execution-gateway/services/audit"
	"github.com/upb/ai-execution-gateway/services/gateway"
	"github.com/upb/ai-execution-gateway/services/providers"
	"github.com/upb/ai-execution-gateway/services/providers/anthropic"
	"github.com/upb/ai-execution-gateway/services/providers/bedrock"
	"github.com/upb/ai-execution-gateway/services/providers/gemini"
	"github.com/upb/ai-execution-gateway/services/providers/openai"
	"github.com/upb/ai-execution-gateway/services/ratelimit"
	"github.com/upb/ai-execution-gateway/services/usage"
	"go.uber.org/zap"
)

const (
	// activityStopTimeout bounds how long shutdown waits for queued events
	activityStopTimeout = 10 * time.Second

	defaultCleanupInterval = time.Minute
)

// Dependencies holds all application dependencies.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config *config.Config
	DB     *postgres.DB  // nil when no database is configured
	Redis  *redis.Client // nil when counters live in memory
	Logger *zap.Logger

	// Repository Factory
	RepoFactory *postgres.RepositoryFactory

	// Metrics
	Metrics         observability.Metrics
	MetricsRegistry *prometheus.Registry // nil when metrics are disabled

	// Services
	Registry *providers.Registry
	Limiter  *ratelimit.Limiter
	Tracker  *usage.Tracker
	Activity *activity.Service // nil without a database
	Gateway  *gateway.Gateway
	Audit    *audit.Pipeline // nil when audit is disabled

	// Identity
	Identity *middleware.IdentityMiddleware

	stopWorkers context.CancelFunc
}

// NewDependencies creates and wires up all application dependencies.
// PostgreSQL and Redis are optional; without them usage records and rate
// limit counters are kept in process memory.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	deps.stopWorkers = cancel

	// Initialize PostgreSQL
	if err := deps.initDatabase(ctx, cfg); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"metrics", func() error { return deps.initMetrics(cfg) }},
		{"providers", func() error { return deps.initProviders(cfg) }},
		{"rate limiter", func() error { return deps.initLimiter(ctx, workerCtx, cfg) }},
		{"usage tracker", func() error { return deps.initTracker() }},
		{"activity log", func() error { return deps.initActivity(cfg) }},
		{"gateway", func() error { return deps.initGateway() }},
		{"audit pipeline", func() error { return deps.initAudit(cfg) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			_ = deps.Close(ctx)
			return nil, fmt.Errorf("failed to initialize %s: %w", step.name, err)
		}
	}

	deps.Identity = middleware.NewIdentityMiddleware(cfg.Identity.JWTSecret, cfg.Identity.Issuer, logger).
		WithTrustedProxies(cfg.Server.TrustedProxies)

	logger.Info("all dependencies initialized successfully",
		zap.Bool("database", deps.DB != nil),
		zap.Bool("redis", deps.Redis != nil),
		zap.Int("providers", deps.Registry.Count()))
	return deps, nil
}

// initDatabase initializes the PostgreSQL database connection and factory
func (d *Dependencies) initDatabase(ctx context.Context, cfg *config.Config) error {
	if cfg.Database == nil {
		d.Logger.Warn("no database configured, usage records are kept in memory")
		return nil
	}

	factory, err := postgres.NewRepositoryFactory(cfg, d.Logger)
	if err != nil {
		return fmt.Errorf("failed to create repository factory: %w", err)
	}

	if err := factory.InitSchema(ctx); err != nil {
		_ = factory.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	d.RepoFactory = factory
	d.DB = factory.GetDB()

	d.Logger.Info("database connection established",
		zap.String("connection", cfg.Database.LogString()))

	return nil
}

// initMetrics creates a dedicated Prometheus registry with the runtime collectors
func (d *Dependencies) initMetrics(cfg *config.Config) error {
	if !cfg.Observability.MetricsEnabled {
		d.Metrics = observability.NoopMetrics{}
		return nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	d.MetricsRegistry = reg
	d.Metrics = observability.NewPrometheusMetrics(reg)
	return nil
}

// initProviders builds the registry from the catalog, registering only the
// providers that have credentials
func (d *Dependencies) initProviders(cfg *config.Config) error {
	p := cfg.Providers
	builder := providers.NewRegistryBuilder()

	if p.OpenAI.APIKey != "" {
		builder.WithAdapterBuilder("openai", openai.Builder(providers.ProviderConfig{
			APIKey:  p.OpenAI.APIKey,
			BaseURL: p.OpenAI.BaseURL,
			OrgID:   p.OpenAI.OrgID,
		}))
	}
	if p.Anthropic.APIKey != "" {
		builder.WithAdapterBuilder("anthropic", anthropic.Builder(providers.ProviderConfig{
			APIKey:  p.Anthropic.APIKey,
			BaseURL: p.Anthropic.BaseURL,
		}))
	}
	if p.Gemini.APIKey != "" {
		builder.WithAdapterBuilder("gemini", gemini.Builder(providers.ProviderConfig{
			APIKey:  p.Gemini.APIKey,
			BaseURL: p.Gemini.BaseURL,
		}))
	}
	if p.Bedrock.Enabled {
		builder.WithAdapterBuilder("bedrock", bedrock.Builder(providers.ProviderConfig{
			Region:    p.Bedrock.Region,
			AccessKey: p.Bedrock.AccessKey,
			SecretKey: p.Bedrock.SecretKey,
			BaseURL:   p.Bedrock.EndpointURL,
		}))
	}

	registry, skipped, err := builder.Build(cfg.Catalog)
	if err != nil {
		return err
	}

	for _, desc := range registry.ListAvailable() {
		d.Logger.Info("provider registered",
			zap.String("provider", desc.ID),
			zap.Strings("models", desc.ModelIDs()),
			zap.Duration("timeout", desc.Timeout))
	}
	if len(skipped) > 0 {
		d.Logger.Info("providers without credentials skipped", zap.Strings("providers", skipped))
	}
	if registry.Count() == 0 {
		d.Logger.Warn("no LLM providers configured")
	}

	d.Registry = registry
	return nil
}

// initLimiter picks the counter store: Redis when configured, otherwise an
// in-memory store with a cleanup worker
func (d *Dependencies) initLimiter(ctx, workerCtx context.Context, cfg *config.Config) error {
	var store ratelimit.CounterStore
	if cfg.Redis.URL != "" {
		client, err := ratelimit.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		d.Redis = client
		store = ratelimit.NewRedisStore(client)
		d.Logger.Info("rate limit counters stored in redis")
	} else {
		interval := cfg.Redis.CleanupInterval
		if interval <= 0 {
			interval = defaultCleanupInterval
		}
		memory := ratelimit.NewMemoryStore(d.Logger)
		go memory.StartCleanupWorker(workerCtx, interval)
		store = memory
		d.Logger.Warn("no redis configured, rate limit counters are local to this instance")
	}

	limiter, err := ratelimit.NewLimiter(store, TierLimits(cfg.Limits), d.Logger)
	if err != nil {
		return err
	}

	d.Limiter = limiter
	return nil
}

// initTracker stores usage records in PostgreSQL when available
func (d *Dependencies) initTracker() error {
	var repo repositories.UsageRepository
	if d.RepoFactory != nil {
		repo = d.RepoFactory.NewRepositories().Usage
	} else {
		repo = usage.NewMemoryStore()
	}

	d.Tracker = usage.NewTracker(repo, d.Logger)
	return nil
}

// initActivity starts the execution event workers. Without a database
// execution outcomes are only logged.
func (d *Dependencies) initActivity(cfg *config.Config) error {
	if d.RepoFactory == nil {
		return nil
	}

	repos := d.RepoFactory.NewRepositories()
	service := activity.NewService(
		repos.ExecutionEvents,
		d.RepoFactory.GetEventsTransactionManager(),
		d.Logger,
		activity.Config{
			BufferSize:   cfg.Activity.BufferSize,
			WorkerCount:  cfg.Activity.WorkerCount,
			BatchSize:    cfg.Activity.BatchSize,
			WriteTimeout: cfg.Activity.WriteTimeout,
		},
	)
	if err := service.Start(); err != nil {
		return err
	}

	d.Activity = service
	return nil
}

func (d *Dependencies) initGateway() error {
	opts := []gateway.Option{gateway.WithMetrics(d.Metrics)}
	if d.Activity != nil {
		opts = append(opts, gateway.WithActivityLog(d.Activity))
	}

	d.Gateway = gateway.NewGateway(d.Registry, d.Limiter, d.Tracker, d.Logger, opts...)
	return nil
}

// initAudit creates the review pipeline on top of the gateway
func (d *Dependencies) initAudit(cfg *config.Config) error {
	if !cfg.Audit.Enabled {
		return nil
	}

	reviewers := audit.DefaultReviewers(cfg.Audit.Provider, cfg.Audit.Model)
	if cfg.Audit.ReviewersPath != "" {
		loaded, err := audit.LoadReviewers(cfg.Audit.ReviewersPath)
		if err != nil {
			return err
		}
		reviewers = loaded
	}

	for _, r := range reviewers {
		if _, ok := d.Registry.Descriptor(r.Provider); !ok {
			d.Logger.Warn("audit reviewer uses an unregistered provider",
				zap.String("reviewer", r.Name),
				zap.String("provider", r.Provider))
		}
	}

	pipeline, err := audit.NewPipeline(d.Gateway, audit.Config{
		Reviewers:       reviewers,
		Mode:            audit.Mode(cfg.Audit.Mode),
		ReviewerTimeout: cfg.Audit.ReviewerTimeout,
		MaxTokens:       cfg.Audit.MaxTokens,
	}, d.Logger)
	if err != nil {
		return err
	}

	d.Audit = pipeline
	return nil
}

// TierLimits converts configured ceilings into limiter limits
func TierLimits(cfg config.LimitsConfig) map[providers.Tier]ratelimit.Limits {
	convert := func(l config.TierLimits) ratelimit.Limits {
		return ratelimit.Limits{
			RequestsPerHour: l.RequestsPerHour,
			RequestsPerDay:  l.RequestsPerDay,
			TokensPerDay:    l.TokensPerDay,
		}
	}

	return map[providers.Tier]ratelimit.Limits{
		providers.TierAnonymous:     convert(cfg.Anonymous),
		providers.TierAuthenticated: convert(cfg.Authenticated),
		providers.TierPro:           convert(cfg.Pro),
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	var errs []error

	if d.stopWorkers != nil {
		d.stopWorkers()
	}

	// Flush queued execution events before the database goes away
	if d.Activity != nil {
		if err := d.Activity.Stop(activityStopTimeout); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop activity log: %w", err))
		}
	}

	if d.Redis != nil {
		if err := d.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis: %w", err))
		}
	}

	// Close database connection
	if d.RepoFactory != nil {
		if err := d.RepoFactory.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		} else {
			d.Logger.Info("database connection closed")
		}
	}

	// Sync logger
	if d.Logger != nil {
		_ = d.Logger.Sync()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during shutdown: %v", errs)
	}

	return nil
}
