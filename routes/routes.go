package routes

import (
	"database/sql"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upb/ai-execution-gateway/app"
	"github.com/upb/ai-execution-gateway/handlers"
	gwmiddleware "github.com/upb/ai-execution-gateway/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	// Client addresses are resolved by the identity middleware from trusted proxies only
	r.Use(gwmiddleware.RequestLogger(deps.Logger))
	r.Use(middleware.Recoverer)
	// Provider calls carry their own deadlines; this bounds the whole request
	if timeout := deps.Config.Server.WriteTimeout; timeout > 0 {
		r.Use(middleware.Timeout(timeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoints
	health := handlers.NewHealthHandler(sqlDB(deps), redisClient(deps), deps.Registry, deps.Logger)
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	if deps.MetricsRegistry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.MetricsRegistry, promhttp.HandlerOpts{}))
	}

	execution := handlers.NewExecutionHandler(deps.Gateway, deps.Logger)

	// API v1 routes; every request is accounted to a caller identity
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.Identity.ResolveIdentity)

		r.Post("/execute", execution.HandleExecute)
		r.Get("/providers", execution.HandleListProviders)
		r.Get("/usage", execution.HandleUsage)

		if deps.Audit != nil {
			r.Post("/audit", handlers.NewAuditHandler(deps.Audit, deps.Logger).HandleAudit)
		}
	})

	r.NotFound(handlers.NotFound)
	r.MethodNotAllowed(handlers.MethodNotAllowed)

	return r
}

func sqlDB(deps *app.Dependencies) *sql.DB {
	if deps.DB == nil {
		return nil
	}
	return deps.DB.DB
}

// redisClient avoids handing a typed nil to the health handler's interface
func redisClient(deps *app.Dependencies) redis.UniversalClient {
	if deps.Redis == nil {
		return nil
	}
	return deps.Redis
}
