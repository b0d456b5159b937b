package api

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/use-agent/fetchd/api/handler"
	"github.com/use-agent/fetchd/api/middleware"
	"github.com/use-agent/fetchd/cache"
	"github.com/use-agent/fetchd/config"
	"github.com/use-agent/fetchd/engine"
	"github.com/use-agent/fetchd/metrics"
	"github.com/use-agent/fetchd/resilience"
)

// Deps are the components the routes serve.
type Deps struct {
	Fetcher  handler.Fetcher
	Cache    *cache.Cache
	Registry *resilience.Registry
	// Pool is nil when the browser is disabled.
	Pool     *engine.SessionPool
	Rulesets []string
	Metrics  *metrics.Metrics
}

// NewRouter creates a configured Gin engine with all routes and middleware.
//
// Middleware chain:
//
//	Global:  Recovery → Logger
//	API:     Auth (if enabled) → RateLimit
//
// Health and /metrics are outside auth so probes and scrapers always work.
func NewRouter(ctx context.Context, d Deps, cfg *config.Config, startTime time.Time) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.GET("/health", handler.Health(d.Pool, d.Rulesets, startTime))

	protected := v1.Group("")
	if cfg.Auth.Enabled {
		protected.Use(middleware.Auth(cfg.Auth.APIKeys))
	}
	protected.Use(middleware.RateLimit(ctx, cfg.RateLimit))

	opts := handler.Options{
		MaxTimeout:   cfg.Retry.MaxTimeout,
		MaxBatchSize: cfg.Server.MaxBatchSize,
	}

	// Fetch
	protected.POST("/fetch", handler.Fetch(d.Fetcher, opts))
	protected.POST("/fetch/batch", handler.Batch(d.Fetcher, opts))

	// Cache
	protected.GET("/cache/stats", handler.CacheStats(d.Cache))
	protected.POST("/cache/clear", handler.CacheClear(d.Cache))
	protected.POST("/cache/cleanup", handler.CacheCleanup(d.Cache))

	// Hosts
	protected.GET("/hosts", handler.Hosts(d.Registry))
	protected.GET("/hosts/:host", handler.Host(d.Registry))

	return r
}
