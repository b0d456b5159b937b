package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/use-agent/fetchd/api"
	"github.com/use-agent/fetchd/cache"
	"github.com/use-agent/fetchd/config"
	"github.com/use-agent/fetchd/engine"
	"github.com/use-agent/fetchd/extractor"
	"github.com/use-agent/fetchd/metrics"
	"github.com/use-agent/fetchd/orchestrator"
	"github.com/use-agent/fetchd/resilience"
)

func main() {
	// ── 1. Load configuration ───────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// ── 2. Initialise structured logging ────────────────────────────
	initLogger(cfg.Log)
	slog.Info("fetchd starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"mode", cfg.Server.Mode,
		"browser", cfg.Browser.Enabled,
		"maxSessions", cfg.Browser.MaxSessions,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── 3. Metrics ──────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg)

	// ── 4. Extraction rulesets ──────────────────────────────────────
	rules, err := extractor.LoadRuleBook(cfg.Rules.Path)
	if err != nil {
		slog.Error("failed to load rulesets", "path", cfg.Rules.Path, "error", err)
		os.Exit(1)
	}
	slog.Info("rulesets loaded", "ids", rules.IDs())

	// ── 5. Host registry and cache ──────────────────────────────────
	registry := resilience.New(resilience.Config{
		RatePerSecond: cfg.Registry.RatePerSecond,
		Burst:         cfg.Registry.Burst,
		Breaker: resilience.BreakerConfig{
			FailureRateThreshold: cfg.Registry.FailureRateThreshold,
			WindowSize:           cfg.Registry.WindowSize,
			MinimumSamples:       cfg.Registry.MinimumSamples,
			Cooldown:             cfg.Registry.Cooldown,
		},
		IdleTTL: cfg.Registry.HostIdleTTL,
		OnStateChange: func(host string, from, to resilience.State) {
			slog.Info("circuit state changed", "host", host, "from", from.String(), "to", to.String())
			m.RecordBreakerTransition(from.String(), to.String())
		},
	})
	defer registry.Stop()

	cc := cache.New(cache.Config{
		Capacity:        cfg.Cache.Capacity,
		DefaultTTL:      cfg.Cache.DefaultTTL,
		CleanupInterval: cfg.Cache.CleanupInterval,
	})
	defer cc.Stop()
	m.ObserveCache(func() metrics.CacheStats {
		s := cc.Stats()
		return metrics.CacheStats{
			Entries:     s.Entries,
			Hits:        s.Hits,
			Misses:      s.Misses,
			Evictions:   s.Evictions,
			Expirations: s.Expirations,
		}
	})

	// ── 6. Fetchers ─────────────────────────────────────────────────
	httpEngine := engine.NewHTTPEngine(engine.HTTPConfig{
		UserAgent:      cfg.HTTP.UserAgent,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		TLSFingerprint: cfg.HTTP.TLSFingerprint,
		Proxy:          cfg.HTTP.Proxy,
		MaxRedirects:   cfg.HTTP.MaxRedirects,
	})

	deps := orchestrator.Deps{
		Registry:  registry,
		Cache:     cc,
		HTTP:      httpEngine,
		Extractor: extractor.New(),
		Rules:     rules,
		Metrics:   m,
	}

	var pool *engine.SessionPool
	if cfg.Browser.Enabled {
		browserEngine, err := engine.StartBrowser(engine.BrowserConfig{
			Headless:             cfg.Browser.Headless,
			NoSandbox:            cfg.Browser.NoSandbox,
			Bin:                  cfg.Browser.Bin,
			Proxy:                cfg.Browser.Proxy,
			Stealth:              cfg.Browser.Stealth,
			BlockedResourceTypes: cfg.Browser.BlockedResourceTypes,
			BlockTrackers:        cfg.Browser.BlockTrackers,
		}, engine.PoolConfig{
			Min:            cfg.Browser.MinSessions,
			Max:            cfg.Browser.MaxSessions,
			AcquireTimeout: cfg.Browser.AcquireTimeout,
			MemThreshold:   cfg.Browser.MemThreshold,
			ScaleInterval:  cfg.Browser.ScaleInterval,
		})
		if err != nil {
			slog.Error("failed to start browser", "error", err)
			os.Exit(1)
		}
		defer browserEngine.Close()

		pool = browserEngine.Pool()
		pool.OnRetire(m.RecordSessionRetired)
		m.ObservePool(func() metrics.PoolStats {
			s := pool.Stats()
			return metrics.PoolStats{Live: s.Live, Idle: s.Idle, InUse: s.InUse}
		})
		deps.Browser = browserEngine
	}

	if cfg.Strategy.Remember {
		memory := orchestrator.NewStrategyMemory(cfg.Strategy.TTL, nil)
		go pruneLoop(ctx, memory)
		deps.Memory = memory
	}

	// ── 7. Orchestrator ─────────────────────────────────────────────
	orch := orchestrator.New(deps, orchestrator.Config{
		Policy: orchestrator.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Timeout:     cfg.Retry.DefaultTimeout,
			TTL:         cfg.Cache.DefaultTTL,
			Escalate:    cfg.Retry.Escalate,
		},
		Backoff: orchestrator.Backoff{
			Base: cfg.Retry.BackoffBase,
			Cap:  cfg.Retry.BackoffCap,
		},
	})

	// ── 8. Setup router ─────────────────────────────────────────────
	router := api.NewRouter(ctx, api.Deps{
		Fetcher:  orch,
		Cache:    cc,
		Registry: registry,
		Pool:     pool,
		Rulesets: rules.IDs(),
		Metrics:  m,
	}, cfg, time.Now())

	// ── 9. Start HTTP server ────────────────────────────────────────
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// ── 10. Graceful shutdown ───────────────────────────────────────
	<-ctx.Done()
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server forced shutdown", "error", err)
	} else {
		slog.Info("HTTP server drained gracefully")
	}

	// Deferred Close calls drain the session pool and kill Chrome.
	slog.Info("fetchd stopped")
}

// pruneLoop drops expired strategy memory entries every hour.
func pruneLoop(ctx context.Context, memory *orchestrator.StrategyMemory) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := memory.Prune(); n > 0 {
				slog.Debug("strategy memory pruned", "removed", n)
			}
		}
	}
}

// initLogger configures slog based on the LogConfig.
func initLogger(cfg config.LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
