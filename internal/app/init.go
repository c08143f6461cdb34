package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-relay/internal/admin"
	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/logger"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/ratelimit"
	"github.com/nulpointcorp/llm-relay/internal/stats"
)

// initInfra establishes optional external connections. Redis is required for
// cache_mode=redis and backs the rate limiter when one is configured.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.CacheMode == "redis" ||
		(a.cfg.RateLimit.RPM > 0 && a.cfg.Redis.URL != "")
	if !needRedis {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initProviders seeds the registry from the configured provider list. An
// empty list is allowed: the relay starts degraded and serves 503s until a
// config reload adds providers.
func (a *App) initProviders(_ context.Context) error {
	a.registry = providers.NewRegistry(a.cfg.Providers)

	if a.registry.Len() == 0 {
		a.log.Warn("no providers configured, requests will fail until a reload adds some")
		return nil
	}

	ids := make([]string, 0, a.registry.Len())
	for _, p := range a.registry.Snapshot() {
		ids = append(ids, p.ID)
	}
	a.log.Info("providers loaded", slog.Any("providers", ids))

	return nil
}

// initServices creates the response cache, the stats aggregator, the
// Prometheus registry and the async request logger.
func (a *App) initServices(ctx context.Context) error {
	// ── Response cache ────────────────────────────────────────────────────────
	var backend cache.Cache
	switch a.cfg.CacheMode {
	case "redis":
		// Wraps the already-connected client; shared across replicas.
		backend = cache.NewRedisCacheFromClient(a.rdb, a.cfg.CacheMaxEntries)
		a.log.Info("cache backend: redis")

	case "memory":
		a.memCache = cache.NewMemoryCache(ctx, a.cfg.CacheMaxEntries)
		backend = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.CacheMode)
	}

	if backend != nil {
		excl, err := buildExclusions(a.cfg)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		a.respCache = cache.NewResponseCache(backend, a.cfg.CacheTTL(), excl)
		if excl != nil {
			a.log.Info("cache exclusions loaded", slog.Int("rules", excl.Len()))
		}
	}

	// ── Stats + metrics ───────────────────────────────────────────────────────
	a.agg = stats.NewAggregator()
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	// ── Request logger ────────────────────────────────────────────────────────
	switch a.cfg.RequestLog.Mode {
	case "off":

	case "history":
		sink, err := logger.NewSQLiteSink(a.cfg.RequestLog.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlite sink: %w", err)
		}
		lg, err := logger.New(ctx, a.log, sink)
		if err != nil {
			_ = sink.Close()
			return fmt.Errorf("request logger: %w", err)
		}
		a.reqLogger = lg
		a.log.Info("request log: sqlite", slog.String("path", a.cfg.RequestLog.SQLitePath))

	case "clickhouse":
		ch := a.cfg.RequestLog.ClickHouse
		sink, err := logger.NewClickHouseSink(ctx, logger.ClickHouseOptions{
			Addr:     ch.Addr,
			Database: ch.Database,
			Username: ch.Username,
			Password: ch.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		lg, err := logger.New(ctx, a.log, sink)
		if err != nil {
			_ = sink.Close()
			return fmt.Errorf("request logger: %w", err)
		}
		a.reqLogger = lg
		a.log.Info("request log: clickhouse",
			slog.String("addr", ch.Addr),
			slog.String("database", ch.Database),
		)

	default:
		return fmt.Errorf("unknown request_log mode: %s", a.cfg.RequestLog.Mode)
	}

	return nil
}

// initGateway wires the dispatcher, the protocol surfaces and the admin
// server together from the services built so far.
func (a *App) initGateway(_ context.Context) error {
	a.breaker = proxy.NewCircuitBreakerWithConfig(proxy.BreakerConfig{
		Cooldown: a.cfg.BreakerCooldown(),
	})

	a.dispatcher = proxy.NewDispatcher(proxy.DispatcherOptions{
		Registry:        a.registry,
		Breaker:         a.breaker,
		Cache:           a.respCache,
		Stats:           a.agg,
		Requests:        a.reqLogger,
		Metrics:         a.prom,
		Log:             a.log,
		DisableFallback: !a.cfg.FallbackEnabled,
	})

	a.health = proxy.NewHealth(a.registry, a.breaker, a.respCache, a.version)

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPM > 0 {
		a.limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPM)
		a.log.Info("rate limiting enabled", slog.Int("rpm", a.cfg.RateLimit.RPM))
	}

	addrs := surfaceAddrs(a.cfg)
	a.srv = proxy.NewServer(proxy.ServerOptions{
		Dispatcher:    a.dispatcher,
		Limiter:       a.limiter,
		Metrics:       a.prom,
		Health:        a.health,
		Log:           a.log,
		AnthropicAddr: addrs[providers.APITypeAnthropic],
		ResponsesAddr: addrs[providers.APITypeResponses],
		ChatAddr:      addrs[providers.APITypeChat],
		CORSOrigins:   a.cfg.CORSOrigins,
	})

	if a.cfg.Admin.Enabled {
		a.adm = admin.New(admin.Options{
			Addr:    a.cfg.Admin.Addr,
			Log:     a.log,
			Stats:   a.agg,
			Health:  a.health,
			Cache:   a.respCache,
			Metrics: a.prom.Handler(),
			Reload:  a.applyConfig,
		})
	}

	return nil
}

// surfaceAddrs maps each enabled surface to its ":port" listen address.
// Disabled surfaces are absent, which NewServer treats as "do not listen".
func surfaceAddrs(cfg *config.Config) map[providers.APIType]string {
	addrs := make(map[providers.APIType]string, 3)
	for _, s := range cfg.Surfaces() {
		if s.Enabled {
			addrs[s.Type] = fmt.Sprintf(":%d", s.Port)
		}
	}
	return addrs
}
