// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra — external connections (Redis when needed)
//  2. initProviders — provider registry
//  3. initServices — cache, stats, metrics, request logger
//  4. initGateway — dispatcher, protocol surfaces, admin server
package app

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

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

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	log     *slog.Logger

	// mu guards cfg, which is swapped by applyConfig, and serializes Close.
	mu  sync.Mutex
	cfg *config.Config

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	memCache  *cache.MemoryCache
	respCache *cache.ResponseCache
	reqLogger *logger.Logger

	agg  *stats.Aggregator
	prom *metrics.Registry

	registry   *providers.Registry
	breaker    *proxy.CircuitBreaker
	dispatcher *proxy.Dispatcher
	health     *proxy.Health
	limiter    *ratelimit.RPMLimiter
	srv        *proxy.Server
	adm        *admin.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"providers", a.initProviders},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the protocol surfaces and the admin server, then blocks until
// ctx is cancelled or a listener fails. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	cfg := a.cfg
	a.mu.Unlock()

	a.log.Info("starting relay",
		slog.String("version", a.version),
		slog.String("anthropic_addr", a.srv.Addr(providers.APITypeAnthropic)),
		slog.String("responses_addr", a.srv.Addr(providers.APITypeResponses)),
		slog.String("chat_addr", a.srv.Addr(providers.APITypeChat)),
		slog.String("cache_mode", cfg.CacheMode),
		slog.Int("providers", a.registry.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	for _, t := range []providers.APIType{
		providers.APITypeAnthropic,
		providers.APITypeResponses,
		providers.APITypeChat,
	} {
		g.Go(func() error {
			return a.srv.Serve(t)
		})
	}

	if a.adm != nil {
		g.Go(func() error {
			return a.adm.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("proxy shutdown error", slog.String("error", err.Error()))
		}

		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("request logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.memCache != nil {
		a.memCache.Close()
		a.memCache = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Hot reload ───────────────────────────────────────────────────────────────

// applyConfig is the admin reload hook. The posted document has already been
// parsed and validated, so by the time we get here every value is normalized.
// Provider, fallback, cooldown and cache tuning changes take effect for new
// requests immediately; everything else needs a restart and is only logged.
func (a *App) applyConfig(cfg *config.Config) error {
	excl, err := buildExclusions(cfg)
	if err != nil {
		return fmt.Errorf("cache exclusions: %w", err)
	}

	a.mu.Lock()
	old := a.cfg
	a.cfg = cfg
	a.mu.Unlock()

	a.registry.Reload(cfg.Providers)
	a.breaker.SetCooldown(cfg.BreakerCooldown())
	a.dispatcher.SetFallback(cfg.FallbackEnabled)
	a.respCache.SetTTL(cfg.CacheTTL())
	a.respCache.SetExclusions(excl)

	if fields := restartOnly(old, cfg); len(fields) > 0 {
		a.log.Warn("config changes that need a restart to take effect",
			slog.Any("fields", fields))
	}

	a.log.Info("config applied",
		slog.Int("providers", len(cfg.Providers)),
		slog.Uint64("registry_version", a.registry.Version()),
	)

	return nil
}

// restartOnly lists the names of changed fields that applyConfig cannot pick
// up at runtime: listener layout, backend selection and sink wiring are all
// fixed at init time.
func restartOnly(old, next *config.Config) []string {
	var fields []string
	add := func(name string, changed bool) {
		if changed {
			fields = append(fields, name)
		}
	}

	add("log_level", old.LogLevel != next.LogLevel)
	add("anthropic_port", old.AnthropicPort != next.AnthropicPort)
	add("responses_port", old.ResponsesPort != next.ResponsesPort)
	add("chat_port", old.ChatPort != next.ChatPort)
	add("anthropic_enabled", old.AnthropicEnabled != next.AnthropicEnabled)
	add("responses_enabled", old.ResponsesEnabled != next.ResponsesEnabled)
	add("chat_enabled", old.ChatEnabled != next.ChatEnabled)
	add("cache_mode", old.CacheMode != next.CacheMode)
	add("cache_max_entries", old.CacheMaxEntries != next.CacheMaxEntries)
	add("redis.url", old.Redis.URL != next.Redis.URL)
	add("rate_limit.rpm", old.RateLimit.RPM != next.RateLimit.RPM)
	add("request_log.mode", old.RequestLog.Mode != next.RequestLog.Mode)
	add("request_log.sqlite_path", old.RequestLog.SQLitePath != next.RequestLog.SQLitePath)
	add("request_log.clickhouse", old.RequestLog.ClickHouse != next.RequestLog.ClickHouse)
	add("admin.addr", old.Admin.Addr != next.Admin.Addr)
	add("admin.enabled", old.Admin.Enabled != next.Admin.Enabled)
	add("cors_origins", !slices.Equal(old.CORSOrigins, next.CORSOrigins))

	return fields
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildExclusions compiles the configured cache exclusion rules, nil when
// there are none.
func buildExclusions(cfg *config.Config) (*cache.ExclusionList, error) {
	if len(cfg.CacheExcludeExact) == 0 && len(cfg.CacheExcludePatterns) == 0 {
		return nil, nil
	}
	return cache.NewExclusionList(cfg.CacheExcludeExact, cfg.CacheExcludePatterns)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
