// Package admin hosts the relay's local telemetry and control surface.
//
// The settings UI reads stats and request history from here and posts full
// configuration documents to apply hot reloads. There is no client auth:
// the server must stay bound to loopback (the default).
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/stats"
)

// maxReloadBytes caps the accepted size of a reload document.
const maxReloadBytes = 4 << 20

// ReloadFunc applies a validated configuration. It runs on the request
// goroutine; the swap itself must be atomic from the perspective of
// in-flight traffic.
type ReloadFunc func(cfg *config.Config) error

// Options wires a Server. Stats is required; the other collaborators are
// optional and their endpoints degrade gracefully when nil.
type Options struct {
	Addr    string
	Log     *slog.Logger
	Stats   *stats.Aggregator
	Health  *proxy.Health
	Cache   *cache.ResponseCache
	Metrics http.Handler
	Reload  ReloadFunc
}

// Server is the admin HTTP server.
type Server struct {
	addr   string
	log    *slog.Logger
	stats  *stats.Aggregator
	health *proxy.Health
	cache  *cache.ResponseCache
	reload ReloadFunc

	router chi.Router
}

// New builds the admin server and its route table.
func New(opts Options) *Server {
	if opts.Addr == "" {
		opts.Addr = config.DefaultAdminAddr
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	s := &Server{
		addr:   opts.Addr,
		log:    opts.Log,
		stats:  opts.Stats,
		health: opts.Health,
		cache:  opts.Cache,
		reload: opts.Reload,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Get("/stats/providers", s.handleProviderStats)
		r.Get("/stats/recent", s.handleRecent)
		r.Get("/stats/hourly", s.handleHourly)

		r.Post("/config/reload", s.handleReload)

		r.Post("/cache/clear", s.handleCacheClear)
		r.Get("/cache/stats", s.handleCacheStats)
	})

	s.router = r
	return s
}

// Handler exposes the route table so tests can drive the server without a
// listener.
func (s *Server) Handler() http.Handler { return s.router }

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	s.log.Info("admin_listening", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("admin: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin: serve: %w", err)
	}
}

// fullStats is the /v1/stats payload: the aggregate snapshot plus the raw
// recent ring and hourly buckets the UI renders.
type fullStats struct {
	stats.Snapshot
	RecentRequests []stats.Sample       `json:"recent_requests"`
	HourlyActivity []stats.HourlyBucket `json:"hourly_activity"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, fullStats{
		Snapshot:       s.stats.Snapshot(),
		RecentRequests: s.stats.Recent(),
		HourlyActivity: s.stats.Hourly(),
	})
}

func (s *Server) handleProviderStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot().Providers)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"recent_requests": s.stats.Recent(),
	})
}

func (s *Server) handleHourly(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hourly_activity": s.stats.Hourly(),
	})
}

// handleReload validates the posted document fully before anything is
// applied: a rejected config leaves the running one untouched.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeError(w, http.StatusServiceUnavailable, "reload is not available")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxReloadBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
		return
	}

	cfg, err := config.Parse(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.reload(cfg); err != nil {
		s.log.Error("config_reload_failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.log.Info("config_reloaded", slog.Int("providers", len(cfg.Providers)))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "reloaded",
		"providers": len(cfg.Providers),
	})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
		return
	}
	if err := s.cache.Clear(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// cacheStats is the /v1/cache/stats payload.
type cacheStats struct {
	Enabled bool `json:"enabled"`
	cache.Stats
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		writeJSON(w, http.StatusOK, cacheStats{Enabled: false})
		return
	}
	writeJSON(w, http.StatusOK, cacheStats{
		Enabled: true,
		Stats:   s.cache.Stats(r.Context()),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	snap := s.health.Snapshot()
	code := http.StatusOK
	if snap.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
