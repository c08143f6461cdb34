package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/config"
	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
	"github.com/nulpointcorp/llm-relay/internal/proxy"
	"github.com/nulpointcorp/llm-relay/internal/stats"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chatProvider(id string) providers.Provider {
	return providers.Provider{
		ID:       id,
		Name:     id,
		BaseURL:  "http://127.0.0.1:9000",
		Enabled:  true,
		Weight:   100,
		APITypes: []providers.APIType{providers.APITypeChat},
	}
}

// fixture builds an admin server over live collaborators with a little
// traffic already recorded.
type fixture struct {
	srv    *Server
	agg    *stats.Aggregator
	reg    *providers.Registry
	rc     *cache.ResponseCache
	loaded []*config.Config
}

func newFixture(t *testing.T, mutate func(*Options)) *fixture {
	t.Helper()

	agg := stats.NewAggregator()
	agg.Record(stats.Sample{
		Surface: providers.APITypeChat, Provider: "p-a", Model: "gpt-4o",
		Status: 200, DurationMs: 12, InputTokens: 10, OutputTokens: 5,
	})
	agg.Record(stats.Sample{
		Surface: providers.APITypeChat, Provider: "p-a", Model: "gpt-4o",
		Status: 502, DurationMs: 3, Error: "Connection failed: refused",
	})
	agg.Record(stats.Sample{
		Surface: providers.APITypeAnthropic, Model: "claude-sonnet-4",
		Status: 200, DurationMs: 1, InputTokens: 10, OutputTokens: 5, Cached: true,
	})

	reg := providers.NewRegistry([]providers.Provider{chatProvider("p-a")})
	br := proxy.NewCircuitBreaker()

	mem := cache.NewMemoryCache(context.Background(), 16)
	t.Cleanup(mem.Close)
	rc := cache.NewResponseCache(mem, time.Minute, nil)

	f := &fixture{agg: agg, reg: reg, rc: rc}

	opts := Options{
		Log:    discardLogger(),
		Stats:  agg,
		Health: proxy.NewHealth(reg, br, rc, "test"),
		Cache:  rc,
		Reload: func(cfg *config.Config) error {
			f.loaded = append(f.loaded, cfg)
			return nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	f.srv = New(opts)
	return f
}

func doReq(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("Content-Type = %q, want application/json", ct)
	}
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
}

// --- stats endpoints ---

func TestStats_FullSnapshot(t *testing.T) {
	f := newFixture(t, nil)

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/v1/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got struct {
		Totals         stats.Totals                   `json:"totals"`
		Surfaces       map[string]stats.Totals        `json:"by_api_type"`
		Providers      map[string]stats.ProviderStats `json:"providers"`
		RecentRequests []stats.Sample                 `json:"recent_requests"`
		HourlyActivity []stats.HourlyBucket           `json:"hourly_activity"`
	}
	decodeBody(t, rec, &got)

	if got.Totals.Requests != 3 || got.Totals.Success != 2 || got.Totals.Errors != 1 {
		t.Errorf("totals = %+v", got.Totals)
	}
	if got.Totals.CacheHits != 1 {
		t.Errorf("CacheHits = %d, want 1", got.Totals.CacheHits)
	}
	if len(got.RecentRequests) != 3 {
		t.Errorf("recent_requests = %d entries, want 3", len(got.RecentRequests))
	}
	if len(got.HourlyActivity) == 0 {
		t.Error("hourly_activity should not be empty")
	}
	if _, ok := got.Providers["p-a"]; !ok {
		t.Errorf("providers = %v, missing p-a", got.Providers)
	}
	if chat, ok := got.Surfaces["chat"]; !ok || chat.Requests != 2 {
		t.Errorf("by_api_type[chat] = %+v, want 2 requests", chat)
	}
}

func TestStats_Providers(t *testing.T) {
	f := newFixture(t, nil)

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/v1/stats/providers", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got map[string]stats.ProviderStats
	decodeBody(t, rec, &got)

	pa, ok := got["p-a"]
	if !ok {
		t.Fatalf("missing p-a in %v", got)
	}
	if pa.Requests != 2 || pa.Success != 1 || pa.Errors != 1 {
		t.Errorf("p-a = %+v", pa)
	}
}

func TestStats_RecentNewestFirst(t *testing.T) {
	f := newFixture(t, nil)

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/v1/stats/recent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got struct {
		RecentRequests []stats.Sample `json:"recent_requests"`
	}
	decodeBody(t, rec, &got)

	if len(got.RecentRequests) != 3 {
		t.Fatalf("got %d entries, want 3", len(got.RecentRequests))
	}
	if !got.RecentRequests[0].Cached {
		t.Error("newest entry should be the cache hit recorded last")
	}
}

func TestStats_Hourly(t *testing.T) {
	f := newFixture(t, nil)

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/v1/stats/hourly", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var got struct {
		HourlyActivity []stats.HourlyBucket `json:"hourly_activity"`
	}
	decodeBody(t, rec, &got)

	if len(got.HourlyActivity) != 1 {
		t.Fatalf("got %d buckets, want 1", len(got.HourlyActivity))
	}
	if got.HourlyActivity[0].Requests != 3 {
		t.Errorf("bucket requests = %d, want 3", got.HourlyActivity[0].Requests)
	}
}

// --- config reload ---

func TestReload_AppliesValidConfig(t *testing.T) {
	f := newFixture(t, nil)

	doc := `{
		"providers": [
			{"id": "p-new", "name": "claude-relay", "base_url": "http://127.0.0.1:9010", "api_key": "k", "enabled": true}
		],
		"fallback_enabled": false
	}`
	rec := doReq(t, f.srv.Handler(), http.MethodPost, "/v1/config/reload", doc)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var got struct {
		Status    string `json:"status"`
		Providers int    `json:"providers"`
	}
	decodeBody(t, rec, &got)
	if got.Status != "reloaded" || got.Providers != 1 {
		t.Errorf("response = %+v", got)
	}

	if len(f.loaded) != 1 {
		t.Fatalf("reload hook ran %d times, want 1", len(f.loaded))
	}
	cfg := f.loaded[0]
	if cfg.FallbackEnabled {
		t.Error("FallbackEnabled should be false")
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].ID != "p-new" {
		t.Errorf("providers = %+v", cfg.Providers)
	}
	// Migration ran before the hook saw the document.
	if cfg.Providers[0].Weight != providers.DefaultWeight {
		t.Errorf("Weight = %d, want default", cfg.Providers[0].Weight)
	}
}

func TestReload_RejectsInvalidConfigWithoutApplying(t *testing.T) {
	f := newFixture(t, nil)

	rec := doReq(t, f.srv.Handler(), http.MethodPost, "/v1/config/reload", `{"cache_mode": "redis"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	var got struct {
		Error string `json:"error"`
	}
	decodeBody(t, rec, &got)
	if !strings.Contains(got.Error, "redis.url is required") {
		t.Errorf("error = %q", got.Error)
	}

	if len(f.loaded) != 0 {
		t.Error("reload hook must not run for a rejected document")
	}
}

func TestReload_ApplyFailureIs500(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Reload = func(*config.Config) error { return errors.New("registry busy") }
	})

	rec := doReq(t, f.srv.Handler(), http.MethodPost, "/v1/config/reload", `{}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "registry busy") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// --- cache endpoints ---

func TestCache_StatsAndClear(t *testing.T) {
	f := newFixture(t, nil)

	req := &providers.Request{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: "hi"}},
	}
	resp := &providers.Response{Content: "hello", FinishReason: "stop"}
	if err := f.rc.Save(context.Background(), req, resp); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, ok := f.rc.Lookup(context.Background(), req); !ok {
		t.Fatal("expected a cache hit before clear")
	}

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/v1/cache/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var cs struct {
		Enabled bool  `json:"enabled"`
		Hits    int64 `json:"hits"`
		Entries int   `json:"entries"`
	}
	decodeBody(t, rec, &cs)
	if !cs.Enabled || cs.Hits != 1 || cs.Entries != 1 {
		t.Errorf("cache stats = %+v", cs)
	}

	rec = doReq(t, f.srv.Handler(), http.MethodPost, "/v1/cache/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cleared") {
		t.Errorf("body = %s", rec.Body.String())
	}

	if _, ok := f.rc.Lookup(context.Background(), req); ok {
		t.Error("entry survived the clear")
	}
}

func TestCache_DisabledEndpoints(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Cache = nil })

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/v1/cache/stats", "")
	var cs struct {
		Enabled bool `json:"enabled"`
	}
	decodeBody(t, rec, &cs)
	if cs.Enabled {
		t.Error("enabled should be false without a cache")
	}

	rec = doReq(t, f.srv.Handler(), http.MethodPost, "/v1/cache/clear", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "disabled") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

// --- health and metrics ---

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got struct {
		Status            string `json:"status"`
		Providers         int    `json:"providers"`
		EligibleProviders int    `json:"eligible_providers"`
		CacheEnabled      bool   `json:"cache_enabled"`
	}
	decodeBody(t, rec, &got)
	if got.Status != "ok" || got.Providers != 1 || got.EligibleProviders != 1 || !got.CacheEnabled {
		t.Errorf("healthz = %+v", got)
	}
}

func TestHealthz_DegradedIs503(t *testing.T) {
	f := newFixture(t, nil)
	f.reg.Reload(nil)

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "degraded") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.RecordRequest("p-a", 200)
	f := newFixture(t, func(o *Options) { o.Metrics = m.Handler() })

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "relay_requests_total") {
		t.Errorf("exposition output missing relay_requests_total:\n%.300s", body)
	}
}

func TestMetricsAbsentWithoutHandler(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.Metrics = nil })

	rec := doReq(t, f.srv.Handler(), http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusNotFound && rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 404/405", rec.Code)
	}
}
