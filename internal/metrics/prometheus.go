// Package metrics exposes the relay's Prometheus instrumentation.
//
// Everything registers against a private registry rather than the global
// default, so an embedding process keeps its own metrics separate. Handler
// serves the registry in exposition format for the admin server.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// durationBuckets covers sub-millisecond cache hits through minute-long
// upstream calls.
var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

// Registry owns every metric the relay exports.
type Registry struct {
	reg *prometheus.Registry

	// listener surface
	inFlight          prometheus.Gauge
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpReqSize       *prometheus.HistogramVec
	httpRespSize      *prometheus.HistogramVec

	// dispatch outcomes
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	upstreamAttempts *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	providerHealth   *prometheus.GaugeVec

	// cache
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter
	cacheOps    *prometheus.CounterVec

	// breaker
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	breakerExclusions  *prometheus.CounterVec

	// fallback
	fallbackEvents    *prometheus.CounterVec
	fallbackSuccess   *prometheus.CounterVec
	fallbackExhausted *prometheus.CounterVec

	// accounting
	rateLimitTotal *prometheus.CounterVec
	tokensTotal    *prometheus.CounterVec
	costTotal      *prometheus.CounterVec
	buildInfo      *prometheus.GaugeVec

	breakerMu   sync.Mutex
	breakerLast map[string]float64
}

// builder registers each metric with the registry as it is constructed.
type builder struct {
	reg *prometheus.Registry
}

func (b builder) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	b.reg.MustRegister(c)
	return c
}

func (b builder) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	b.reg.MustRegister(c)
	return c
}

func (b builder) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	b.reg.MustRegister(g)
	return g
}

func (b builder) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	b.reg.MustRegister(g)
	return g
}

func (b builder) histogramVec(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets},
		labels,
	)
	b.reg.MustRegister(h)
	return h
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	b := builder{reg: reg}
	r := &Registry{reg: reg, breakerLast: make(map[string]float64)}

	r.inFlight = b.gauge("relay_inflight_requests",
		"Requests currently being served across all listeners")
	r.httpRequestsTotal = b.counterVec("relay_http_requests_total",
		"HTTP requests served, by listener, route and status",
		"listener", "route", "status")
	r.httpDuration = b.histogramVec("relay_http_request_duration_seconds",
		"End-to-end request latency per listener in seconds, cache and upstream included",
		durationBuckets, "listener")
	r.httpReqSize = b.histogramVec("relay_http_request_size_bytes",
		"Request body sizes per listener in bytes",
		prometheus.ExponentialBuckets(256, 2, 12), "listener") // 256B .. ~512KB
	r.httpRespSize = b.histogramVec("relay_http_response_size_bytes",
		"Response body sizes per listener and status in bytes",
		prometheus.ExponentialBuckets(256, 2, 14), "listener", "status") // 256B .. ~2MB

	r.requestsTotal = b.counterVec("relay_requests_total",
		"Dispatched requests by provider and status",
		"provider", "status")
	r.requestDuration = b.histogramVec("relay_request_duration_seconds",
		"Dispatch latency per provider, listener and cache outcome in seconds",
		durationBuckets, "provider", "listener", "cache")
	r.upstreamAttempts = b.counterVec("relay_upstream_attempts_total",
		"Individual provider attempts, fallback hops included",
		"provider", "listener", "outcome")
	r.upstreamDuration = b.histogramVec("relay_upstream_attempt_duration_seconds",
		"Latency of individual provider attempts in seconds",
		durationBuckets, "provider", "listener", "outcome")
	r.providerErrors = b.counterVec("provider_errors_total",
		"Upstream errors by provider and class",
		"provider", "error_type")
	r.providerHealth = b.gaugeVec("relay_provider_health",
		"1 while the provider is considered healthy, 0 when degraded",
		"provider")

	r.cacheHits = b.counter("cache_hits_total",
		"Responses served from cache")
	r.cacheMisses = b.counter("cache_misses_total",
		"Cache lookups that found nothing")
	r.cacheOps = b.counterVec("relay_cache_operations_total",
		"Cache operations by kind and result",
		"op", "result")

	r.breakerState = b.gaugeVec("relay_breaker_state",
		"Breaker position per provider: 0 healthy, 1 cooling, 2 trial",
		"provider")
	r.breakerTransitions = b.counterVec("relay_breaker_transitions_total",
		"Breaker moves into each state",
		"provider", "to_state")
	r.breakerExclusions = b.counterVec("relay_breaker_exclusions_total",
		"Selections that skipped a provider the breaker held out",
		"provider")

	r.fallbackEvents = b.counterVec("relay_fallback_events_total",
		"Hops from one provider to another, by reason",
		"primary", "from", "to", "reason")
	r.fallbackSuccess = b.counterVec("relay_fallback_success_total",
		"Requests ultimately served by a non-primary provider",
		"primary", "to")
	r.fallbackExhausted = b.counterVec("relay_fallback_exhausted_total",
		"Requests that ran out of providers to try",
		"primary")

	r.rateLimitTotal = b.counterVec("relay_ratelimit_total",
		"Rate limiter decisions by result",
		"result")
	r.tokensTotal = b.counterVec("relay_tokens_total",
		"Tokens reported by upstreams, by direction and cache outcome",
		"provider", "listener", "direction", "cache")
	r.costTotal = b.counterVec("relay_cost_total",
		"Accumulated request cost per provider in configured price units",
		"provider")
	r.buildInfo = b.gaugeVec("relay_build_info",
		"Constant 1, labeled with the build version",
		"version")

	return r
}

func (r *Registry) RecordRequest(provider string, statusCode int) {
	r.requestsTotal.WithLabelValues(provider, strconv.Itoa(statusCode)).Inc()
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one listener. Negative
// sizes mean the body length was unknown and skip the size histograms.
func (r *Registry) ObserveHTTP(listener, route string, statusCode int, dur time.Duration, reqBytes, respBytes int) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(listener, route, status).Inc()
	r.httpDuration.WithLabelValues(listener).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(listener).Observe(float64(reqBytes))
	}
	if respBytes >= 0 {
		r.httpRespSize.WithLabelValues(listener, status).Observe(float64(respBytes))
	}
}

// ObserveRelayRequest records per-provider request latency and cache status.
func (r *Registry) ObserveRelayRequest(provider, listener, cache string, dur time.Duration) {
	r.requestDuration.WithLabelValues(provider, listener, cache).Observe(dur.Seconds())
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, listener, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, listener, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, listener, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFallback(primary, from, to, reason string) {
	r.fallbackEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (r *Registry) RecordFallbackSuccess(primary, to string) {
	r.fallbackSuccess.WithLabelValues(primary, to).Inc()
}

func (r *Registry) RecordFallbackExhausted(primary string) {
	r.fallbackExhausted.WithLabelValues(primary).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

func (r *Registry) AddTokens(provider, listener string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	counts := [...]struct {
		direction string
		n         int
	}{
		{"input", inputTokens},
		{"output", outputTokens},
		{"total", inputTokens + outputTokens},
	}
	for _, c := range counts {
		if c.n > 0 {
			r.tokensTotal.WithLabelValues(provider, listener, c.direction, cache).Add(float64(c.n))
		}
	}
}

func (r *Registry) AddCost(provider string, cost float64) {
	if cost > 0 {
		r.costTotal.WithLabelValues(provider).Add(cost)
	}
}

func (r *Registry) SetProviderHealth(provider string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge rather than counter so the series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

var breakerStateValues = map[string]float64{
	"healthy": 0,
	"cooling": 1,
	"trial":   2,
}

// SetBreakerState maps a breaker state label onto the gauge and counts a
// transition when the state actually changed.
func (r *Registry) SetBreakerState(provider, label string) {
	state := breakerStateValues[label]
	r.breakerState.WithLabelValues(provider).Set(state)

	r.breakerMu.Lock()
	prev, ok := r.breakerLast[provider]
	if !ok || prev != state {
		r.breakerLast[provider] = state
		r.breakerTransitions.WithLabelValues(provider, label).Inc()
	}
	r.breakerMu.Unlock()
}

func (r *Registry) RecordBreakerExclusion(provider string) {
	r.breakerExclusions.WithLabelValues(provider).Inc()
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
