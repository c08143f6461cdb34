package proxy

import (
	"time"

	"github.com/nulpointcorp/llm-relay/internal/cache"
	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// Health summarizes serving readiness from passive signals: registry
// contents, breaker state and cache availability. There are no active
// upstream probes; the breaker already tracks provider behavior from real
// traffic.
type Health struct {
	registry *providers.Registry
	breaker  *CircuitBreaker
	cache    *cache.ResponseCache
	version  string
	started  time.Time
}

// NewHealth builds a Health view over the given components. cache may be nil
// when response caching is disabled.
func NewHealth(reg *providers.Registry, breaker *CircuitBreaker, rc *cache.ResponseCache, version string) *Health {
	return &Health{
		registry: reg,
		breaker:  breaker,
		cache:    rc,
		version:  version,
		started:  time.Now(),
	}
}

// HealthSnapshot is the /health payload.
type HealthSnapshot struct {
	Status            string                  `json:"status"` // ok | degraded
	Version           string                  `json:"version,omitempty"`
	UptimeSeconds     float64                 `json:"uptime_seconds"`
	ConfigVersion     uint64                  `json:"config_version"`
	Providers         int                     `json:"providers"`
	EligibleProviders int                     `json:"eligible_providers"`
	CacheEnabled      bool                    `json:"cache_enabled"`
	Breaker           map[string]HealthStatus `json:"breaker,omitempty"`
}

// Snapshot assembles the current health view. Degraded means no provider is
// currently eligible for routing on any surface.
func (h *Health) Snapshot() HealthSnapshot {
	snap := h.registry.Snapshot()

	eligible := 0
	for i := range snap {
		p := &snap[i]
		if !p.Enabled || p.Weight <= 0 {
			continue
		}
		if h.breaker != nil && !h.breaker.Eligible(p.ID) {
			continue
		}
		eligible++
	}

	status := "ok"
	if eligible == 0 {
		status = "degraded"
	}

	out := HealthSnapshot{
		Status:            status,
		Version:           h.version,
		UptimeSeconds:     time.Since(h.started).Seconds(),
		ConfigVersion:     h.registry.Version(),
		Providers:         len(snap),
		EligibleProviders: eligible,
		CacheEnabled:      h.cache != nil,
	}
	if h.breaker != nil {
		out.Breaker = h.breaker.Status()
	}
	return out
}

// ReadinessOK reports whether at least one provider is eligible for routing.
func (h *Health) ReadinessOK() bool {
	snap := h.registry.Snapshot()
	for i := range snap {
		p := &snap[i]
		if !p.Enabled || p.Weight <= 0 {
			continue
		}
		if h.breaker != nil && !h.breaker.Eligible(p.ID) {
			continue
		}
		return true
	}
	return false
}
