package proxy

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package-level defaults defined in providers/provider.go.
type BreakerConfig struct {
	// Cooldown is how long a provider stays out of routing after a failure.
	// Default: providers.DefaultCooldown (60s).
	Cooldown time.Duration
}

func (c *BreakerConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return providers.DefaultCooldown
}

// providerHealth holds per-provider breaker state. A single failure marks
// the provider unhealthy; a single success restores it.
type providerHealth struct {
	mu        sync.Mutex
	healthy   bool
	failures  int
	failedAt  time.Time
	lastError string
}

// CircuitBreaker tracks health independently for each provider. A provider
// that failed is excluded from routing until its cooldown elapses, after
// which it rejoins the eligible pool on trial: the stored state stays
// unhealthy until an actual outcome updates it. It is safe for concurrent
// use from multiple goroutines.
type CircuitBreaker struct {
	mu     sync.RWMutex
	health map[string]*providerHealth
	cfg    BreakerConfig
}

// NewCircuitBreaker creates a CircuitBreaker with the default cooldown.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(BreakerConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with a custom
// cooldown. Use this to apply values loaded from configuration.
func NewCircuitBreakerWithConfig(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		health: make(map[string]*providerHealth),
		cfg:    cfg,
	}
}

// SetCooldown swaps the cooldown at runtime. Providers already cooling down
// are re-evaluated against the new value on their next Eligible check.
func (cb *CircuitBreaker) SetCooldown(d time.Duration) {
	cb.mu.Lock()
	cb.cfg.Cooldown = d
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) cooldown() time.Duration {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.cfg.cooldown()
}

// Eligible reports whether the provider should be considered for routing.
//
//   - Healthy, or never seen → true.
//   - Unhealthy with the cooldown still running → false.
//   - Unhealthy with the cooldown elapsed → true. The provider is admitted
//     on trial; Eligible never mutates state, so it stays unhealthy until
//     RecordSuccess or RecordFailure reports the trial's outcome.
func (cb *CircuitBreaker) Eligible(provider string) bool {
	ph := cb.get(provider)
	if ph == nil {
		return true
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	if ph.healthy {
		return true
	}
	return time.Since(ph.failedAt) >= cb.cooldown()
}

// RecordSuccess marks a successful response for provider and fully restores
// it regardless of its previous state. The failure streak and last error are
// cleared; there is no partial credit for a trial success.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	ph := cb.getOrCreate(provider)

	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.healthy = true
	ph.failures = 0
	ph.failedAt = time.Time{}
	ph.lastError = ""
}

// RecordFailure marks provider unhealthy and restarts its cooldown. Repeated
// failures keep pushing the re-admission point forward. errMsg is retained
// for the health snapshot.
func (cb *CircuitBreaker) RecordFailure(provider, errMsg string) {
	ph := cb.getOrCreate(provider)

	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.healthy = false
	ph.failures++
	ph.failedAt = time.Now()
	ph.lastError = errMsg
}

// Healthy reports the stored state for provider without the cooldown
// calculation. Unknown providers are healthy.
func (cb *CircuitBreaker) Healthy(provider string) bool {
	ph := cb.get(provider)
	if ph == nil {
		return true
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.healthy
}

// StateLabel returns a human-readable state name: "healthy", "cooling", or
// "trial" (cooldown elapsed, awaiting an outcome).
func (cb *CircuitBreaker) StateLabel(provider string) string {
	ph := cb.get(provider)
	if ph == nil {
		return "healthy"
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	switch {
	case ph.healthy:
		return "healthy"
	case time.Since(ph.failedAt) >= cb.cooldown():
		return "trial"
	default:
		return "cooling"
	}
}

// HealthStatus is a point-in-time view of one provider's breaker state.
type HealthStatus struct {
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures,omitempty"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	LastError           string    `json:"last_error,omitempty"`
	CooldownRemaining   float64   `json:"cooldown_remaining_seconds"`
}

// Status returns the breaker state for every provider seen so far.
func (cb *CircuitBreaker) Status() map[string]HealthStatus {
	cb.mu.RLock()
	names := make([]string, 0, len(cb.health))
	for name := range cb.health {
		names = append(names, name)
	}
	cb.mu.RUnlock()

	out := make(map[string]HealthStatus, len(names))
	for _, name := range names {
		ph := cb.get(name)
		if ph == nil {
			continue
		}

		ph.mu.Lock()
		st := HealthStatus{Healthy: ph.healthy}
		if !ph.healthy {
			st.ConsecutiveFailures = ph.failures
			st.LastFailure = ph.failedAt
			st.LastError = ph.lastError
			if remaining := cb.cooldown() - time.Since(ph.failedAt); remaining > 0 {
				st.CooldownRemaining = remaining.Seconds()
			}
		}
		ph.mu.Unlock()

		out[name] = st
	}
	return out
}

func (cb *CircuitBreaker) get(provider string) *providerHealth {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.health[provider]
}

func (cb *CircuitBreaker) getOrCreate(provider string) *providerHealth {
	cb.mu.RLock()
	ph, ok := cb.health[provider]
	cb.mu.RUnlock()
	if ok {
		return ph
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ph, ok = cb.health[provider]; ok {
		return ph
	}
	ph = &providerHealth{healthy: true}
	cb.health[provider] = ph
	return ph
}
