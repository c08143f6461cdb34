package proxy

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/metrics"
	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// ErrNoEligibleProvider is returned by Router.Select when no configured
// provider can serve the request.
var ErrNoEligibleProvider = errors.New("no eligible provider")

// Router picks the upstream for each attempt: it filters the active registry
// snapshot down to the providers that can serve the request and draws one at
// random with probability proportional to its weight.
type Router struct {
	registry *providers.Registry
	breaker  *CircuitBreaker
	metrics  *metrics.Registry

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRouter creates a Router over the given registry. breaker and met may be
// nil; a nil breaker admits every provider.
func NewRouter(reg *providers.Registry, breaker *CircuitBreaker, met *metrics.Registry) *Router {
	now := uint64(time.Now().UnixNano())
	return &Router{
		registry: reg,
		breaker:  breaker,
		metrics:  met,
		rng:      rand.New(rand.NewPCG(now, now>>32)),
	}
}

// Select returns one provider able to serve model traffic of protocol t,
// skipping the ids in excluded. The draw is weighted by Provider.Weight and
// walks candidates in configured order, so a fixed rng seed gives a
// reproducible sequence. Returns ErrNoEligibleProvider when the filtered set
// is empty.
func (r *Router) Select(t providers.APIType, model string, excluded map[string]bool) (providers.Provider, error) {
	candidates := r.eligible(t, excluded)
	if len(candidates) == 0 {
		return providers.Provider{}, fmt.Errorf("%w for model %q on the %s surface", ErrNoEligibleProvider, model, t)
	}

	total := 0
	for i := range candidates {
		total += candidates[i].Weight
	}

	r.mu.Lock()
	draw := r.rng.IntN(total)
	r.mu.Unlock()

	for i := range candidates {
		draw -= candidates[i].Weight
		if draw < 0 {
			return candidates[i], nil
		}
	}
	return candidates[len(candidates)-1], nil
}

// eligible filters the active snapshot in configured order. Providers shut
// out only by their breaker cooldown are counted as exclusions.
func (r *Router) eligible(t providers.APIType, excluded map[string]bool) []providers.Provider {
	snap := r.registry.Snapshot()

	out := make([]providers.Provider, 0, len(snap))
	for i := range snap {
		p := &snap[i]
		if !p.Enabled || p.Weight <= 0 || !p.SupportsType(t) || excluded[p.ID] {
			continue
		}
		if r.breaker != nil && !r.breaker.Eligible(p.ID) {
			if r.metrics != nil {
				r.metrics.RecordBreakerExclusion(p.Name)
			}
			continue
		}
		out = append(out, *p)
	}
	return out
}
