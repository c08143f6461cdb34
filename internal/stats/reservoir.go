package stats

import (
	"math/rand/v2"
	"sort"
)

// reservoirCap bounds the per-provider latency sample set. Below the cap the
// percentiles are exact; above it the reservoir holds a uniform random
// subset of everything seen (Vitter's algorithm R).
const reservoirCap = 512

// reservoir keeps a bounded uniform sample of observed latencies in
// milliseconds. Not safe for concurrent use; the owning aggregator locks.
type reservoir struct {
	samples []float64
	seen    int64
}

func (r *reservoir) observe(v float64) {
	r.seen++
	if len(r.samples) < reservoirCap {
		r.samples = append(r.samples, v)
		return
	}
	if i := rand.Int64N(r.seen); i < reservoirCap {
		r.samples[i] = v
	}
}

// percentiles returns p50, p95, and p99 of the current sample set using
// nearest-rank selection. All zeroes when nothing was observed.
func (r *reservoir) percentiles() (p50, p95, p99 float64) {
	n := len(r.samples)
	if n == 0 {
		return 0, 0, 0
	}

	sorted := make([]float64, n)
	copy(sorted, r.samples)
	sort.Float64s(sorted)

	rank := func(q float64) float64 {
		return sorted[int(q*float64(n-1)+0.5)]
	}
	return rank(0.50), rank(0.95), rank(0.99)
}
