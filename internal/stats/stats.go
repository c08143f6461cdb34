// Package stats aggregates request outcomes into the live counters served by
// the admin API: lifetime totals, per-listener and per-provider breakdowns,
// a bounded ring of recent requests, and hourly buckets with retention.
//
// Everything lives in memory and resets on restart. The request logger, not
// this package, is the durable record.
package stats

import (
	"sort"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

const (
	// RecentCapacity is the size of the recent-requests ring.
	RecentCapacity = 50

	// HourlyRetention is how many hourly buckets are kept.
	HourlyRetention = 24
)

// Sample is one finished request as seen by the aggregator.
type Sample struct {
	Timestamp    time.Time         `json:"timestamp"`
	RequestID    string            `json:"request_id,omitempty"`
	Surface      providers.APIType `json:"api_type"`
	Provider     string            `json:"provider,omitempty"`
	Model        string            `json:"model"`
	Status       int               `json:"status"`
	DurationMs   float64           `json:"duration_ms"`
	InputTokens  int               `json:"input_tokens"`
	OutputTokens int               `json:"output_tokens"`
	Cost         float64           `json:"cost"`
	Cached       bool              `json:"cached"`
	Error        string            `json:"error,omitempty"`
}

// success reports whether the sample counts as a served response.
func (s *Sample) success() bool {
	return s.Status >= 200 && s.Status < 400
}

// Totals are lifetime counters across all listeners and providers.
type Totals struct {
	Requests     int64   `json:"requests"`
	Success      int64   `json:"success"`
	Errors       int64   `json:"errors"`
	CacheHits    int64   `json:"cache_hits"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

func (t *Totals) add(s *Sample) {
	t.Requests++
	if s.success() {
		t.Success++
	} else {
		t.Errors++
	}
	if s.Cached {
		t.CacheHits++
	}
	t.InputTokens += int64(s.InputTokens)
	t.OutputTokens += int64(s.OutputTokens)
	t.Cost += s.Cost
}

// ProviderStats are lifetime counters for one provider plus latency
// distribution estimates.
type ProviderStats struct {
	Requests     int64   `json:"requests"`
	Success      int64   `json:"success"`
	Errors       int64   `json:"errors"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P50LatencyMs float64 `json:"p50_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
	P99LatencyMs float64 `json:"p99_latency_ms"`
}

// providerAccum is the mutable backing state behind a ProviderStats view.
type providerAccum struct {
	requests     int64
	success      int64
	errors       int64
	inputTokens  int64
	outputTokens int64
	cost         float64
	durationSum  float64
	latencies    reservoir
}

func (p *providerAccum) add(s *Sample) {
	p.requests++
	if s.success() {
		p.success++
	} else {
		p.errors++
	}
	p.inputTokens += int64(s.InputTokens)
	p.outputTokens += int64(s.OutputTokens)
	p.cost += s.Cost
	p.durationSum += s.DurationMs
	p.latencies.observe(s.DurationMs)
}

func (p *providerAccum) view() ProviderStats {
	v := ProviderStats{
		Requests:     p.requests,
		Success:      p.success,
		Errors:       p.errors,
		InputTokens:  p.inputTokens,
		OutputTokens: p.outputTokens,
		Cost:         p.cost,
	}
	if p.requests > 0 {
		v.AvgLatencyMs = p.durationSum / float64(p.requests)
	}
	v.P50LatencyMs, v.P95LatencyMs, v.P99LatencyMs = p.latencies.percentiles()
	return v
}

// HourlyBucket aggregates all requests whose timestamp falls within one
// clock hour.
type HourlyBucket struct {
	Hour         time.Time `json:"hour"`
	Requests     int64     `json:"requests"`
	Success      int64     `json:"success"`
	Errors       int64     `json:"errors"`
	CacheHits    int64     `json:"cache_hits"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	Cost         float64   `json:"cost"`
}

func (b *HourlyBucket) add(s *Sample) {
	b.Requests++
	if s.success() {
		b.Success++
	} else {
		b.Errors++
	}
	if s.Cached {
		b.CacheHits++
	}
	b.InputTokens += int64(s.InputTokens)
	b.OutputTokens += int64(s.OutputTokens)
	b.Cost += s.Cost
}

// Snapshot is a consistent point-in-time copy of every aggregate.
type Snapshot struct {
	StartedAt     time.Time                `json:"started_at"`
	UptimeSeconds float64                  `json:"uptime_seconds"`
	Totals        Totals                   `json:"totals"`
	Surfaces      map[string]Totals        `json:"by_api_type"`
	Providers     map[string]ProviderStats `json:"providers"`
}

// Aggregator collects request outcomes. Safe for concurrent use.
type Aggregator struct {
	mu sync.Mutex

	startedAt time.Time
	now       func() time.Time

	totals    Totals
	surfaces  map[providers.APIType]*Totals
	providers map[string]*providerAccum

	recent     []Sample // ring buffer, next points at the oldest slot
	recentNext int
	recentLen  int

	hourly []HourlyBucket // oldest first
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	a := &Aggregator{
		now:       time.Now,
		surfaces:  make(map[providers.APIType]*Totals),
		providers: make(map[string]*providerAccum),
		recent:    make([]Sample, RecentCapacity),
	}
	a.startedAt = a.now()
	return a
}

// Record folds one finished request into every aggregate. A zero Timestamp
// is stamped with the current time.
func (a *Aggregator) Record(s Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s.Timestamp.IsZero() {
		s.Timestamp = a.now()
	}

	a.totals.add(&s)

	if s.Surface != "" {
		t, ok := a.surfaces[s.Surface]
		if !ok {
			t = &Totals{}
			a.surfaces[s.Surface] = t
		}
		t.add(&s)
	}

	// Cache hits are served before provider selection and carry no
	// provider attribution.
	if s.Provider != "" {
		p, ok := a.providers[s.Provider]
		if !ok {
			p = &providerAccum{}
			a.providers[s.Provider] = p
		}
		p.add(&s)
	}

	a.recordRecent(s)
	a.recordHourly(&s)
}

func (a *Aggregator) recordRecent(s Sample) {
	a.recent[a.recentNext] = s
	a.recentNext = (a.recentNext + 1) % RecentCapacity
	if a.recentLen < RecentCapacity {
		a.recentLen++
	}
}

func (a *Aggregator) recordHourly(s *Sample) {
	hour := s.Timestamp.Truncate(time.Hour)

	// The current hour is almost always the last bucket; scan backwards.
	for i := len(a.hourly) - 1; i >= 0; i-- {
		if a.hourly[i].Hour.Equal(hour) {
			a.hourly[i].add(s)
			return
		}
		if a.hourly[i].Hour.Before(hour) {
			break
		}
	}

	b := HourlyBucket{Hour: hour}
	b.add(s)
	a.hourly = append(a.hourly, b)

	sort.Slice(a.hourly, func(i, j int) bool {
		return a.hourly[i].Hour.Before(a.hourly[j].Hour)
	})

	if len(a.hourly) > HourlyRetention {
		a.hourly = a.hourly[len(a.hourly)-HourlyRetention:]
	}
}

// Snapshot copies the lifetime totals and per-provider aggregates.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		StartedAt:     a.startedAt,
		UptimeSeconds: a.now().Sub(a.startedAt).Seconds(),
		Totals:        a.totals,
		Surfaces:      make(map[string]Totals, len(a.surfaces)),
		Providers:     make(map[string]ProviderStats, len(a.providers)),
	}

	for t, v := range a.surfaces {
		snap.Surfaces[string(t)] = *v
	}
	for name, p := range a.providers {
		snap.Providers[name] = p.view()
	}

	return snap
}

// Recent returns up to RecentCapacity samples, newest first.
func (a *Aggregator) Recent() []Sample {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Sample, a.recentLen)
	for i := 0; i < a.recentLen; i++ {
		idx := (a.recentNext - 1 - i + RecentCapacity) % RecentCapacity
		out[i] = a.recent[idx]
	}
	return out
}

// Hourly returns the retained buckets, oldest first.
func (a *Aggregator) Hourly() []HourlyBucket {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]HourlyBucket, len(a.hourly))
	copy(out, a.hourly)
	return out
}
