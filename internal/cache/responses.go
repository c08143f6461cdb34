package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-relay/internal/providers"
)

// ResponseCache layers request fingerprinting, exclusion rules, and hit
// accounting over a Cache backend.
//
// A nil *ResponseCache is safe to call and behaves as a cache that never
// hits and never stores, which is how the "none" cache mode is wired.
type ResponseCache struct {
	backend    Cache
	ttl        atomic.Int64 // nanoseconds
	exclusions atomic.Pointer[ExclusionList]

	hits   atomic.Int64
	misses atomic.Int64
}

// NewResponseCache builds a ResponseCache on top of backend. ttl applies to
// every stored entry; a non-positive ttl disables storing entirely.
func NewResponseCache(backend Cache, ttl time.Duration, exclusions *ExclusionList) *ResponseCache {
	rc := &ResponseCache{backend: backend}
	rc.ttl.Store(int64(ttl))
	if exclusions != nil {
		rc.exclusions.Store(exclusions)
	}
	return rc
}

// SetTTL swaps the TTL at runtime. Entries already stored keep the TTL they
// were written with.
func (rc *ResponseCache) SetTTL(ttl time.Duration) {
	if rc == nil {
		return
	}
	rc.ttl.Store(int64(ttl))
}

// SetExclusions swaps the exclusion rules at runtime. nil clears them.
func (rc *ResponseCache) SetExclusions(el *ExclusionList) {
	if rc == nil {
		return
	}
	rc.exclusions.Store(el)
}

// TTL returns the TTL applied to new entries.
func (rc *ResponseCache) TTL() time.Duration {
	if rc == nil {
		return 0
	}
	return time.Duration(rc.ttl.Load())
}

// Cacheable reports whether req participates in caching at all. Streaming
// requests never do: replaying a stored body as a synthetic event stream is
// possible, but the entry is only written by non-streaming completions.
func (rc *ResponseCache) Cacheable(req *providers.Request) bool {
	if rc == nil || rc.backend == nil || rc.ttl.Load() <= 0 {
		return false
	}
	if req.Stream {
		return false
	}
	return !rc.exclusions.Load().Matches(req.Model)
}

// Lookup returns the stored entry for req. Undecodable entries are dropped
// and reported as misses so one corrupt value cannot wedge a fingerprint.
func (rc *ResponseCache) Lookup(ctx context.Context, req *providers.Request) (*Entry, bool) {
	if !rc.Cacheable(req) {
		return nil, false
	}

	key := Fingerprint(req)

	raw, ok := rc.backend.Get(ctx, key)
	if !ok {
		rc.misses.Add(1)
		return nil, false
	}

	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		_ = rc.backend.Delete(ctx, key)
		rc.misses.Add(1)
		return nil, false
	}

	rc.hits.Add(1)
	return &e, true
}

// Save stores the completed response for req. No-op for requests Cacheable
// rejects.
func (rc *ResponseCache) Save(ctx context.Context, req *providers.Request, resp *providers.Response) error {
	if !rc.Cacheable(req) {
		return nil
	}

	e := Entry{
		Content:      resp.Content,
		FinishReason: resp.FinishReason,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CreatedAt:    time.Now().UTC(),
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}

	return rc.backend.Set(ctx, Fingerprint(req), raw, rc.TTL())
}

// Clear drops every entry and resets the hit counters.
func (rc *ResponseCache) Clear(ctx context.Context) error {
	if rc == nil || rc.backend == nil {
		return nil
	}

	rc.hits.Store(0)
	rc.misses.Store(0)
	return rc.backend.Clear(ctx)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	Entries    int     `json:"entries"`
	TTLSeconds float64 `json:"ttl_seconds"`
}

// Stats reports hit counters and the backend's current entry count.
func (rc *ResponseCache) Stats(ctx context.Context) Stats {
	if rc == nil || rc.backend == nil {
		return Stats{}
	}

	s := Stats{
		Hits:       rc.hits.Load(),
		Misses:     rc.misses.Load(),
		Entries:    rc.backend.Len(ctx),
		TTLSeconds: rc.TTL().Seconds(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}
