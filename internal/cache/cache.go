// Package cache provides response caching for the relay.
//
// Two backends are available:
//   - MemoryCache — in-process, TTL plus least-recently-used capacity
//     eviction. The default for single-instance deployments.
//   - RedisCache — Redis-backed, for sharing entries across replicas.
//
// Both implement the Cache interface so they are fully interchangeable.
// ResponseCache layers request fingerprinting, exclusion rules, and hit
// accounting on top of either backend.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) int
}

// Entry is the provider-independent form of a completed response. Surfaces
// re-encode it into their own wire format on replay, so one entry serves
// every listener regardless of which provider produced it.
type Entry struct {
	Content      string    `json:"content"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CreatedAt    time.Time `json:"created_at"`
}
