package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const janitorInterval = 5 * time.Minute

// memItem stores a cached value together with its key and expiry time. The
// key is duplicated here so eviction from the recency list can find the map
// entry.
type memItem struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// MemoryCache is an in-process cache with per-entry TTL and a hard capacity.
// Recency is tracked across reads and writes; when an insert pushes the
// cache past capacity the least recently used entry is evicted.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries so idle caches do not pin memory until the next read.
type MemoryCache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache holding at most capacity entries
// (0 means unbounded) and starts the background cleanup loop. The cleanup
// goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context, capacity int) *MemoryCache {
	c := &MemoryCache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		done:     make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key and marks it most recently used.
// Returns (nil, false) on a miss or if the entry has expired. Expired
// entries are removed lazily on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}

	item := el.Value.(*memItem)
	if time.Now().After(item.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}

	c.order.MoveToFront(el)
	return item.data, true
}

// Set stores value under key for the duration of ttl. A zero or negative
// ttl means the entry is not stored at all. Inserting into a full cache
// evicts the least recently used entry first.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	expires := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		item := el.Value.(*memItem)
		item.data = value
		item.expiresAt = expires
		c.order.MoveToFront(el)
		return nil
	}

	el := c.order.PushFront(&memItem{key: key, data: value, expiresAt: expires})
	c.items[key] = el

	if c.capacity > 0 && c.order.Len() > c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			c.removeLocked(oldest)
		}
	}

	return nil
}

// Delete removes key from the cache. Returns nil if the key did not exist.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	return nil
}

// Clear drops every entry.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*list.Element)
	c.order.Init()
	return nil
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been evicted).
func (c *MemoryCache) Len(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Close stops the background cleanup goroutine.
func (c *MemoryCache) Close() {
	close(c.done)
}

func (c *MemoryCache) removeLocked(el *list.Element) {
	item := el.Value.(*memItem)
	c.order.Remove(el)
	delete(c.items, item.key)
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.evictExpired()
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) evictExpired() {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*memItem).expiresAt) {
			c.removeLocked(el)
		}
		el = prev
	}
}
