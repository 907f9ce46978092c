// Package cache provides the account caches used by the scoring worker.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// LRUCache is an in-process cache bounded by entry count, evicting the least
// recently used entry first. It is the Community tier cache and the L1 of
// TwoPhaseCache.
type LRUCache struct {
	mu       sync.Mutex
	capacity int
	index    map[string]*list.Element
	recency  *list.List // front is most recently used
	now      func() time.Time

	hits, misses, evictions uint64
}

type lruEntry struct {
	key      string
	value    []byte
	deadline time.Time // zero means no expiry
}

// LRUStats is a point-in-time view of an LRUCache.
type LRUStats struct {
	Size      int
	Capacity  int
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

// NewLRUCache creates a cache holding at most capacity entries; a
// non-positive capacity selects 10,000.
func NewLRUCache(capacity int) *LRUCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUCache{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		recency:  list.New(),
		now:      time.Now,
	}
}

// Get returns the value for key, or nil for a miss. An expired entry is
// dropped and reads as a miss.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		c.misses++
		return nil, nil
	}
	c.hits++
	c.recency.MoveToFront(e)
	return e.Value.(*lruEntry).value, nil
}

// Set stores value under key. A non-positive ttl keeps the entry until it is
// evicted or deleted.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var deadline time.Time
	if ttl > 0 {
		deadline = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.index[key]; ok {
		ent := e.Value.(*lruEntry)
		ent.value, ent.deadline = value, deadline
		c.recency.MoveToFront(e)
		return nil
	}

	c.index[key] = c.recency.PushFront(&lruEntry{key: key, value: value, deadline: deadline})
	for c.recency.Len() > c.capacity {
		c.drop(c.recency.Back())
		c.evictions++
	}
	return nil
}

// Delete removes key if present.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.index[key]; ok {
		c.drop(e)
	}
	return nil
}

// GetAccount returns the cached account, or nil for a miss.
func (c *LRUCache) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return loadAccount(ctx, c, accountID)
}

// SetAccount caches an account under AccountKey.
func (c *LRUCache) SetAccount(ctx context.Context, account *domain.Account, ttl time.Duration) error {
	return storeAccount(ctx, c, account, ttl)
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error { return nil }

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.index)
	c.recency.Init()
	return nil
}

// Stats returns the current size and counters.
func (c *LRUCache) Stats() LRUStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LRUStats{
		Size:      c.recency.Len(),
		Capacity:  c.capacity,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

// lookup returns the live element for key, dropping it if expired.
// Callers hold c.mu.
func (c *LRUCache) lookup(key string) *list.Element {
	e, ok := c.index[key]
	if !ok {
		return nil
	}
	if d := e.Value.(*lruEntry).deadline; !d.IsZero() && c.now().After(d) {
		c.drop(e)
		return nil
	}
	return e
}

func (c *LRUCache) drop(e *list.Element) {
	if e == nil {
		return
	}
	c.recency.Remove(e)
	delete(c.index, e.Value.(*lruEntry).key)
}
