package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DecisionCache is the in-process fingerprint -> decision cache: size-bounded
// LRU with TTL expiration and hit/miss counters. It fronts the optional
// shared Store; both layers treat expiry as a miss.
type DecisionCache[V any] struct {
	cache   *lru.Cache[string, *ttlEntry[V]]
	ttl     time.Duration
	mu      sync.Mutex
	hits    uint64
	misses  uint64
	evicted uint64
}

type ttlEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewDecisionCache creates a cache holding up to size entries, each expiring
// after ttl (0 disables expiration).
func NewDecisionCache[V any](size int, ttl time.Duration) (*DecisionCache[V], error) {
	c, err := lru.New[string, *ttlEntry[V]](size)
	if err != nil {
		return nil, err
	}
	return &DecisionCache[V]{cache: c, ttl: ttl}, nil
}

// Get returns the cached value for a fingerprint, treating expired entries
// as misses.
func (c *DecisionCache[V]) Get(fingerprint string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.cache.Get(fingerprint)
	if !ok || (c.ttl > 0 && time.Now().After(entry.expiresAt)) {
		c.misses++
		var zero V
		return zero, false
	}

	c.hits++
	return entry.value, true
}

// Set stores a value. Last writer wins; decisions for the same fingerprint
// are expected to converge, so the race is benign.
func (c *DecisionCache[V]) Set(fingerprint string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	if c.cache.Add(fingerprint, &ttlEntry[V]{value: value, expiresAt: expiresAt}) {
		c.evicted++
	}
}

// Invalidate removes a fingerprint.
func (c *DecisionCache[V]) Invalidate(fingerprint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Remove(fingerprint)
}

// Purge removes all entries.
func (c *DecisionCache[V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Purge()
}

// Len returns the number of live entries (expired ones included until
// evicted or cleaned).
func (c *DecisionCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Len()
}

// Stats captures cache counters for observability.
type Stats struct {
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	Evicted uint64  `json:"evicted"`
	Size    int     `json:"size"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current counters.
func (c *DecisionCache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	rate := 0.0
	if total > 0 {
		rate = float64(c.hits) / float64(total)
	}
	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Evicted: c.evicted,
		Size:    c.cache.Len(),
		HitRate: rate,
	}
}

// CleanupExpired removes expired entries. O(n); meant for a periodic
// background sweep, not the request path.
func (c *DecisionCache[V]) CleanupExpired() int {
	if c.ttl == 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, key := range c.cache.Keys() {
		if entry, ok := c.cache.Peek(key); ok && now.After(entry.expiresAt) {
			c.cache.Remove(key)
			removed++
		}
	}
	return removed
}
