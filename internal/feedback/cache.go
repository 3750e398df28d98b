package feedback

import (
	"sync"
	"time"
)

// DefaultCacheTTL is how long a populated cache serves before it expires
// as a whole.
const DefaultCacheTTL = 30 * time.Second

// MultiplierCache holds multipliers by chunk id. The cache expires as a
// unit: once ttl has elapsed since it was first populated every entry is
// dropped on the next access. Recompute invalidates it entirely.
//
// Safe for concurrent use.
type MultiplierCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	entries   map[string]float64
	expiresAt time.Time
}

// NewMultiplierCache creates a cache. A nil now uses time.Now.
func NewMultiplierCache(ttl time.Duration, now func() time.Time) *MultiplierCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &MultiplierCache{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]float64),
	}
}

// Get returns the cached multiplier for chunkID.
func (c *MultiplierCache) Get(chunkID string) (float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	v, ok := c.entries[chunkID]
	return v, ok
}

// Set caches a multiplier.
func (c *MultiplierCache) Set(chunkID string, multiplier float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	if len(c.entries) == 0 {
		c.expiresAt = c.now().Add(c.ttl)
	}
	c.entries[chunkID] = multiplier
}

// Invalidate drops every entry.
func (c *MultiplierCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]float64)
	c.expiresAt = time.Time{}
}

// Len returns the number of live entries.
func (c *MultiplierCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expireLocked()
	return len(c.entries)
}

func (c *MultiplierCache) expireLocked() {
	if len(c.entries) > 0 && !c.now().Before(c.expiresAt) {
		c.entries = make(map[string]float64)
		c.expiresAt = time.Time{}
	}
}
