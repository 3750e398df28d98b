package feedback

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestCacheExpiresAsAWhole(t *testing.T) {
	clock := newFakeClock()
	c := NewMultiplierCache(30*time.Second, clock.Now)

	c.Set("a", 0.9)
	clock.Advance(20 * time.Second)
	c.Set("b", 1.1)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 0.9, v)

	// b was added late but expires with the rest
	clock.Advance(10 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Zero(t, c.Len())

	c.Set("c", 1.0)
	clock.Advance(29 * time.Second)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	c := NewMultiplierCache(time.Minute, nil)
	c.Set("a", 0.8)
	c.Set("b", 1.2)
	assert.Equal(t, 2, c.Len())

	c.Invalidate()
	assert.Zero(t, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestCacheDefaultTTL(t *testing.T) {
	clock := newFakeClock()
	c := NewMultiplierCache(0, clock.Now)
	c.Set("a", 1)

	clock.Advance(DefaultCacheTTL - time.Nanosecond)
	_, ok := c.Get("a")
	assert.True(t, ok)

	clock.Advance(time.Nanosecond)
	_, ok = c.Get("a")
	assert.False(t, ok)
}
