package capability

import (
	"sync"
	"time"
)

// Cache keeps one Result for a fixed TTL against an injectable clock.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	result  Result
	expires time.Time
	valid   bool
}

func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now}
}

func (c *Cache) Get() (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || !c.now().Before(c.expires) {
		return Result{}, false
	}
	return c.result, true
}

func (c *Cache) Put(res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = res
	c.expires = c.now().Add(c.ttl)
	c.valid = true
}
