package relay

import (
	"sync"
	"time"
)

// HealthCache memoizes positive probe outcomes per topic to cut probe
// traffic. It is process-local and never a source of truth: entries may be
// missing or stale at any time and every decision made from it is
// re-validated by the actual send.
type HealthCache interface {
	// Healthy reports whether a positive probe for topicID is still fresh.
	Healthy(topicID int64) bool
	// MarkHealthy records a positive probe for topicID.
	MarkHealthy(topicID int64)
	// Invalidate drops the entry for topicID.
	Invalidate(topicID int64)
}

type memoryHealthCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[int64]time.Time
	now     func() time.Time
}

// NewHealthCache returns an in-memory HealthCache whose positive entries
// expire after ttl.
func NewHealthCache(ttl time.Duration) HealthCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &memoryHealthCache{
		ttl:     ttl,
		entries: make(map[int64]time.Time),
		now:     time.Now,
	}
}

func (c *memoryHealthCache) Healthy(topicID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.entries[topicID]
	if !ok {
		return false
	}
	if c.now().Sub(ts) >= c.ttl {
		delete(c.entries, topicID)
		return false
	}
	return true
}

func (c *memoryHealthCache) MarkHealthy(topicID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[topicID] = c.now()
}

func (c *memoryHealthCache) Invalidate(topicID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, topicID)
}
