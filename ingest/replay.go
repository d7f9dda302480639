package ingest

import (
	"sync"
	"time"
)

// ReplayCache remembers recently accepted signatures. Remember returns
// false when the signature was already seen within the TTL. Implementations
// must be safe for concurrent use.
type ReplayCache interface {
	Remember(signature string) bool
}

// MemoryReplayCache is an in-process ReplayCache. Entries expire lazily:
// each Remember call sweeps expired signatures before inserting. Suitable
// for a single instance; multi-instance deployments need a shared cache
// behind the same interface.
type MemoryReplayCache struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryReplayCache(ttl time.Duration) *MemoryReplayCache {
	return &MemoryReplayCache{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
}

func (c *MemoryReplayCache) Remember(signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for sig, at := range c.seen {
		if now.Sub(at) > c.ttl {
			delete(c.seen, sig)
		}
	}

	if _, ok := c.seen[signature]; ok {
		return false
	}
	c.seen[signature] = now
	return true
}
