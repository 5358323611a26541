package dispatch

import (
	"sync"
	"time"
)

// dedupCache remembers delivery results by idempotency key so a repeated
// Send within the TTL returns the recorded outcome without touching the
// channel again. The storage-level unique index is the durable guard; this
// cache just makes the common repeat cheap.
type dedupCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]dedupEntry
}

type dedupEntry struct {
	result    DeliveryResult
	expiresAt time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{
		ttl:     ttl,
		entries: make(map[string]dedupEntry),
	}
}

func (c *dedupCache) get(key string) (DeliveryResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return DeliveryResult{}, false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return DeliveryResult{}, false
	}
	return e.result, true
}

func (c *dedupCache) put(key string, result DeliveryResult) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	// Opportunistic pruning keeps the map bounded without a sweeper goroutine.
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = dedupEntry{result: result, expiresAt: now.Add(c.ttl)}
}
