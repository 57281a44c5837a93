package main

import (
	"sync"
	"time"
)

// memoCache is a process-wide memoization cache with per-entry TTLs. The
// clock is injected so expiry can be tested without sleeping.
type memoCache struct {
	mu      sync.Mutex
	entries map[string]memoEntry
	now     func() time.Time
}

type memoEntry struct {
	value   any
	expires time.Time
}

func newMemoCache(now func() time.Time) *memoCache {
	if now == nil {
		now = time.Now
	}
	return &memoCache{entries: make(map[string]memoEntry), now: now}
}

func (c *memoCache) get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

func (c *memoCache) set(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoEntry{value: value, expires: c.now().Add(ttl)}
}

func (c *memoCache) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
