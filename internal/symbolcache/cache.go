// Package symbolcache caches the distinct-symbols listing, which is too
// expensive to recompute on every request against a large price table.
package symbolcache

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL is how long a cached symbol list stays fresh.
const DefaultTTL = 60 * time.Second

// SymbolInfo is one entry of the symbol index: a ticker, the security name
// from its earliest price row, and how many rows the store holds for it.
type SymbolInfo struct {
	Symbol       string `json:"symbol"`
	SecurityName string `json:"security_name"`
	Count        int64  `json:"count"`
}

// Loader computes the symbol list from the store.
type Loader func(ctx context.Context) ([]SymbolInfo, error)

// Cache is a TTL cache for the distinct symbol list. Concurrent refreshes
// may recompute the same list; last writer wins, which is harmless since
// every computation sees at-least-as-fresh data.
type Cache struct {
	load Loader
	ttl  time.Duration

	mu       sync.RWMutex
	symbols  []SymbolInfo
	loadedAt time.Time
}

// New creates a symbol cache backed by the given loader
func New(load Loader, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{load: load, ttl: ttl}
}

// Get returns the cached symbol list, refreshing it from the loader when
// the entry is missing or stale. Errors are never cached.
func (c *Cache) Get(ctx context.Context) ([]SymbolInfo, error) {
	c.mu.RLock()
	if c.symbols != nil && time.Since(c.loadedAt) < c.ttl {
		symbols := c.symbols
		c.mu.RUnlock()
		return symbols, nil
	}
	c.mu.RUnlock()

	symbols, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.symbols = symbols
	c.loadedAt = time.Now()
	c.mu.Unlock()

	return symbols, nil
}

// Invalidate drops the cached entry so the next Get recomputes it.
// Called after imports complete or are deleted.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.symbols = nil
	c.loadedAt = time.Time{}
	c.mu.Unlock()
}
