// Package edgecache defines the boundary interface for an edge daemon's
// local chunk cache. A real edge would swap in an embedded KV store
// (bbolt/badger etc. — see SPEC_FULL.md §1); this module ships only an
// in-memory reference implementation.
package edgecache

import (
	"sync"

	"github.com/crv-vcs/crv/chunk"
)

// Cache is a local, best-effort store of chunk bytes keyed by hash. A
// miss is not an error: callers fall back to fetching from the hive.
type Cache interface {
	Get(h chunk.Hash) ([]byte, bool)
	Put(h chunk.Hash, data []byte)
	Evict(h chunk.Hash)
}

// MemCache is an in-memory Cache with no eviction policy beyond explicit
// Evict calls.
type MemCache struct {
	mu      sync.RWMutex
	entries map[chunk.Hash][]byte
}

// NewMemCache constructs an empty MemCache.
func NewMemCache() *MemCache {
	return &MemCache{entries: make(map[chunk.Hash][]byte)}
}

func (c *MemCache) Get(h chunk.Hash) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, ok := c.entries[h]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, true
}

func (c *MemCache) Put(h chunk.Hash, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	c.entries[h] = cp
}

func (c *MemCache) Evict(h chunk.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, h)
}
