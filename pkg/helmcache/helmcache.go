// Package helmcache caches rendered helm repository index documents per
// namespace, with ETag support for conditional requests. The TTL is a
// safety net for missed invalidations; explicit invalidation fires on
// every chart version status change.
package helmcache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DefaultTTL bounds how stale a cached index may get.
const DefaultTTL = 30 * time.Second

// Entry is one cached index document.
type Entry struct {
	Content   []byte
	ETag      string
	CreatedAt time.Time
}

// Cache maps namespace to its rendered index.
type Cache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*Entry
}

// New builds a cache. ttl <= 0 uses DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, entries: make(map[string]*Entry)}
}

// Get returns the entry for a namespace, or false when absent or expired.
func (c *Cache) Get(namespace string) (*Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[namespace]
	c.mu.RUnlock()
	if !ok || time.Since(e.CreatedAt) > c.ttl {
		return nil, false
	}
	return e, true
}

// Set stores a rendered index and computes its ETag: the quoted first 16
// hex characters of the content's sha256.
func (c *Cache) Set(namespace string, content []byte) *Entry {
	sum := sha256.Sum256(content)
	e := &Entry{
		Content:   content,
		ETag:      `"` + hex.EncodeToString(sum[:])[:16] + `"`,
		CreatedAt: time.Now(),
	}
	c.mu.Lock()
	c.entries[namespace] = e
	c.mu.Unlock()
	return e
}

// Invalidate removes a namespace's entry.
func (c *Cache) Invalidate(namespace string) {
	c.mu.Lock()
	delete(c.entries, namespace)
	c.mu.Unlock()
}
