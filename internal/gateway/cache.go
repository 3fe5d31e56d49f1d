package gateway

import (
	"net/http"
	"sync"
	"time"
)

// maxCachedBody caps the size of a cacheable response.
const maxCachedBody = 1 << 20

// responseCache is a TTL cache for 200-status GET responses. Entries are
// evicted lazily on read and wholesale when the map grows large.
type responseCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	header    http.Header
	body      []byte
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{ttl: ttl, entries: make(map[string]*cacheEntry)}
}

func (c *responseCache) get(key string) (*cacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}
	return entry, true
}

func (c *responseCache) put(key string, header http.Header, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) > 1024 {
		c.entries = make(map[string]*cacheEntry)
	}
	c.entries[key] = &cacheEntry{
		header:    header,
		body:      body,
		expiresAt: time.Now().Add(c.ttl),
	}
}
