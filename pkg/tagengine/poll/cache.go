package poll

import (
	"sync"

	"github.com/vpbank/tag_engine/models"
)

// ─────────────────────────────────────────────────────────────────────────────
// Current-value cache
// ─────────────────────────────────────────────────────────────────────────────

// Cache holds the latest successful sample of every polled tag. Writers are
// the per-connection pollers; readers are flow nodes, state machines, and the
// status publisher. Reads take a shared lock only.
//
// Values are indexed two ways: by stable (connectionID, tagID) and by the
// human-readable "ConnectionName/TagName" path that flows and triggers
// reference.
type Cache struct {
	mu     sync.RWMutex
	byID   map[string]models.TagValue // connectionID + "\x00" + tagID
	byPath map[string]models.TagValue
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		byID:   make(map[string]models.TagValue),
		byPath: make(map[string]models.TagValue),
	}
}

func idKey(connectionID, tagID string) string {
	return connectionID + "\x00" + tagID
}

// Put stores one sample, replacing any previous sample of the same tag.
func (c *Cache) Put(v models.TagValue) {
	c.mu.Lock()
	c.byID[idKey(v.ConnectionID, v.TagID)] = v
	if v.TagPath != "" {
		c.byPath[v.TagPath] = v
	}
	c.mu.Unlock()
}

// PutAll stores a batch under one lock acquisition (one poll cycle's worth).
func (c *Cache) PutAll(vs []models.TagValue) {
	c.mu.Lock()
	for _, v := range vs {
		c.byID[idKey(v.ConnectionID, v.TagID)] = v
		if v.TagPath != "" {
			c.byPath[v.TagPath] = v
		}
	}
	c.mu.Unlock()
}

// Get returns the latest sample for a "ConnectionName/TagName" path.
func (c *Cache) Get(path string) (models.TagValue, bool) {
	c.mu.RLock()
	v, ok := c.byPath[path]
	c.mu.RUnlock()
	return v, ok
}

// GetByID returns the latest sample for a (connectionID, tagID) pair.
func (c *Cache) GetByID(connectionID, tagID string) (models.TagValue, bool) {
	c.mu.RLock()
	v, ok := c.byID[idKey(connectionID, tagID)]
	c.mu.RUnlock()
	return v, ok
}

// Snapshot returns a copy of every cached value, keyed by tag path.
func (c *Cache) Snapshot() map[string]models.TagValue {
	c.mu.RLock()
	out := make(map[string]models.TagValue, len(c.byPath))
	for k, v := range c.byPath {
		out[k] = v
	}
	c.mu.RUnlock()
	return out
}

// Len returns the number of distinct tags cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// DropConnection removes every sample of one connection, for reloads that
// delete or disable it.
func (c *Cache) DropConnection(connectionID string) {
	c.mu.Lock()
	prefix := connectionID + "\x00"
	for k, v := range c.byID {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.byID, k)
			delete(c.byPath, v.TagPath)
		}
	}
	c.mu.Unlock()
}
