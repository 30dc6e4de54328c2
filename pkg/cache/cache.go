// Package cache implements the instance cache (spec.md §4.7/component G):
// a context-scoped identity map from composite primary id to instance.
package cache

import (
	"sync"

	"github.com/quiverdb/quiver/pkg/instance"
)

// Cache is a context-scoped mapping from composite primary id to instance.
// It guarantees identity: two lookups of the same primary id within one
// Cache return the same *instance.Instance.
type Cache struct {
	mu    sync.Mutex
	byKey map[string]*instance.Instance
}

// New returns an empty cache, owned by one request context.
func New() *Cache {
	return &Cache{byKey: make(map[string]*instance.Instance)}
}

func cacheKey(entity, primaryID string) string {
	return entity + "\x00" + primaryID
}

// Get returns the cached instance for (entity, primaryID), if any.
func (c *Cache) Get(entity, primaryID string) (*instance.Instance, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.byKey[cacheKey(entity, primaryID)]
	return i, ok
}

// Put stores inst under (entity, primaryID), overwriting whatever was
// cached before — used at the end of a successful get/batchGet/query/
// create/update (spec.md §4.7).
func (c *Cache) Put(entity, primaryID string, inst *instance.Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byKey[cacheKey(entity, primaryID)] = inst
}

// Invalidate removes the cached entry for (entity, primaryID), used after
// a successful delete.
func (c *Cache) Invalidate(entity, primaryID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byKey, cacheKey(entity, primaryID))
}
