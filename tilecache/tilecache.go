// Package tilecache holds decoded tile images for reuse across draw calls
// and, when shared, across map instances.
package tilecache

import (
	"fmt"
	"image"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Cache is an associative store of decoded tile images. Implementations may
// drop entries at any time; callers must tolerate an entry disappearing
// between calls. Put must be idempotent.
type Cache interface {
	Get(key string) (image.Image, bool)
	Put(key string, img image.Image)
}

// Key identifies one tile image of one store. It is stable for the lifetime
// of the store.
func Key(storeID string, zoom, column, row int) string {
	return fmt.Sprintf("%s-%d_%d_%d", storeID, zoom, column, row)
}

// Memory is an in-memory Cache that retains at most limit entries,
// dropping the oldest entry first. It is not safe for concurrent use;
// callers sharing a Memory between maps must serialize access.
type Memory struct {
	entries *orderedmap.OrderedMap[string, image.Image]
	limit   int
}

// NewMemory creates a Memory cache. A limit of 0 means unbounded.
func NewMemory(limit int) *Memory {
	return &Memory{
		entries: orderedmap.New[string, image.Image](),
		limit:   limit,
	}
}

func (c *Memory) Get(key string) (image.Image, bool) {
	return c.entries.Get(key)
}

func (c *Memory) Put(key string, img image.Image) {
	if _, ok := c.entries.Get(key); ok {
		return
	}
	for c.limit > 0 && c.entries.Len() >= c.limit {
		oldest := c.entries.Oldest()
		c.entries.Delete(oldest.Key)
	}
	c.entries.Set(key, img)
}

func (c *Memory) Len() int {
	return c.entries.Len()
}
