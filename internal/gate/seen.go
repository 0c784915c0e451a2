package gate

import (
	"sync"
)

// SeenCache is a fixed-capacity, insertion-ordered set of message ids.
// Once full, each insert evicts the oldest id.
type SeenCache struct {
	ids   []string
	index map[string]struct{}
	size  int
	head  int // next write position
	count int
	mu    sync.RWMutex
}

// NewSeenCache creates a cache holding at most size ids.
func NewSeenCache(size int) *SeenCache {
	if size <= 0 {
		size = 5000
	}
	return &SeenCache{
		ids:   make([]string, size),
		index: make(map[string]struct{}, size),
		size:  size,
	}
}

// Add inserts id and reports whether it was new. Adding an id that is
// already present changes nothing.
func (c *SeenCache) Add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.index[id]; ok {
		return false
	}

	if c.count == c.size {
		// Overwrite: the slot at head holds the oldest id.
		delete(c.index, c.ids[c.head])
	} else {
		c.count++
	}
	c.ids[c.head] = id
	c.index[id] = struct{}{}
	c.head = (c.head + 1) % c.size
	return true
}

// Contains reports whether id is present.
func (c *SeenCache) Contains(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[id]
	return ok
}

// Len returns the number of ids held.
func (c *SeenCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// Reset clears the cache.
func (c *SeenCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.ids)
	c.index = make(map[string]struct{}, c.size)
	c.head = 0
	c.count = 0
}

// Capacity returns the maximum number of ids held.
func (c *SeenCache) Capacity() int {
	return c.size
}
