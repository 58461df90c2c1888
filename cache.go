package lsmkv

import (
	"container/list"
	"sync"
)

// cacheKey identifies a cell by table generation and entry position.
type cacheKey struct {
	Generation uint64
	Position   int
}

type cacheEntry struct {
	key  cacheKey
	cell Cell
	size int64
}

// cellCache is a thread-safe LRU cache of decoded table cells used by point
// lookups. Capacity is in bytes of key and payload; zero disables it.
type cellCache struct {
	capacity  int64
	size      int64
	items     map[cacheKey]*list.Element
	evictList *list.List
	mu        sync.Mutex

	hits   uint64
	misses uint64
}

func newCellCache(capacity int64) *cellCache {
	return &cellCache{
		capacity:  capacity,
		items:     make(map[cacheKey]*list.Element),
		evictList: list.New(),
	}
}

// Get returns the cached cell for key.
func (c *cellCache) Get(key cacheKey) (Cell, bool) {
	if c == nil || c.capacity == 0 {
		return Cell{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.evictList.MoveToFront(elem)
		c.hits++
		return elem.Value.(*cacheEntry).cell, true
	}
	c.misses++
	return Cell{}, false
}

// Put adds a cell. Cells larger than the whole cache are not stored.
func (c *cellCache) Put(key cacheKey, cell Cell) {
	if c == nil || c.capacity == 0 {
		return
	}
	size := int64(len(cell.Key) + len(cell.Value.Payload) + timestampSize)
	if size > c.capacity {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.evictList.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		c.size += size - entry.size
		entry.cell = cell
		entry.size = size
		return
	}

	for c.size+size > c.capacity && c.evictList.Len() > 0 {
		c.evict()
	}

	elem := c.evictList.PushFront(&cacheEntry{key: key, cell: cell, size: size})
	c.items[key] = elem
	c.size += size
}

func (c *cellCache) evict() {
	elem := c.evictList.Back()
	if elem == nil {
		return
	}
	c.removeElement(elem)
}

func (c *cellCache) removeElement(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.evictList.Remove(elem)
	c.size -= entry.size
}

// RemoveGeneration drops every cell of a table that is being discarded.
func (c *cellCache) RemoveGeneration(gen uint64) {
	if c == nil || c.capacity == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for key, elem := range c.items {
		if key.Generation == gen {
			c.removeElement(elem)
		}
	}
}

// Clear removes all entries.
func (c *cellCache) Clear() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[cacheKey]*list.Element)
	c.evictList.Init()
	c.size = 0
}

// Stats returns cache statistics.
func (c *cellCache) Stats() CacheStats {
	if c == nil {
		return CacheStats{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:     c.hits,
		Misses:   c.misses,
		Size:     c.size,
		Capacity: c.capacity,
		Entries:  c.evictList.Len(),
	}
}

// CacheStats contains cache statistics.
type CacheStats struct {
	Hits     uint64
	Misses   uint64
	Size     int64
	Capacity int64
	Entries  int
}

// HitRate returns the cache hit rate as a percentage.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}
