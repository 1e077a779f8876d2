package store

import (
	"container/list"
	"sync"
)

// DefaultCacheSize is the per-reference entry capacity
const DefaultCacheSize = 1000

// fifoCache is a bounded map that evicts in insertion order. Lookups never
// change an entry's position and replacing an existing key keeps its slot.
type fifoCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
	// gen changes on every clear
	gen uint64
}

type fifoItem struct {
	key   string
	value cacheEntry
}

func newFIFOCache(capacity int) *fifoCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &fifoCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *fifoCache) get(key string) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return el.Value.(*fifoItem).value, true
	}
	return nil, false
}

func (c *fifoCache) put(key string, value cacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(key, value)
}

// generation returns a token that changes whenever the cache is cleared
func (c *fifoCache) generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// putIfCurrent stores value, loaded while the cache was at generation gen,
// unless key is cached and returns the cached value. If the cache has been
// cleared since gen, value is returned without being stored.
func (c *fifoCache) putIfCurrent(key string, value cacheEntry, gen uint64) cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		return el.Value.(*fifoItem).value
	}
	if c.gen == gen {
		c.putLocked(key, value)
	}
	return value
}

func (c *fifoCache) putLocked(key string, value cacheEntry) {
	if el, ok := c.items[key]; ok {
		el.Value.(*fifoItem).value = value
		return
	}
	c.items[key] = c.order.PushBack(&fifoItem{key: key, value: value})
	for c.order.Len() > c.capacity {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*fifoItem).key)
	}
}

func (c *fifoCache) remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.order.Remove(el)
		delete(c.items, key)
	}
}

func (c *fifoCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.items)
	c.gen++
}

func (c *fifoCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// each calls fn for every entry from oldest to newest
func (c *fifoCache) each(fn func(key string, value cacheEntry)) {
	c.mu.Lock()
	items := make([]fifoItem, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		items = append(items, *el.Value.(*fifoItem))
	}
	c.mu.Unlock()

	for _, item := range items {
		fn(item.key, item.value)
	}
}
