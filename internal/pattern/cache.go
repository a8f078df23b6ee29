package pattern

import (
	"container/list"
	"sync"
)

// DefaultCacheSize is the default bound on the compiled-pattern cache
// (§4.2): "bounded (LRU, default 1000 entries) to prevent unbounded growth
// from adversarial inputs."
const DefaultCacheSize = 1000

// Cache is a bounded LRU cache of compiled principal matchers, keyed by
// the raw pattern string. Grounded on internal/cache.LRU's
// container/list-based eviction, narrowed to this package's single value
// type so callers don't need a type assertion on every lookup.
type Cache struct {
	capacity int
	mu       sync.Mutex
	items    map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	pattern string
	matcher *PrincipalMatcher
}

// NewCache creates a compiled-pattern cache bounded to capacity entries.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// GetOrCompile returns the cached matcher for pattern, compiling and
// inserting it on a miss.
func (c *Cache) GetOrCompile(p string) (*PrincipalMatcher, error) {
	c.mu.Lock()
	if elem, ok := c.items[p]; ok {
		c.order.MoveToFront(elem)
		entry := elem.Value.(*cacheEntry)
		c.mu.Unlock()
		return entry.matcher, nil
	}
	c.mu.Unlock()

	matcher, err := CompilePrincipal(p)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.items[p]; ok {
		return elem.Value.(*cacheEntry).matcher, nil
	}
	for c.order.Len() >= c.capacity {
		if oldest := c.order.Back(); oldest != nil {
			e := oldest.Value.(*cacheEntry)
			delete(c.items, e.pattern)
			c.order.Remove(oldest)
		}
	}
	elem := c.order.PushFront(&cacheEntry{pattern: p, matcher: matcher})
	c.items[p] = elem
	return matcher, nil
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}
