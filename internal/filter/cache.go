package filter

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// DefaultCacheSize is used when no cache size is configured.
const DefaultCacheSize = 1024

// cacheEntry is a memoized hashable-rule decision.
type cacheEntry struct {
	rule   Handle
	action Action
	retain bool
}

// cacheNode wraps an entry for LRU tracking
type cacheNode struct {
	key   Fingerprint
	entry cacheEntry
}

// matchCache is an LRU-bounded fingerprint -> decision map for one scope.
// It carries its own lock so the data path never waits on the scope's
// administrative lock for cache bookkeeping.
type matchCache struct {
	mu       sync.Mutex
	entries  map[Fingerprint]*list.Element
	lru      *list.List // Front = most recent, Back = least recent
	capacity int

	// Stats
	hits      uint64
	misses    uint64
	evictions uint64
}

func newMatchCache(capacity int) *matchCache {
	if capacity <= 0 {
		capacity = DefaultCacheSize
	}
	return &matchCache{
		entries:  make(map[Fingerprint]*list.Element),
		lru:      list.New(),
		capacity: capacity,
	}
}

// lookup returns the cached entry and marks it most recently used.
func (c *matchCache) lookup(fp Fingerprint) (cacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[fp]
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return cacheEntry{}, false
	}
	c.lru.MoveToFront(elem)
	atomic.AddUint64(&c.hits, 1)
	return elem.Value.(*cacheNode).entry, true
}

// insert adds or refreshes an entry, evicting the least recently used one
// when the cache is full. It reports whether an eviction happened.
func (c *matchCache) insert(fp Fingerprint, entry cacheEntry) (evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[fp]; ok {
		elem.Value.(*cacheNode).entry = entry
		c.lru.MoveToFront(elem)
		return false
	}

	if c.lru.Len() >= c.capacity {
		evicted = c.evictLRU()
	}
	c.entries[fp] = c.lru.PushFront(&cacheNode{key: fp, entry: entry})
	return evicted
}

// evictLRU removes the least recently used entry (must hold lock)
func (c *matchCache) evictLRU() bool {
	back := c.lru.Back()
	if back == nil {
		return false
	}
	c.lru.Remove(back)
	delete(c.entries, back.Value.(*cacheNode).key)
	atomic.AddUint64(&c.evictions, 1)
	return true
}

// invalidate clears the cache and returns how many entries were dropped.
func (c *matchCache) invalidate() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[Fingerprint]*list.Element)
	c.lru.Init()
	return n
}

func (c *matchCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *matchCache) stats() (hits, misses, evictions uint64) {
	return atomic.LoadUint64(&c.hits), atomic.LoadUint64(&c.misses), atomic.LoadUint64(&c.evictions)
}
