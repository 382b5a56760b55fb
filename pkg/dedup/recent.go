package dedup

import (
	"container/list"
	"sync"
	"time"

	"github.com/subcog-dev/subcog/pkg/memory"
)

// recentEntry is one remembered capture.
type recentEntry struct {
	hash       string
	memoryID   string
	namespace  memory.Namespace
	domain     memory.Domain
	insertedAt time.Time
}

// recentCache is a mutex-guarded LRU of recent captures keyed by normalized
// content hash. Reads and writes are O(1); capacity eviction drops the least
// recently used entry. Entries older than the window are ignored on read and
// lazily discarded.
type recentCache struct {
	mu       sync.Mutex
	capacity int
	window   time.Duration
	order    *list.List // front = most recent
	byHash   map[string]*list.Element
}

func newRecentCache(capacity int, window time.Duration) *recentCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &recentCache{
		capacity: capacity,
		window:   window,
		order:    list.New(),
		byHash:   make(map[string]*list.Element),
	}
}

// put remembers a capture, evicting the oldest entry when full.
func (c *recentCache) put(e recentEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.byHash[e.hash]; ok {
		el.Value = e
		c.order.MoveToFront(el)
		return
	}

	c.byHash[e.hash] = c.order.PushFront(e)

	for c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.byHash, oldest.Value.(recentEntry).hash)
	}
}

// get returns the entry for hash when it exists and is inside the window.
// Expired entries are removed on sight.
func (c *recentCache) get(hash string, now time.Time) (recentEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.byHash[hash]
	if !ok {
		return recentEntry{}, false
	}

	e := el.Value.(recentEntry)
	if now.Sub(e.insertedAt) > c.window {
		c.order.Remove(el)
		delete(c.byHash, hash)
		return recentEntry{}, false
	}
	return e, true
}

// len reports the live entry count (expired entries may still be counted
// until touched).
func (c *recentCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
