// Package cache is a bounded in-memory layer over the page store: a
// byte-budget LRU of key/value entries with cumulative hit/miss counters.
// Entries are reconstructible from the index and page store; the cache is
// never the sole copy of data.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
)

type entry struct {
	key   string
	value []byte
	seq   uint64
	pins  int
}

// Cache is a byte-bounded LRU. An entry pinned by an in-flight write is
// never evicted until the write unpins it.
type Cache struct {
	mu     sync.Mutex
	budget int64
	used   int64
	ll     *list.List
	items  map[string]*list.Element

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates a cache with the given byte budget. A budget of zero or
// less disables caching entirely: every Get is a miss.
func New(budget int64) *Cache {
	return &Cache{
		budget: budget,
		ll:     list.New(),
		items:  make(map[string]*list.Element),
	}
}

func entrySize(e *entry) int64 {
	return int64(len(e.key) + len(e.value))
}

// Get returns the cached value for key. The returned slice is owned by the
// cache and must not be modified. Hit and miss counters are cumulative for
// the session.
func (c *Cache) Get(key []byte) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[string(key)]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}

	c.ll.MoveToFront(elem)
	c.hits.Add(1)
	return elem.Value.(*entry).value, true
}

// Put inserts or replaces the entry for key, copying value. seq is the
// mutation sequence that produced value: a fill carrying an older seq
// than the resident entry is dropped, so a read that loaded a record
// just before an overwrite cannot reinstall the superseded value after
// the overwrite's own fill. With pin set the entry is protected from
// eviction until Unpin. Entries larger than the whole budget are not
// cached.
func (c *Cache) Put(key, value []byte, seq uint64, pin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := make([]byte, len(value))
	copy(v, value)

	if elem, ok := c.items[string(key)]; ok {
		e := elem.Value.(*entry)
		if seq < e.seq {
			// Stale read-path fill. Writers always carry the newest
			// seq, so a dropped fill is never pinned.
			return
		}
		c.used += int64(len(v)) - int64(len(e.value))
		e.value = v
		e.seq = seq
		if pin {
			e.pins++
		}
		c.ll.MoveToFront(elem)
		c.evict()
		return
	}

	e := &entry{key: string(key), value: v, seq: seq}
	if pin {
		e.pins = 1
	}
	if entrySize(e) > c.budget {
		// Would evict everything else and still not fit.
		return
	}

	c.items[e.key] = c.ll.PushFront(e)
	c.used += entrySize(e)
	c.evict()
}

// evict removes least-recently-used unpinned entries until the budget is
// respected. Caller holds c.mu.
func (c *Cache) evict() {
	elem := c.ll.Back()
	for c.used > c.budget && elem != nil {
		prev := elem.Prev()
		e := elem.Value.(*entry)
		if e.pins == 0 {
			c.removeLocked(elem)
		}
		elem = prev
	}
}

// Unpin releases a write pin taken by Put.
func (c *Cache) Unpin(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[string(key)]; ok {
		e := elem.Value.(*entry)
		if e.pins > 0 {
			e.pins--
		}
	}
}

// Invalidate drops the entry for key, pinned or not. Used by deletes.
func (c *Cache) Invalidate(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[string(key)]; ok {
		c.removeLocked(elem)
	}
}

func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.ll.Remove(elem)
	delete(c.items, e.key)
	c.used -= entrySize(e)
}

// Bytes returns the current cached byte size.
func (c *Cache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *Cache) Hits() uint64   { return c.hits.Load() }
func (c *Cache) Misses() uint64 { return c.misses.Load() }
