// Package lrucache implements the bounded content cache that fronts a
// backend in internal/cachedbackend. It generalizes the teacher's
// size-bounded container/list LRU (cache/sizedlru) to the three independent
// bounds OpenFS needs - max entry count, max total bytes, and a TTL - and
// keeps an internal/pathtrie index in sync with the key set so prefix
// invalidation (removePrefix) costs time proportional to the removed
// subtree rather than the whole cache.
package lrucache

import (
	"container/list"
	"sync"
	"time"

	"github.com/openfs/openfs/internal/pathtrie"
)

// Config bounds a Cache's behavior. A zero value for MaxEntries or MaxBytes
// means "unbounded" for that dimension; TTL of zero means entries expire
// immediately after insertion is observed by a later Get. Enabled=false
// turns every operation into a no-op.
type Config struct {
	Enabled    bool
	MaxEntries int
	MaxBytes   int64
	TTL        time.Duration
}

// Stats is a snapshot of the cache's counters.
type Stats struct {
	Hits           int64
	Misses         int64
	Evictions      int64
	Expirations    int64
	CurrentEntries int
	CurrentBytes   int64
}

type entry struct {
	path       string
	content    []byte
	insertedAt time.Time
	lastAccess time.Time
}

func (e *entry) size() int64 {
	return int64(len(e.content))
}

// Cache is a bounded, LRU-evicted, TTL-aware content cache. All state is
// behind a single mutex; the cache map, the pathtrie index, and the stats
// counters are all protected together, matching spec's "one lock or
// equivalent" discipline.
type Cache struct {
	cfg Config

	mu          sync.Mutex
	ll          *list.List
	items       map[string]*list.Element
	trie        *pathtrie.Trie
	currentSize int64
	stats       Stats
}

// New returns a Cache governed by cfg.
func New(cfg Config) *Cache {
	return &Cache{
		cfg:   cfg,
		ll:    list.New(),
		items: make(map[string]*list.Element),
		trie:  pathtrie.New(),
	}
}

// Get returns the cached bytes for path if present and not expired. A hit
// moves the entry to the front of the LRU order. An expired entry is
// removed and counted as an expiration, not a miss-then-nothing: it still
// increments Misses, since from the caller's perspective it is a miss.
func (c *Cache) Get(path string) ([]byte, bool) {
	if !c.cfg.Enabled {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ele, ok := c.items[path]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	e := ele.Value.(*entry)

	if c.expired(e) {
		c.removeElementLocked(ele)
		c.stats.Expirations++
		c.stats.Misses++
		return nil, false
	}

	c.ll.MoveToFront(ele)
	e.lastAccess = time.Now()
	c.stats.Hits++

	out := make([]byte, len(e.content))
	copy(out, e.content)
	return out, true
}

func (c *Cache) expired(e *entry) bool {
	if c.cfg.TTL <= 0 {
		// TTL=0 means every entry is immediately stale except in the
		// same instant it was inserted (spec boundary behavior).
		return time.Since(e.insertedAt) > 0
	}
	return time.Since(e.insertedAt) > c.cfg.TTL
}

// Put unconditionally inserts path -> content, evicting LRU entries as
// necessary to respect MaxEntries and MaxBytes.
func (c *Cache) Put(path string, content []byte) {
	if !c.cfg.Enabled {
		return
	}

	stored := make([]byte, len(content))
	copy(stored, content)

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if ele, ok := c.items[path]; ok {
		old := ele.Value.(*entry)
		c.currentSize -= old.size()
		old.content = stored
		old.insertedAt = now
		old.lastAccess = now
		c.ll.MoveToFront(ele)
	} else {
		e := &entry{path: path, content: stored, insertedAt: now, lastAccess: now}
		ele := c.ll.PushFront(e)
		c.items[path] = ele
		c.trie.Insert(path)
	}
	c.currentSize += int64(len(stored))

	for c.overBudgetLocked() {
		back := c.ll.Back()
		if back == nil {
			break
		}
		c.removeElementLocked(back)
		c.stats.Evictions++
	}
}

func (c *Cache) overBudgetLocked() bool {
	if c.cfg.MaxEntries > 0 && len(c.items) > c.cfg.MaxEntries {
		return true
	}
	if c.cfg.MaxBytes > 0 && c.currentSize > c.cfg.MaxBytes {
		return true
	}
	return false
}

// Remove deletes path if present.
func (c *Cache) Remove(path string) {
	if !c.cfg.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[path]; ok {
		c.removeElementLocked(ele)
	}
}

// RemovePrefix removes every entry whose path equals or descends from
// prefix, returning the count removed. The trie enumerates the matching
// leaf set directly, so cost is proportional to the removed subtree, not
// the size of the whole cache.
func (c *Cache) RemovePrefix(prefix string) int {
	if !c.cfg.Enabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	leaves := c.trie.ListLeaves(prefix)
	removed := 0
	for _, path := range leaves {
		if ele, ok := c.items[path]; ok {
			c.removeElementLocked(ele)
			removed++
		}
	}
	return removed
}

// Contains reports presence without affecting LRU order or expiring the
// entry; it does not update stats.
func (c *Cache) Contains(path string) bool {
	if !c.cfg.Enabled {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[path]
	return ok
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll = list.New()
	c.items = make(map[string]*list.Element)
	c.trie = pathtrie.New()
	c.currentSize = 0
}

// PruneExpired removes every entry older than the configured TTL,
// returning the count removed.
func (c *Cache) PruneExpired() int {
	if !c.cfg.Enabled {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	var next *list.Element
	for ele := c.ll.Front(); ele != nil; ele = next {
		next = ele.Next()
		e := ele.Value.(*entry)
		if c.expired(e) {
			c.removeElementLocked(ele)
			c.stats.Expirations++
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.CurrentEntries = len(c.items)
	s.CurrentBytes = c.currentSize
	return s
}

func (c *Cache) removeElementLocked(ele *list.Element) {
	e := ele.Value.(*entry)
	c.ll.Remove(ele)
	delete(c.items, e.path)
	c.trie.Remove(e.path)
	c.currentSize -= e.size()
}
