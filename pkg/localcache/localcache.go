// Package localcache provides the per-Context in-process cache: an
// LRU-bounded map from encoded key to entity or tombstone. A tombstone
// records "known absent" so repeated lookups of a missing key never pay a
// second round trip.
//
// A cache instance is owned by a single Context and mutated only from
// callbacks run serially by that Context's event loop, so it carries no
// lock. It is never consulted across Context boundaries.
package localcache

import (
	"container/list"
	"fmt"

	"github.com/illmade-knight/go-entitystore/pkg/types"
)

// Entry is a cached value or a tombstone. Entity is nil iff Tombstone.
type Entry struct {
	Entity    *types.Entity
	Tombstone bool
}

type item struct {
	key   string
	entry Entry
}

// Cache is a fixed-size LRU cache keyed by canonical key encodings.
type Cache struct {
	maxSize int
	ll      *list.List               // recency order, front = most recent
	items   map[string]*list.Element // fast lookup into ll
}

// New creates a cache bounded to maxSize entries. maxSize must be > 0.
func New(maxSize int) (*Cache, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &Cache{
		maxSize: maxSize,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
	}, nil
}

// Get returns the entry for key and whether one is present, refreshing its
// recency on a hit.
func (c *Cache) Get(key string) (Entry, bool) {
	elem, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	c.ll.MoveToFront(elem)
	return elem.Value.(*item).entry, true
}

// Set stores an entity under key, evicting the least recently used entry if
// the cache is full.
func (c *Cache) Set(key string, ent *types.Entity) {
	c.put(key, Entry{Entity: ent})
}

// SetTombstone marks key as known-absent.
func (c *Cache) SetTombstone(key string) {
	c.put(key, Entry{Tombstone: true})
}

func (c *Cache) put(key string, entry Entry) {
	if elem, ok := c.items[key]; ok {
		c.ll.MoveToFront(elem)
		elem.Value.(*item).entry = entry
		return
	}
	elem := c.ll.PushFront(&item{key: key, entry: entry})
	c.items[key] = elem
	if c.ll.Len() > c.maxSize {
		c.evict()
	}
}

// Delete evicts key entirely, used on explicit invalidation. Deleting an
// absent key is a no-op.
func (c *Cache) Delete(key string) {
	if elem, ok := c.items[key]; ok {
		c.ll.Remove(elem)
		delete(c.items, key)
	}
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.ll.Init()
	c.items = make(map[string]*list.Element)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int { return c.ll.Len() }

func (c *Cache) evict() {
	back := c.ll.Back()
	if back != nil {
		removed := c.ll.Remove(back).(*item)
		delete(c.items, removed.key)
	}
}
