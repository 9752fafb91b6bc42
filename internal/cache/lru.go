package cache

import (
	"cmp"
	"container/list"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/phonefs/internal/resource"
)

// LRUBlockCache implements a write-back LRU BlockCache.
type LRUBlockCache struct {
	mu        sync.Mutex
	capacity  int64
	size      int64
	items     map[Key]*list.Element
	evictList *list.List
	rc        *resource.Controller
	writeBack WriteBackFunc

	hits   atomic.Int64
	misses atomic.Int64
}

type entry struct {
	key   Key
	value []byte
	dirty bool
}

// NewLRUBlockCache creates a new LRU cache with the given capacity in bytes.
// If rc is provided, it will be used to track memory usage. Dirty blocks are
// persisted through wb; a nil wb makes SetDirty behave like Set.
func NewLRUBlockCache(capacity int64, rc *resource.Controller, wb WriteBackFunc) *LRUBlockCache {
	return &LRUBlockCache{
		capacity:  capacity,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
		rc:        rc,
		writeBack: wb,
	}
}

// Get returns a cached block.
func (c *LRUBlockCache) Get(key Key) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.hits.Add(1)
		c.evictList.MoveToFront(ent)
		return ent.Value.(*entry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Set caches a clean block.
func (c *LRUBlockCache) Set(key Key, b []byte) error {
	return c.set(key, b, false)
}

// SetDirty caches a block that still has to reach the device.
func (c *LRUBlockCache) SetDirty(key Key, b []byte) error {
	if c.writeBack == nil {
		return c.set(key, b, false)
	}
	return c.set(key, b, true)
}

func (c *LRUBlockCache) set(key Key, b []byte, dirty bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[key]; ok {
		c.evictList.MoveToFront(ent)
		e := ent.Value.(*entry)
		oldSize := int64(len(e.value))
		newSize := int64(len(b))
		if c.rc != nil && newSize > oldSize {
			if !c.rc.TryAcquireMemory(newSize - oldSize) {
				// b supersedes the cached value
				_ = c.removeElement(ent, false)
				if dirty {
					return c.writeBack(key, b)
				}
				return nil
			}
		}
		c.size += newSize - oldSize
		if c.rc != nil && newSize < oldSize {
			c.rc.ReleaseMemory(oldSize - newSize)
		}
		e.value = b
		e.dirty = e.dirty || dirty
		return c.evict()
	}

	itemSize := int64(len(b))
	if itemSize > c.capacity {
		if dirty {
			return c.writeBack(key, b)
		}
		return nil
	}

	for c.size+itemSize > c.capacity {
		ent := c.evictList.Back()
		if ent == nil {
			break
		}
		if err := c.removeElement(ent, true); err != nil {
			return err
		}
	}

	if c.rc != nil && !c.rc.TryAcquireMemory(itemSize) {
		if dirty {
			return c.writeBack(key, b)
		}
		return nil
	}

	element := c.evictList.PushFront(&entry{key: key, value: b, dirty: dirty})
	c.items[key] = element
	c.size += itemSize
	return nil
}

// Flush writes back every dirty block in (device, block) order.
func (c *LRUBlockCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var dirty []*entry
	for _, el := range c.items {
		if e := el.Value.(*entry); e.dirty {
			dirty = append(dirty, e)
		}
	}
	slices.SortFunc(dirty, func(a, b *entry) int {
		if n := cmp.Compare(a.key.Device, b.key.Device); n != 0 {
			return n
		}
		return cmp.Compare(a.key.Block, b.key.Block)
	})
	for _, e := range dirty {
		if err := c.writeBack(e.key, e.value); err != nil {
			return err
		}
		e.dirty = false
	}
	return nil
}

// Invalidate removes entries matching the predicate. Dirty entries are dropped.
func (c *LRUBlockCache) Invalidate(predicate func(key Key) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var toRemove []*list.Element
	for key, element := range c.items {
		if predicate(key) {
			toRemove = append(toRemove, element)
		}
	}
	for _, e := range toRemove {
		_ = c.removeElement(e, false)
	}
}

func (c *LRUBlockCache) evict() error {
	for c.size > c.capacity {
		element := c.evictList.Back()
		if element == nil {
			break
		}
		if err := c.removeElement(element, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *LRUBlockCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Dirty returns the number of blocks waiting for write-back.
func (c *LRUBlockCache) Dirty() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, el := range c.items {
		if el.Value.(*entry).dirty {
			n++
		}
	}
	return n
}

func (c *LRUBlockCache) removeElement(e *list.Element, persist bool) error {
	kv := e.Value.(*entry)
	if persist && kv.dirty {
		if err := c.writeBack(kv.key, kv.value); err != nil {
			return err
		}
	}
	c.evictList.Remove(e)
	delete(c.items, kv.key)
	itemSize := int64(len(kv.value))
	c.size -= itemSize
	if c.rc != nil {
		c.rc.ReleaseMemory(itemSize)
	}
	return nil
}

// Size returns the current size of the cache in bytes.
func (c *LRUBlockCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}
