package cache

// Key identifies one logical block of a device.
type Key struct {
	Device string
	Block  uint64
}

// WriteBackFunc persists a dirty block. It is called on eviction and Flush.
type WriteBackFunc func(key Key, b []byte) error

// BlockCache caches fixed-size device blocks.
// Returned slices must be treated as read-only.
type BlockCache interface {
	// Get returns a cached block. ok=false if missing.
	Get(key Key) (b []byte, ok bool)
	// Set caches a clean block.
	Set(key Key, b []byte) error
	// SetDirty caches a block that must be written back before it leaves the cache.
	SetDirty(key Key, b []byte) error
	// Flush writes back every dirty block in block order.
	Flush() error
	// Invalidate drops entries matching the predicate without writing them back.
	Invalidate(predicate func(key Key) bool)
	// Stats returns cache statistics.
	Stats() (hits, misses int64)
}
