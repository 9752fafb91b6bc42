// Package cache provides a write-back LRU cache for device blocks.
//
// Clean blocks are dropped on eviction. Dirty blocks are handed to the
// WriteBackFunc before they leave the cache, on Flush, or immediately when
// the memory budget of the owning resource.Controller refuses them.
package cache
