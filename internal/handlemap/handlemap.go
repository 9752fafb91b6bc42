// Package handlemap implements a dense index-to-value table with a free list.
//
// Indices handed out by Insert are reused after Remove: the most recently
// freed index is returned first. Remove does not clear the slot, so At still
// reaches the old value until the index is reused. Use Live or Get when a
// stale slot must not be mistaken for a live one.
//
// A Map is not safe for concurrent use; callers guard it with their own lock.
package handlemap

// Map is a growable table of values addressed by small integer indices.
type Map[T any] struct {
	items []T
	freed []bool
	free  []int
}

// New returns an empty map.
func New[T any]() *Map[T] {
	return &Map[T]{}
}

// Insert stores v and returns its index. A freed index is reused if one exists.
func (m *Map[T]) Insert(v T) int {
	if n := len(m.free); n > 0 {
		i := m.free[n-1]
		m.free = m.free[:n-1]
		m.items[i] = v
		m.freed[i] = false
		return i
	}
	m.items = append(m.items, v)
	m.freed = append(m.freed, false)
	return len(m.items) - 1
}

// Remove marks i as free. The stored value is left in place.
// Removing an unknown or already freed index is a no-op and returns false.
func (m *Map[T]) Remove(i int) bool {
	if !m.Live(i) {
		return false
	}
	m.freed[i] = true
	m.free = append(m.free, i)
	return true
}

// Exists reports whether i is inside the table. It is true for freed slots.
func (m *Map[T]) Exists(i int) bool {
	return i >= 0 && i < len(m.items)
}

// Live reports whether i is inside the table and not freed.
func (m *Map[T]) Live(i int) bool {
	return m.Exists(i) && !m.freed[i]
}

// At returns a pointer to slot i, freed or not. It panics if i is out of range.
func (m *Map[T]) At(i int) *T {
	return &m.items[i]
}

// Get returns the value at i when i is live.
func (m *Map[T]) Get(i int) (T, bool) {
	if !m.Live(i) {
		var zero T
		return zero, false
	}
	return m.items[i], true
}

// Set replaces the value of a live slot.
func (m *Map[T]) Set(i int, v T) bool {
	if !m.Live(i) {
		return false
	}
	m.items[i] = v
	return true
}

// Len returns the number of slots, including freed ones.
func (m *Map[T]) Len() int {
	return len(m.items)
}

// Count returns the number of live entries.
func (m *Map[T]) Count() int {
	return len(m.items) - len(m.free)
}

// Range calls fn for every live entry in index order until fn returns false.
func (m *Map[T]) Range(fn func(i int, v T) bool) {
	for i, v := range m.items {
		if m.freed[i] {
			continue
		}
		if !fn(i, v) {
			return
		}
	}
}
