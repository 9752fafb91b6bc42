package vfs

import (
	"sync"
	"sync/atomic"
)

// RecursiveLock serializes access to a non-reentrant backend library.
//
// Go has no goroutine identity, so re-entry is explicit: Enter returns a
// Scope, and code already holding the lock nests through Scope.Enter
// instead of locking again. The lock is released when the outermost scope
// exits.
type RecursiveLock struct {
	mu       sync.Mutex
	acquired atomic.Int64
}

// Scope is a held RecursiveLock.
type Scope struct {
	l     *RecursiveLock
	depth int
}

// Enter blocks until the lock is free and returns the outermost scope.
func (l *RecursiveLock) Enter() *Scope {
	l.mu.Lock()
	l.acquired.Add(1)
	return &Scope{l: l, depth: 1}
}

// Acquisitions returns how often the lock was taken from the outside.
func (l *RecursiveLock) Acquisitions() int64 { return l.acquired.Load() }

// Enter re-enters the lock held by s.
func (s *Scope) Enter() *Scope {
	s.depth++
	return s
}

// Exit leaves one level; the lock is released when the last level exits.
func (s *Scope) Exit() {
	if s.depth == 0 {
		panic("vfs: exit of released lock scope")
	}
	s.depth--
	if s.depth == 0 {
		s.l.mu.Unlock()
	}
}

// Depth returns the current nesting level.
func (s *Scope) Depth() int { return s.depth }
