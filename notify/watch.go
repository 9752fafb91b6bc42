package notify

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// watchSet is the state of a Watch. It is kept apart from the Watch so the
// cleanup attached to the Watch can reach it.
type watchSet struct {
	mu     sync.Mutex
	n      *Notifier
	subs   map[int]*Subscription
	next   int
	closed bool
}

func (ws *watchSet) close() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return
	}
	ws.closed = true
	for wd, s := range ws.subs {
		ws.n.UnregisterPath(s)
		delete(ws.subs, wd)
	}
}

// Watch is an inotify-style handle. Every path added through it is
// unregistered when the watch is closed or becomes unreachable.
type Watch struct {
	set     *watchSet
	svc     *Service
	cleanup runtime.Cleanup
}

// NewWatch creates a watch delivering to svc.
func (n *Notifier) NewWatch(svc *Service) *Watch {
	ws := &watchSet{n: n, subs: make(map[int]*Subscription), next: 1}
	w := &Watch{set: ws, svc: svc}
	w.cleanup = runtime.AddCleanup(w, func(ws *watchSet) { ws.close() }, ws)
	return w
}

// Add subscribes to p and returns a watch descriptor. Adding a path the
// service already watches returns ErrAlreadyRegistered.
func (w *Watch) Add(p string, mask Event) (int, error) {
	ws := w.set
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return -1, ErrClosed
	}
	s, err := ws.n.RegisterPath(p, w.svc, mask)
	if err != nil {
		if errors.Is(err, ErrAlreadyRegistered) {
			for wd, cur := range ws.subs {
				if cur == s {
					return wd, err
				}
			}
		}
		return -1, err
	}
	wd := ws.next
	ws.next++
	ws.subs[wd] = s
	return wd, nil
}

// Remove drops the subscription behind wd.
func (w *Watch) Remove(wd int) error {
	ws := w.set
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.closed {
		return ErrClosed
	}
	s, ok := ws.subs[wd]
	if !ok {
		return fmt.Errorf("watch descriptor %d: %w", wd, ErrInvalid)
	}
	delete(ws.subs, wd)
	ws.n.UnregisterPath(s)
	return nil
}

// Len returns the number of active watch descriptors.
func (w *Watch) Len() int {
	w.set.mu.Lock()
	defer w.set.mu.Unlock()
	return len(w.set.subs)
}

// Close unregisters every path of the watch.
func (w *Watch) Close() error {
	w.cleanup.Stop()
	w.set.close()
	return nil
}
