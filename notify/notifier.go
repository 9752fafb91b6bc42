// Package notify delivers filesystem change events to subscribed services.
//
// Subscriptions are keyed by path. A change at /user/media/a.mp3 is offered
// to the subscribers of /user/media/a.mp3, /user/media, /user and /, in that
// order. Subscribers are held weakly: a stopped or collected service never
// receives messages, and its stale subscriptions are dropped by
// PruneExpired.
package notify

import (
	"container/list"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"
	"weak"

	"golang.org/x/time/rate"
)

// Metrics receives delivery counts.
type Metrics interface {
	RecordNotify(delivered int, dropped int)
}

type noopMetrics struct{}

func (noopMetrics) RecordNotify(int, int) {}

type options struct {
	logger  *slog.Logger
	metrics Metrics
	// warnEvery bounds how often stale-subscriber warnings are logged.
	warnEvery time.Duration
}

// Option configures a Notifier.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithWarnInterval sets the minimum interval between stale-subscriber
// warnings.
func WithWarnInterval(d time.Duration) Option {
	return func(o *options) {
		o.warnEvery = d
	}
}

// Subscription is one (path, service, mask) registration.
type Subscription struct {
	path  string
	owner weak.Pointer[Service]
	mask  Event
	elem  *list.Element
}

// Path returns the registered path.
func (s *Subscription) Path() string { return s.path }

// Mask returns the registered event mask.
func (s *Subscription) Mask() Event { return s.mask }

func (s *Subscription) service() (*Service, bool) {
	svc := s.owner.Value()
	if svc == nil || svc.Stopped() {
		return nil, false
	}
	return svc, true
}

// Notifier maps paths to subscribers and fans change events out over a Bus.
type Notifier struct {
	mu   sync.RWMutex
	subs map[string]*list.List
	fds  map[int]string

	bus     Bus
	logger  *slog.Logger
	metrics Metrics
	warn    *rate.Limiter
}

// New creates a notifier delivering over bus.
func New(bus Bus, optFns ...Option) *Notifier {
	o := options{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:   noopMetrics{},
		warnEvery: time.Second,
	}
	for _, fn := range optFns {
		fn(&o)
	}
	return &Notifier{
		subs:    make(map[string]*list.List),
		fds:     make(map[int]string),
		bus:     bus,
		logger:  o.logger,
		metrics: o.metrics,
		warn:    rate.NewLimiter(rate.Every(o.warnEvery), 1),
	}
}

// RegisterPath subscribes svc to events in mask at p and below.
// Registering the same path twice for one service returns the existing
// subscription together with ErrAlreadyRegistered.
func (n *Notifier) RegisterPath(p string, svc *Service, mask Event) (*Subscription, error) {
	if svc == nil || p == "" || mask&EventAll == 0 {
		return nil, ErrInvalid
	}
	p = path.Clean(p)
	owner := weak.Make(svc)

	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.subs[p]
	if !ok {
		l = list.New()
		n.subs[p] = l
	}
	for e := l.Front(); e != nil; e = e.Next() {
		if s := e.Value.(*Subscription); s.owner == owner {
			return s, ErrAlreadyRegistered
		}
	}
	s := &Subscription{path: p, owner: owner, mask: mask & EventAll}
	s.elem = l.PushBack(s)
	return s, nil
}

// UnregisterPath removes s. It reports false if s was already removed.
func (n *Notifier) UnregisterPath(s *Subscription) bool {
	if s == nil {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unregisterLocked(s)
}

func (n *Notifier) unregisterLocked(s *Subscription) bool {
	if s.elem == nil {
		return false
	}
	l := n.subs[s.path]
	l.Remove(s.elem)
	s.elem = nil
	if l.Len() == 0 {
		delete(n.subs, s.path)
	}
	return true
}

type delivery struct {
	service string
	msg     Message
}

// Notify offers an event at p to the subscribers of p and all its ancestors.
// oldPath is carried along for moves.
func (n *Notifier) Notify(p, oldPath string, ev Event) {
	if p == "" || ev == 0 {
		return
	}
	p = path.Clean(p)

	var (
		out   []delivery
		stale int
	)
	n.mu.RLock()
	for dir := p; ; dir = path.Dir(dir) {
		if l, ok := n.subs[dir]; ok {
			for e := l.Front(); e != nil; e = e.Next() {
				s := e.Value.(*Subscription)
				if s.mask&ev == 0 {
					continue
				}
				svc, ok := s.service()
				if !ok {
					stale++
					continue
				}
				out = append(out, delivery{
					service: svc.Name(),
					msg:     Message{Path: p, OldPath: oldPath, Event: ev, Watched: dir},
				})
			}
		}
		if dir == "/" || dir == "." {
			break
		}
	}
	n.mu.RUnlock()

	if stale > 0 && n.warn.Allow() {
		n.logger.Warn("notify: stale subscribers skipped", "path", p, "count", stale)
	}

	dropped := 0
	for _, d := range out {
		if err := n.bus.Send(d.service, d.msg); err != nil {
			dropped++
			n.logger.Debug("notify: delivery failed", "service", d.service, "path", p, "error", err)
		}
	}
	n.metrics.RecordNotify(len(out)-dropped, dropped)
}

// NotifyFD offers an event for the path the descriptor was opened with.
// Unknown descriptors are ignored.
func (n *Notifier) NotifyFD(fd int, ev Event) {
	n.mu.RLock()
	p, ok := n.fds[fd]
	n.mu.RUnlock()
	if ok {
		n.Notify(p, "", ev)
	}
}

// TrackOpen remembers the path behind fd.
func (n *Notifier) TrackOpen(fd int, p string) {
	n.mu.Lock()
	n.fds[fd] = path.Clean(p)
	n.mu.Unlock()
}

// TrackClose forgets fd.
func (n *Notifier) TrackClose(fd int) {
	n.mu.Lock()
	delete(n.fds, fd)
	n.mu.Unlock()
}

// PruneExpired drops subscriptions whose service is gone and returns how
// many were removed.
func (n *Notifier) PruneExpired() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := 0
	for _, l := range n.subs {
		for e := l.Front(); e != nil; {
			next := e.Next()
			s := e.Value.(*Subscription)
			if _, ok := s.service(); !ok {
				n.unregisterLocked(s)
				removed++
			}
			e = next
		}
	}
	return removed
}

// Count returns the number of registered subscriptions, stale ones included.
func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	total := 0
	for _, l := range n.subs {
		total += l.Len()
	}
	return total
}
