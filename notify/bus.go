package notify

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrAlreadyRegistered is returned when the same service registers the
	// same path twice. The existing subscription stays in place.
	ErrAlreadyRegistered = errors.New("notify: path already registered for service")
	// ErrInvalid reports a nil service, empty path or empty mask.
	ErrInvalid = errors.New("notify: invalid subscription")
	// ErrNoService is returned by a bus that does not know the target.
	ErrNoService = errors.New("notify: no such service")
	// ErrQueueFull is returned when a service's queue cannot take a message.
	ErrQueueFull = errors.New("notify: service queue full")
	// ErrClosed is returned by operations on a closed watch.
	ErrClosed = errors.New("notify: watch closed")
)

// Bus delivers messages to named services.
type Bus interface {
	Send(service string, msg Message) error
}

// Service is the identity of a subscriber. The notifier only keeps weak
// references to services: once a service is stopped or garbage collected
// its subscriptions go stale and are skipped.
type Service struct {
	name    string
	stopped atomic.Bool
}

// NewService creates a subscriber identity delivering to the named service.
func NewService(name string) *Service {
	return &Service{name: name}
}

// Name returns the bus address of the service.
func (s *Service) Name() string { return s.name }

// Stop marks the service as gone.
func (s *Service) Stop() { s.stopped.Store(true) }

// Stopped reports whether Stop was called.
func (s *Service) Stopped() bool { return s.stopped.Load() }

// ChannelBus is an in-process Bus backed by buffered channels.
type ChannelBus struct {
	mu    sync.RWMutex
	chans map[string]chan Message
}

// NewChannelBus creates an empty bus.
func NewChannelBus() *ChannelBus {
	return &ChannelBus{chans: make(map[string]chan Message)}
}

// Subscribe returns the queue of the named service, creating it with the
// given buffer size on first use.
func (b *ChannelBus) Subscribe(service string, buffer int) <-chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.chans[service]; ok {
		return ch
	}
	ch := make(chan Message, buffer)
	b.chans[service] = ch
	return ch
}

// Send enqueues msg without blocking.
func (b *ChannelBus) Send(service string, msg Message) error {
	b.mu.RLock()
	ch, ok := b.chans[service]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s: %w", service, ErrNoService)
	}
	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("%s: %w", service, ErrQueueFull)
	}
}
