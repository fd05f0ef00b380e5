package event

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("bus is closed")

// Bus defines the interface for an event bus that supports publish/subscribe patterns.
type Bus interface {
	// Publish sends an event to all subscribers
	Publish(ctx context.Context, evt Event) error

	// Subscribe creates a subscription with optional filtering
	Subscribe(ctx context.Context, filter Filter) (Subscription, error)

	// Close shuts down the bus and releases all resources
	Close() error
}

// Filter defines criteria for filtering events in a subscription.
type Filter struct {
	// Types specifies event types to match (supports wildcards like "tm.connect.*")
	Types []string

	// Sources specifies adapter IDs to match
	Sources []string

	// Metadata specifies metadata key-value pairs that must match
	Metadata map[string]string
}

// Subscription represents an active subscription to an event bus.
type Subscription interface {
	// Events returns a channel that receives matching events
	Events() <-chan Event

	// Close unsubscribes and releases resources
	Close() error
}

// DropFunc observes events discarded for a slow subscriber.
type DropFunc func(evt Event)

// InMemoryBus is an in-memory implementation of the Bus interface.
// It supports fan-out to multiple subscribers with configurable buffering.
//
// In blocking mode a full subscriber stalls Publish until it catches up,
// its subscription is closed, or the publish context ends.
type InMemoryBus struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*inMemorySubscription
	nextID        uint64
	closed        bool
	bufferSize    int
	dropSlow      bool // If true, drop events for slow subscribers; if false, block
	onDrop        DropFunc

	published atomic.Uint64
	dropped   atomic.Uint64
}

// BusOption configures an InMemoryBus.
type BusOption func(*InMemoryBus)

// WithBufferSize sets the buffer size for subscription channels.
func WithBufferSize(size int) BusOption {
	return func(b *InMemoryBus) {
		if size >= 0 {
			b.bufferSize = size
		}
	}
}

// WithDropSlow configures whether to drop events for slow subscribers (true)
// or block until they catch up (false).
func WithDropSlow(drop bool) BusOption {
	return func(b *InMemoryBus) {
		b.dropSlow = drop
	}
}

// WithDropFunc registers an observer for dropped events.
func WithDropFunc(fn DropFunc) BusOption {
	return func(b *InMemoryBus) {
		b.onDrop = fn
	}
}

// NewInMemoryBus creates a new in-memory event bus with the given options.
func NewInMemoryBus(opts ...BusOption) *InMemoryBus {
	bus := &InMemoryBus{
		subscriptions: make(map[uint64]*inMemorySubscription),
		bufferSize:    64, // Default buffer size
		dropSlow:      false,
	}

	for _, opt := range opts {
		opt(bus)
	}

	return bus
}

// Publish sends an event to all matching subscribers.
func (b *InMemoryBus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}

	// Collect matching subscriptions
	var matching []*inMemorySubscription
	for _, sub := range b.subscriptions {
		if sub.filter.Match(evt) {
			matching = append(matching, sub)
		}
	}
	b.mu.RUnlock()

	b.published.Add(1)
	for _, sub := range matching {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !sub.send(ctx, evt, b.dropSlow) && b.dropSlow {
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop(evt)
			}
		}
	}

	return nil
}

// Subscribe creates a new subscription with the given filter.
func (b *InMemoryBus) Subscribe(ctx context.Context, filter Filter) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &inMemorySubscription{
		id:     b.nextID,
		bus:    b,
		filter: filter,
		ch:     make(chan Event, b.bufferSize),
		done:   make(chan struct{}),
	}

	b.subscriptions[sub.id] = sub
	return sub, nil
}

// Close shuts down the bus and all subscriptions.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.shutdown()
	}
	return nil
}

// SubscriberCount returns the number of open subscriptions.
func (b *InMemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscriptions)
}

// Published returns how many events were published.
func (b *InMemoryBus) Published() uint64 {
	return b.published.Load()
}

// Dropped returns how many deliveries were dropped for slow subscribers.
func (b *InMemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

// inMemorySubscription represents a single subscription.
type inMemorySubscription struct {
	id     uint64
	bus    *InMemoryBus
	filter Filter
	ch     chan Event
	done   chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	closed bool
}

// Events returns the channel that receives events.
func (s *inMemorySubscription) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the event channel.
func (s *inMemorySubscription) Close() error {
	s.bus.mu.Lock()
	if s.bus.subscriptions != nil {
		delete(s.bus.subscriptions, s.id)
	}
	s.bus.mu.Unlock()

	s.shutdown()
	return nil
}

// shutdown releases blocked senders, then closes the channel once no send
// is in progress.
func (s *inMemorySubscription) shutdown() {
	s.once.Do(func() { close(s.done) })

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers evt. It reports false if the event was not delivered.
func (s *inMemorySubscription) send(ctx context.Context, evt Event, dropSlow bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	if dropSlow {
		// Non-blocking send, drop event if channel is full
		select {
		case s.ch <- evt:
			return true
		default:
			return false
		}
	}

	select {
	case s.ch <- evt:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// Match checks if an event satisfies the filter. An empty filter matches
// every event.
func (f Filter) Match(evt Event) bool {
	// Check type filters
	if len(f.Types) > 0 && !matchesAny(evt.Type, f.Types) {
		return false
	}

	// Check source filters
	if len(f.Sources) > 0 && !matchesAny(evt.Source, f.Sources) {
		return false
	}

	// Check metadata filters
	for key, value := range f.Metadata {
		if v, ok := evt.Metadata[key]; !ok || !matchesAny(v, []string{value}) {
			return false
		}
	}

	return true
}

// String identifies the subscription in logs.
func (s *inMemorySubscription) String() string {
	return fmt.Sprintf("sub-%d", s.id)
}

// matchesAny checks if a string matches any pattern in the list.
// Supports wildcard patterns using filepath.Match syntax.
func matchesAny(str string, patterns []string) bool {
	for _, pattern := range patterns {
		matched, err := filepath.Match(pattern, str)
		if err == nil && matched {
			return true
		}
	}
	return false
}
