package event

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
)

// ErrErrorBusClosed is returned when subscribing to a closed ErrorBus.
var ErrErrorBusClosed = errors.New("error bus is closed")

// ErrorBus is a bounded, lossy, non-blocking bus for diagnostics.
//
// Key properties:
//   - Never blocks publishers, so the manager writer can always report
//   - Bounded buffers per subscriber
//   - Drops events on full buffers
//   - Lock-free read path (atomic.Pointer for subscriptions)
type ErrorBus struct {
	subs           atomic.Pointer[[]*ErrorSubscription]
	droppedCounter atomic.Uint64 // Total events dropped across all subs
	nextID         atomic.Uint64
	mu             sync.Mutex // Protects subscription modifications only
	closed         bool
	bufferSize     int // Buffer size per subscription
}

// ErrorSubscription represents a subscription to the error bus.
type ErrorSubscription struct {
	id     string
	ch     chan ErrorEvent
	mu     sync.RWMutex
	closed bool
}

// NewErrorBus creates a new error bus with the given buffer size per subscription.
// Default buffer size is 32 events per subscriber.
func NewErrorBus(bufferSize int) *ErrorBus {
	if bufferSize <= 0 {
		bufferSize = 32
	}

	bus := &ErrorBus{
		bufferSize: bufferSize,
	}

	emptyList := make([]*ErrorSubscription, 0)
	bus.subs.Store(&emptyList)

	return bus
}

// Publish sends an error event to all subscribers.
// This method never blocks; it drops events if subscriber buffers are full.
// Returns the number of successful deliveries.
func (b *ErrorBus) Publish(evt ErrorEvent) int {
	subs := b.subs.Load()
	if subs == nil || len(*subs) == 0 {
		return 0
	}

	delivered := 0
	for _, sub := range *subs {
		switch sub.offer(evt) {
		case offerDelivered:
			delivered++
		case offerFull:
			b.droppedCounter.Add(1)
		}
	}

	return delivered
}

// Subscribe creates a new subscription to error events.
// The returned subscription will receive all error events published after subscription.
func (b *ErrorBus) Subscribe(ctx context.Context) (*ErrorSubscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrErrorBusClosed
	}

	sub := &ErrorSubscription{
		id: "err-" + strconv.FormatUint(b.nextID.Add(1), 10),
		ch: make(chan ErrorEvent, b.bufferSize),
	}

	// Copy-on-write: create new subscription list
	oldSubs := b.subs.Load()
	newSubs := make([]*ErrorSubscription, len(*oldSubs)+1)
	copy(newSubs, *oldSubs)
	newSubs[len(*oldSubs)] = sub

	b.subs.Store(&newSubs)

	return sub, nil
}

// Unsubscribe removes a subscription from the error bus and closes it.
func (b *ErrorBus) Unsubscribe(sub *ErrorSubscription) {
	sub.Close()

	b.mu.Lock()
	defer b.mu.Unlock()

	oldSubs := b.subs.Load()
	newSubs := make([]*ErrorSubscription, 0, len(*oldSubs))
	for _, s := range *oldSubs {
		if s != sub {
			newSubs = append(newSubs, s)
		}
	}

	b.subs.Store(&newSubs)
}

// Close shuts down the error bus and all subscriptions.
func (b *ErrorBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	subs := b.subs.Load()
	for _, sub := range *subs {
		sub.Close()
	}

	empty := make([]*ErrorSubscription, 0)
	b.subs.Store(&empty)

	return nil
}

// DroppedCount returns the total number of events dropped due to full buffers.
func (b *ErrorBus) DroppedCount() uint64 {
	return b.droppedCounter.Load()
}

// SubscriberCount returns the current number of active subscribers.
func (b *ErrorBus) SubscriberCount() int {
	subs := b.subs.Load()
	if subs == nil {
		return 0
	}
	return len(*subs)
}

type offerResult int

const (
	offerDelivered offerResult = iota
	offerFull
	offerClosed
)

func (s *ErrorSubscription) offer(evt ErrorEvent) offerResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return offerClosed
	}
	select {
	case s.ch <- evt:
		return offerDelivered
	default:
		return offerFull
	}
}

// Events returns the channel for receiving error events.
func (s *ErrorSubscription) Events() <-chan ErrorEvent {
	return s.ch
}

// Close closes the subscription and stops receiving events.
// Safe to call multiple times.
func (s *ErrorSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// ID returns the subscription identifier.
func (s *ErrorSubscription) ID() string {
	return s.id
}

// ErrorHandler is a function that processes error events.
type ErrorHandler func(ErrorEvent)

// SubscribeWithHandler runs handler for every error event in a background
// goroutine. The goroutine stops when ctx is cancelled or the bus closes.
func (b *ErrorBus) SubscribeWithHandler(ctx context.Context, handler ErrorHandler) (*ErrorSubscription, error) {
	sub, err := b.Subscribe(ctx)
	if err != nil {
		return nil, err
	}

	go func() {
		defer b.Unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-sub.Events():
				if !ok {
					return
				}
				handler(evt)
			}
		}
	}()

	return sub, nil
}
