// Package upstream connects the layers above the Transport Manager to its
// event bus.
//
// A Consumer receives manager events on its own goroutine, so it may call
// back into the manager (Connect, SendData, AcceptConnect, ...) without
// stalling the writer. Policies such as which inbound connections to accept
// live here, never in the manager.
package upstream

import (
	"context"
	"errors"

	"github.com/dcherniev/sdl-core/pkg/event"
)

// Common errors returned by consumers
var (
	ErrConsumerExists   = errors.New("upstream: consumer already registered")
	ErrConsumerNotFound = errors.New("upstream: consumer not found")
	ErrNilConsumer      = errors.New("upstream: nil consumer")
	ErrUnsupportedEvent = errors.New("upstream: unsupported event type")
)

// Consumer handles manager events.
//
// HandleEvent is called sequentially for one consumer, in publication order.
// A returned error is reported as a CONSUMER_FAIL diagnostic; the consumer
// keeps receiving events.
type Consumer interface {
	HandleEvent(ctx context.Context, evt event.Event) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, evt event.Event) error

// HandleEvent calls f.
func (f ConsumerFunc) HandleEvent(ctx context.Context, evt event.Event) error {
	return f(ctx, evt)
}

// Closer is implemented by consumers that hold resources. Close is called
// when the consumer is unregistered and when the dispatcher stops, so it must
// tolerate repeated calls.
type Closer interface {
	Close() error
}

// Source is where consumers get their events. *manager.Manager and
// event.Bus both satisfy it.
type Source interface {
	Subscribe(ctx context.Context, filter event.Filter) (event.Subscription, error)
}
