package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dcherniev/sdl-core/pkg/event"
)

// Dispatcher manages the lifecycle of consumers attached to an event source.
// It subscribes each consumer with its own filter and runs it on its own
// goroutine.
type Dispatcher struct {
	src    Source
	errs   *event.ErrorBus
	logger *slog.Logger

	mu            sync.Mutex
	consumers     map[string]Consumer
	filters       map[string]event.Filter
	subscriptions map[string]event.Subscription
	running       bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithErrorBus reports consumer failures as CONSUMER_FAIL diagnostics on b.
func WithErrorBus(b *event.ErrorBus) DispatcherOption {
	return func(d *Dispatcher) { d.errs = b }
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDispatcher creates a dispatcher reading from src.
func NewDispatcher(src Source, opts ...DispatcherOption) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		src:           src,
		logger:        slog.New(slog.DiscardHandler),
		consumers:     make(map[string]Consumer),
		filters:       make(map[string]event.Filter),
		subscriptions: make(map[string]event.Subscription),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "upstream")
	return d
}

// Register adds a consumer under id with its event filter. An empty filter
// matches every event. If the dispatcher is already running the consumer
// starts immediately.
func (d *Dispatcher) Register(id string, c Consumer, filter event.Filter) error {
	if c == nil {
		return ErrNilConsumer
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.consumers[id]; exists {
		return fmt.Errorf("%w: %s", ErrConsumerExists, id)
	}
	d.consumers[id] = c
	d.filters[id] = filter

	if d.running {
		if err := d.startLocked(id); err != nil {
			delete(d.consumers, id)
			delete(d.filters, id)
			return err
		}
	}
	return nil
}

// Unregister stops and removes a consumer.
func (d *Dispatcher) Unregister(id string) error {
	d.mu.Lock()
	c, exists := d.consumers[id]
	if !exists {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrConsumerNotFound, id)
	}
	sub := d.subscriptions[id]
	delete(d.subscriptions, id)
	delete(d.consumers, id)
	delete(d.filters, id)
	d.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	return closeConsumer(id, c)
}

// Start subscribes every registered consumer.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return nil
	}

	var startErrors []error
	for id := range d.consumers {
		if err := d.startLocked(id); err != nil {
			startErrors = append(startErrors, err)
		}
	}
	if len(startErrors) > 0 {
		for id, sub := range d.subscriptions {
			sub.Close()
			delete(d.subscriptions, id)
		}
		return fmt.Errorf("failed to start consumers: %w", errors.Join(startErrors...))
	}
	d.running = true
	return nil
}

func (d *Dispatcher) startLocked(id string) error {
	sub, err := d.src.Subscribe(d.ctx, d.filters[id])
	if err != nil {
		return fmt.Errorf("consumer %s: subscribe: %w", id, err)
	}
	d.subscriptions[id] = sub

	d.wg.Add(1)
	go d.consume(id, d.consumers[id], sub)
	return nil
}

// consume feeds one consumer until its subscription closes.
func (d *Dispatcher) consume(id string, c Consumer, sub event.Subscription) {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			d.handle(id, c, evt)
		}
	}
}

func (d *Dispatcher) handle(id string, c Consumer, evt event.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.fail(id, evt, fmt.Errorf("panic: %v", r), event.CodePanic)
		}
	}()

	if err := c.HandleEvent(d.ctx, evt); err != nil {
		d.fail(id, evt, err, event.CodeConsumerFail)
	}
}

func (d *Dispatcher) fail(id string, evt event.Event, err error, code string) {
	d.logger.Warn("consumer failed", "consumer", id, "type", evt.Type, "seq", evt.Seq, "error", err)
	if d.errs == nil {
		return
	}
	d.errs.Publish(event.NewErrorEvent(event.Error, code, "consumer:"+id, err.Error()).
		WithContext("type", evt.Type).
		WithContext("seq", evt.Seq))
}

// Stop closes every subscription, waits for the consumer goroutines and
// closes consumers that implement Closer. Registrations are kept.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	for id, sub := range d.subscriptions {
		sub.Close()
		delete(d.subscriptions, id)
	}
	d.running = false
	consumers := make(map[string]Consumer, len(d.consumers))
	for id, c := range d.consumers {
		consumers[id] = c
	}
	d.mu.Unlock()

	d.wg.Wait()

	var closeErrors []error
	for id, c := range consumers {
		if err := closeConsumer(id, c); err != nil {
			closeErrors = append(closeErrors, err)
		}
	}
	return errors.Join(closeErrors...)
}

// Shutdown cancels in-flight handlers and stops every consumer.
func (d *Dispatcher) Shutdown() error {
	d.cancel()
	return d.Stop()
}

// List returns the registered consumer IDs, sorted.
func (d *Dispatcher) List() []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	ids := make([]string, 0, len(d.consumers))
	for id := range d.consumers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Get retrieves a consumer by ID.
func (d *Dispatcher) Get(id string) (Consumer, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.consumers[id]
	return c, ok
}

func closeConsumer(id string, c Consumer) error {
	cl, ok := c.(Closer)
	if !ok {
		return nil
	}
	if err := cl.Close(); err != nil {
		return fmt.Errorf("consumer %s: %w", id, err)
	}
	return nil
}
