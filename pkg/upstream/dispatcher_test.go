package upstream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dcherniev/sdl-core/pkg/event"
)

// recordingConsumer collects events and optionally fails.
type recordingConsumer struct {
	mu     sync.Mutex
	events []event.Event
	fail   error
	closed int
	got    chan struct{}
}

func newRecordingConsumer() *recordingConsumer {
	return &recordingConsumer{got: make(chan struct{}, 64)}
}

func (c *recordingConsumer) HandleEvent(ctx context.Context, evt event.Event) error {
	c.mu.Lock()
	c.events = append(c.events, evt)
	err := c.fail
	c.mu.Unlock()
	c.got <- struct{}{}
	return err
}

func (c *recordingConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *recordingConsumer) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(time.Second):
			t.Fatalf("Timed out after %d of %d events", i, n)
		}
	}
}

func (c *recordingConsumer) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func publish(t *testing.T, bus event.Bus, typ string) {
	t.Helper()
	if err := bus.Publish(context.Background(), event.New(typ, "radio")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}

func TestDispatcher_RoutesByFilter(t *testing.T) {
	bus := event.NewInMemoryBus()
	defer bus.Close()

	d := NewDispatcher(bus)
	defer d.Shutdown()

	conns := newRecordingConsumer()
	all := newRecordingConsumer()
	if err := d.Register("conns", conns, event.Filter{Types: []string{"tm.connect.*"}}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := d.Register("all", all, event.Filter{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	publish(t, bus, event.TypeSearchDone)
	publish(t, bus, event.TypeConnectDone)
	publish(t, bus, event.TypeConnectFailed)

	all.wait(t, 3)
	conns.wait(t, 2)

	got := conns.types()
	if len(got) != 2 || got[0] != event.TypeConnectDone || got[1] != event.TypeConnectFailed {
		t.Errorf("Expected connect events in order, got %v", got)
	}
}

func TestDispatcher_RegisterWhileRunning(t *testing.T) {
	bus := event.NewInMemoryBus()
	defer bus.Close()

	d := NewDispatcher(bus)
	defer d.Shutdown()
	if err := d.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	c := newRecordingConsumer()
	if err := d.Register("late", c, event.Filter{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	publish(t, bus, event.TypeReceiveDone)
	c.wait(t, 1)
}

func TestDispatcher_RegisterErrors(t *testing.T) {
	d := NewDispatcher(event.NewInMemoryBus())
	defer d.Shutdown()

	if err := d.Register("x", nil, event.Filter{}); !errors.Is(err, ErrNilConsumer) {
		t.Errorf("Expected ErrNilConsumer, got %v", err)
	}
	c := newRecordingConsumer()
	if err := d.Register("x", c, event.Filter{}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := d.Register("x", c, event.Filter{}); !errors.Is(err, ErrConsumerExists) {
		t.Errorf("Expected ErrConsumerExists, got %v", err)
	}
	if err := d.Unregister("nope"); !errors.Is(err, ErrConsumerNotFound) {
		t.Errorf("Expected ErrConsumerNotFound, got %v", err)
	}
	if got, ok := d.Get("x"); !ok || got != c {
		t.Error("Expected Get to return the registered consumer")
	}
}

func TestDispatcher_UnregisterClosesConsumer(t *testing.T) {
	bus := event.NewInMemoryBus()
	defer bus.Close()

	d := NewDispatcher(bus)
	defer d.Shutdown()

	c := newRecordingConsumer()
	d.Register("c", c, event.Filter{})
	d.Start()

	if err := d.Unregister("c"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if c.closed != 1 {
		t.Errorf("Expected Close once, got %d", c.closed)
	}
	if len(d.List()) != 0 {
		t.Errorf("Expected no consumers, got %v", d.List())
	}
}

func TestDispatcher_FailureReported(t *testing.T) {
	bus := event.NewInMemoryBus()
	defer bus.Close()
	errs := event.NewErrorBus(8)
	defer errs.Close()

	diags, err := errs.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	d := NewDispatcher(bus, WithErrorBus(errs))
	defer d.Shutdown()

	c := newRecordingConsumer()
	c.fail = errors.New("upstream offline")
	d.Register("flaky", c, event.Filter{})
	d.Start()

	publish(t, bus, event.TypeSendDone)
	publish(t, bus, event.TypeSendDone)
	c.wait(t, 2)

	select {
	case evt := <-diags.Events():
		if evt.Code != event.CodeConsumerFail {
			t.Errorf("Expected %s, got %s", event.CodeConsumerFail, evt.Code)
		}
		if evt.Component != "consumer:flaky" {
			t.Errorf("Expected component consumer:flaky, got %s", evt.Component)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a diagnostic")
	}
}

func TestDispatcher_PanicRecovered(t *testing.T) {
	bus := event.NewInMemoryBus()
	defer bus.Close()

	d := NewDispatcher(bus)
	defer d.Shutdown()

	calls := make(chan struct{}, 2)
	d.Register("boom", ConsumerFunc(func(ctx context.Context, evt event.Event) error {
		calls <- struct{}{}
		panic("bad consumer")
	}), event.Filter{})
	d.Start()

	publish(t, bus, event.TypeSendDone)
	publish(t, bus, event.TypeSendDone)
	for i := 0; i < 2; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("Consumer stopped after panic (%d calls)", i)
		}
	}
}

func TestDispatcher_StopWaitsAndCloses(t *testing.T) {
	bus := event.NewInMemoryBus()
	defer bus.Close()

	d := NewDispatcher(bus)
	c := newRecordingConsumer()
	d.Register("c", c, event.Filter{})
	d.Start()

	if err := d.Shutdown(); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if c.closed != 1 {
		t.Errorf("Expected Close once, got %d", c.closed)
	}
	if n := bus.SubscriberCount(); n != 0 {
		t.Errorf("Expected subscriptions released, got %d", n)
	}
}
