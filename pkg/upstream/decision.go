package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/dcherniev/sdl-core/pkg/adapter"
	"github.com/dcherniev/sdl-core/pkg/event"
)

// Verdict is the answer to an inbound connect request.
type Verdict int

const (
	// Defer leaves the request pending for someone else to answer.
	Defer Verdict = iota
	Accept
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Accept:
		return "accept"
	case Reject:
		return "reject"
	default:
		return "defer"
	}
}

// Request describes a peer-initiated connect awaiting a decision.
type Request struct {
	Adapter   string
	Transport string
	Device    adapter.DeviceUID
	App       adapter.ApplicationHandle
	At        time.Time
}

// RequestFrom extracts the request carried by a tm.connect.requested event.
func RequestFrom(evt event.Event) Request {
	return Request{
		Adapter:   evt.Source,
		Transport: evt.Metadata[event.MetaTransport],
		Device:    evt.Device,
		App:       evt.App,
		At:        evt.Timestamp,
	}
}

// Decider chooses the verdict for an inbound connect request.
type Decider interface {
	Decide(ctx context.Context, req Request) Verdict
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, req Request) Verdict

// Decide calls f.
func (f DeciderFunc) Decide(ctx context.Context, req Request) Verdict { return f(ctx, req) }

// AcceptAll accepts every request.
var AcceptAll = DeciderFunc(func(context.Context, Request) Verdict { return Accept })

// RejectAll rejects every request.
var RejectAll = DeciderFunc(func(context.Context, Request) Verdict { return Reject })

// Responder answers pending connect requests. *manager.Manager satisfies it.
type Responder interface {
	AcceptConnect(dev adapter.DeviceUID, app adapter.ApplicationHandle) error
	RejectConnect(dev adapter.DeviceUID, app adapter.ApplicationHandle) error
}

// DecisionFilter selects the events a DecisionConsumer handles.
func DecisionFilter() event.Filter {
	return event.Filter{Types: []string{event.TypeConnectRequested}}
}

// DecisionConsumer answers tm.connect.requested events with the verdict of a
// Decider. Register it with DecisionFilter.
type DecisionConsumer struct {
	r      Responder
	d      Decider
	logger *slog.Logger
}

// NewDecisionConsumer creates a consumer that asks d and answers through r.
// A nil logger discards output.
func NewDecisionConsumer(r Responder, d Decider, logger *slog.Logger) *DecisionConsumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &DecisionConsumer{r: r, d: d, logger: logger.With("component", "decision")}
}

// HandleEvent implements Consumer.
func (c *DecisionConsumer) HandleEvent(ctx context.Context, evt event.Event) error {
	if evt.Type != event.TypeConnectRequested {
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, evt.Type)
	}

	req := RequestFrom(evt)
	v := c.d.Decide(ctx, req)
	c.logger.Info("connect request decided", "adapter", req.Adapter, "device", req.Device,
		"app", int(req.App), "verdict", v.String())

	switch v {
	case Accept:
		return c.r.AcceptConnect(req.Device, req.App)
	case Reject:
		return c.r.RejectConnect(req.Device, req.App)
	}
	return nil
}

// AllowList accepts requests whose device UID matches one of Devices and
// whose transport matches one of Transports. Patterns use path.Match syntax.
// An empty Transports list matches every transport. Everything else gets
// Fallback.
type AllowList struct {
	Devices    []string
	Transports []string
	Fallback   Verdict
}

// NewAllowList validates the patterns and returns a list that rejects
// anything not matched.
func NewAllowList(devices, transports []string) (*AllowList, error) {
	for _, p := range append(append([]string(nil), devices...), transports...) {
		if _, err := path.Match(p, ""); err != nil {
			return nil, fmt.Errorf("allow list pattern %q: %w", p, err)
		}
	}
	return &AllowList{Devices: devices, Transports: transports, Fallback: Reject}, nil
}

// Decide implements Decider.
func (l *AllowList) Decide(_ context.Context, req Request) Verdict {
	if len(l.Transports) > 0 && !matchAny(req.Transport, l.Transports) {
		return l.Fallback
	}
	if matchAny(string(req.Device), l.Devices) {
		return Accept
	}
	return l.Fallback
}

func matchAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(p, s); ok {
			return true
		}
	}
	return false
}
