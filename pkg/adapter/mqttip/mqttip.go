// Package mqttip is an IP transport: devices reachable through an MQTT
// broker.
//
// Devices announce themselves on retained topics and keep a status topic
// with a Last Will, so discovery is a read of the announce cache and a
// vanished device surfaces as a lost link. Channel open and close are
// request/acknowledge exchanges on the device control topic; payloads flow
// on one topic pair per application handle.
package mqttip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"

	"github.com/dcherniev/sdl-core/pkg/adapter"
)

// UIDPrefix starts every device UID minted by this transport.
const UIDPrefix = "mqtt:"

// Config selects the broker and topic namespace.
type Config struct {
	Broker         string        `yaml:"broker"` // e.g. tcp://localhost:1883
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	Prefix         string        `yaml:"prefix"`
	QoS            byte          `yaml:"qos"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultConfig returns a config for a local broker.
func DefaultConfig() Config {
	return Config{
		Broker:         "tcp://localhost:1883",
		ClientID:       "transportd",
		Prefix:         "sdl",
		QoS:            1,
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.New("mqttip: broker is required")
	}
	if c.ClientID == "" {
		return errors.New("mqttip: client_id is required")
	}
	if c.Prefix == "" || strings.ContainsAny(c.Prefix, "+#") {
		return fmt.Errorf("mqttip: invalid prefix %q", c.Prefix)
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqttip: qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if c.ConnectTimeout <= 0 {
		return errors.New("mqttip: connect_timeout must be > 0")
	}
	return nil
}

type chanKey struct {
	id  string
	app adapter.ApplicationHandle
}

// Driver implements adapter.Driver over MQTT.
type Driver struct {
	cfg    Config
	t      topics
	logger *slog.Logger
	dial   dialer

	mu      sync.Mutex
	b       broker
	sink    adapter.Sink
	devices map[string]adapter.Device
	offline map[string]bool
	open    map[chanKey]bool
	waiters map[string]chan reply
}

var (
	_ adapter.Driver       = (*Driver)(nil)
	_ adapter.Starter      = (*Driver)(nil)
	_ adapter.Stopper      = (*Driver)(nil)
	_ adapter.Responder    = (*Driver)(nil)
	_ adapter.DeviceCloser = (*Driver)(nil)
)

// New creates a driver. Nothing connects until the adapter is initialized.
// A nil logger discards output.
func New(cfg Config, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		cfg:     cfg,
		t:       topics{prefix: cfg.Prefix},
		logger:  logger.With("transport", "mqtt"),
		dial:    dialPaho,
		devices: make(map[string]adapter.Device),
		offline: make(map[string]bool),
		open:    make(map[chanKey]bool),
		waiters: make(map[string]chan reply),
	}
}

// UID returns the device UID for a device ID on the broker.
func UID(id string) adapter.DeviceUID { return adapter.DeviceUID(UIDPrefix + id) }

func deviceID(uid adapter.DeviceUID) string {
	return strings.TrimPrefix(string(uid), UIDPrefix)
}

// Start implements adapter.Starter. It connects and subscribes to the device
// namespace.
func (d *Driver) Start(ctx context.Context, sink adapter.Sink) error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	coreStatus := d.t.core(d.cfg.ClientID)
	b, err := d.dial(d.cfg, will{topic: coreStatus, payload: statusOffline}, hooks{lost: d.brokerLost})
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.b = b
	d.sink = sink
	d.mu.Unlock()

	subs := []struct {
		topic string
		h     handler
	}{
		{d.t.wildcard("announce"), d.onAnnounce},
		{d.t.wildcard("status"), d.onStatus},
		{d.t.wildcard("reply"), d.onReply},
		{d.t.upstreamWildcard(), d.onUp},
	}
	for _, s := range subs {
		if err := b.Subscribe(s.topic, s.h); err != nil {
			b.Close()
			return err
		}
	}
	if err := b.Publish(coreStatus, true, []byte(statusOnline)); err != nil {
		d.logger.Warn("presence publish failed", "error", err)
	}
	d.logger.Info("broker connected", "broker", d.cfg.Broker, "prefix", d.cfg.Prefix)
	return nil
}

// Stop implements adapter.Stopper.
func (d *Driver) Stop() error {
	d.mu.Lock()
	b := d.b
	d.b = nil
	d.sink = nil
	d.open = make(map[chanKey]bool)
	d.mu.Unlock()

	if b == nil {
		return nil
	}
	if err := b.Publish(d.t.core(d.cfg.ClientID), true, []byte(statusOffline)); err != nil {
		d.logger.Debug("offline publish failed", "error", err)
	}
	b.Close()
	return nil
}

// Scan implements adapter.Driver. Announcements arrive continuously, so a
// scan reports the devices currently announced and online.
func (d *Driver) Scan(ctx context.Context) ([]adapter.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.b == nil {
		return nil, adapter.ErrUnreachable
	}
	out := make([]adapter.Device, 0, len(d.devices))
	for id, dev := range d.devices {
		if !d.offline[id] {
			out = append(out, dev.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// Open implements adapter.Driver.
func (d *Driver) Open(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	id := deviceID(dev.UID)
	if err := d.reachable(id); err != nil {
		return err
	}
	if err := d.request(ctx, id, control{Op: opOpen, App: int(app)}); err != nil {
		return err
	}
	d.mu.Lock()
	d.open[chanKey{id, app}] = true
	d.mu.Unlock()
	return nil
}

// Close implements adapter.Driver.
func (d *Driver) Close(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	id := deviceID(dev.UID)
	if err := d.request(ctx, id, control{Op: opClose, App: int(app)}); err != nil {
		return err
	}
	d.mu.Lock()
	delete(d.open, chanKey{id, app})
	d.mu.Unlock()
	return nil
}

// CloseDevice implements adapter.DeviceCloser.
func (d *Driver) CloseDevice(ctx context.Context, dev adapter.Device) error {
	id := deviceID(dev.UID)
	if err := d.request(ctx, id, control{Op: opCloseAll}); err != nil {
		return err
	}
	d.mu.Lock()
	for k := range d.open {
		if k.id == id {
			delete(d.open, k)
		}
	}
	d.mu.Unlock()
	return nil
}

// Send implements adapter.Driver.
func (d *Driver) Send(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle, data []byte) error {
	id := deviceID(dev.UID)
	d.mu.Lock()
	b := d.b
	open := d.open[chanKey{id, app}]
	d.mu.Unlock()

	if b == nil || !open {
		return fmt.Errorf("mqtt channel %s/%d: %w", id, app, adapter.ErrLinkLost)
	}
	return b.Publish(d.t.down(id, app), false, data)
}

// Accept implements adapter.Responder. The device asked for the channel, so
// no acknowledgement is awaited.
func (d *Driver) Accept(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	id := deviceID(dev.UID)
	if err := d.command(id, control{Op: opAccept, App: int(app)}); err != nil {
		return err
	}
	d.mu.Lock()
	d.open[chanKey{id, app}] = true
	d.mu.Unlock()
	return nil
}

// Reject implements adapter.Responder.
func (d *Driver) Reject(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	return d.command(deviceID(dev.UID), control{Op: opReject, App: int(app)})
}

func (d *Driver) reachable(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[id]; !ok || d.offline[id] {
		return fmt.Errorf("mqtt device %s: %w", id, adapter.ErrUnreachable)
	}
	return nil
}

// command publishes c without waiting for a reply.
func (d *Driver) command(id string, c control) error {
	d.mu.Lock()
	b := d.b
	d.mu.Unlock()
	if b == nil {
		return adapter.ErrUnreachable
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return b.Publish(d.t.control(id), false, payload)
}

// request publishes c and waits for the matching acknowledgement.
func (d *Driver) request(ctx context.Context, id string, c control) error {
	c.Corr = uuid.NewString()
	ch := make(chan reply, 1)

	d.mu.Lock()
	d.waiters[c.Corr] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.waiters, c.Corr)
		d.mu.Unlock()
	}()

	if err := d.command(id, c); err != nil {
		return err
	}

	select {
	case r := <-ch:
		if !r.OK {
			return fmt.Errorf("mqtt device %s %s: %w: %s", id, c.Op, adapter.ErrRejectedByPeer, r.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) onAnnounce(topic string, payload []byte) {
	r, ok := d.t.parse(topic)
	if !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	// An empty retained payload clears the announcement.
	if len(payload) == 0 {
		delete(d.devices, r.id)
		return
	}
	var a announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		d.logger.Warn("malformed announcement", "device", r.id, "error", err)
		return
	}
	typ := a.Type
	if typ == "" {
		typ = "mqtt"
	}
	d.devices[r.id] = adapter.Device{
		UID:      UID(r.id),
		Name:     a.Name,
		Type:     typ,
		Address:  d.t.base(r.id),
		Metadata: a.Metadata,
	}
}

func (d *Driver) onStatus(topic string, payload []byte) {
	r, ok := d.t.parse(topic)
	if !ok {
		return
	}

	d.mu.Lock()
	sink := d.sink
	wasOnline := !d.offline[r.id]
	d.offline[r.id] = string(payload) == statusOffline
	hadOpen := false
	if d.offline[r.id] {
		for k := range d.open {
			if k.id == r.id {
				delete(d.open, k)
				hadOpen = true
			}
		}
	}
	d.mu.Unlock()

	if hadOpen && wasOnline && sink != nil {
		d.logger.Info("device went offline", "device", r.id)
		sink.LostDevice(UID(r.id), fmt.Errorf("mqtt device %s offline: %w", r.id, adapter.ErrLinkLost))
	}
}

func (d *Driver) onReply(topic string, payload []byte) {
	rt, ok := d.t.parse(topic)
	if !ok {
		return
	}
	var r reply
	if err := json.Unmarshal(payload, &r); err != nil {
		d.logger.Warn("malformed reply", "device", rt.id, "error", err)
		return
	}
	app := adapter.ApplicationHandle(r.App)
	k := chanKey{rt.id, app}

	d.mu.Lock()
	sink := d.sink
	var (
		waiter chan reply
		lost   bool
		dev    adapter.Device
	)
	switch r.Op {
	case opAck:
		waiter = d.waiters[r.Corr]
	case opClosed:
		lost = d.open[k]
		delete(d.open, k)
	case opRequest:
		dev, ok = d.devices[rt.id]
		if !ok {
			dev = adapter.Device{UID: UID(rt.id), Type: "mqtt", Address: d.t.base(rt.id)}
		}
		dev = dev.Clone()
	}
	d.mu.Unlock()

	switch r.Op {
	case opAck:
		if waiter == nil {
			d.logger.Debug("late acknowledgement", "device", rt.id, "corr", r.Corr)
			return
		}
		select {
		case waiter <- r:
		default:
		}
	case opClosed:
		if lost && sink != nil {
			sink.Lost(UID(rt.id), app, fmt.Errorf("mqtt channel %s/%d closed by peer: %w", rt.id, app, adapter.ErrLinkLost))
		}
	case opRequest:
		if sink != nil {
			sink.Incoming(dev, app)
		}
	case opFault:
		if sink != nil {
			sink.Fault(UID(rt.id), errors.New(r.Error))
		}
	default:
		d.logger.Debug("unknown reply op", "device", rt.id, "op", r.Op)
	}
}

func (d *Driver) onUp(topic string, payload []byte) {
	r, ok := d.t.parse(topic)
	if !ok || r.leaf != "up" {
		return
	}
	d.mu.Lock()
	sink := d.sink
	open := d.open[chanKey{r.id, r.app}]
	d.mu.Unlock()

	if !open || sink == nil {
		d.logger.Debug("payload on closed channel dropped", "device", r.id, "app", int(r.app))
		return
	}
	sink.Received(UID(r.id), r.app, payload)
}

// brokerLost drops every open channel. Devices come back through their
// retained announcements once the client reconnects.
func (d *Driver) brokerLost(err error) {
	d.mu.Lock()
	sink := d.sink
	ids := make(map[string]bool)
	for k := range d.open {
		ids[k.id] = true
	}
	d.open = make(map[chanKey]bool)
	d.mu.Unlock()

	d.logger.Warn("broker connection lost", "error", err, "devices", len(ids))
	if sink == nil {
		return
	}
	for id := range ids {
		sink.LostDevice(UID(id), fmt.Errorf("mqtt broker: %w: %w", adapter.ErrLinkLost, err))
	}
}
