// Package virtual is an in-memory transport driver.
//
// Devices, failures and peer traffic are scripted by the caller, which makes
// the driver the test double for everything above the adapter layer and the
// backend of the daemon's demo mode.
package virtual

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dcherniev/sdl-core/pkg/adapter"
)

// Op names a driver primitive that can be scripted to fail or stall.
type Op string

const (
	OpScan        Op = "scan"
	OpOpen        Op = "open"
	OpClose       Op = "close"
	OpSend        Op = "send"
	OpAccept      Op = "accept"
	OpReject      Op = "reject"
	OpCloseDevice Op = "close-device"
)

// Frame is one payload written through Send.
type Frame struct {
	Device adapter.DeviceUID
	App    adapter.ApplicationHandle
	Data   []byte
	At     time.Time
}

type channel struct {
	dev adapter.DeviceUID
	app adapter.ApplicationHandle
}

// Driver simulates a transport. The zero value is not usable; call New.
type Driver struct {
	mu       sync.Mutex
	devices  map[adapter.DeviceUID]adapter.Device
	open     map[channel]bool
	failures map[Op][]error
	holds    map[Op]chan struct{}
	calls    map[Op]int
	sent     []Frame
	latency  time.Duration
	sink     adapter.Sink
}

// New creates a driver with the given devices present.
func New(devices ...adapter.Device) *Driver {
	d := &Driver{
		devices:  make(map[adapter.DeviceUID]adapter.Device),
		open:     make(map[channel]bool),
		failures: make(map[Op][]error),
		holds:    make(map[Op]chan struct{}),
		calls:    make(map[Op]int),
	}
	for _, dev := range devices {
		d.AddDevice(dev)
	}
	return d
}

// Device builds a virtual device description.
func Device(uid, name string) adapter.Device {
	return adapter.Device{
		UID:  adapter.DeviceUID(uid),
		Name: name,
		Type: "virtual",
	}
}

// AddDevice makes dev visible to the next scan.
func (d *Driver) AddDevice(dev adapter.Device) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.devices[dev.UID] = dev.Clone()
}

// RemoveDevice hides dev from scans and makes it unreachable. Open channels
// are not dropped; use DropDevice for that.
func (d *Driver) RemoveDevice(uid adapter.DeviceUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.devices, uid)
}

// Fail makes the next call of op return err. Calls queue up: n calls to Fail
// fail the next n calls.
func (d *Driver) Fail(op Op, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[op] = append(d.failures[op], err)
}

// Hold stalls every call of op until the returned release function runs or
// the call's context ends.
func (d *Driver) Hold(op Op) (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.holds[op] = gate
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.holds[op] == gate {
				delete(d.holds, op)
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

// SetLatency delays every primitive by lat.
func (d *Driver) SetLatency(lat time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = lat
}

// Calls returns how many times op was invoked.
func (d *Driver) Calls(op Op) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[op]
}

// Sent returns a copy of every frame written so far.
func (d *Driver) Sent() []Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Frame, len(d.sent))
	copy(out, d.sent)
	return out
}

// IsOpen reports whether channel app on dev is open.
func (d *Driver) IsOpen(dev adapter.DeviceUID, app adapter.ApplicationHandle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open[channel{dev, app}]
}

// Running reports whether the driver has been started.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink != nil
}

// enter runs the common prologue of every primitive: count the call, apply
// holds and latency, and pop a scripted failure.
func (d *Driver) enter(ctx context.Context, op Op) error {
	d.mu.Lock()
	d.calls[op]++
	gate := d.holds[op]
	lat := d.latency
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if lat > 0 {
		t := time.NewTimer(lat)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.failures[op]; len(q) > 0 {
		d.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

// Start implements adapter.Starter.
func (d *Driver) Start(ctx context.Context, sink adapter.Sink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = sink
	return nil
}

// Stop implements adapter.Stopper. Every channel is closed.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sink = nil
	d.open = make(map[channel]bool)
	return nil
}

// Scan implements adapter.Driver.
func (d *Driver) Scan(ctx context.Context) ([]adapter.Device, error) {
	if err := d.enter(ctx, OpScan); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]adapter.Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// Open implements adapter.Driver.
func (d *Driver) Open(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	if err := d.enter(ctx, OpOpen); err != nil {
		return err
	}
	return d.openChannel(dev.UID, app)
}

func (d *Driver) openChannel(dev adapter.DeviceUID, app adapter.ApplicationHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.devices[dev]; !ok {
		return fmt.Errorf("virtual device %s: %w", dev, adapter.ErrUnreachable)
	}
	d.open[channel{dev, app}] = true
	return nil
}

// Close implements adapter.Driver.
func (d *Driver) Close(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	if err := d.enter(ctx, OpClose); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.open, channel{dev.UID, app})
	return nil
}

// Send implements adapter.Driver.
func (d *Driver) Send(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle, data []byte) error {
	if err := d.enter(ctx, OpSend); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open[channel{dev.UID, app}] {
		return fmt.Errorf("virtual channel %s/%d: %w", dev.UID, app, adapter.ErrLinkLost)
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	d.sent = append(d.sent, Frame{Device: dev.UID, App: app, Data: buf, At: time.Now()})
	return nil
}

// Accept implements adapter.Responder.
func (d *Driver) Accept(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	if err := d.enter(ctx, OpAccept); err != nil {
		return err
	}
	return d.openChannel(dev.UID, app)
}

// Reject implements adapter.Responder.
func (d *Driver) Reject(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	return d.enter(ctx, OpReject)
}

func (d *Driver) currentSink() adapter.Sink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// Dial simulates a peer-initiated connection request. dev is made visible
// if it was not. Reports false if the driver is not running.
func (d *Driver) Dial(dev adapter.Device, app adapter.ApplicationHandle) bool {
	d.mu.Lock()
	if _, ok := d.devices[dev.UID]; !ok {
		d.devices[dev.UID] = dev.Clone()
	}
	sink := d.sink
	d.mu.Unlock()

	if sink == nil {
		return false
	}
	sink.Incoming(dev, app)
	return true
}

// Inject simulates data arriving on (dev, app).
func (d *Driver) Inject(dev adapter.DeviceUID, app adapter.ApplicationHandle, data []byte) bool {
	sink := d.currentSink()
	if sink == nil {
		return false
	}
	sink.Received(dev, app, data)
	return true
}

// InjectError simulates a read failure on (dev, app).
func (d *Driver) InjectError(dev adapter.DeviceUID, app adapter.ApplicationHandle, err error) bool {
	sink := d.currentSink()
	if sink == nil {
		return false
	}
	sink.ReceiveFailed(dev, app, err)
	return true
}

// Drop simulates the loss of channel app on dev.
func (d *Driver) Drop(dev adapter.DeviceUID, app adapter.ApplicationHandle, err error) bool {
	d.mu.Lock()
	delete(d.open, channel{dev, app})
	sink := d.sink
	d.mu.Unlock()

	if sink == nil {
		return false
	}
	sink.Lost(dev, app, err)
	return true
}

// DropDevice simulates the loss of every channel on dev.
func (d *Driver) DropDevice(dev adapter.DeviceUID, err error) bool {
	d.mu.Lock()
	for ch := range d.open {
		if ch.dev == dev {
			delete(d.open, ch)
		}
	}
	sink := d.sink
	d.mu.Unlock()

	if sink == nil {
		return false
	}
	sink.LostDevice(dev, err)
	return true
}

// Fault simulates a device-scoped failure that leaves channels open.
func (d *Driver) Fault(dev adapter.DeviceUID, err error) bool {
	sink := d.currentSink()
	if sink == nil {
		return false
	}
	sink.Fault(dev, err)
	return true
}

// BondedDriver is a Driver whose devices drop all channels with one link
// teardown, like a radio connection carrying several services.
type BondedDriver struct {
	*Driver
}

// NewBonded creates a BondedDriver.
func NewBonded(devices ...adapter.Device) *BondedDriver {
	return &BondedDriver{Driver: New(devices...)}
}

// CloseDevice implements adapter.DeviceCloser.
func (d *BondedDriver) CloseDevice(ctx context.Context, dev adapter.Device) error {
	if err := d.enter(ctx, OpCloseDevice); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for ch := range d.open {
		if ch.dev == dev.UID {
			delete(d.open, ch)
		}
	}
	return nil
}

var (
	_ adapter.Driver       = (*Driver)(nil)
	_ adapter.Starter      = (*Driver)(nil)
	_ adapter.Stopper      = (*Driver)(nil)
	_ adapter.Responder    = (*Driver)(nil)
	_ adapter.DeviceCloser = (*BondedDriver)(nil)
)
