// Package ble is a short-range radio transport on Bluetooth Low Energy.
//
// The host acts as a GATT central. Each application handle maps to one
// characteristic pair on the peripheral: the host writes to TX and
// subscribes to notifications on RX. The radio link is shared by every
// handle of a device and dropped when the last handle closes.
package ble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dcherniev/sdl-core/pkg/adapter"
)

// UIDPrefix starts every device UID minted by this transport.
const UIDPrefix = "ble:"

// Nordic UART Service, the de facto serial-over-GATT profile.
const (
	NUSService = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	NUSTX      = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NUSRX      = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

// ChannelConfig binds an application handle to a characteristic pair.
type ChannelConfig struct {
	App     int    `yaml:"app"`
	Service string `yaml:"service"`
	TX      string `yaml:"tx"` // host writes here
	RX      string `yaml:"rx"` // host subscribes here
}

// Config tunes discovery and the channel map.
type Config struct {
	ScanWindow time.Duration   `yaml:"scan_window"`
	Service    string          `yaml:"service"` // advertised service filter, empty for all
	Channels   []ChannelConfig `yaml:"channels"`
}

// DefaultConfig maps handle 1 onto the Nordic UART Service.
func DefaultConfig() Config {
	return Config{
		ScanWindow: 3 * time.Second,
		Channels: []ChannelConfig{
			{App: 1, Service: NUSService, TX: NUSTX, RX: NUSRX},
		},
	}
}

// Validate checks the config.
func (c Config) Validate() error {
	if c.ScanWindow <= 0 {
		return errors.New("ble: scan_window must be > 0")
	}
	if len(c.Channels) == 0 {
		return errors.New("ble: at least one channel is required")
	}
	seen := make(map[int]bool)
	for _, ch := range c.Channels {
		if seen[ch.App] {
			return fmt.Errorf("ble: duplicate channel for app %d", ch.App)
		}
		seen[ch.App] = true
		if ch.Service == "" || ch.TX == "" || ch.RX == "" {
			return fmt.Errorf("ble: channel for app %d needs service, tx and rx", ch.App)
		}
	}
	return nil
}

func (c Config) channel(app adapter.ApplicationHandle) (ChannelConfig, bool) {
	for _, ch := range c.Channels {
		if ch.App == int(app) {
			return ch, true
		}
	}
	return ChannelConfig{}, false
}

// peer is a connected peripheral and its open channels.
type peer struct {
	l     link
	chans map[adapter.ApplicationHandle]channel
}

// Driver implements adapter.Driver on a BLE central.
type Driver struct {
	cfg    Config
	r      radio
	logger *slog.Logger

	mu    sync.Mutex
	sink  adapter.Sink
	peers map[string]*peer
}

var (
	_ adapter.Driver       = (*Driver)(nil)
	_ adapter.Starter      = (*Driver)(nil)
	_ adapter.Stopper      = (*Driver)(nil)
	_ adapter.DeviceCloser = (*Driver)(nil)
)

// New creates a driver on the host's default Bluetooth adapter. A nil logger
// discards output.
func New(cfg Config, logger *slog.Logger) *Driver {
	return newDriver(cfg, newTinyRadio(), logger)
}

func newDriver(cfg Config, r radio, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Driver{
		cfg:    cfg,
		r:      r,
		logger: logger.With("transport", "ble"),
		peers:  make(map[string]*peer),
	}
}

// UID returns the device UID for a radio address.
func UID(addr string) adapter.DeviceUID { return adapter.DeviceUID(UIDPrefix + addr) }

func address(dev adapter.Device) string {
	if dev.Address != "" {
		return dev.Address
	}
	return strings.TrimPrefix(string(dev.UID), UIDPrefix)
}

// Start implements adapter.Starter.
func (d *Driver) Start(ctx context.Context, sink adapter.Sink) error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}
	if err := d.r.Enable(); err != nil {
		return err
	}
	d.r.OnDisconnect(d.linkDown)

	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
	return nil
}

// Stop implements adapter.Stopper. Every link is dropped.
func (d *Driver) Stop() error {
	d.mu.Lock()
	peers := d.peers
	d.peers = make(map[string]*peer)
	d.sink = nil
	d.mu.Unlock()

	var errs []error
	for addr, p := range peers {
		if err := p.l.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", addr, err))
		}
	}
	return errors.Join(errs...)
}

// Scan implements adapter.Driver.
func (d *Driver) Scan(ctx context.Context) ([]adapter.Device, error) {
	found, err := d.r.Scan(ctx, d.cfg.ScanWindow, d.cfg.Service)
	if err != nil {
		return nil, err
	}
	out := make([]adapter.Device, 0, len(found))
	for _, s := range found {
		out = append(out, adapter.Device{
			UID:      UID(s.addr),
			Name:     s.name,
			Type:     "ble",
			Address:  s.addr,
			Metadata: map[string]string{"rssi": strconv.Itoa(s.rssi)},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// Open implements adapter.Driver. The radio link is established on the
// first channel of a device.
func (d *Driver) Open(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	cc, ok := d.cfg.channel(app)
	if !ok {
		return fmt.Errorf("ble app %d: %w", app, adapter.ErrApplicationNotFound)
	}
	addr := address(dev)

	d.mu.Lock()
	p := d.peers[addr]
	d.mu.Unlock()

	fresh := p == nil
	if fresh {
		l, err := d.r.Connect(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("ble connect %s: %w: %w", addr, adapter.ErrUnreachable, err)
		}
		p = &peer{l: l, chans: make(map[adapter.ApplicationHandle]channel)}
	}

	ch, err := p.l.Channel(cc.Service, cc.TX, cc.RX)
	if err == nil {
		uid := dev.UID
		err = ch.Subscribe(func(b []byte) { d.received(uid, app, b) })
	}
	if err != nil {
		if fresh {
			p.l.Disconnect()
		}
		return fmt.Errorf("ble channel %s/%d: %w: %w", addr, app, adapter.ErrUnsupported, err)
	}

	d.mu.Lock()
	p.chans[app] = ch
	d.peers[addr] = p
	d.mu.Unlock()
	d.logger.Debug("channel open", "address", addr, "app", int(app))
	return nil
}

// Close implements adapter.Driver. Closing the last channel drops the link.
func (d *Driver) Close(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle) error {
	addr := address(dev)

	d.mu.Lock()
	p := d.peers[addr]
	var ch channel
	last := false
	if p != nil {
		ch = p.chans[app]
		delete(p.chans, app)
		if last = len(p.chans) == 0; last {
			delete(d.peers, addr)
		}
	}
	d.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("ble channel %s/%d: %w", addr, app, adapter.ErrLinkLost)
	}
	err := ch.Unsubscribe()
	if last {
		err = errors.Join(err, p.l.Disconnect())
	}
	return err
}

// CloseDevice implements adapter.DeviceCloser by dropping the radio link.
func (d *Driver) CloseDevice(ctx context.Context, dev adapter.Device) error {
	addr := address(dev)

	d.mu.Lock()
	p := d.peers[addr]
	delete(d.peers, addr)
	d.mu.Unlock()

	if p == nil {
		return nil
	}
	return p.l.Disconnect()
}

// Send implements adapter.Driver.
func (d *Driver) Send(ctx context.Context, dev adapter.Device, app adapter.ApplicationHandle, data []byte) error {
	addr := address(dev)

	d.mu.Lock()
	var ch channel
	if p := d.peers[addr]; p != nil {
		ch = p.chans[app]
	}
	d.mu.Unlock()

	if ch == nil {
		return fmt.Errorf("ble channel %s/%d: %w", addr, app, adapter.ErrLinkLost)
	}
	return ch.Write(data)
}

func (d *Driver) received(uid adapter.DeviceUID, app adapter.ApplicationHandle, b []byte) {
	d.mu.Lock()
	sink := d.sink
	d.mu.Unlock()
	if sink != nil {
		sink.Received(uid, app, b)
	}
}

// linkDown handles a link the host did not drop itself.
func (d *Driver) linkDown(addr string) {
	d.mu.Lock()
	p := d.peers[addr]
	delete(d.peers, addr)
	sink := d.sink
	d.mu.Unlock()

	if p == nil || sink == nil {
		return
	}
	d.logger.Warn("link lost", "address", addr, "channels", len(p.chans))
	sink.LostDevice(UID(addr), fmt.Errorf("ble link %s: %w", addr, adapter.ErrLinkLost))
}
