package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// sighting is one device seen during a scan.
type sighting struct {
	addr string
	name string
	rssi int
}

// radio is the slice of a Bluetooth stack the driver uses.
type radio interface {
	Enable() error
	Scan(ctx context.Context, window time.Duration, service string) ([]sighting, error)
	Connect(ctx context.Context, addr string) (link, error)
	OnDisconnect(func(addr string))
}

// link is a connected peripheral.
type link interface {
	Channel(service, tx, rx string) (channel, error)
	Disconnect() error
}

// channel is one write/notify characteristic pair.
type channel interface {
	Write(p []byte) error
	Subscribe(fn func([]byte)) error
	Unsubscribe() error
}

// tinyRadio implements radio on tinygo.org/x/bluetooth.
type tinyRadio struct {
	a *bluetooth.Adapter

	mu    sync.Mutex
	addrs map[string]bluetooth.Address
}

func newTinyRadio() *tinyRadio {
	return &tinyRadio{a: bluetooth.DefaultAdapter, addrs: make(map[string]bluetooth.Address)}
}

func (r *tinyRadio) Enable() error {
	if err := r.a.Enable(); err != nil {
		return fmt.Errorf("enable bluetooth adapter: %w", err)
	}
	return nil
}

func (r *tinyRadio) Scan(ctx context.Context, window time.Duration, service string) ([]sighting, error) {
	var want bluetooth.UUID
	filtered := service != ""
	if filtered {
		u, err := bluetooth.ParseUUID(service)
		if err != nil {
			return nil, fmt.Errorf("service uuid %q: %w", service, err)
		}
		want = u
	}

	var mu sync.Mutex
	seen := make(map[string]sighting)
	done := make(chan error, 1)
	go func() {
		done <- r.a.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			if filtered && !res.HasServiceUUID(want) {
				return
			}
			addr := res.Address.String()
			r.mu.Lock()
			r.addrs[addr] = res.Address
			r.mu.Unlock()

			mu.Lock()
			seen[addr] = sighting{addr: addr, name: res.LocalName(), rssi: int(res.RSSI)}
			mu.Unlock()
		})
	}()

	t := time.NewTimer(window)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	case err := <-done:
		return nil, fmt.Errorf("scan: %w", err)
	}
	if err := r.a.StopScan(); err != nil {
		return nil, fmt.Errorf("stop scan: %w", err)
	}
	if err := <-done; err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]sighting, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	return out, nil
}

func (r *tinyRadio) Connect(ctx context.Context, addr string) (link, error) {
	r.mu.Lock()
	a, ok := r.addrs[addr]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("address %s not seen in a scan: %w", addr, errUnknownAddress)
	}

	type result struct {
		dev bluetooth.Device
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := r.a.Connect(a, bluetooth.ConnectionParams{})
		ch <- result{dev, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return &tinyLink{dev: res.dev}, nil
	case <-ctx.Done():
		// The stack has no cancellable connect; drop the link if it lands late.
		go func() {
			if res := <-ch; res.err == nil {
				res.dev.Disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func (r *tinyRadio) OnDisconnect(fn func(addr string)) {
	r.a.SetConnectHandler(func(dev bluetooth.Device, connected bool) {
		if !connected {
			fn(dev.Address.String())
		}
	})
}

var errUnknownAddress = errors.New("unknown address")

type tinyLink struct {
	dev bluetooth.Device
}

func (l *tinyLink) Channel(service, tx, rx string) (channel, error) {
	svcUUID, err := bluetooth.ParseUUID(service)
	if err != nil {
		return nil, fmt.Errorf("service uuid %q: %w", service, err)
	}
	txUUID, err := bluetooth.ParseUUID(tx)
	if err != nil {
		return nil, fmt.Errorf("tx uuid %q: %w", tx, err)
	}
	rxUUID, err := bluetooth.ParseUUID(rx)
	if err != nil {
		return nil, fmt.Errorf("rx uuid %q: %w", rx, err)
	}

	svcs, err := l.dev.DiscoverServices([]bluetooth.UUID{svcUUID})
	if err != nil {
		return nil, fmt.Errorf("discover service %s: %w", service, err)
	}
	if len(svcs) == 0 {
		return nil, fmt.Errorf("service %s not offered", service)
	}
	chars, err := svcs[0].DiscoverCharacteristics([]bluetooth.UUID{txUUID, rxUUID})
	if err != nil {
		return nil, fmt.Errorf("discover characteristics: %w", err)
	}

	c := &tinyChannel{}
	var haveTx, haveRx bool
	for _, ch := range chars {
		switch ch.UUID() {
		case txUUID:
			c.tx, haveTx = ch, true
		case rxUUID:
			c.rx, haveRx = ch, true
		}
	}
	if !haveTx || !haveRx {
		return nil, fmt.Errorf("characteristics %s/%s not offered", tx, rx)
	}
	return c, nil
}

func (l *tinyLink) Disconnect() error {
	return l.dev.Disconnect()
}

type tinyChannel struct {
	tx bluetooth.DeviceCharacteristic
	rx bluetooth.DeviceCharacteristic
}

func (c *tinyChannel) Write(p []byte) error {
	_, err := c.tx.WriteWithoutResponse(p)
	return err
}

func (c *tinyChannel) Subscribe(fn func([]byte)) error {
	return c.rx.EnableNotifications(fn)
}

func (c *tinyChannel) Unsubscribe() error {
	return c.rx.EnableNotifications(nil)
}
