package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/dcherniev/sdl-core/pkg/adapter"
	"github.com/dcherniev/sdl-core/pkg/adapter/virtual"
	"github.com/dcherniev/sdl-core/pkg/manager"
)

const demoAdapter = "demo"

var errDemoLink = errors.New("simulated link drop")

// demoNet drives a virtual adapter with random traffic: outbound connects,
// peer requests, payloads both ways and the occasional link loss.
type demoNet struct {
	mgr    *manager.Manager
	drv    *virtual.BondedDriver
	base   *adapter.Base
	log    *slog.Logger
	tick   time.Duration
	rng    *rand.Rand
	guests int
}

func newDemoNet(mgr *manager.Manager, log *slog.Logger) *demoNet {
	drv := virtual.NewBonded(
		virtual.Device("demo:head-unit", "Head Unit"),
		virtual.Device("demo:phone-a", "Phone A"),
		virtual.Device("demo:phone-b", "Phone B"),
		virtual.Device("demo:watch", "Watch"),
	)
	drv.SetLatency(40 * time.Millisecond)
	return &demoNet{
		mgr:  mgr,
		drv:  drv,
		base: adapter.New(demoAdapter, "virtual", drv, adapter.WithLogger(log)),
		log:  log,
		tick: 700 * time.Millisecond,
		rng:  rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
}

func (n *demoNet) run(ctx context.Context) {
	t := time.NewTicker(n.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.step()
		}
	}
}

// step performs one random action.
func (n *demoNet) step() {
	var devs []adapter.DeviceUID
	for _, d := range n.mgr.Devices() {
		if d.AdapterID == demoAdapter {
			devs = append(devs, d.Device.UID)
		}
	}
	var conns []adapter.ApplicationHandle
	var connDevs []adapter.DeviceUID
	for _, c := range n.mgr.Connections() {
		if c.AdapterID == demoAdapter {
			conns = append(conns, c.Key.App)
			connDevs = append(connDevs, c.Key.Device)
		}
	}

	app := adapter.ApplicationHandle(1 + n.rng.IntN(3))
	var err error
	switch r := n.rng.IntN(10); {
	case len(devs) > 0 && r < 3:
		err = n.mgr.Connect(devs[n.rng.IntN(len(devs))], app)
	case r == 3:
		n.guests++
		guest := virtual.Device(fmt.Sprintf("demo:guest-%d", n.guests), "Guest")
		n.drv.Dial(guest, app)
	case len(conns) > 0 && r < 6:
		i := n.rng.IntN(len(conns))
		err = n.mgr.SendData(adapter.NewRawMessage(connDevs[i], conns[i], []byte("ping")))
	case len(conns) > 0 && r < 8:
		i := n.rng.IntN(len(conns))
		n.drv.Inject(connDevs[i], conns[i], []byte("pong"))
	case len(conns) > 0 && r == 8:
		i := n.rng.IntN(len(conns))
		n.drv.Drop(connDevs[i], conns[i], fmt.Errorf("%w: %w", adapter.ErrLinkLost, errDemoLink))
	case len(connDevs) > 0:
		err = n.mgr.DisconnectDevice(connDevs[n.rng.IntN(len(connDevs))])
	}
	if err != nil {
		n.log.Debug("demo request refused", "error", err)
	}
}
