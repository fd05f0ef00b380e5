package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dcherniev/sdl-core/pkg/adapter"
	"github.com/dcherniev/sdl-core/pkg/adapter/ble"
	"github.com/dcherniev/sdl-core/pkg/adapter/mqttip"
	"github.com/dcherniev/sdl-core/pkg/adapter/serial"
	"github.com/dcherniev/sdl-core/pkg/adapter/virtual"
	"github.com/dcherniev/sdl-core/pkg/event"
	"github.com/dcherniev/sdl-core/pkg/logging"
	"github.com/dcherniev/sdl-core/pkg/manager"
	"github.com/dcherniev/sdl-core/pkg/upstream"
)

// Consumer IDs registered by the daemon.
const (
	consumerDecision = "decision"
	consumerLog      = "event-log"
)

// daemon owns the manager, its adapters and the upstream consumers.
type daemon struct {
	cfg    Config
	log    *logging.Logger
	reg    *prometheus.Registry
	mgr    *manager.Manager
	disp   *upstream.Dispatcher
	bases  []*adapter.Base
	demo   *demoNet
	server *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newDaemon builds everything cfg declares without starting it.
func newDaemon(cfg Config, log *logging.Logger) (*daemon, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mgr, err := manager.New(cfg.Manager,
		manager.WithLogger(log.Component("manager")),
		manager.WithRegisterer(reg),
	)
	if err != nil {
		return nil, fmt.Errorf("create manager: %w", err)
	}

	d := &daemon{cfg: cfg, log: log, reg: reg, mgr: mgr}
	d.disp = upstream.NewDispatcher(mgr,
		upstream.WithErrorBus(mgr.Errors()),
		upstream.WithLogger(log.Logger),
	)

	if err := d.build(); err != nil {
		d.Stop(context.Background())
		return nil, err
	}
	return d, nil
}

// build registers the decision consumer and creates the configured adapters.
func (d *daemon) build() error {
	decider, err := d.cfg.Policy.decider()
	if err != nil {
		return err
	}
	if err := d.disp.Register(consumerDecision,
		upstream.NewDecisionConsumer(d.mgr, decider, d.log.Component("policy")),
		upstream.DecisionFilter(),
	); err != nil {
		return err
	}

	for _, a := range d.cfg.Adapters {
		if a.Disabled {
			continue
		}
		b, err := d.newAdapter(a)
		if err != nil {
			return fmt.Errorf("adapter %s: %w", a.ID, err)
		}
		d.bases = append(d.bases, b)
	}
	return nil
}

// newAdapter builds the driver a declares and wraps it in an adapter.Base.
func (d *daemon) newAdapter(a AdapterConfig) (*adapter.Base, error) {
	logger := d.log.Component("adapter").With("adapter", a.ID)

	var drv adapter.Driver
	switch a.Transport {
	case transportMQTT:
		drv = mqttip.New(a.mqttConfig(), logger)
	case transportBLE:
		drv = ble.New(a.bleConfig(), logger)
	case transportSerial:
		drv = serial.New(a.serialConfig(), logger)
	case transportVirtual:
		var devs []adapter.Device
		for _, v := range a.virtualConfig().Devices {
			devs = append(devs, virtual.Device(v.UID, v.Name))
		}
		drv = virtual.New(devs...)
	default:
		return nil, fmt.Errorf("unknown transport %q", a.Transport)
	}

	opts := []adapter.Option{adapter.WithLogger(logger)}
	if a.OpTimeout > 0 {
		opts = append(opts, adapter.WithOpTimeout(a.OpTimeout))
	}
	if a.ScanTimeout > 0 {
		opts = append(opts, adapter.WithScanTimeout(a.ScanTimeout))
	}
	return adapter.New(a.ID, a.Transport, drv, opts...), nil
}

// withDemo adds the simulated network. It must be called before Start.
func (d *daemon) withDemo() {
	d.demo = newDemoNet(d.mgr, d.log.Component("demo"))
	d.bases = append(d.bases, d.demo.base)
}

// withEventLog registers a consumer logging every published event.
func (d *daemon) withEventLog() error {
	return d.disp.Register(consumerLog, newEventLogger(d.log.Component("events")), event.Filter{})
}

// Start registers the adapters, runs the first search on each and starts
// the background loops. An adapter that fails to start is logged and left
// out; the daemon keeps running with the rest.
func (d *daemon) Start(ctx context.Context) error {
	ctx, d.cancel = context.WithCancel(ctx)

	if err := d.disp.Start(); err != nil {
		return fmt.Errorf("start consumers: %w", err)
	}

	registered := 0
	for _, b := range d.bases {
		if _, err := d.mgr.Register(b); err != nil {
			d.log.Error("adapter failed to start", "adapter", b.ID(), "error", err)
			continue
		}
		registered++
	}
	if len(d.bases) > 0 && registered == 0 {
		return errors.New("no adapter could be started")
	}
	d.searchAll()

	if d.cfg.SearchInterval > 0 {
		d.wg.Add(1)
		go d.rescan(ctx, d.cfg.SearchInterval)
	}
	if d.demo != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.demo.run(ctx)
		}()
	}
	if d.cfg.MetricsAddr != "" {
		d.serveMetrics()
	}
	return nil
}

func (d *daemon) searchAll() {
	for _, r := range d.mgr.Adapters() {
		if err := d.mgr.SearchDevices(r.ID); err != nil {
			d.log.Warn("search not started", "adapter", r.ID, "error", err)
		}
	}
}

func (d *daemon) rescan(ctx context.Context, every time.Duration) {
	defer d.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			d.searchAll()
		}
	}
}

func (d *daemon) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.reg, promhttp.HandlerOpts{Registry: d.reg}))
	d.server = &http.Server{
		Addr:              d.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.log.Info("metrics listening", "addr", d.cfg.MetricsAddr)
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop shuts the manager down, then the consumers and the metrics server.
func (d *daemon) Stop(ctx context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	var errs []error
	if err := d.mgr.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("manager: %w", err))
	}
	if err := d.disp.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("consumers: %w", err))
	}
	if d.server != nil {
		if err := d.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
	}
	d.wg.Wait()
	return errors.Join(errs...)
}

// eventLogger writes one log line per manager event.
type eventLogger struct {
	log *slog.Logger
}

func newEventLogger(log *slog.Logger) *eventLogger {
	return &eventLogger{log: log}
}

// HandleEvent implements upstream.Consumer.
func (l *eventLogger) HandleEvent(ctx context.Context, evt event.Event) error {
	attrs := []any{
		"seq", evt.Seq,
		"adapter", evt.Source,
		"generation", evt.Generation,
	}
	if evt.Device != "" {
		attrs = append(attrs, "device", evt.Device, "app", int(evt.App))
	}
	if evt.Size > 0 {
		attrs = append(attrs, "bytes", evt.Size)
	}
	level := slog.LevelInfo
	switch evt.Type {
	case event.TypeSendDone, event.TypeReceiveDone:
		level = slog.LevelDebug
	}
	if evt.Failed() {
		level = slog.LevelWarn
		attrs = append(attrs, "code", evt.Code, "reason", evt.Reason)
	}
	l.log.Log(ctx, level, evt.Type, attrs...)
	return nil
}
