// Package manager implements the Transport Manager: the registry of device
// adapters and the single writer that turns their listener callbacks into
// registry transitions and published events.
//
// Every callback an adapter makes is queued on an unbounded FIFO and handled
// by one goroutine in three steps:
//
//	Validate  the reporting registration still exists with the same generation
//	Apply     the registry transition, atomically
//	Publish   exactly one manager event on the bus and in the journal
//
// Callbacks from an adapter that was unregistered, or from an older
// registration of the same ID, fail validation and are dropped with a
// STALE_EVENT diagnostic.
//
// Requests (Connect, SendData, ...) never block. They validate against the
// registry, route to the owning adapter and return; the outcome arrives later
// as an event.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dcherniev/sdl-core/pkg/adapter"
	"github.com/dcherniev/sdl-core/pkg/clock"
	"github.com/dcherniev/sdl-core/pkg/event"
	"github.com/dcherniev/sdl-core/pkg/queue"
	"github.com/dcherniev/sdl-core/pkg/registry"
	"github.com/dcherniev/sdl-core/pkg/statemachine"
	"github.com/dcherniev/sdl-core/pkg/telemetry"
)

// Request validation errors. Transport failures are never returned; they
// arrive as events.
var (
	ErrClosed            = errors.New("manager: closed")
	ErrNilAdapter        = errors.New("manager: nil adapter")
	ErrInvalidAdapter    = errors.New("manager: adapter has no id")
	ErrDuplicateAdapter  = errors.New("manager: adapter already registered")
	ErrUnknownAdapter    = errors.New("manager: unknown adapter")
	ErrUnknownDevice     = errors.New("manager: unknown device")
	ErrUnknownConnection = errors.New("manager: unknown connection")
	ErrNotConnected      = errors.New("manager: not connected")
	ErrNoPendingRequest  = errors.New("manager: no pending connect request")
	ErrNilMessage        = errors.New("manager: nil message")
	ErrBufferInFlight    = errors.New("manager: buffer already in flight")
)

// Phase is the manager lifecycle.
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseDraining Phase = "draining"
	PhaseStopped  Phase = "stopped"
)

type phaseEvent string

const (
	phaseShutdown phaseEvent = "shutdown"
	phaseDrained  phaseEvent = "drained"
)

// Registration describes one registered adapter.
type Registration struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Generation uint64    `json:"generation"`
	Since      time.Time `json:"since"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRegisterer registers the manager metrics on r. Without it the metrics
// go to a private registry.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(m *Manager) {
		m.registerer = r
	}
}

// WithClock sets the clock used for event timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// Manager is the Transport Manager. It is safe for concurrent use.
type Manager struct {
	cfg        Config
	logger     *slog.Logger
	clock      clock.Clock
	registerer prometheus.Registerer
	metrics    *telemetry.Metrics

	reg     *registry.Registry
	bus     *event.InMemoryBus
	errs    *event.ErrorBus
	journal *event.Journal

	inbox *queue.FIFO[notice]
	phase *statemachine.Machine[Phase, phaseEvent]
	regMu sync.Mutex // serializes Register, Unregister and Shutdown
	gen   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the writer goroutine.
	seq         uint64
	lastVersion uint64
	backlogged  bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Manager and starts its writer goroutine.
func New(cfg Config, opts ...Option) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		logger:      slog.New(slog.DiscardHandler),
		clock:       clock.NewSystemClock(),
		reg:         registry.New(),
		journal:     event.NewJournal(cfg.JournalSize),
		errs:        event.NewErrorBus(cfg.ErrorBusBufferSize),
		inbox:       queue.New[notice](),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
		lastVersion: ^uint64(0),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registerer == nil {
		m.registerer = prometheus.NewRegistry()
	}
	m.logger = m.logger.With("component", "manager")
	m.metrics = telemetry.InitMetrics(m.registerer)

	m.bus = event.NewInMemoryBus(
		event.WithBufferSize(cfg.BusBufferSize),
		event.WithDropSlow(cfg.DropSlowSubscribers),
		event.WithDropFunc(func(evt event.Event) {
			m.metrics.EventsDropped.WithLabelValues("manager", evt.Type).Inc()
		}),
	)

	m.phase = m.newPhaseMachine()

	go m.run()
	return m, nil
}

func (m *Manager) newPhaseMachine() *statemachine.Machine[Phase, phaseEvent] {
	sm := statemachine.NewMachine[Phase, phaseEvent](PhaseRunning)
	sm.MustAddTransitions(
		statemachine.Transition[Phase, phaseEvent]{From: PhaseRunning, To: PhaseDraining, Event: phaseShutdown},
		statemachine.Transition[Phase, phaseEvent]{From: PhaseDraining, To: PhaseStopped, Event: phaseDrained},
	)
	sm.AddState(statemachine.StateConfig[Phase]{
		Name: PhaseDraining,
		OnEnter: func(ctx context.Context, _ Phase) error {
			m.report(diagnostic{event.InfoSeverity, event.CodeShutdown, "shutdown initiated", nil})
			return nil
		},
	})
	sm.OnTransition(func(ctx context.Context, from, to Phase, _ phaseEvent) {
		m.logger.Info("phase changed", "from", from, "to", to)
	})
	return sm
}

// Register binds a to the manager under a new generation stamp and
// initializes it. The registration is visible before Init runs, so
// callbacks the adapter makes during Init are accepted.
func (m *Manager) Register(a adapter.Adapter) (Registration, error) {
	if a == nil {
		return Registration{}, ErrNilAdapter
	}
	id := a.ID()
	if id == "" {
		return Registration{}, ErrInvalidAdapter
	}

	m.regMu.Lock()
	defer m.regMu.Unlock()

	if !m.phase.Is(PhaseRunning) {
		return Registration{}, ErrClosed
	}
	if _, ok := m.reg.Adapter(id); ok {
		return Registration{}, fmt.Errorf("%w: %s", ErrDuplicateAdapter, id)
	}

	r := Registration{
		ID:         id,
		Type:       a.Type(),
		Generation: m.gen.Add(1),
		Since:      m.clock.Wall(),
	}
	m.reg.Update(func(tx *registry.Tx) {
		tx.PutAdapter(registry.AdapterEntry{
			Adapter:    a,
			ID:         r.ID,
			Type:       r.Type,
			Generation: r.Generation,
			Since:      r.Since,
		})
	})

	// Queued ahead of Init so it precedes every callback the adapter makes.
	m.inbox.Push(notice{
		kind:      event.TypeAdapterRegistered,
		control:   true,
		adapterID: id,
		gen:       r.Generation,
		transport: r.Type,
	})

	if err := a.Init(&epochListener{m: m, id: id, gen: r.Generation}); err != nil {
		m.reg.Update(func(tx *registry.Tx) { tx.RemoveAdapter(id) })
		m.inbox.Push(notice{
			kind:      event.TypeAdapterUnregistered,
			control:   true,
			adapterID: id,
			gen:       r.Generation,
			transport: r.Type,
		})
		m.report(diagnostic{event.Error, event.CodeAdapterFail, "adapter init failed",
			[]any{"adapter", id, "error", err.Error()}})
		return Registration{}, fmt.Errorf("init adapter %s: %w", id, err)
	}

	m.report(diagnostic{event.InfoSeverity, event.CodeAdapterStart, "adapter registered",
		[]any{"adapter", id, "transport", r.Type, "generation", r.Generation}})
	return r, nil
}

// Unregister retires the registration id. Its devices, connections and
// pending requests disappear from the registry in one step, then the adapter
// is terminated. Callbacks it makes afterwards are dropped.
func (m *Manager) Unregister(id string) error {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	return m.unregisterLocked(id)
}

func (m *Manager) unregisterLocked(id string) error {
	var (
		entry   registry.AdapterEntry
		found   bool
		devices int
		conns   int
	)
	m.reg.Update(func(tx *registry.Tx) {
		entry, found = tx.Adapter(id)
		if !found {
			return
		}
		devices = len(tx.DevicesOf(id))
		conns = len(tx.ConnectionsOfAdapter(id))
		tx.RemoveAdapter(id)
	})
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownAdapter, id)
	}

	var err error
	if terr := entry.Adapter.Terminate(); terr != nil && !errors.Is(terr, adapter.ErrNotInitialized) {
		m.report(diagnostic{event.Error, event.CodeAdapterFail, "adapter terminate failed",
			[]any{"adapter", id, "error", terr.Error()}})
		err = fmt.Errorf("terminate adapter %s: %w", id, terr)
	}

	m.inbox.Push(notice{
		kind:      event.TypeAdapterUnregistered,
		control:   true,
		adapterID: id,
		gen:       entry.Generation,
		transport: entry.Type,
		removed:   [2]int{devices, conns},
	})
	m.report(diagnostic{event.InfoSeverity, event.CodeAdapterStop, "adapter unregistered",
		[]any{"adapter", id, "devices", devices, "connections", conns}})
	return err
}

// SearchDevices starts a discovery cycle on adapterID.
func (m *Manager) SearchDevices(adapterID string) error {
	if err := m.accepting(); err != nil {
		return err
	}
	e, ok := m.reg.Adapter(adapterID)
	if !ok {
		return m.rejected("search", fmt.Errorf("%w: %s", ErrUnknownAdapter, adapterID))
	}
	m.routed("search")
	e.Adapter.SearchDevices()
	return nil
}

// Connect opens (dev, app) on the adapter that owns dev.
func (m *Manager) Connect(dev adapter.DeviceUID, app adapter.ApplicationHandle) error {
	if err := m.accepting(); err != nil {
		return err
	}
	owner, err := m.ownerOf(dev)
	if err != nil {
		return m.rejected("connect", err)
	}
	m.routed("connect")
	owner.Adapter.Connect(dev, app)
	return nil
}

// Disconnect closes (dev, app). For a pending inbound request it aborts the
// request instead.
func (m *Manager) Disconnect(dev adapter.DeviceUID, app adapter.ApplicationHandle) error {
	if err := m.accepting(); err != nil {
		return err
	}
	k := registry.ConnectionKey{Device: dev, App: app}

	var (
		owner     registry.AdapterEntry
		found     bool
		connected bool
	)
	m.reg.Read(func(v registry.View) {
		if c, ok := v.Connection(k); ok {
			owner, found = v.Adapter(c.AdapterID)
			connected = true
			return
		}
		if p, ok := v.PendingRequest(k); ok {
			owner, found = v.Adapter(p.AdapterID)
		}
	})
	if !found {
		return m.rejected("disconnect", fmt.Errorf("%w: %s/%s", ErrUnknownConnection, dev, app))
	}

	if connected {
		// Queued ahead of the adapter's reply, so the writer sees it first.
		m.inbox.Push(notice{kind: kindMarkDisconnect, adapterID: owner.ID, gen: owner.Generation, dev: dev, app: app})
	}
	m.routed("disconnect")
	owner.Adapter.Disconnect(dev, app)
	return nil
}

// DisconnectDevice closes every connection on dev.
func (m *Manager) DisconnectDevice(dev adapter.DeviceUID) error {
	if err := m.accepting(); err != nil {
		return err
	}
	owner, err := m.ownerOf(dev)
	if err != nil {
		return m.rejected("disconnect_device", err)
	}
	m.inbox.Push(notice{kind: kindMarkDevice, adapterID: owner.ID, gen: owner.Generation, dev: dev})
	m.routed("disconnect_device")
	owner.Adapter.DisconnectDevice(dev)
	return nil
}

// SendData routes msg to the connection it is tagged with. msg must not be
// touched until the matching tm.send.done or tm.send.failed event, which
// carries the same pointer.
func (m *Manager) SendData(msg *adapter.RawMessage) error {
	if err := m.accepting(); err != nil {
		return err
	}
	if msg == nil {
		return m.rejected("send", ErrNilMessage)
	}
	if msg.InFlight() {
		return m.rejected("send", ErrBufferInFlight)
	}

	k := registry.ConnectionKey{Device: msg.Device(), App: msg.App()}
	var (
		owner registry.AdapterEntry
		found bool
	)
	m.reg.Read(func(v registry.View) {
		if c, ok := v.Connection(k); ok && c.State == registry.ConnConnected {
			owner, found = v.Adapter(c.AdapterID)
		}
	})
	if !found {
		return m.rejected("send", fmt.Errorf("%w: %s/%s", ErrNotConnected, k.Device, k.App))
	}
	m.routed("send")
	owner.Adapter.SendData(k.Device, k.App, msg)
	return nil
}

// AcceptConnect accepts a pending inbound request.
func (m *Manager) AcceptConnect(dev adapter.DeviceUID, app adapter.ApplicationHandle) error {
	owner, err := m.pendingOwner("accept", dev, app)
	if err != nil {
		return err
	}
	owner.Adapter.AcceptConnect(dev, app)
	return nil
}

// RejectConnect declines a pending inbound request.
func (m *Manager) RejectConnect(dev adapter.DeviceUID, app adapter.ApplicationHandle) error {
	owner, err := m.pendingOwner("reject", dev, app)
	if err != nil {
		return err
	}
	owner.Adapter.RejectConnect(dev, app)
	return nil
}

func (m *Manager) pendingOwner(op string, dev adapter.DeviceUID, app adapter.ApplicationHandle) (registry.AdapterEntry, error) {
	if err := m.accepting(); err != nil {
		return registry.AdapterEntry{}, err
	}
	var (
		owner registry.AdapterEntry
		found bool
	)
	m.reg.Read(func(v registry.View) {
		if p, ok := v.PendingRequest(registry.ConnectionKey{Device: dev, App: app}); ok {
			owner, found = v.Adapter(p.AdapterID)
		}
	})
	if !found {
		return owner, m.rejected(op, fmt.Errorf("%w: %s/%s", ErrNoPendingRequest, dev, app))
	}
	m.routed(op)
	return owner, nil
}

func (m *Manager) ownerOf(dev adapter.DeviceUID) (registry.AdapterEntry, error) {
	var (
		owner   registry.AdapterEntry
		known   bool
		present bool
	)
	m.reg.Read(func(v registry.View) {
		d, ok := v.Device(dev)
		if !ok {
			return
		}
		known = true
		owner, present = v.Adapter(d.AdapterID)
	})
	switch {
	case !known:
		return owner, fmt.Errorf("%w: %s", ErrUnknownDevice, dev)
	case !present:
		return owner, fmt.Errorf("%w: owner of %s", ErrUnknownAdapter, dev)
	}
	return owner, nil
}

func (m *Manager) accepting() error {
	if !m.phase.Is(PhaseRunning) {
		return ErrClosed
	}
	return nil
}

func (m *Manager) routed(op string) {
	m.metrics.Requests.WithLabelValues(op, "routed").Inc()
}

func (m *Manager) rejected(op string, err error) error {
	m.metrics.Requests.WithLabelValues(op, "rejected").Inc()
	m.logger.Debug("request rejected", "op", op, "error", err)
	return err
}

// Adapters lists the current registrations ordered by ID.
func (m *Manager) Adapters() []Registration {
	entries := m.reg.Adapters()
	out := make([]Registration, len(entries))
	for i, e := range entries {
		out[i] = Registration{ID: e.ID, Type: e.Type, Generation: e.Generation, Since: e.Since}
	}
	return out
}

// Devices lists registered devices ordered by UID.
func (m *Manager) Devices() []registry.DeviceEntry { return m.reg.Devices() }

// Device looks up one device.
func (m *Manager) Device(dev adapter.DeviceUID) (registry.DeviceEntry, bool) {
	return m.reg.Device(dev)
}

// Connections lists live connections ordered by key.
func (m *Manager) Connections() []registry.ConnectionEntry { return m.reg.Connections() }

// Connection looks up (dev, app).
func (m *Manager) Connection(dev adapter.DeviceUID, app adapter.ApplicationHandle) (registry.ConnectionEntry, bool) {
	return m.reg.Connection(registry.ConnectionKey{Device: dev, App: app})
}

// ConnectionsOf lists the connections of dev.
func (m *Manager) ConnectionsOf(dev adapter.DeviceUID) []registry.ConnectionEntry {
	return m.reg.ConnectionsOf(dev)
}

// Pending lists inbound requests awaiting AcceptConnect or RejectConnect.
func (m *Manager) Pending() []registry.PendingEntry { return m.reg.Pending() }

// Snapshot returns every registry table from one consistent read.
func (m *Manager) Snapshot() registry.Snapshot { return m.reg.Snapshot() }

// Bus returns the event bus.
func (m *Manager) Bus() event.Bus { return m.bus }

// Subscribe is shorthand for Bus().Subscribe.
func (m *Manager) Subscribe(ctx context.Context, f event.Filter) (event.Subscription, error) {
	return m.bus.Subscribe(ctx, f)
}

// Errors returns the diagnostics bus.
func (m *Manager) Errors() *event.ErrorBus { return m.errs }

// Journal returns the history of published events.
func (m *Manager) Journal() *event.Journal { return m.journal }

// Phase returns the lifecycle phase.
func (m *Manager) Phase() Phase { return m.phase.Current() }

// Config returns the configuration the manager was built with.
func (m *Manager) Config() Config { return m.cfg }

// Sync returns once every callback queued before the call has been applied
// and published. It must not be called from a bus subscriber that the writer
// may be blocked on.
func (m *Manager) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	if !m.inbox.Push(notice{barrier: barrier}) {
		return ErrClosed
	}
	select {
	case <-barrier:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown unregisters every adapter, drains the writer and closes both
// buses. Later calls return the first result.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdownOnce.Do(func() {
		m.shutdownErr = m.shutdown(ctx)
	})
	return m.shutdownErr
}

func (m *Manager) shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}

	var errs []error

	m.regMu.Lock()
	if err := m.phase.Trigger(ctx, phaseShutdown); err != nil {
		errs = append(errs, err)
	}
	for _, e := range m.reg.Adapters() {
		if err := m.unregisterLocked(e.ID); err != nil {
			errs = append(errs, err)
		}
	}
	m.regMu.Unlock()

	m.inbox.Close()
	select {
	case <-m.done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("drain writer: %w", ctx.Err()))
	}

	// Releases a writer stuck on a slow subscriber.
	m.cancel()
	<-m.done

	m.bus.Close()
	m.errs.Close()

	if err := m.phase.Trigger(context.Background(), phaseDrained); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
