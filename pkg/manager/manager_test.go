package manager_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dcherniev/sdl-core/pkg/adapter"
	"github.com/dcherniev/sdl-core/pkg/adapter/virtual"
	"github.com/dcherniev/sdl-core/pkg/clock"
	"github.com/dcherniev/sdl-core/pkg/event"
	"github.com/dcherniev/sdl-core/pkg/manager"
	"github.com/dcherniev/sdl-core/pkg/registry"
)

const wait = time.Second

func newManager(t *testing.T) *manager.Manager {
	t.Helper()
	m, err := manager.New(manager.DefaultConfig(), manager.WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { m.Shutdown(context.Background()) })
	return m
}

func subscribe(t *testing.T, m *manager.Manager) event.Subscription {
	t.Helper()
	sub, err := m.Subscribe(context.Background(), event.Filter{})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	t.Cleanup(func() { sub.Close() })
	return sub
}

func register(t *testing.T, m *manager.Manager, id string, drv adapter.Driver) *adapter.Base {
	t.Helper()
	a := adapter.New(id, "virtual", drv, adapter.WithOpTimeout(500*time.Millisecond))
	if _, err := m.Register(a); err != nil {
		t.Fatalf("Register(%s) failed: %v", id, err)
	}
	return a
}

func settle(t *testing.T, m *manager.Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := m.Sync(ctx); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
}

// next skips events until one of type typ arrives.
func next(t *testing.T, sub event.Subscription, typ string) event.Event {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				t.Fatalf("Subscription closed waiting for %s", typ)
			}
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", typ)
		}
	}
}

func nextDiag(t *testing.T, sub *event.ErrorSubscription, code string) event.ErrorEvent {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case evt := <-sub.Events():
			if evt.Code == code {
				return evt
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for diagnostic %s", code)
		}
	}
}

func discover(t *testing.T, m *manager.Manager, sub event.Subscription, id string) event.Event {
	t.Helper()
	if err := m.SearchDevices(id); err != nil {
		t.Fatalf("SearchDevices(%s) failed: %v", id, err)
	}
	return next(t, sub, event.TypeSearchDone)
}

func connect(t *testing.T, m *manager.Manager, sub event.Subscription, dev adapter.DeviceUID, app adapter.ApplicationHandle) {
	t.Helper()
	if err := m.Connect(dev, app); err != nil {
		t.Fatalf("Connect(%s, %d) failed: %v", dev, app, err)
	}
	evt := next(t, sub, event.TypeConnectDone)
	if evt.Device != dev || evt.App != app {
		t.Fatalf("Expected connect done for %s/%d, got %s/%d", dev, app, evt.Device, evt.App)
	}
}

// spy captures the listener the manager hands to the adapter, so a test can
// replay callbacks after the registration is gone.
type spy struct {
	*adapter.Base
	mu sync.Mutex
	l  adapter.Listener
}

func (s *spy) Init(l adapter.Listener) error {
	s.mu.Lock()
	s.l = l
	s.mu.Unlock()
	return s.Base.Init(l)
}

func (s *spy) listener() adapter.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.l
}

type brokenDriver struct {
	*virtual.Driver
}

func (d brokenDriver) Start(ctx context.Context, sink adapter.Sink) error {
	return errors.New("no radio present")
}

func TestManager_SearchRegistersDevices(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	register(t, m, "radio", virtual.New(virtual.Device("d1", "One")))

	evt := discover(t, m, sub, "radio")
	if evt.Source != "radio" {
		t.Errorf("Expected source radio, got %s", evt.Source)
	}
	if evt.Metadata["devices"] != "1" {
		t.Errorf("Expected devices=1, got %q", evt.Metadata["devices"])
	}
	if evt.Metadata[event.MetaTransport] != "virtual" {
		t.Errorf("Expected transport metadata, got %v", evt.Metadata)
	}

	d, ok := m.Device("d1")
	if !ok {
		t.Fatal("Expected d1 in registry")
	}
	if d.AdapterID != "radio" {
		t.Errorf("Expected d1 owned by radio, got %s", d.AdapterID)
	}
	if d.Device.Name != "One" {
		t.Errorf("Expected name One, got %s", d.Device.Name)
	}
}

func TestManager_SearchReplacesDeviceSet(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"), virtual.Device("d2", "Two"))
	register(t, m, "radio", drv)

	discover(t, m, sub, "radio")
	if n := len(m.Devices()); n != 2 {
		t.Fatalf("Expected 2 devices, got %d", n)
	}

	drv.RemoveDevice("d2")
	discover(t, m, sub, "radio")

	devs := m.Devices()
	if len(devs) != 1 || devs[0].Device.UID != "d1" {
		t.Errorf("Expected only d1, got %+v", devs)
	}
}

// blind reports an empty device list, like a peripheral that stops
// advertising once connected.
type blind struct {
	adapter.Adapter
}

func (blind) DeviceList() []adapter.Device { return nil }

func TestManager_SearchKeepsDevicesInUse(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"), virtual.Device("d2", "Two"), virtual.Device("d3", "Three"))
	a := &spy{Base: adapter.New("radio", "virtual", drv, adapter.WithOpTimeout(500*time.Millisecond))}
	if _, err := m.Register(a); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)
	drv.Dial(virtual.Device("d3", "Three"), 4)
	next(t, sub, event.TypeConnectRequested)

	a.listener().OnSearchDeviceDone(blind{a})
	next(t, sub, event.TypeSearchDone)
	settle(t, m)

	if _, ok := m.Connection("d1", 1); !ok {
		t.Error("Search result removed a live connection")
	}
	if _, ok := m.Device("d1"); !ok {
		t.Error("Expected connected device kept")
	}
	if _, ok := m.Device("d3"); !ok {
		t.Error("Expected device with a pending request kept")
	}
	if n := len(m.Pending()); n != 1 {
		t.Errorf("Expected 1 pending request, got %d", n)
	}
	if _, ok := m.Device("d2"); ok {
		t.Error("Expected idle vanished device removed")
	}
	for _, e := range m.Journal().Filter(event.Filter{Types: []string{event.TypeDisconnectDone, event.TypeConnectionLost}}) {
		t.Errorf("Unexpected %s for %s/%d", e.Type, e.Device, e.App)
	}
}

func TestManager_SearchFailed(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	drv.Fail(virtual.OpScan, adapter.ErrUnreachable)
	register(t, m, "radio", drv)

	if err := m.SearchDevices("radio"); err != nil {
		t.Fatalf("SearchDevices failed: %v", err)
	}
	evt := next(t, sub, event.TypeSearchFailed)
	if evt.Code != adapter.CodeUnavailable {
		t.Errorf("Expected %s, got %s", adapter.CodeUnavailable, evt.Code)
	}
	if len(m.Devices()) != 0 {
		t.Errorf("Expected no devices, got %d", len(m.Devices()))
	}
}

func TestManager_ConnectDone(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	register(t, m, "radio", virtual.New(virtual.Device("d1", "One")))
	discover(t, m, sub, "radio")

	connect(t, m, sub, "d1", 1)

	c, ok := m.Connection("d1", 1)
	if !ok {
		t.Fatal("Expected connection d1/1")
	}
	if c.State != registry.ConnConnected {
		t.Errorf("Expected connected, got %s", c.State)
	}
	if c.AdapterID != "radio" {
		t.Errorf("Expected adapter radio, got %s", c.AdapterID)
	}
}

func TestManager_ConnectionLost(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)

	drv.Drop("d1", 1, adapter.ErrLinkLost)

	evt := next(t, sub, event.TypeConnectionLost)
	if evt.Code != adapter.CodeLinkLost {
		t.Errorf("Expected %s, got %s", adapter.CodeLinkLost, evt.Code)
	}
	if _, ok := m.Connection("d1", 1); ok {
		t.Error("Expected connection removed")
	}
	if _, ok := m.Device("d1"); !ok {
		t.Error("Expected device to stay registered")
	}

	for _, e := range m.Journal().All() {
		if e.Type == event.TypeDisconnectDone {
			t.Error("A lost connection must not be reported as closed")
		}
	}
}

func TestManager_DisconnectDeviceRemovesAllAtOnce(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)
	connect(t, m, sub, "d1", 2)

	var (
		partial atomic.Bool
		stop    = make(chan struct{})
		watched sync.WaitGroup
	)
	watched.Add(1)
	go func() {
		defer watched.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := len(m.ConnectionsOf("d1")); n != 0 && n != 2 {
				partial.Store(true)
			}
		}
	}()

	if err := m.DisconnectDevice("d1"); err != nil {
		t.Fatalf("DisconnectDevice failed: %v", err)
	}
	evt := next(t, sub, event.TypeDeviceDisconnectDone)
	close(stop)
	watched.Wait()

	if partial.Load() {
		t.Error("Observed a partially torn down device")
	}
	if n := len(m.ConnectionsOf("d1")); n != 0 {
		t.Errorf("Expected no connections, got %d", n)
	}
	if evt.Metadata["connections"] != "2" {
		t.Errorf("Expected connections=2, got %q", evt.Metadata["connections"])
	}
	if _, ok := m.Device("d1"); !ok {
		t.Error("Expected device to stay registered")
	}
}

func TestManager_DisconnectDeviceFailedKeepsEveryConnection(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	for app := adapter.ApplicationHandle(1); app <= 3; app++ {
		connect(t, m, sub, "d1", app)
	}

	drv.Fail(virtual.OpClose, nil)
	drv.Fail(virtual.OpClose, errors.New("stuck"))
	if err := m.DisconnectDevice("d1"); err != nil {
		t.Fatalf("DisconnectDevice failed: %v", err)
	}
	next(t, sub, event.TypeDeviceDisconnectFailed)
	settle(t, m)

	if n := len(m.ConnectionsOf("d1")); n != 3 {
		t.Errorf("Expected 3 of 3 connections after a failed teardown, got %d", n)
	}
	for _, c := range m.ConnectionsOf("d1") {
		if c.State != registry.ConnConnected {
			t.Errorf("App %d: expected %s, got %s", c.Key.App, registry.ConnConnected, c.State)
		}
	}
	for _, e := range m.Journal().Filter(event.Filter{Types: []string{event.TypeDisconnectDone, event.TypeConnectionLost}}) {
		t.Errorf("Unexpected %s for %s/%d", e.Type, e.Device, e.App)
	}
}

func TestManager_ConnectFailedLeavesNoConnection(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")

	var seen atomic.Bool
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok := m.Connection("d1", 1); ok {
				seen.Store(true)
			}
		}
	}()

	drv.Fail(virtual.OpOpen, adapter.ErrUnreachable)
	if err := m.Connect("d1", 1); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	evt := next(t, sub, event.TypeConnectFailed)
	close(stop)
	<-done

	if seen.Load() {
		t.Error("Connection appeared for a failed connect")
	}
	if evt.Code != adapter.CodeUnavailable {
		t.Errorf("Expected %s, got %s", adapter.CodeUnavailable, evt.Code)
	}
	var cerr *adapter.ConnectError
	if !errors.As(evt.Err, &cerr) {
		t.Errorf("Expected *adapter.ConnectError, got %T", evt.Err)
	}
}

func TestManager_DisconnectMarksThenRemoves(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)

	release := drv.Hold(virtual.OpClose)
	if err := m.Disconnect("d1", 1); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	settle(t, m)

	c, ok := m.Connection("d1", 1)
	if !ok || c.State != registry.ConnDisconnecting {
		t.Errorf("Expected disconnecting, got %+v (present=%v)", c, ok)
	}

	release()
	next(t, sub, event.TypeDisconnectDone)
	if _, ok := m.Connection("d1", 1); ok {
		t.Error("Expected connection removed")
	}
}

func TestManager_DisconnectFailedRestoresConnected(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)

	drv.Fail(virtual.OpClose, errors.New("link busy"))
	if err := m.Disconnect("d1", 1); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	next(t, sub, event.TypeDisconnectFailed)

	c, ok := m.Connection("d1", 1)
	if !ok {
		t.Fatal("Expected connection to survive")
	}
	if c.State != registry.ConnConnected {
		t.Errorf("Expected connected, got %s", c.State)
	}
}

func TestManager_SendCarriesSameBuffer(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)

	msg := adapter.NewRawMessage("d1", 1, []byte("ping"))
	if err := m.SendData(msg); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	evt := next(t, sub, event.TypeSendDone)
	if evt.Message != msg {
		t.Error("Expected the event to carry the submitted buffer")
	}
	if evt.Size != 4 {
		t.Errorf("Expected size 4, got %d", evt.Size)
	}

	sent := drv.Sent()
	if len(sent) != 1 || string(sent[0].Data) != "ping" {
		t.Errorf("Expected one ping frame, got %+v", sent)
	}
}

func TestManager_SendFailedCarriesSameBuffer(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)

	drv.Fail(virtual.OpSend, adapter.ErrLinkLost)
	msg := adapter.NewRawMessage("d1", 1, []byte("ping"))
	if err := m.SendData(msg); err != nil {
		t.Fatalf("SendData failed: %v", err)
	}
	evt := next(t, sub, event.TypeSendFailed)
	if evt.Message != msg {
		t.Error("Expected the event to carry the submitted buffer")
	}
	if msg.InFlight() {
		t.Error("Expected buffer released after failure")
	}
}

func TestManager_Receive(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)

	drv.Inject("d1", 1, []byte("pong"))
	evt := next(t, sub, event.TypeReceiveDone)
	if evt.Message == nil || string(evt.Message.Data()) != "pong" {
		t.Errorf("Expected pong payload, got %+v", evt.Message)
	}
	if evt.Metadata[event.MetaDevice] != "d1" {
		t.Errorf("Expected device metadata d1, got %q", evt.Metadata[event.MetaDevice])
	}

	drv.InjectError("d1", 1, errors.New("crc mismatch"))
	next(t, sub, event.TypeReceiveFailed)

	drv.Fault("d1", errors.New("antenna fault"))
	next(t, sub, event.TypeCommunicationError)
	if _, ok := m.Connection("d1", 1); !ok {
		t.Error("Expected connection to survive a communication error")
	}
}

func TestManager_InboundAccept(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New()
	register(t, m, "radio", drv)

	drv.Dial(virtual.Device("d9", "Nine"), 3)
	next(t, sub, event.TypeConnectRequested)

	pending := m.Pending()
	if len(pending) != 1 || pending[0].Key.Device != "d9" || pending[0].Key.App != 3 {
		t.Fatalf("Expected pending d9/3, got %+v", pending)
	}
	d, ok := m.Device("d9")
	if !ok || d.Device.Name != "Nine" {
		t.Errorf("Expected d9 registered with its name, got %+v", d)
	}

	if err := m.AcceptConnect("d9", 3); err != nil {
		t.Fatalf("AcceptConnect failed: %v", err)
	}
	next(t, sub, event.TypeConnectDone)

	if len(m.Pending()) != 0 {
		t.Error("Expected pending request cleared")
	}
	if c, ok := m.Connection("d9", 3); !ok || c.State != registry.ConnConnected {
		t.Errorf("Expected d9/3 connected, got %+v", c)
	}
}

func TestManager_InboundReject(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New()
	register(t, m, "radio", drv)

	drv.Dial(virtual.Device("d9", "Nine"), 3)
	next(t, sub, event.TypeConnectRequested)

	if err := m.RejectConnect("d9", 3); err != nil {
		t.Fatalf("RejectConnect failed: %v", err)
	}
	evt := next(t, sub, event.TypeConnectFailed)
	if evt.Code != adapter.CodeRejected {
		t.Errorf("Expected %s, got %s", adapter.CodeRejected, evt.Code)
	}
	if len(m.Pending()) != 0 {
		t.Error("Expected pending request cleared")
	}
	if _, ok := m.Connection("d9", 3); ok {
		t.Error("Expected no connection")
	}
	if err := m.AcceptConnect("d9", 3); !errors.Is(err, manager.ErrNoPendingRequest) {
		t.Errorf("Expected ErrNoPendingRequest, got %v", err)
	}
}

func TestManager_RequestValidation(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	register(t, m, "radio", virtual.New(virtual.Device("d1", "One")))
	discover(t, m, sub, "radio")

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"search unknown adapter", func() error { return m.SearchDevices("nope") }, manager.ErrUnknownAdapter},
		{"connect unknown device", func() error { return m.Connect("ghost", 1) }, manager.ErrUnknownDevice},
		{"disconnect unknown", func() error { return m.Disconnect("d1", 1) }, manager.ErrUnknownConnection},
		{"disconnect device unknown", func() error { return m.DisconnectDevice("ghost") }, manager.ErrUnknownDevice},
		{"send nil", func() error { return m.SendData(nil) }, manager.ErrNilMessage},
		{"send not connected", func() error { return m.SendData(adapter.NewRawMessage("d1", 1, nil)) }, manager.ErrNotConnected},
		{"accept without request", func() error { return m.AcceptConnect("d1", 1) }, manager.ErrNoPendingRequest},
		{"reject without request", func() error { return m.RejectConnect("d1", 1) }, manager.ErrNoPendingRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestManager_RegisterErrors(t *testing.T) {
	m := newManager(t)
	register(t, m, "radio", virtual.New())

	if _, err := m.Register(nil); !errors.Is(err, manager.ErrNilAdapter) {
		t.Errorf("Expected ErrNilAdapter, got %v", err)
	}
	if _, err := m.Register(adapter.New("", "virtual", virtual.New())); !errors.Is(err, manager.ErrInvalidAdapter) {
		t.Errorf("Expected ErrInvalidAdapter, got %v", err)
	}
	if _, err := m.Register(adapter.New("radio", "virtual", virtual.New())); !errors.Is(err, manager.ErrDuplicateAdapter) {
		t.Errorf("Expected ErrDuplicateAdapter, got %v", err)
	}
	if err := m.Unregister("nope"); !errors.Is(err, manager.ErrUnknownAdapter) {
		t.Errorf("Expected ErrUnknownAdapter, got %v", err)
	}
}

func TestManager_RegisterInitFailure(t *testing.T) {
	m := newManager(t)
	diags, err := m.Errors().Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer diags.Close()

	a := adapter.New("radio", "virtual", brokenDriver{virtual.New()})
	if _, err := m.Register(a); err == nil {
		t.Fatal("Expected Register to fail")
	}
	nextDiag(t, diags, event.CodeAdapterFail)

	if len(m.Adapters()) != 0 {
		t.Errorf("Expected no registrations, got %+v", m.Adapters())
	}
	settle(t, m)
	var types []string
	for _, e := range m.Journal().All() {
		types = append(types, e.Type)
	}
	if len(types) != 2 || types[0] != event.TypeAdapterRegistered || types[1] != event.TypeAdapterUnregistered {
		t.Errorf("Expected registered then unregistered, got %v", types)
	}
	register(t, m, "radio", virtual.New())
}

// eagerDriver reports a peer request while it is still starting.
type eagerDriver struct {
	*virtual.Driver
}

func (d eagerDriver) Start(ctx context.Context, sink adapter.Sink) error {
	if err := d.Driver.Start(ctx, sink); err != nil {
		return err
	}
	sink.Incoming(virtual.Device("p1", "Peer"), 3)
	return nil
}

func TestManager_RegisteredPrecedesInitCallbacks(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)

	register(t, m, "radio", eagerDriver{virtual.New()})
	next(t, sub, event.TypeConnectRequested)

	var types []string
	for _, e := range m.Journal().All() {
		types = append(types, e.Type)
	}
	if len(types) < 2 || types[0] != event.TypeAdapterRegistered {
		t.Errorf("Expected %s first, got %v", event.TypeAdapterRegistered, types)
	}
}

func TestManager_GenerationsIncrease(t *testing.T) {
	m := newManager(t)
	a := adapter.New("radio", "virtual", virtual.New())
	first, err := m.Register(a)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := m.Unregister("radio"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	second, err := m.Register(adapter.New("radio", "virtual", virtual.New()))
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if second.Generation <= first.Generation {
		t.Errorf("Expected generation above %d, got %d", first.Generation, second.Generation)
	}
}

func TestManager_UnregisterCascades(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"), virtual.Device("d2", "Two"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)

	if err := m.Unregister("radio"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	evt := next(t, sub, event.TypeAdapterUnregistered)
	if evt.Metadata["devices"] != "2" || evt.Metadata["connections"] != "1" {
		t.Errorf("Expected devices=2 connections=1, got %v", evt.Metadata)
	}

	snap := m.Snapshot()
	if len(snap.Adapters) != 0 || len(snap.Devices) != 0 || len(snap.Connections) != 0 {
		t.Errorf("Expected empty registry, got %+v", snap)
	}
	if drv.Running() {
		t.Error("Expected driver stopped")
	}
}

func TestManager_StaleCallbacksDropped(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	diags, err := m.Errors().Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer diags.Close()

	old := &spy{Base: adapter.New("radio", "virtual", virtual.New(virtual.Device("d1", "One")))}
	if _, err := m.Register(old); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	retired := old.listener()
	if err := m.Unregister("radio"); err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}

	retired.OnConnectDone(old, "d1", 1)
	stale := nextDiag(t, diags, event.CodeStaleEvent)
	if stale.Severity != event.InfoSeverity {
		t.Errorf("Expected info severity, got %s", stale.Severity)
	}
	if _, ok := m.Connection("d1", 1); ok {
		t.Error("Stale callback created a connection")
	}

	// Same ID, new generation: the retired listener stays stale.
	fresh := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", fresh)
	discover(t, m, sub, "radio")

	retired.OnDisconnectDeviceDone(old, "d1")
	nextDiag(t, diags, event.CodeStaleEvent)
	settle(t, m)
	if _, ok := m.Device("d1"); !ok {
		t.Error("Stale callback touched the new registration")
	}

	for _, e := range m.Journal().All() {
		if e.Type == event.TypeDeviceDisconnectDone || e.Type == event.TypeConnectDone {
			t.Errorf("Stale event %s was published", e.Type)
		}
	}
}

func TestManager_DeviceConflict(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	diags, err := m.Errors().Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer diags.Close()

	register(t, m, "radio", virtual.New(virtual.Device("d1", "One")))
	register(t, m, "wire", virtual.New(virtual.Device("d1", "Also one")))
	discover(t, m, sub, "radio")
	discover(t, m, sub, "wire")

	evt := nextDiag(t, diags, event.CodeDeviceConflict)
	if evt.Severity != event.WarningSeverity {
		t.Errorf("Expected warning severity, got %s", evt.Severity)
	}
	d, _ := m.Device("d1")
	if d.AdapterID != "radio" {
		t.Errorf("Expected d1 to stay with radio, got %s", d.AdapterID)
	}
}

func TestManager_ConflictingConnectNotPublished(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	diags, err := m.Errors().Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer diags.Close()

	register(t, m, "radio", virtual.New(virtual.Device("d1", "One")))
	discover(t, m, sub, "radio")
	wire := &spy{Base: adapter.New("wire", "virtual", virtual.New())}
	if _, err := m.Register(wire); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	wire.listener().OnConnectDone(wire, "d1", 1)
	nextDiag(t, diags, event.CodeDeviceConflict)
	wire.listener().OnConnectRequested(wire, "d1", 2)
	nextDiag(t, diags, event.CodeDeviceConflict)
	settle(t, m)

	if _, ok := m.Connection("d1", 1); ok {
		t.Error("Conflicting connect created a connection")
	}
	if n := len(m.Pending()); n != 0 {
		t.Errorf("Expected no pending requests, got %d", n)
	}
	for _, e := range m.Journal().Filter(event.Filter{Types: []string{event.TypeConnectDone, event.TypeConnectRequested}}) {
		t.Errorf("Unexpected %s from %s for %s/%d", e.Type, e.Source, e.Device, e.App)
	}
}

func TestManager_UnknownConnectionStillPublished(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	diags, err := m.Errors().Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer diags.Close()

	s := &spy{Base: adapter.New("radio", "virtual", virtual.New())}
	if _, err := m.Register(s); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	s.listener().OnDisconnectDone(s, "ghost", 7)
	next(t, sub, event.TypeDisconnectDone)
	nextDiag(t, diags, event.CodeUnknownConnection)
}

func TestManager_SeqIsGapFree(t *testing.T) {
	m := newManager(t)
	sub := subscribe(t, m)
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)
	discover(t, m, sub, "radio")
	connect(t, m, sub, "d1", 1)
	for i := 0; i < 5; i++ {
		drv.Inject("d1", 1, []byte{byte(i)})
	}
	for i := 0; i < 5; i++ {
		next(t, sub, event.TypeReceiveDone)
	}

	all := m.Journal().All()
	if len(all) < 8 {
		t.Fatalf("Expected at least 8 events, got %d", len(all))
	}
	for i, e := range all {
		if e.Seq != uint64(i+1) {
			t.Fatalf("At %d: expected seq %d, got %d", i, i+1, e.Seq)
		}
	}
}

func TestManager_Shutdown(t *testing.T) {
	m, err := manager.New(manager.DefaultConfig(), manager.WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	sub, _ := m.Subscribe(context.Background(), event.Filter{Types: []string{event.TypeAdapterUnregistered}})
	drv := virtual.New(virtual.Device("d1", "One"))
	register(t, m, "radio", drv)

	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	if m.Phase() != manager.PhaseStopped {
		t.Errorf("Expected stopped, got %s", m.Phase())
	}
	if drv.Running() {
		t.Error("Expected driver stopped")
	}

	evt, ok := <-sub.Events()
	if !ok || evt.Type != event.TypeAdapterUnregistered {
		t.Errorf("Expected unregister event before close, got %+v (ok=%v)", evt, ok)
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("Expected subscription closed")
	}

	if _, err := m.Register(adapter.New("wire", "virtual", virtual.New())); !errors.Is(err, manager.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := m.Connect("d1", 1); !errors.Is(err, manager.ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := m.Sync(context.Background()); !errors.Is(err, manager.ErrClosed) {
		t.Errorf("Expected ErrClosed from Sync, got %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("Expected repeated Shutdown to return nil, got %v", err)
	}
}

func TestManager_TimestampsFromClock(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewManualClock(base)
	m, err := manager.New(manager.DefaultConfig(),
		manager.WithRegisterer(prometheus.NewRegistry()),
		manager.WithClock(clk),
	)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer m.Shutdown(context.Background())
	sub := subscribe(t, m)

	register(t, m, "radio", virtual.New(virtual.Device("d1", "One")))
	if regs := m.Adapters(); len(regs) != 1 || !regs[0].Since.Equal(base) {
		t.Fatalf("Expected registration at %v, got %+v", base, regs)
	}
	discover(t, m, sub, "radio")

	clk.Advance(5 * time.Second)
	if err := m.Connect("d1", 1); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	evt := next(t, sub, event.TypeConnectDone)
	want := base.Add(5 * time.Second)
	if !evt.Timestamp.Equal(want) {
		t.Errorf("Expected event timestamp %v, got %v", want, evt.Timestamp)
	}
	c, ok := m.Connection("d1", 1)
	if !ok {
		t.Fatal("Expected connection d1/1")
	}
	if !c.Since.Equal(want) {
		t.Errorf("Expected connection since %v, got %v", want, c.Since)
	}
	if d, _ := m.Device("d1"); !d.Since.Equal(base) {
		t.Errorf("Expected device since %v, got %v", base, d.Since)
	}
}
