package mqttip

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"

	"github.com/dcherniev/sdl-core/pkg/adapter"
	"github.com/dcherniev/sdl-core/pkg/adapter/adaptertest"
)

const wait = time.Second

// memBroker is an in-process broker with retained messages and +/# filters.
// Delivery is synchronous.
type memBroker struct {
	mu       sync.Mutex
	subs     map[string][]handler
	retained map[string][]byte
	closed   bool
	lost     func(error)
}

func newMemBroker() *memBroker {
	return &memBroker{subs: make(map[string][]handler), retained: make(map[string][]byte)}
}

func (b *memBroker) dialer() dialer {
	return func(cfg Config, w will, h hooks) (broker, error) {
		b.mu.Lock()
		b.lost = h.lost
		b.mu.Unlock()
		return b, nil
	}
}

func (b *memBroker) Publish(topic string, retained bool, payload []byte) error {
	b.mu.Lock()
	if retained {
		b.retained[topic] = payload
	}
	var targets []handler
	for filter, hs := range b.subs {
		if topicMatch(filter, topic) {
			targets = append(targets, hs...)
		}
	}
	b.mu.Unlock()

	for _, h := range targets {
		h(topic, payload)
	}
	return nil
}

func (b *memBroker) Subscribe(filter string, h handler) error {
	b.mu.Lock()
	b.subs[filter] = append(b.subs[filter], h)
	var replay [][2]string
	for t, p := range b.retained {
		if topicMatch(filter, t) {
			replay = append(replay, [2]string{t, string(p)})
		}
	}
	b.mu.Unlock()

	for _, r := range replay {
		h(r[0], []byte(r[1]))
	}
	return nil
}

func (b *memBroker) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *memBroker) dropConnection(err error) {
	b.mu.Lock()
	lost := b.lost
	b.mu.Unlock()
	lost(err)
}

func topicMatch(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")
	for i, f := range fs {
		if f == "#" {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}

// peer simulates a device on the broker.
type peer struct {
	t      *testing.T
	b      *memBroker
	tp     topics
	id     string
	refuse bool

	mu       sync.Mutex
	controls []control
	down     [][]byte
}

func newPeer(t *testing.T, b *memBroker, id, name string) *peer {
	p := &peer{t: t, b: b, tp: topics{prefix: "sdl"}, id: id}
	ann, _ := json.Marshal(announcement{Name: name, Metadata: map[string]string{"room": "lab"}})
	b.Publish(p.tp.announce(id), true, ann)
	b.Publish(p.tp.status(id), true, []byte(statusOnline))
	b.Subscribe(p.tp.control(id), p.onControl)
	b.Subscribe(p.tp.prefix+"/devices/"+id+"/app/+/down", func(topic string, payload []byte) {
		p.mu.Lock()
		p.down = append(p.down, payload)
		p.mu.Unlock()
	})
	return p
}

func (p *peer) onControl(topic string, payload []byte) {
	var c control
	if err := json.Unmarshal(payload, &c); err != nil {
		p.t.Errorf("Peer got malformed control: %v", err)
		return
	}
	p.mu.Lock()
	p.controls = append(p.controls, c)
	refuse := p.refuse
	p.mu.Unlock()

	if c.Corr == "" {
		return
	}
	r := reply{Op: opAck, App: c.App, Corr: c.Corr, OK: !refuse}
	if refuse {
		r.Error = "busy"
	}
	p.send(r)
}

func (p *peer) send(r reply) {
	payload, _ := json.Marshal(r)
	p.b.Publish(p.tp.reply(p.id), false, payload)
}

func (p *peer) lastControl() control {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.controls) == 0 {
		return control{}
	}
	return p.controls[len(p.controls)-1]
}

func startDriver(t *testing.T, b *memBroker) (*adapter.Base, *Driver, *adaptertest.Recorder) {
	t.Helper()
	cfg := DefaultConfig()
	drv := New(cfg, nil)
	drv.dial = b.dialer()

	a := adapter.New("ip", "mqtt", drv, adapter.WithOpTimeout(500*time.Millisecond))
	rec := adaptertest.NewRecorder()
	if err := a.Init(rec); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	t.Cleanup(func() { a.Terminate() })
	return a, drv, rec
}

func discover(t *testing.T, a *adapter.Base, rec *adaptertest.Recorder) {
	t.Helper()
	n := len(rec.Filter("OnSearchDeviceDone"))
	a.SearchDevices()
	if !rec.WaitFor("OnSearchDeviceDone", n+1, wait) {
		t.Fatalf("Search did not complete; calls: %v", rec.Methods())
	}
}

func connect(t *testing.T, a *adapter.Base, rec *adaptertest.Recorder, dev adapter.DeviceUID, app adapter.ApplicationHandle) {
	t.Helper()
	n := len(rec.Filter("OnConnectDone"))
	a.Connect(dev, app)
	if !rec.WaitFor("OnConnectDone", n+1, wait) {
		t.Fatalf("Connect did not complete; calls: %v", rec.Methods())
	}
}

func TestTopics_Parse(t *testing.T) {
	tp := topics{prefix: "sdl"}
	tests := []struct {
		topic string
		want  route
		ok    bool
	}{
		{"sdl/devices/lamp/announce", route{id: "lamp", leaf: "announce"}, true},
		{"sdl/devices/lamp/app/3/up", route{id: "lamp", leaf: "up", app: 3}, true},
		{"sdl/devices/lamp/app/x/up", route{}, false},
		{"other/devices/lamp/status", route{}, false},
		{"sdl/devices//status", route{}, false},
	}
	for _, tt := range tests {
		got, ok := tp.parse(tt.topic)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parse(%q): expected %+v/%v, got %+v/%v", tt.topic, tt.want, tt.ok, got, ok)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config should be valid: %v", err)
	}
	bad := DefaultConfig()
	bad.Prefix = "sdl/#"
	if err := bad.Validate(); err == nil {
		t.Error("Expected wildcard prefix to be rejected")
	}
	bad = DefaultConfig()
	bad.QoS = 3
	if err := bad.Validate(); err == nil {
		t.Error("Expected qos 3 to be rejected")
	}
}

func TestDriver_DiscoveryFromAnnouncements(t *testing.T) {
	b := newMemBroker()
	newPeer(t, b, "lamp", "Desk Lamp")
	newPeer(t, b, "fan", "Fan")
	b.Publish("sdl/devices/fan/status", true, []byte(statusOffline))

	a, _, rec := startDriver(t, b)
	discover(t, a, rec)

	devs := a.DeviceList()
	if len(devs) != 1 {
		t.Fatalf("Expected only the online device, got %+v", devs)
	}
	if devs[0].UID != "mqtt:lamp" || devs[0].Name != "Desk Lamp" {
		t.Errorf("Unexpected device %+v", devs[0])
	}
	if devs[0].Metadata["room"] != "lab" {
		t.Errorf("Expected metadata carried, got %v", devs[0].Metadata)
	}
}

func TestDriver_OpenSendReceiveClose(t *testing.T) {
	b := newMemBroker()
	p := newPeer(t, b, "lamp", "Desk Lamp")
	a, _, rec := startDriver(t, b)
	discover(t, a, rec)
	connect(t, a, rec, "mqtt:lamp", 2)

	if c := p.lastControl(); c.Op != opOpen || c.App != 2 || c.Corr == "" {
		t.Errorf("Expected correlated open for app 2, got %+v", c)
	}

	a.SendData("mqtt:lamp", 2, adapter.NewRawMessage("mqtt:lamp", 2, []byte("on")))
	if !rec.WaitFor("OnDataSendDone", 1, wait) {
		t.Fatalf("Send did not complete; calls: %v", rec.Methods())
	}
	p.mu.Lock()
	if len(p.down) != 1 || string(p.down[0]) != "on" {
		t.Errorf("Expected peer to get 'on', got %q", p.down)
	}
	p.mu.Unlock()

	b.Publish(p.tp.up("lamp", 2), false, []byte("ok"))
	if !rec.WaitFor("OnDataReceiveDone", 1, wait) {
		t.Fatalf("Receive not delivered; calls: %v", rec.Methods())
	}
	got, _ := rec.Last("OnDataReceiveDone")
	if string(got.Message.Data()) != "ok" {
		t.Errorf("Expected 'ok', got %q", got.Message.Data())
	}

	a.Disconnect("mqtt:lamp", 2)
	if !rec.WaitFor("OnDisconnectDone", 1, wait) {
		t.Fatalf("Disconnect did not complete; calls: %v", rec.Methods())
	}
	if c := p.lastControl(); c.Op != opClose {
		t.Errorf("Expected close, got %+v", c)
	}
}

func TestDriver_OpenRefused(t *testing.T) {
	b := newMemBroker()
	p := newPeer(t, b, "lamp", "Desk Lamp")
	p.refuse = true
	a, _, rec := startDriver(t, b)
	discover(t, a, rec)

	a.Connect("mqtt:lamp", 1)
	if !rec.WaitFor("OnConnectFailed", 1, wait) {
		t.Fatalf("Connect did not fail; calls: %v", rec.Methods())
	}
	call, _ := rec.Last("OnConnectFailed")
	if call.Code() != adapter.CodeRejected {
		t.Errorf("Expected %s, got %s", adapter.CodeRejected, call.Code())
	}
}

func TestDriver_OpenTimesOut(t *testing.T) {
	b := newMemBroker()
	newPeer(t, b, "lamp", "Desk Lamp")
	// Announced but nobody answers on the control topic.
	ann, _ := json.Marshal(announcement{Name: "Mute"})
	b.Publish("sdl/devices/mute/announce", true, ann)

	a, _, rec := startDriver(t, b)
	discover(t, a, rec)

	a.Connect("mqtt:mute", 1)
	if !rec.WaitFor("OnConnectFailed", 1, 2*wait) {
		t.Fatalf("Connect did not fail; calls: %v", rec.Methods())
	}
	call, _ := rec.Last("OnConnectFailed")
	if call.Code() != adapter.CodeTimeout {
		t.Errorf("Expected %s, got %s", adapter.CodeTimeout, call.Code())
	}
}

func TestDriver_PeerClosedChannel(t *testing.T) {
	b := newMemBroker()
	p := newPeer(t, b, "lamp", "Desk Lamp")
	a, _, rec := startDriver(t, b)
	discover(t, a, rec)
	connect(t, a, rec, "mqtt:lamp", 1)

	p.send(reply{Op: opClosed, App: 1})
	if !rec.WaitFor("OnUnexpectedDisconnect", 1, wait) {
		t.Fatalf("Loss not reported; calls: %v", rec.Methods())
	}
	call, _ := rec.Last("OnUnexpectedDisconnect")
	if call.Code() != adapter.CodeLinkLost {
		t.Errorf("Expected %s, got %s", adapter.CodeLinkLost, call.Code())
	}
}

func TestDriver_DeviceOfflineDropsChannels(t *testing.T) {
	b := newMemBroker()
	newPeer(t, b, "lamp", "Desk Lamp")
	a, _, rec := startDriver(t, b)
	discover(t, a, rec)
	connect(t, a, rec, "mqtt:lamp", 1)
	connect(t, a, rec, "mqtt:lamp", 2)

	b.Publish("sdl/devices/lamp/status", true, []byte(statusOffline))
	if !rec.WaitFor("OnUnexpectedDisconnect", 2, wait) {
		t.Fatalf("Expected both channels lost; calls: %v", rec.Methods())
	}
}

func TestDriver_BrokerLost(t *testing.T) {
	b := newMemBroker()
	newPeer(t, b, "lamp", "Desk Lamp")
	a, _, rec := startDriver(t, b)
	discover(t, a, rec)
	connect(t, a, rec, "mqtt:lamp", 1)

	b.dropConnection(errors.New("EOF"))
	if !rec.WaitFor("OnUnexpectedDisconnect", 1, wait) {
		t.Fatalf("Loss not reported; calls: %v", rec.Methods())
	}
}

func TestDriver_IncomingAccept(t *testing.T) {
	b := newMemBroker()
	p := newPeer(t, b, "lamp", "Desk Lamp")
	a, _, rec := startDriver(t, b)
	discover(t, a, rec)

	p.send(reply{Op: opRequest, App: 5})
	if !rec.WaitFor("OnConnectRequested", 1, wait) {
		t.Fatalf("Request not reported; calls: %v", rec.Methods())
	}

	a.AcceptConnect("mqtt:lamp", 5)
	if !rec.WaitFor("OnConnectDone", 1, wait) {
		t.Fatalf("Accept did not complete; calls: %v", rec.Methods())
	}
	if c := p.lastControl(); c.Op != opAccept || c.App != 5 {
		t.Errorf("Expected accept for app 5, got %+v", c)
	}
}

func TestDriver_FaultReported(t *testing.T) {
	b := newMemBroker()
	p := newPeer(t, b, "lamp", "Desk Lamp")
	a, _, rec := startDriver(t, b)
	discover(t, a, rec)

	p.send(reply{Op: opFault, Error: "overheating"})
	if !rec.WaitFor("OnCommunicationError", 1, wait) {
		t.Fatalf("Fault not reported; calls: %v", rec.Methods())
	}
}

func TestDriver_StopPublishesOffline(t *testing.T) {
	b := newMemBroker()
	a, _, _ := startDriver(t, b)

	b.mu.Lock()
	online := string(b.retained["sdl/core/transportd/status"])
	b.mu.Unlock()
	if online != statusOnline {
		t.Errorf("Expected online presence, got %q", online)
	}

	if err := a.Terminate(); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if string(b.retained["sdl/core/transportd/status"]) != statusOffline {
		t.Error("Expected offline presence after stop")
	}
	if !b.closed {
		t.Error("Expected broker closed")
	}
}
