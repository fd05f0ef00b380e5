package manager

import (
	"github.com/dcherniev/sdl-core/pkg/adapter"
	"github.com/dcherniev/sdl-core/pkg/event"
)

// Writer-only notice kinds. They mark a connection as going down when the
// request is routed, ahead of the adapter's reply, and are never published.
const (
	kindMarkDisconnect = "manager.mark.disconnect"
	kindMarkDevice     = "manager.mark.device"
)

// notice is one unit of work for the writer.
type notice struct {
	kind      string
	adapterID string
	gen       uint64
	transport string
	control   bool // registration notices skip validation

	dev     adapter.DeviceUID
	app     adapter.ApplicationHandle
	device  *adapter.Device  // identity of dev as the adapter knew it
	devices []adapter.Device // discovered set for a search result
	msg     *adapter.RawMessage
	err     error
	removed [2]int // devices, connections dropped by an unregister

	barrier chan struct{}
}

// epochListener is the Listener handed to one registration. It stamps every
// callback with the registration's ID and generation and queues it; it never
// blocks and never touches the registry.
type epochListener struct {
	m   *Manager
	id  string
	gen uint64
}

var _ adapter.Listener = (*epochListener)(nil)

func (l *epochListener) post(n notice) {
	n.adapterID = l.id
	n.gen = l.gen
	if !l.m.inbox.Push(n) {
		l.m.logger.Debug("callback after shutdown", "adapter", l.id, "type", n.kind)
	}
}

// lookup returns the adapter's record of uid, if it still has one.
func lookup(a adapter.Adapter, uid adapter.DeviceUID) *adapter.Device {
	for _, d := range a.DeviceList() {
		if d.UID == uid {
			d := d.Clone()
			return &d
		}
	}
	return nil
}

func (l *epochListener) OnSearchDeviceDone(a adapter.Adapter) {
	l.post(notice{kind: event.TypeSearchDone, devices: a.DeviceList()})
}

func (l *epochListener) OnSearchDeviceFailed(a adapter.Adapter, err *adapter.SearchDeviceError) {
	n := notice{kind: event.TypeSearchFailed}
	if err != nil {
		n.err = err
	}
	l.post(n)
}

func (l *epochListener) OnConnectDone(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle) {
	l.post(notice{kind: event.TypeConnectDone, dev: dev, app: app, device: lookup(a, dev)})
}

func (l *epochListener) OnConnectFailed(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, err *adapter.ConnectError) {
	n := notice{kind: event.TypeConnectFailed, dev: dev, app: app}
	if err != nil {
		n.err = err
	}
	l.post(n)
}

func (l *epochListener) OnConnectRequested(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle) {
	l.post(notice{kind: event.TypeConnectRequested, dev: dev, app: app, device: lookup(a, dev)})
}

func (l *epochListener) OnUnexpectedDisconnect(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, err *adapter.CommunicationError) {
	n := notice{kind: event.TypeConnectionLost, dev: dev, app: app}
	if err != nil {
		n.err = err
	}
	l.post(n)
}

func (l *epochListener) OnDisconnectDone(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle) {
	l.post(notice{kind: event.TypeDisconnectDone, dev: dev, app: app})
}

func (l *epochListener) OnDisconnectFailed(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, err *adapter.DisconnectError) {
	n := notice{kind: event.TypeDisconnectFailed, dev: dev, app: app}
	if err != nil {
		n.err = err
	}
	l.post(n)
}

func (l *epochListener) OnDisconnectDeviceDone(a adapter.Adapter, dev adapter.DeviceUID) {
	l.post(notice{kind: event.TypeDeviceDisconnectDone, dev: dev})
}

func (l *epochListener) OnDisconnectDeviceFailed(a adapter.Adapter, dev adapter.DeviceUID, err *adapter.DisconnectDeviceError) {
	n := notice{kind: event.TypeDeviceDisconnectFailed, dev: dev}
	if err != nil {
		n.err = err
	}
	l.post(n)
}

func (l *epochListener) OnDataSendDone(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, msg *adapter.RawMessage) {
	l.post(notice{kind: event.TypeSendDone, dev: dev, app: app, msg: msg})
}

func (l *epochListener) OnDataSendFailed(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, msg *adapter.RawMessage, err *adapter.DataSendError) {
	n := notice{kind: event.TypeSendFailed, dev: dev, app: app, msg: msg}
	if err != nil {
		n.err = err
	}
	l.post(n)
}

func (l *epochListener) OnDataReceiveDone(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, msg *adapter.RawMessage) {
	l.post(notice{kind: event.TypeReceiveDone, dev: dev, app: app, msg: msg})
}

func (l *epochListener) OnDataReceiveFailed(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, err *adapter.DataReceiveError) {
	n := notice{kind: event.TypeReceiveFailed, dev: dev, app: app}
	if err != nil {
		n.err = err
	}
	l.post(n)
}

func (l *epochListener) OnCommunicationError(a adapter.Adapter, dev adapter.DeviceUID, err *adapter.CommunicationError) {
	n := notice{kind: event.TypeCommunicationError, dev: dev}
	if err != nil {
		n.err = err
	}
	l.post(n)
}
