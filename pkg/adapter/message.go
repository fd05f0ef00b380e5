package adapter

import "sync/atomic"

// RawMessage is an opaque payload routed to or from one (device, app) key.
//
// The payload is never interpreted by the transport layer. A message is
// identified by its pointer: the buffer passed to SendData is the exact
// pointer echoed by OnDataSendDone or OnDataSendFailed.
//
// Ownership: SendData hands the message to the adapter and marks it in flight.
// The caller must not reuse the backing slice returned by Data until the
// terminal callback clears the flag. RawMessage exposes no mutators.
type RawMessage struct {
	dev      DeviceUID
	app      ApplicationHandle
	data     []byte
	inFlight atomic.Bool
}

// NewRawMessage creates a message for (dev, app). The payload is copied.
func NewRawMessage(dev DeviceUID, app ApplicationHandle, data []byte) *RawMessage {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &RawMessage{dev: dev, app: app, data: buf}
}

// Device returns the routing device.
func (m *RawMessage) Device() DeviceUID { return m.dev }

// App returns the routing application handle.
func (m *RawMessage) App() ApplicationHandle { return m.app }

// Data returns the payload without copying. Callers must treat it as read-only.
func (m *RawMessage) Data() []byte { return m.data }

// Bytes returns a copy of the payload.
func (m *RawMessage) Bytes() []byte {
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Len returns the payload size in bytes.
func (m *RawMessage) Len() int { return len(m.data) }

// InFlight reports whether the message is currently owned by an adapter.
func (m *RawMessage) InFlight() bool { return m.inFlight.Load() }

func (m *RawMessage) acquire() bool { return m.inFlight.CompareAndSwap(false, true) }

func (m *RawMessage) release() { m.inFlight.Store(false) }
