package adapter

import (
	"errors"
	"strconv"
)

// Common errors returned by adapters
var (
	ErrNilListener         = errors.New("adapter: listener is nil")
	ErrAlreadyInitialized  = errors.New("adapter: already initialized")
	ErrNotInitialized      = errors.New("adapter: not initialized")
	ErrUnreachable         = errors.New("adapter: device unreachable")
	ErrRejectedByPeer      = errors.New("adapter: rejected by peer")
	ErrUnsupported         = errors.New("adapter: operation not supported by transport")
	ErrLinkLost            = errors.New("adapter: link lost")
	ErrApplicationNotFound = errors.New("adapter: application channel not configured")
)

// DeviceUID is an opaque device identity minted by the adapter that
// discovers the device. It is unique within that adapter's namespace; the
// bundled transports prefix it with their technology ("ble:", "mqtt:", ...).
type DeviceUID string

// ApplicationHandle identifies one logical session over a device.
// A device may host several handles at the same time.
type ApplicationHandle int

// String renders the handle for logs and topic names.
func (h ApplicationHandle) String() string {
	return strconv.Itoa(int(h))
}

// Device describes a device as reported by its adapter.
type Device struct {
	UID      DeviceUID         `json:"uid"`
	Name     string            `json:"name,omitempty"`
	Type     string            `json:"type,omitempty"`
	Address  string            `json:"address,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of d.
func (d Device) Clone() Device {
	c := d
	if d.Metadata != nil {
		c.Metadata = make(map[string]string, len(d.Metadata))
		for k, v := range d.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Adapter is one transport technology (radio, serial, IP, ...) seen through a
// uniform, fully asynchronous interface.
//
// Every operation is fire-and-forget: nothing is reported through return
// values. The terminal outcome of each request, and every unsolicited event,
// is delivered to the Listener passed to Init.
//
// Adapters are registered with the transport manager, which binds a listener
// stamped with the registration generation. A listener bound by an earlier
// registration must never be used again after Terminate.
type Adapter interface {
	// ID returns a unique identifier for this adapter instance (e.g. "radio").
	ID() string

	// Type returns the transport technology (e.g. "ble", "serial", "mqtt").
	Type() string

	// Init binds the listener and starts the adapter's internal worker.
	// Returns ErrAlreadyInitialized if the adapter is running.
	Init(l Listener) error

	// Terminate stops the worker and releases the transport. Queued requests
	// are dropped without callbacks. Returns ErrNotInitialized if not running.
	Terminate() error

	// SearchDevices starts a discovery cycle.
	// Terminal: OnSearchDeviceDone / OnSearchDeviceFailed.
	SearchDevices()

	// Connect opens (dev, app).
	// Terminal: OnConnectDone / OnConnectFailed.
	Connect(dev DeviceUID, app ApplicationHandle)

	// AcceptConnect accepts a peer-initiated request previously reported by
	// OnConnectRequested. Terminal: OnConnectDone / OnConnectFailed.
	AcceptConnect(dev DeviceUID, app ApplicationHandle)

	// RejectConnect declines a peer-initiated request.
	// Terminal: OnConnectFailed with CodeRejected.
	RejectConnect(dev DeviceUID, app ApplicationHandle)

	// Disconnect closes (dev, app). Issued while the connection is still
	// awaiting an accept/reject decision it aborts the request instead.
	// Terminal: OnDisconnectDone / OnDisconnectFailed (or OnConnectFailed
	// with CodeAborted for an aborted request).
	Disconnect(dev DeviceUID, app ApplicationHandle)

	// DisconnectDevice closes every connection on dev.
	// Terminal: OnDisconnectDeviceDone / OnDisconnectDeviceFailed.
	DisconnectDevice(dev DeviceUID)

	// SendData transmits msg to (dev, app). Ownership of msg passes to the
	// adapter until the matching terminal callback, which echoes the same
	// pointer. Terminal: OnDataSendDone / OnDataSendFailed.
	SendData(dev DeviceUID, app ApplicationHandle, msg *RawMessage)

	// DeviceList returns the adapter's current discovered set.
	DeviceList() []Device
}
