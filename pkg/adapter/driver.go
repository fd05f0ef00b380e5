package adapter

import "context"

// Driver is the blocking primitive set a transport technology provides.
//
// Base calls every Driver method from its single worker goroutine, so a
// driver never sees two operations at once. Each call receives a context
// carrying the operation deadline; implementations should honor it.
type Driver interface {
	// Scan runs one discovery cycle and returns every device found.
	Scan(ctx context.Context) ([]Device, error)

	// Open establishes the application channel app on dev.
	Open(ctx context.Context, dev Device, app ApplicationHandle) error

	// Close tears down the application channel app on dev.
	Close(ctx context.Context, dev Device, app ApplicationHandle) error

	// Send transmits data over an open channel. data must not be retained
	// after Send returns.
	Send(ctx context.Context, dev Device, app ApplicationHandle, data []byte) error
}

// Starter is implemented by drivers that need a running session (a broker
// connection, a radio stack, a reader loop). Start is called from Init with
// a context that is cancelled by Terminate.
type Starter interface {
	Start(ctx context.Context, sink Sink) error
}

// Stopper is implemented by drivers that hold resources beyond the Start
// context. Stop is called from Terminate after the worker exits.
type Stopper interface {
	Stop() error
}

// Responder is implemented by drivers that support peer-initiated
// connections. Drivers without it accept by calling Open and reject silently.
type Responder interface {
	Accept(ctx context.Context, dev Device, app ApplicationHandle) error
	Reject(ctx context.Context, dev Device, app ApplicationHandle) error
}

// DeviceCloser is implemented by drivers that can drop every channel of a
// device in one operation (e.g. a radio link disconnect). Without it, Base
// closes the channels one by one.
type DeviceCloser interface {
	CloseDevice(ctx context.Context, dev Device) error
}

// Sink receives unsolicited traffic from a running driver. Every method
// only enqueues work for the adapter worker and never blocks, so it is safe
// to call from transport callbacks and reader goroutines.
type Sink interface {
	// Received delivers a payload read on (dev, app). data is copied.
	Received(dev DeviceUID, app ApplicationHandle, data []byte)

	// ReceiveFailed reports a read failure on (dev, app).
	ReceiveFailed(dev DeviceUID, app ApplicationHandle, err error)

	// Incoming reports a peer-initiated connection request.
	Incoming(dev Device, app ApplicationHandle)

	// Lost reports that channel app on dev dropped.
	Lost(dev DeviceUID, app ApplicationHandle, err error)

	// LostDevice reports that every channel on dev dropped.
	LostDevice(dev DeviceUID, err error)

	// Fault reports a device-scoped failure that leaves connections up.
	Fault(dev DeviceUID, err error)
}
