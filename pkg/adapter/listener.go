package adapter

// Listener receives every outcome an adapter produces.
//
// Each method reports either the terminal outcome of a request made through
// the Adapter interface or an unsolicited event from the transport.
//
// Rules for implementations and for adapters calling them:
//   - Callbacks must not block. Adapters usually invoke them from the same
//     worker that performs transport operations, so long-running work stalls
//     the whole technology.
//   - Callbacks for one (device, app) key are causally ordered: the connect
//     outcome comes before any data or disconnect callback, and
//     OnDisconnectDone, OnDisconnectFailed or OnUnexpectedDisconnect is the
//     last callback for the key until it is connected again.
//   - Callbacks may call back into the reporting adapter (for example
//     Disconnect from inside OnConnectDone) without deadlocking.
type Listener interface {
	// OnSearchDeviceDone reports a finished discovery cycle. The discovered
	// set is available from a.DeviceList().
	OnSearchDeviceDone(a Adapter)

	// OnSearchDeviceFailed reports a failed discovery cycle.
	OnSearchDeviceFailed(a Adapter, err *SearchDeviceError)

	// OnConnectDone reports that (dev, app) is connected.
	OnConnectDone(a Adapter, dev DeviceUID, app ApplicationHandle)

	// OnConnectFailed reports that connecting (dev, app) failed. The adapter
	// state for the key is exactly as it was before the request.
	OnConnectFailed(a Adapter, dev DeviceUID, app ApplicationHandle, err *ConnectError)

	// OnConnectRequested reports an inbound, peer-initiated connection that
	// awaits AcceptConnect or RejectConnect.
	OnConnectRequested(a Adapter, dev DeviceUID, app ApplicationHandle)

	// OnUnexpectedDisconnect reports that a connected (dev, app) was lost
	// without being asked to disconnect.
	OnUnexpectedDisconnect(a Adapter, dev DeviceUID, app ApplicationHandle, err *CommunicationError)

	// OnDisconnectDone reports that a requested disconnect of (dev, app) completed.
	OnDisconnectDone(a Adapter, dev DeviceUID, app ApplicationHandle)

	// OnDisconnectFailed reports that a requested disconnect failed; the
	// connection is still up.
	OnDisconnectFailed(a Adapter, dev DeviceUID, app ApplicationHandle, err *DisconnectError)

	// OnDisconnectDeviceDone reports that every connection on dev was closed.
	OnDisconnectDeviceDone(a Adapter, dev DeviceUID)

	// OnDisconnectDeviceFailed reports that the device teardown failed.
	// Connections closed before the failure were already reported through
	// OnDisconnectDone.
	OnDisconnectDeviceFailed(a Adapter, dev DeviceUID, err *DisconnectDeviceError)

	// OnDataSendDone echoes a transmitted buffer.
	OnDataSendDone(a Adapter, dev DeviceUID, app ApplicationHandle, msg *RawMessage)

	// OnDataSendFailed echoes a buffer that could not be transmitted.
	OnDataSendFailed(a Adapter, dev DeviceUID, app ApplicationHandle, msg *RawMessage, err *DataSendError)

	// OnDataReceiveDone hands over a buffer received on (dev, app).
	OnDataReceiveDone(a Adapter, dev DeviceUID, app ApplicationHandle, msg *RawMessage)

	// OnDataReceiveFailed reports a receive failure on (dev, app).
	OnDataReceiveFailed(a Adapter, dev DeviceUID, app ApplicationHandle, err *DataReceiveError)

	// OnCommunicationError reports a device-scoped fault that is not tied to a
	// single operation. It does not imply that any connection was closed.
	OnCommunicationError(a Adapter, dev DeviceUID, err *CommunicationError)
}
