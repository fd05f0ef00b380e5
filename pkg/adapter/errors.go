package adapter

import (
	"context"
	"errors"
	"fmt"
)

// Code is a terse, stable identifier for a failure reason. Codes survive
// refactors better than messages and are what upstream policy should match on.
type Code string

// Failure codes shared by every error category.
const (
	CodeUnknown          Code = "UNKNOWN"
	CodeTimeout          Code = "TIMEOUT"            // Operation exceeded its deadline
	CodeUnavailable      Code = "UNAVAILABLE"        // Device or transport unreachable
	CodeDeviceNotFound   Code = "DEVICE_NOT_FOUND"   // Device not in the discovered set
	CodeAlreadyConnected Code = "ALREADY_CONNECTED"  // Key already connected
	CodeNotConnected     Code = "NOT_CONNECTED"      // Key not connected
	CodeBusy             Code = "BUSY"               // Another operation holds the key
	CodeRejected         Code = "REJECTED"           // Inbound request declined
	CodeAborted          Code = "ABORTED"            // Inbound request aborted by disconnect
	CodeNoPendingRequest Code = "NO_PENDING_REQUEST" // Accept/reject without a request
	CodeInFlight         Code = "BUFFER_IN_FLIGHT"   // Buffer already submitted
	CodeInvalidMessage   Code = "INVALID_MESSAGE"    // Buffer routing mismatch
	CodeUnsupported      Code = "UNSUPPORTED"        // Transport cannot do this
	CodeLinkLost         Code = "LINK_LOST"          // Link dropped
	CodeTransport        Code = "TRANSPORT"          // Transport-level failure
)

// Fault is the shared payload of every typed error: a code, an optional
// human-readable message and an optional underlying cause.
type Fault struct {
	Code    Code
	Message string
	Cause   error
}

func (f Fault) describe(kind string) string {
	msg := fmt.Sprintf("%s: %s", kind, f.Code)
	if f.Message != "" {
		msg += ": " + f.Message
	}
	if f.Cause != nil {
		msg += ": " + f.Cause.Error()
	}
	return msg
}

// ErrCode returns the failure code.
func (f Fault) ErrCode() Code {
	return f.Code
}

// SearchDeviceError is the failure reason of a discovery cycle.
type SearchDeviceError struct{ Fault }

func (e *SearchDeviceError) Error() string { return e.describe("search device") }
func (e *SearchDeviceError) Unwrap() error { return e.Cause }

// ConnectError is the failure reason of a connect request.
type ConnectError struct{ Fault }

func (e *ConnectError) Error() string { return e.describe("connect") }
func (e *ConnectError) Unwrap() error { return e.Cause }

// DisconnectError is the failure reason of a single-connection disconnect.
type DisconnectError struct{ Fault }

func (e *DisconnectError) Error() string { return e.describe("disconnect") }
func (e *DisconnectError) Unwrap() error { return e.Cause }

// DisconnectDeviceError is the failure reason of a device-level teardown.
type DisconnectDeviceError struct{ Fault }

func (e *DisconnectDeviceError) Error() string { return e.describe("disconnect device") }
func (e *DisconnectDeviceError) Unwrap() error { return e.Cause }

// DataSendError is the failure reason of a send.
type DataSendError struct{ Fault }

func (e *DataSendError) Error() string { return e.describe("data send") }
func (e *DataSendError) Unwrap() error { return e.Cause }

// DataReceiveError is the failure reason of a receive.
type DataReceiveError struct{ Fault }

func (e *DataReceiveError) Error() string { return e.describe("data receive") }
func (e *DataReceiveError) Unwrap() error { return e.Cause }

// CommunicationError describes a link loss or a device-scoped fault.
type CommunicationError struct{ Fault }

func (e *CommunicationError) Error() string { return e.describe("communication") }
func (e *CommunicationError) Unwrap() error { return e.Cause }

// NewSearchDeviceError creates a SearchDeviceError.
func NewSearchDeviceError(code Code, cause error) *SearchDeviceError {
	return &SearchDeviceError{Fault{Code: code, Cause: cause}}
}

// NewConnectError creates a ConnectError.
func NewConnectError(code Code, cause error) *ConnectError {
	return &ConnectError{Fault{Code: code, Cause: cause}}
}

// NewDisconnectError creates a DisconnectError.
func NewDisconnectError(code Code, cause error) *DisconnectError {
	return &DisconnectError{Fault{Code: code, Cause: cause}}
}

// NewDisconnectDeviceError creates a DisconnectDeviceError.
func NewDisconnectDeviceError(code Code, cause error) *DisconnectDeviceError {
	return &DisconnectDeviceError{Fault{Code: code, Cause: cause}}
}

// NewDataSendError creates a DataSendError.
func NewDataSendError(code Code, cause error) *DataSendError {
	return &DataSendError{Fault{Code: code, Cause: cause}}
}

// NewDataReceiveError creates a DataReceiveError.
func NewDataReceiveError(code Code, cause error) *DataReceiveError {
	return &DataReceiveError{Fault{Code: code, Cause: cause}}
}

// NewCommunicationError creates a CommunicationError.
func NewCommunicationError(code Code, cause error) *CommunicationError {
	return &CommunicationError{Fault{Code: code, Cause: cause}}
}

// CodeOf extracts the failure code from err, looking through wrapping.
// Returns "" for nil and CodeUnknown for errors without a code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded interface{ ErrCode() Code }
	if errors.As(err, &coded) {
		return coded.ErrCode()
	}
	return CodeUnknown
}

// classify maps a driver error onto a failure code.
func classify(err error) Code {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrUnreachable):
		return CodeUnavailable
	case errors.Is(err, ErrRejectedByPeer):
		return CodeRejected
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrApplicationNotFound):
		return CodeUnsupported
	case errors.Is(err, ErrLinkLost):
		return CodeLinkLost
	}
	if code := CodeOf(err); code != CodeUnknown {
		return code
	}
	return CodeTransport
}
