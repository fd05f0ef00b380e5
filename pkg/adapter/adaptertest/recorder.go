// Package adaptertest provides a recording adapter.Listener for tests.
package adaptertest

import (
	"sync"
	"time"

	"github.com/dcherniev/sdl-core/pkg/adapter"
)

// Call is one recorded listener invocation.
type Call struct {
	Method  string
	Adapter adapter.Adapter
	Device  adapter.DeviceUID
	App     adapter.ApplicationHandle
	Message *adapter.RawMessage
	Err     error
}

// Code returns the failure code carried by the call, if any.
func (c Call) Code() adapter.Code {
	return adapter.CodeOf(c.Err)
}

// Recorder is an adapter.Listener that records every callback in order.
type Recorder struct {
	// Hook, if set, runs synchronously inside every callback after the call
	// is recorded. Use it to exercise re-entrant requests.
	Hook func(Call)

	mu      sync.Mutex
	calls   []Call
	changed chan struct{}
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	r.calls = append(r.calls, c)
	close(r.changed)
	r.changed = make(chan struct{})
	hook := r.Hook
	r.mu.Unlock()

	if hook != nil {
		hook(c)
	}
}

// Calls returns a copy of everything recorded so far.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Methods returns the recorded method names in order.
func (r *Recorder) Methods() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.Method
	}
	return out
}

// Filter returns the recorded calls of method.
func (r *Recorder) Filter(method string) []Call {
	var out []Call
	for _, c := range r.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Last returns the most recent call of method.
func (r *Recorder) Last(method string) (Call, bool) {
	calls := r.Filter(method)
	if len(calls) == 0 {
		return Call{}, false
	}
	return calls[len(calls)-1], true
}

// WaitFor blocks until at least n calls of method were recorded or the
// timeout expires. It reports whether the count was reached.
func (r *Recorder) WaitFor(method string, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		count := 0
		for _, c := range r.calls {
			if c.Method == method {
				count++
			}
		}
		changed := r.changed
		r.mu.Unlock()

		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

// WaitLen blocks until at least n calls of any kind were recorded.
func (r *Recorder) WaitLen(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		count := len(r.calls)
		changed := r.changed
		r.mu.Unlock()

		if count >= n {
			return true
		}
		select {
		case <-changed:
		case <-deadline.C:
			return false
		}
	}
}

func (r *Recorder) OnSearchDeviceDone(a adapter.Adapter) {
	r.record(Call{Method: "OnSearchDeviceDone", Adapter: a})
}

func (r *Recorder) OnSearchDeviceFailed(a adapter.Adapter, err *adapter.SearchDeviceError) {
	r.record(Call{Method: "OnSearchDeviceFailed", Adapter: a, Err: err})
}

func (r *Recorder) OnConnectDone(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle) {
	r.record(Call{Method: "OnConnectDone", Adapter: a, Device: dev, App: app})
}

func (r *Recorder) OnConnectFailed(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, err *adapter.ConnectError) {
	r.record(Call{Method: "OnConnectFailed", Adapter: a, Device: dev, App: app, Err: err})
}

func (r *Recorder) OnConnectRequested(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle) {
	r.record(Call{Method: "OnConnectRequested", Adapter: a, Device: dev, App: app})
}

func (r *Recorder) OnUnexpectedDisconnect(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, err *adapter.CommunicationError) {
	r.record(Call{Method: "OnUnexpectedDisconnect", Adapter: a, Device: dev, App: app, Err: err})
}

func (r *Recorder) OnDisconnectDone(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle) {
	r.record(Call{Method: "OnDisconnectDone", Adapter: a, Device: dev, App: app})
}

func (r *Recorder) OnDisconnectFailed(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, err *adapter.DisconnectError) {
	r.record(Call{Method: "OnDisconnectFailed", Adapter: a, Device: dev, App: app, Err: err})
}

func (r *Recorder) OnDisconnectDeviceDone(a adapter.Adapter, dev adapter.DeviceUID) {
	r.record(Call{Method: "OnDisconnectDeviceDone", Adapter: a, Device: dev})
}

func (r *Recorder) OnDisconnectDeviceFailed(a adapter.Adapter, dev adapter.DeviceUID, err *adapter.DisconnectDeviceError) {
	r.record(Call{Method: "OnDisconnectDeviceFailed", Adapter: a, Device: dev, Err: err})
}

func (r *Recorder) OnDataSendDone(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, msg *adapter.RawMessage) {
	r.record(Call{Method: "OnDataSendDone", Adapter: a, Device: dev, App: app, Message: msg})
}

func (r *Recorder) OnDataSendFailed(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, msg *adapter.RawMessage, err *adapter.DataSendError) {
	r.record(Call{Method: "OnDataSendFailed", Adapter: a, Device: dev, App: app, Message: msg, Err: err})
}

func (r *Recorder) OnDataReceiveDone(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, msg *adapter.RawMessage) {
	r.record(Call{Method: "OnDataReceiveDone", Adapter: a, Device: dev, App: app, Message: msg})
}

func (r *Recorder) OnDataReceiveFailed(a adapter.Adapter, dev adapter.DeviceUID, app adapter.ApplicationHandle, err *adapter.DataReceiveError) {
	r.record(Call{Method: "OnDataReceiveFailed", Adapter: a, Device: dev, App: app, Err: err})
}

func (r *Recorder) OnCommunicationError(a adapter.Adapter, dev adapter.DeviceUID, err *adapter.CommunicationError) {
	r.record(Call{Method: "OnCommunicationError", Adapter: a, Device: dev, Err: err})
}

var _ adapter.Listener = (*Recorder)(nil)
