package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dcherniev/sdl-core/pkg/queue"
)

// Default operation deadlines.
const (
	DefaultOpTimeout   = 10 * time.Second
	DefaultScanTimeout = 30 * time.Second
)

// Option configures a Base.
type Option func(*Base)

// WithOpTimeout sets the deadline for Open, Close, Send, Accept and Reject.
func WithOpTimeout(d time.Duration) Option {
	return func(b *Base) {
		if d > 0 {
			b.opTimeout = d
		}
	}
}

// WithScanTimeout sets the deadline for one discovery cycle.
func WithScanTimeout(d time.Duration) Option {
	return func(b *Base) {
		if d > 0 {
			b.scanTimeout = d
		}
	}
}

// WithLogger sets the logger. A nil logger discards output.
func WithLogger(l *slog.Logger) Option {
	return func(b *Base) {
		if l != nil {
			b.logger = l
		}
	}
}

// job is one unit of work for the adapter worker. msg is set for sends so a
// dropped job can hand the buffer back.
type job struct {
	name string
	run  func(s *session)
	msg  *RawMessage
}

// session is one Init..Terminate lifetime.
type session struct {
	l      Listener
	ctx    context.Context
	cancel context.CancelFunc
	jobs   *queue.FIFO[job]
	done   chan struct{}
}

// Base is the Adapter implementation shared by every transport technology.
//
// Base owns the asynchronous machinery: one worker goroutine per session, an
// unbounded FIFO of pending operations, the per-key lifecycle table and the
// listener. The technology-specific part is a Driver whose blocking methods
// run on the worker, one at a time.
//
// Requests only enqueue, so they may be called from inside listener
// callbacks. Terminate must not be called from a callback since it waits for
// the worker to exit.
type Base struct {
	id          string
	typ         string
	driver      Driver
	opTimeout   time.Duration
	scanTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	lc   *lifecycle
	sess *session
}

// New creates an adapter around d.
func New(id, typ string, d Driver, opts ...Option) *Base {
	b := &Base{
		id:          id,
		typ:         typ,
		driver:      d,
		opTimeout:   DefaultOpTimeout,
		scanTimeout: DefaultScanTimeout,
		logger:      slog.New(slog.DiscardHandler),
		lc:          newLifecycle(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("adapter", id, "transport", typ)
	return b
}

// ID returns the adapter identifier.
func (b *Base) ID() string { return b.id }

// Type returns the transport technology.
func (b *Base) Type() string { return b.typ }

// Driver returns the underlying driver.
func (b *Base) Driver() Driver { return b.driver }

// Init binds l and starts the worker. If the driver is a Starter it is
// started first; a start failure leaves the adapter uninitialized.
func (b *Base) Init(l Listener) error {
	if l == nil {
		return ErrNilListener
	}

	b.mu.Lock()
	if b.sess != nil {
		b.mu.Unlock()
		return ErrAlreadyInitialized
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		l:      l,
		ctx:    ctx,
		cancel: cancel,
		jobs:   queue.New[job](),
		done:   make(chan struct{}),
	}
	b.sess = s
	b.mu.Unlock()

	if st, ok := b.driver.(Starter); ok {
		if err := st.Start(ctx, &sink{b: b, s: s}); err != nil {
			b.mu.Lock()
			b.sess = nil
			b.mu.Unlock()
			cancel()
			s.jobs.Close()
			b.drain(s)
			return fmt.Errorf("adapter %s: start driver: %w", b.id, err)
		}
	}

	go b.work(s)
	b.logger.Info("adapter initialized")
	return nil
}

// Terminate stops the worker, drops queued requests without callbacks and
// stops the driver. No callback is delivered after Terminate returns.
func (b *Base) Terminate() error {
	b.mu.Lock()
	s := b.sess
	if s == nil {
		b.mu.Unlock()
		return ErrNotInitialized
	}
	b.sess = nil
	b.mu.Unlock()

	s.cancel()
	s.jobs.Close()
	<-s.done
	b.drain(s)

	var err error
	if st, ok := b.driver.(Stopper); ok {
		if err = st.Stop(); err != nil {
			err = fmt.Errorf("adapter %s: stop driver: %w", b.id, err)
		}
	}

	b.mu.Lock()
	b.lc = newLifecycle()
	b.mu.Unlock()

	b.logger.Info("adapter terminated")
	return err
}

func (b *Base) work(s *session) {
	defer close(s.done)
	for {
		j, ok := s.jobs.Pop(s.ctx)
		if !ok {
			return
		}
		if s.ctx.Err() != nil {
			b.dropJob(j)
			return
		}
		j.run(s)
	}
}

// drain empties a closed session queue.
func (b *Base) drain(s *session) {
	for {
		j, ok := s.jobs.Pop(s.ctx)
		if !ok {
			return
		}
		b.dropJob(j)
	}
}

func (b *Base) dropJob(j job) {
	if j.msg != nil {
		j.msg.release()
	}
	b.logger.Debug("request dropped", "op", j.name)
}

func (b *Base) submit(j job) {
	b.mu.Lock()
	s := b.sess
	b.mu.Unlock()

	if s == nil || !s.jobs.Push(j) {
		b.logger.Warn("adapter not running, request dropped", "op", j.name)
		if j.msg != nil {
			j.msg.release()
		}
	}
}

// emit delivers a callback unless the session has been terminated.
func (b *Base) emit(s *session, fn func(Listener)) {
	if s.ctx.Err() != nil {
		return
	}
	fn(s.l)
}

func (b *Base) opContext(s *session) (context.Context, context.CancelFunc) {
	return context.WithTimeout(s.ctx, b.opTimeout)
}

// DeviceList returns the discovered set ordered by UID.
func (b *Base) DeviceList() []Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lc.list()
}

// State returns the lifecycle state of (dev, app).
func (b *Base) State(dev DeviceUID, app ApplicationHandle) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lc.state(connKey{dev, app})
}

// device looks up dev in the discovered set.
func (b *Base) device(dev DeviceUID) (Device, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.lc.devices[dev]
	return d.Clone(), ok
}

// SearchDevices enqueues a discovery cycle.
func (b *Base) SearchDevices() {
	b.submit(job{name: "search", run: b.doSearch})
}

func (b *Base) doSearch(s *session) {
	ctx, cancel := context.WithTimeout(s.ctx, b.scanTimeout)
	found, err := b.driver.Scan(ctx)
	cancel()

	if err != nil {
		b.logger.Warn("device search failed", "error", err)
		b.emit(s, func(l Listener) {
			l.OnSearchDeviceFailed(b, NewSearchDeviceError(classify(err), err))
		})
		return
	}

	b.mu.Lock()
	b.lc.replaceDevices(found)
	b.mu.Unlock()

	b.logger.Debug("device search done", "found", len(found))
	b.emit(s, func(l Listener) { l.OnSearchDeviceDone(b) })
}

// Connect enqueues an outbound connect of (dev, app).
func (b *Base) Connect(dev DeviceUID, app ApplicationHandle) {
	b.submit(job{name: "connect", run: func(s *session) { b.doConnect(s, dev, app) }})
}

func (b *Base) doConnect(s *session, dev DeviceUID, app ApplicationHandle) {
	k := connKey{dev, app}

	b.mu.Lock()
	d, known := b.lc.devices[dev]
	var code Code
	switch st := b.lc.state(k); {
	case !known:
		code = CodeDeviceNotFound
	case st == StateConnected:
		code = CodeAlreadyConnected
	case st == StateConnecting || st == StateDisconnecting:
		code = CodeBusy
	default:
		b.lc.fire(k, trConnect)
	}
	d = d.Clone()
	b.mu.Unlock()

	if code != "" {
		b.emit(s, func(l Listener) { l.OnConnectFailed(b, dev, app, NewConnectError(code, nil)) })
		return
	}

	ctx, cancel := b.opContext(s)
	err := b.driver.Open(ctx, d, app)
	cancel()
	b.settleConnect(s, k, err)
}

// settleConnect finishes an outbound connect or an accept.
func (b *Base) settleConnect(s *session, k connKey, err error) {
	b.mu.Lock()
	if err != nil {
		b.lc.restore(k)
	} else {
		b.lc.fire(k, trConnected)
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("connect failed", "device", k.dev, "app", k.app, "error", err)
		b.emit(s, func(l Listener) {
			l.OnConnectFailed(b, k.dev, k.app, NewConnectError(classify(err), err))
		})
		return
	}
	b.logger.Info("connected", "device", k.dev, "app", k.app)
	b.emit(s, func(l Listener) { l.OnConnectDone(b, k.dev, k.app) })
}

// AcceptConnect enqueues acceptance of a pending peer request.
func (b *Base) AcceptConnect(dev DeviceUID, app ApplicationHandle) {
	b.submit(job{name: "accept", run: func(s *session) { b.doAccept(s, dev, app) }})
}

func (b *Base) doAccept(s *session, dev DeviceUID, app ApplicationHandle) {
	k := connKey{dev, app}

	b.mu.Lock()
	pending := b.lc.pendingInbound(k)
	d := b.lc.devices[dev].Clone()
	b.mu.Unlock()

	if !pending {
		b.emit(s, func(l Listener) {
			l.OnConnectFailed(b, dev, app, NewConnectError(CodeNoPendingRequest, nil))
		})
		return
	}

	ctx, cancel := b.opContext(s)
	var err error
	if r, ok := b.driver.(Responder); ok {
		err = r.Accept(ctx, d, app)
	} else {
		err = b.driver.Open(ctx, d, app)
	}
	cancel()
	b.settleConnect(s, k, err)
}

// RejectConnect enqueues rejection of a pending peer request.
func (b *Base) RejectConnect(dev DeviceUID, app ApplicationHandle) {
	b.submit(job{name: "reject", run: func(s *session) {
		k := connKey{dev, app}
		b.mu.Lock()
		pending := b.lc.pendingInbound(k)
		b.mu.Unlock()

		if !pending {
			b.emit(s, func(l Listener) {
				l.OnConnectFailed(b, dev, app, NewConnectError(CodeNoPendingRequest, nil))
			})
			return
		}
		b.decline(s, k, CodeRejected)
	}})
}

// decline drops a pending peer request and reports it with code.
func (b *Base) decline(s *session, k connKey, code Code) {
	d, _ := b.device(k.dev)
	if r, ok := b.driver.(Responder); ok {
		ctx, cancel := b.opContext(s)
		if err := r.Reject(ctx, d, k.app); err != nil {
			b.logger.Warn("reject failed", "device", k.dev, "app", k.app, "error", err)
		}
		cancel()
	}

	b.mu.Lock()
	b.lc.restore(k)
	b.mu.Unlock()

	b.emit(s, func(l Listener) { l.OnConnectFailed(b, k.dev, k.app, NewConnectError(code, nil)) })
}

// Disconnect enqueues a disconnect of (dev, app).
func (b *Base) Disconnect(dev DeviceUID, app ApplicationHandle) {
	b.submit(job{name: "disconnect", run: func(s *session) { b.doDisconnect(s, dev, app) }})
}

func (b *Base) doDisconnect(s *session, dev DeviceUID, app ApplicationHandle) {
	k := connKey{dev, app}

	b.mu.Lock()
	d := b.lc.devices[dev].Clone()
	st := b.lc.state(k)
	pending := b.lc.pendingInbound(k)
	if st == StateConnected {
		b.lc.fire(k, trDisconnect)
	}
	b.mu.Unlock()

	switch {
	case pending:
		b.decline(s, k, CodeAborted)
		return
	case st == StateConnecting || st == StateDisconnecting:
		b.emit(s, func(l Listener) { l.OnDisconnectFailed(b, dev, app, NewDisconnectError(CodeBusy, nil)) })
		return
	case st != StateConnected:
		b.emit(s, func(l Listener) { l.OnDisconnectFailed(b, dev, app, NewDisconnectError(CodeNotConnected, nil)) })
		return
	}

	ctx, cancel := b.opContext(s)
	err := b.driver.Close(ctx, d, app)
	cancel()

	b.mu.Lock()
	if err != nil {
		b.lc.restore(k)
	} else {
		b.lc.fire(k, trDisconnected)
	}
	b.mu.Unlock()

	if err != nil {
		b.logger.Warn("disconnect failed", "device", dev, "app", app, "error", err)
		b.emit(s, func(l Listener) {
			l.OnDisconnectFailed(b, dev, app, NewDisconnectError(classify(err), err))
		})
		return
	}
	b.logger.Info("disconnected", "device", dev, "app", app)
	b.emit(s, func(l Listener) { l.OnDisconnectDone(b, dev, app) })
}

// DisconnectDevice enqueues a teardown of every connection on dev.
func (b *Base) DisconnectDevice(dev DeviceUID) {
	b.submit(job{name: "disconnect-device", run: func(s *session) { b.doDisconnectDevice(s, dev) }})
}

func (b *Base) doDisconnectDevice(s *session, dev DeviceUID) {
	b.mu.Lock()
	d, known := b.lc.devices[dev]
	d = d.Clone()
	var pending, open []connKey
	for _, k := range b.lc.keysOf(dev) {
		switch {
		case b.lc.pendingInbound(k):
			pending = append(pending, k)
		case b.lc.state(k) == StateConnected:
			open = append(open, k)
		}
	}
	b.mu.Unlock()

	if !known {
		b.emit(s, func(l Listener) {
			l.OnDisconnectDeviceFailed(b, dev, NewDisconnectDeviceError(CodeDeviceNotFound, nil))
		})
		return
	}

	if dc, ok := b.driver.(DeviceCloser); ok && len(open) > 0 {
		b.mu.Lock()
		for _, k := range open {
			b.lc.fire(k, trDisconnect)
		}
		b.mu.Unlock()

		ctx, cancel := b.opContext(s)
		err := dc.CloseDevice(ctx, d)
		cancel()

		b.mu.Lock()
		for _, k := range open {
			if err != nil {
				b.lc.restore(k)
			} else {
				b.lc.fire(k, trDisconnected)
			}
		}
		b.mu.Unlock()

		if err == nil {
			b.abort(s, pending)
		}
		b.settleDevice(s, dev, err)
		return
	}

	// Closed channels stay Disconnecting until every close has succeeded,
	// so a failure can roll the whole device back.
	var closed []connKey
	for _, k := range open {
		b.mu.Lock()
		b.lc.fire(k, trDisconnect)
		b.mu.Unlock()

		ctx, cancel := b.opContext(s)
		err := b.driver.Close(ctx, d, k.app)
		cancel()

		if err != nil {
			b.mu.Lock()
			b.lc.restore(k)
			b.mu.Unlock()
			lost := b.reopen(s, d, closed)
			b.settleDevice(s, dev, err)
			for _, l := range lost {
				b.lose(s, l.key, l.err)
			}
			return
		}
		closed = append(closed, k)
	}

	b.mu.Lock()
	for _, k := range closed {
		b.lc.fire(k, trDisconnected)
	}
	b.mu.Unlock()
	b.abort(s, pending)
	b.settleDevice(s, dev, nil)
}

// abort declines the peer requests a device teardown cut short.
func (b *Base) abort(s *session, pending []connKey) {
	for _, k := range pending {
		b.decline(s, k, CodeAborted)
	}
}

type lostKey struct {
	key connKey
	err error
}

// reopen rolls back the channels closed by a failed device teardown. Every
// key goes back to Connected; the ones that did not reopen are returned so
// the caller can report them lost once the failure is out.
func (b *Base) reopen(s *session, d Device, closed []connKey) []lostKey {
	var lost []lostKey
	for _, k := range closed {
		ctx, cancel := b.opContext(s)
		err := b.driver.Open(ctx, d, k.app)
		cancel()

		b.mu.Lock()
		b.lc.restore(k)
		b.mu.Unlock()
		if err != nil {
			b.logger.Warn("channel not restored", "device", k.dev, "app", k.app, "error", err)
			lost = append(lost, lostKey{k, fmt.Errorf("%w: reopen after failed teardown: %w", ErrLinkLost, err)})
		}
	}
	return lost
}

func (b *Base) settleDevice(s *session, dev DeviceUID, err error) {
	if err != nil {
		b.logger.Warn("device teardown failed", "device", dev, "error", err)
		b.emit(s, func(l Listener) {
			l.OnDisconnectDeviceFailed(b, dev, NewDisconnectDeviceError(classify(err), err))
		})
		return
	}
	b.logger.Info("device disconnected", "device", dev)
	b.emit(s, func(l Listener) { l.OnDisconnectDeviceDone(b, dev) })
}

// SendData enqueues msg for (dev, app) and marks it in flight. A message
// that is already in flight is echoed back with CodeInFlight and left
// untouched.
func (b *Base) SendData(dev DeviceUID, app ApplicationHandle, msg *RawMessage) {
	if msg == nil {
		b.logger.Warn("nil message dropped", "device", dev, "app", app)
		return
	}
	if !msg.acquire() {
		b.submit(job{name: "send", run: func(s *session) {
			b.emit(s, func(l Listener) {
				l.OnDataSendFailed(b, dev, app, msg, NewDataSendError(CodeInFlight, nil))
			})
		}})
		return
	}
	b.submit(job{name: "send", msg: msg, run: func(s *session) { b.doSend(s, dev, app, msg) }})
}

func (b *Base) doSend(s *session, dev DeviceUID, app ApplicationHandle, msg *RawMessage) {
	fail := func(code Code, err error) {
		msg.release()
		b.emit(s, func(l Listener) {
			l.OnDataSendFailed(b, dev, app, msg, NewDataSendError(code, err))
		})
	}

	if msg.Device() != dev || msg.App() != app {
		fail(CodeInvalidMessage, nil)
		return
	}

	b.mu.Lock()
	st := b.lc.state(connKey{dev, app})
	d := b.lc.devices[dev].Clone()
	b.mu.Unlock()

	if st != StateConnected {
		fail(CodeNotConnected, nil)
		return
	}

	ctx, cancel := b.opContext(s)
	err := b.driver.Send(ctx, d, app, msg.Data())
	cancel()

	if err != nil {
		b.logger.Debug("send failed", "device", dev, "app", app, "error", err)
		fail(classify(err), err)
		return
	}
	msg.release()
	b.emit(s, func(l Listener) { l.OnDataSendDone(b, dev, app, msg) })
}

// sink feeds unsolicited driver traffic into one session's worker.
type sink struct {
	b *Base
	s *session
}

func (k *sink) push(name string, run func(*session)) {
	if !k.s.jobs.Push(job{name: name, run: run}) {
		k.b.logger.Debug("driver event after terminate dropped", "op", name)
	}
}

func (k *sink) Received(dev DeviceUID, app ApplicationHandle, data []byte) {
	msg := NewRawMessage(dev, app, data)
	k.push("receive", func(s *session) {
		if !k.b.isOpen(dev, app) {
			k.b.logger.Debug("data on closed channel dropped", "device", dev, "app", app)
			return
		}
		k.b.emit(s, func(l Listener) { l.OnDataReceiveDone(k.b, dev, app, msg) })
	})
}

func (k *sink) ReceiveFailed(dev DeviceUID, app ApplicationHandle, err error) {
	k.push("receive-failed", func(s *session) {
		if !k.b.isOpen(dev, app) {
			return
		}
		k.b.emit(s, func(l Listener) {
			l.OnDataReceiveFailed(k.b, dev, app, NewDataReceiveError(classify(err), err))
		})
	})
}

func (k *sink) Incoming(dev Device, app ApplicationHandle) {
	dev = dev.Clone()
	k.push("incoming", func(s *session) {
		key := connKey{dev.UID, app}
		k.b.mu.Lock()
		k.b.lc.addDevice(dev)
		_, err := k.b.lc.fire(key, trRequest)
		k.b.mu.Unlock()

		if err != nil {
			k.b.logger.Debug("peer request ignored", "device", dev.UID, "app", app, "error", err)
			return
		}
		k.b.logger.Info("peer connect requested", "device", dev.UID, "app", app)
		k.b.emit(s, func(l Listener) { l.OnConnectRequested(k.b, dev.UID, app) })
	})
}

func (k *sink) Lost(dev DeviceUID, app ApplicationHandle, err error) {
	k.push("lost", func(s *session) { k.b.lose(s, connKey{dev, app}, err) })
}

func (k *sink) LostDevice(dev DeviceUID, err error) {
	k.push("lost-device", func(s *session) {
		k.b.mu.Lock()
		keys := k.b.lc.keysOf(dev)
		k.b.mu.Unlock()
		for _, key := range keys {
			k.b.lose(s, key, err)
		}
	})
}

func (k *sink) Fault(dev DeviceUID, err error) {
	k.push("fault", func(s *session) {
		k.b.logger.Warn("communication fault", "device", dev, "error", err)
		k.b.emit(s, func(l Listener) {
			l.OnCommunicationError(k.b, dev, NewCommunicationError(classify(err), err))
		})
	})
}

func (b *Base) isOpen(dev DeviceUID, app ApplicationHandle) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lc.state(connKey{dev, app}) == StateConnected
}

// lose handles a dropped channel. A connected key is retired and reported as
// an unexpected disconnect; a pending peer request is reported as a failed
// connect; anything else is already gone.
func (b *Base) lose(s *session, k connKey, err error) {
	b.mu.Lock()
	pending := b.lc.pendingInbound(k)
	st := b.lc.state(k)
	switch {
	case pending:
		b.lc.restore(k)
	case st == StateConnected:
		b.lc.fire(k, trLost)
	}
	b.mu.Unlock()

	switch {
	case pending:
		b.emit(s, func(l Listener) {
			l.OnConnectFailed(b, k.dev, k.app, NewConnectError(CodeLinkLost, err))
		})
	case st == StateConnected:
		b.logger.Warn("connection lost", "device", k.dev, "app", k.app, "error", err)
		b.emit(s, func(l Listener) {
			l.OnUnexpectedDisconnect(b, k.dev, k.app, NewCommunicationError(CodeLinkLost, err))
		})
	default:
		b.logger.Debug("loss on inactive channel ignored", "device", k.dev, "app", k.app)
	}
}
