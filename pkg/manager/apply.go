package manager

import (
	"fmt"
	"strconv"
	"time"

	"github.com/dcherniev/sdl-core/pkg/adapter"
	"github.com/dcherniev/sdl-core/pkg/event"
	"github.com/dcherniev/sdl-core/pkg/registry"
)

// outcome is what applying one notice produced.
type outcome struct {
	evt     event.Event
	publish bool
	diags   []diagnostic
}

func (o *outcome) warn(code, msg string, kv ...any) {
	o.diags = append(o.diags, diagnostic{event.WarningSeverity, code, msg, kv})
}

// run is the writer goroutine. It is the only place registry transitions
// driven by adapter callbacks happen.
func (m *Manager) run() {
	defer close(m.done)
	for {
		n, ok := m.inbox.Pop(m.ctx)
		if !ok {
			return
		}
		m.watchBacklog()

		if n.barrier != nil {
			close(n.barrier)
			continue
		}
		m.process(n)
	}
}

func (m *Manager) watchBacklog() {
	depth := m.inbox.Len()
	m.metrics.QueueDepth.Set(float64(depth))

	switch {
	case !m.backlogged && depth >= m.cfg.QueueWarnDepth:
		m.backlogged = true
		m.report(diagnostic{event.WarningSeverity, event.CodeQueueBacklog, "writer queue backlog",
			[]any{"depth", depth}})
	case m.backlogged && depth < m.cfg.QueueWarnDepth/2:
		m.backlogged = false
	}
}

// process runs Validate, Apply and Publish for one notice.
func (m *Manager) process(n notice) {
	defer func() {
		if r := recover(); r != nil {
			m.report(diagnostic{event.CriticalSeverity, event.CodePanic, "panic applying event",
				[]any{"adapter", n.adapterID, "type", n.kind, "panic", fmt.Sprint(r)}})
		}
	}()

	start := m.clock.Now()
	var (
		out   outcome
		stale bool
	)
	m.reg.Update(func(tx *registry.Tx) {
		if !n.control {
			e, ok := tx.Adapter(n.adapterID)
			if !ok || e.Generation != n.gen {
				stale = true
				return
			}
			n.transport = e.Type
		}
		out = m.apply(tx, n)
	})

	if stale {
		m.metrics.EventsStale.WithLabelValues(n.adapterID, n.kind).Inc()
		m.report(diagnostic{event.InfoSeverity, event.CodeStaleEvent, "dropped callback from retired adapter",
			[]any{"adapter", n.adapterID, "generation", n.gen, "type", n.kind, "device", string(n.dev)}})
		return
	}

	for _, d := range out.diags {
		m.report(d)
	}
	if out.publish {
		m.publish(out.evt, n.transport)
		m.metrics.EventsProcessed.WithLabelValues(n.kind).Inc()
		m.metrics.ApplyDuration.WithLabelValues(n.kind).Observe(m.clock.Since(start).Seconds())
	}
	m.refreshGauges()
}

// apply performs the registry transition for n. It runs inside Update.
func (m *Manager) apply(tx *registry.Tx, n notice) outcome {
	now := m.clock.Wall()
	k := registry.ConnectionKey{Device: n.dev, App: n.app}
	out := outcome{evt: m.newEvent(n), publish: true}

	switch n.kind {
	case event.TypeSearchDone:
		kept := m.replaceDevices(tx, n, now, &out)
		out.evt = out.evt.WithMetadata("devices", strconv.Itoa(kept))

	case event.TypeConnectDone:
		tx.RemovePending(k)
		if !m.ensureDevice(tx, n, now, &out) {
			// Nothing was inserted; the conflict diagnostic is the only trace.
			out.publish = false
			break
		}
		if _, ok := tx.Connection(k); ok {
			out.warn(event.CodeDuplicateConnect, "connect done for an existing connection",
				"adapter", n.adapterID, "device", string(n.dev), "app", int(n.app))
		}
		tx.PutConnection(registry.ConnectionEntry{
			Key:       k,
			AdapterID: n.adapterID,
			State:     registry.ConnConnected,
			Since:     now,
		})

	case event.TypeConnectFailed:
		tx.RemovePending(k)

	case event.TypeConnectRequested:
		if !m.ensureDevice(tx, n, now, &out) {
			out.publish = false
			break
		}
		tx.PutPending(registry.PendingEntry{Key: k, AdapterID: n.adapterID, Since: now})

	case event.TypeConnectionLost, event.TypeDisconnectDone:
		if !m.removeOwned(tx, k, n.adapterID) {
			out.warn(event.CodeUnknownConnection, "connection not in registry",
				"adapter", n.adapterID, "device", string(n.dev), "app", int(n.app), "type", n.kind)
		}

	case event.TypeDisconnectFailed:
		m.setOwnedState(tx, k, n.adapterID, registry.ConnConnected)

	case event.TypeDeviceDisconnectDone:
		if _, ok := tx.Device(n.dev); !ok {
			out.warn(event.CodeUnknownDevice, "device not in registry",
				"adapter", n.adapterID, "device", string(n.dev))
		}
		removed := 0
		for _, c := range tx.ConnectionsOf(n.dev) {
			if c.AdapterID == n.adapterID && tx.RemoveConnection(c.Key) {
				removed++
			}
		}
		for _, p := range tx.PendingOfAdapter(n.adapterID) {
			if p.Key.Device == n.dev {
				tx.RemovePending(p.Key)
			}
		}
		out.evt = out.evt.WithMetadata("connections", strconv.Itoa(removed))

	case event.TypeDeviceDisconnectFailed:
		for _, c := range tx.ConnectionsOf(n.dev) {
			m.setOwnedState(tx, c.Key, n.adapterID, registry.ConnConnected)
		}

	case kindMarkDisconnect:
		m.setOwnedState(tx, k, n.adapterID, registry.ConnDisconnecting)
		out.publish = false

	case kindMarkDevice:
		for _, c := range tx.ConnectionsOf(n.dev) {
			m.setOwnedState(tx, c.Key, n.adapterID, registry.ConnDisconnecting)
		}
		out.publish = false

	case event.TypeAdapterUnregistered:
		out.evt = out.evt.
			WithMetadata("devices", strconv.Itoa(n.removed[0])).
			WithMetadata("connections", strconv.Itoa(n.removed[1]))

	case event.TypeSearchFailed,
		event.TypeSendDone, event.TypeSendFailed,
		event.TypeReceiveDone, event.TypeReceiveFailed,
		event.TypeCommunicationError,
		event.TypeAdapterRegistered:
		// Published without a registry transition.

	default:
		out.publish = false
		m.logger.Warn("unknown notice", "type", n.kind, "adapter", n.adapterID)
	}
	return out
}

// replaceDevices makes the adapter's registered device set equal to the
// discovered set. Devices registered by another adapter are left alone, and
// a vanished device is kept while it has connections or pending requests.
func (m *Manager) replaceDevices(tx *registry.Tx, n notice, now time.Time, out *outcome) int {
	seen := make(map[adapter.DeviceUID]bool, len(n.devices))
	for _, d := range n.devices {
		cur, ok := tx.Device(d.UID)
		if ok && cur.AdapterID != n.adapterID {
			out.warn(event.CodeDeviceConflict, "device owned by another adapter",
				"adapter", n.adapterID, "owner", cur.AdapterID, "device", string(d.UID))
			continue
		}
		seen[d.UID] = true
		since := now
		if ok {
			since = cur.Since
		}
		tx.PutDevice(registry.DeviceEntry{AdapterID: n.adapterID, Device: d, Since: since})
	}
	for _, cur := range tx.DevicesOf(n.adapterID) {
		uid := cur.Device.UID
		if seen[uid] {
			continue
		}
		// Connections end only through their own terminal events, so a
		// device that still carries any stays until they are gone.
		if len(tx.ConnectionsOf(uid)) > 0 || m.hasPending(tx, uid, n.adapterID) {
			continue
		}
		tx.RemoveDevice(uid)
	}
	return len(seen)
}

func (m *Manager) hasPending(tx *registry.Tx, dev adapter.DeviceUID, adapterID string) bool {
	for _, p := range tx.PendingOfAdapter(adapterID) {
		if p.Key.Device == dev {
			return true
		}
	}
	return false
}

// ensureDevice inserts the device entry for n.dev if it is missing. It
// reports false if another adapter owns the UID.
func (m *Manager) ensureDevice(tx *registry.Tx, n notice, now time.Time, out *outcome) bool {
	if cur, ok := tx.Device(n.dev); ok {
		if cur.AdapterID != n.adapterID {
			out.warn(event.CodeDeviceConflict, "device owned by another adapter",
				"adapter", n.adapterID, "owner", cur.AdapterID, "device", string(n.dev), "type", n.kind)
			return false
		}
		return true
	}
	dev := adapter.Device{UID: n.dev}
	if n.device != nil {
		dev = *n.device
	}
	tx.PutDevice(registry.DeviceEntry{AdapterID: n.adapterID, Device: dev, Since: now})
	return true
}

func (m *Manager) removeOwned(tx *registry.Tx, k registry.ConnectionKey, adapterID string) bool {
	c, ok := tx.Connection(k)
	if !ok || c.AdapterID != adapterID {
		return false
	}
	return tx.RemoveConnection(k)
}

func (m *Manager) setOwnedState(tx *registry.Tx, k registry.ConnectionKey, adapterID string, s registry.ConnState) {
	c, ok := tx.Connection(k)
	if !ok || c.AdapterID != adapterID || c.State == s {
		return
	}
	tx.SetConnectionState(k, s)
}

func (m *Manager) newEvent(n notice) event.Event {
	evt := event.New(n.kind, n.adapterID)
	evt.Generation = n.gen
	evt.Device = n.dev
	evt.App = n.app
	return evt.WithMessage(n.msg).WithError(n.err)
}

// publish stamps evt with the next sequence number, records it and hands it
// to subscribers.
func (m *Manager) publish(evt event.Event, transport string) {
	m.seq++
	evt.Seq = m.seq
	evt.Timestamp = m.clock.Wall()
	if evt.Device != "" {
		evt = evt.WithMetadata(event.MetaDevice, string(evt.Device))
	}
	if transport != "" {
		evt = evt.WithMetadata(event.MetaTransport, transport)
	}

	m.journal.Append(evt)
	m.metrics.EventsPublished.WithLabelValues("manager", evt.Type).Inc()

	if err := m.bus.Publish(m.ctx, evt); err != nil && err != event.ErrClosed {
		m.logger.Warn("publish interrupted", "type", evt.Type, "seq", evt.Seq, "error", err)
	}

	if evt.Failed() {
		m.logger.Info("event", "type", evt.Type, "seq", evt.Seq, "adapter", evt.Source,
			"device", evt.Device, "app", int(evt.App), "code", evt.Code, "reason", evt.Reason)
		return
	}
	m.logger.Debug("event", "type", evt.Type, "seq", evt.Seq, "adapter", evt.Source,
		"device", evt.Device, "app", int(evt.App))
}

// refreshGauges recomputes registry gauges when the registry changed.
func (m *Manager) refreshGauges() {
	if v := m.reg.Version(); v == m.lastVersion {
		return
	}
	snap := m.reg.Snapshot()
	m.lastVersion = snap.Version

	m.metrics.Adapters.Set(float64(len(snap.Adapters)))
	m.metrics.Pending.Set(float64(len(snap.Pending)))

	m.metrics.Devices.Reset()
	for _, d := range snap.Devices {
		m.metrics.Devices.WithLabelValues(d.AdapterID).Inc()
	}
	m.metrics.Connections.Reset()
	for _, c := range snap.Connections {
		m.metrics.Connections.WithLabelValues(c.AdapterID, string(c.State)).Inc()
	}
	m.metrics.SubscribersTotal.WithLabelValues("manager").Set(float64(m.bus.SubscriberCount()))
}
