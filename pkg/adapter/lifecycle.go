package adapter

import (
	"fmt"
	"sort"
)

// State is the adapter-side lifecycle state of one (device, app) key.
type State string

const (
	StateUnknown       State = "unknown"
	StateDiscovered    State = "discovered"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateDisconnected  State = "disconnected"
)

// trigger is an input to the lifecycle table.
type trigger string

const (
	trConnect      trigger = "connect"      // outbound connect requested
	trRequest      trigger = "request"      // peer asked to connect
	trConnected    trigger = "connected"    // open finished
	trDisconnect   trigger = "disconnect"   // close requested
	trDisconnected trigger = "disconnected" // close finished
	trLost         trigger = "lost"         // link dropped
)

// transitions is the lifecycle table: from-state, trigger, to-state.
// Failed operations never consult it; they restore the saved state instead.
var transitions = map[State]map[trigger]State{
	StateDiscovered: {
		trConnect: StateConnecting,
		trRequest: StateConnecting,
	},
	StateDisconnected: {
		trConnect: StateConnecting,
		trRequest: StateConnecting,
	},
	StateConnecting: {
		trConnected: StateConnected,
	},
	StateConnected: {
		trDisconnect: StateDisconnecting,
		trLost:       StateDisconnected,
	},
	StateDisconnecting: {
		trDisconnected: StateDisconnected,
		trLost:         StateDisconnected,
	},
}

type connKey struct {
	dev DeviceUID
	app ApplicationHandle
}

// connEntry tracks one live key. prev is the state to restore if the
// operation that moved the key into a transitional state fails.
type connEntry struct {
	state   State
	prev    State
	inbound bool
}

// lifecycle holds the discovered device set and the per-key states.
// It is not safe for concurrent use; Base guards it.
type lifecycle struct {
	devices map[DeviceUID]Device
	conns   map[connKey]*connEntry
}

func newLifecycle() *lifecycle {
	return &lifecycle{
		devices: make(map[DeviceUID]Device),
		conns:   make(map[connKey]*connEntry),
	}
}

// state returns the current state of k.
func (lc *lifecycle) state(k connKey) State {
	if e, ok := lc.conns[k]; ok {
		return e.state
	}
	if _, ok := lc.devices[k.dev]; ok {
		return StateDiscovered
	}
	return StateUnknown
}

// fire applies tr to k and returns the new state.
func (lc *lifecycle) fire(k connKey, tr trigger) (State, error) {
	from := lc.state(k)
	to, ok := transitions[from][tr]
	if !ok {
		return from, fmt.Errorf("no transition from %s on %s", from, tr)
	}

	e, exists := lc.conns[k]
	if !exists {
		e = &connEntry{}
		lc.conns[k] = e
	}
	if to == StateConnecting || to == StateDisconnecting {
		e.prev = from
	}
	e.state = to
	e.inbound = tr == trRequest || (e.inbound && to == StateConnecting)

	if to == StateDisconnected {
		// The key is retired after its final event.
		delete(lc.conns, k)
	}
	return to, nil
}

// restore undoes the last transitional move of k.
func (lc *lifecycle) restore(k connKey) {
	e, ok := lc.conns[k]
	if !ok {
		return
	}
	switch e.prev {
	case StateConnected:
		e.state = StateConnected
		e.inbound = false
	default:
		// Back to Discovered or Disconnected: nothing to keep.
		delete(lc.conns, k)
	}
}

// pendingInbound reports whether k awaits an accept/reject decision.
func (lc *lifecycle) pendingInbound(k connKey) bool {
	e, ok := lc.conns[k]
	return ok && e.inbound && e.state == StateConnecting
}

// keysOf returns the live keys of dev ordered by application handle.
func (lc *lifecycle) keysOf(dev DeviceUID) []connKey {
	var keys []connKey
	for k := range lc.conns {
		if k.dev == dev {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].app < keys[j].app })
	return keys
}

// replaceDevices swaps the discovered set for found. Devices that still have
// live keys stay in the set so their connections remain addressable.
func (lc *lifecycle) replaceDevices(found []Device) {
	next := make(map[DeviceUID]Device, len(found))
	for _, d := range found {
		next[d.UID] = d.Clone()
	}
	for k := range lc.conns {
		if _, ok := next[k.dev]; ok {
			continue
		}
		if d, ok := lc.devices[k.dev]; ok {
			next[k.dev] = d
		}
	}
	lc.devices = next
}

// addDevice records d unless it is already known.
func (lc *lifecycle) addDevice(d Device) {
	if _, ok := lc.devices[d.UID]; !ok {
		lc.devices[d.UID] = d.Clone()
	}
}

// list returns the discovered set ordered by UID.
func (lc *lifecycle) list() []Device {
	out := make([]Device, 0, len(lc.devices))
	for _, d := range lc.devices {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}
