package registry

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/dcherniev/sdl-core/pkg/adapter"
)

// ConnState is the manager-side state of a registered connection.
// A connection only exists once its connect succeeded, so there is no
// Connecting state here.
type ConnState string

const (
	ConnConnected     ConnState = "connected"
	ConnDisconnecting ConnState = "disconnecting"
)

// ConnectionKey identifies a connection across the whole registry.
type ConnectionKey struct {
	Device adapter.DeviceUID         `json:"device"`
	App    adapter.ApplicationHandle `json:"app"`
}

// AdapterEntry binds a registered adapter to its generation stamp.
type AdapterEntry struct {
	Adapter    adapter.Adapter `json:"-"`
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Generation uint64          `json:"generation"`
	Since      time.Time       `json:"since"`
}

// DeviceEntry maps a device to its owning adapter.
type DeviceEntry struct {
	AdapterID string         `json:"adapter"`
	Device    adapter.Device `json:"device"`
	Since     time.Time      `json:"since"`
}

// ConnectionEntry is one live connection.
type ConnectionEntry struct {
	Key       ConnectionKey `json:"key"`
	AdapterID string        `json:"adapter"`
	State     ConnState     `json:"state"`
	Since     time.Time     `json:"since"`
}

// PendingEntry is a peer-initiated connect awaiting a decision.
type PendingEntry struct {
	Key       ConnectionKey `json:"key"`
	AdapterID string        `json:"adapter"`
	Since     time.Time     `json:"since"`
}

// Snapshot is a consistent copy of every table taken under one lock.
type Snapshot struct {
	Version     uint64            `json:"version"`
	Adapters    []AdapterEntry    `json:"adapters"`
	Devices     []DeviceEntry     `json:"devices"`
	Connections []ConnectionEntry `json:"connections"`
	Pending     []PendingEntry    `json:"pending"`
}

// table is a typed map with sorted listing.
type table[K comparable, V any] struct {
	items map[K]V
	less  func(a, b K) int
}

func newTable[K comparable, V any](less func(a, b K) int) table[K, V] {
	return table[K, V]{items: make(map[K]V), less: less}
}

func (t table[K, V]) get(k K) (V, bool) {
	v, ok := t.items[k]
	return v, ok
}

func (t table[K, V]) put(k K, v V) { t.items[k] = v }

func (t table[K, V]) remove(k K) bool {
	_, ok := t.items[k]
	delete(t.items, k)
	return ok
}

func (t table[K, V]) list(keep func(V) bool) []V {
	keys := make([]K, 0, len(t.items))
	for k, v := range t.items {
		if keep == nil || keep(v) {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, t.less)
	out := make([]V, len(keys))
	for i, k := range keys {
		out[i] = t.items[k]
	}
	return out
}

func compareKeys(a, b ConnectionKey) int {
	if c := cmp.Compare(a.Device, b.Device); c != 0 {
		return c
	}
	return cmp.Compare(a.App, b.App)
}

// Registry holds the adapter, device, connection and pending-request tables
// behind a single lock, so a multi-table transition is never observed half
// applied. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	version  uint64
	adapters table[string, AdapterEntry]
	devices  table[adapter.DeviceUID, DeviceEntry]
	conns    table[ConnectionKey, ConnectionEntry]
	pending  table[ConnectionKey, PendingEntry]
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		adapters: newTable[string, AdapterEntry](cmp.Compare[string]),
		devices:  newTable[adapter.DeviceUID, DeviceEntry](cmp.Compare[adapter.DeviceUID]),
		conns:    newTable[ConnectionKey, ConnectionEntry](compareKeys),
		pending:  newTable[ConnectionKey, PendingEntry](compareKeys),
	}
}

// Update runs fn with exclusive access. Every change fn makes becomes
// visible to readers at once when fn returns.
func (r *Registry) Update(fn func(tx *Tx)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx := &Tx{View: View{r: r}}
	fn(tx)
	if tx.dirty {
		r.version++
	}
}

// Read runs fn with shared access.
func (r *Registry) Read(fn func(v View)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn(View{r: r})
}

// Version returns a counter that increases with every mutating Update.
func (r *Registry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// Snapshot copies every table.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Version:     r.version,
		Adapters:    r.adapters.list(nil),
		Devices:     cloneDevices(r.devices.list(nil)),
		Connections: r.conns.list(nil),
		Pending:     r.pending.list(nil),
	}
}

// Adapters lists registered adapters ordered by ID.
func (r *Registry) Adapters() []AdapterEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters.list(nil)
}

// Adapter looks up a registered adapter.
func (r *Registry) Adapter(id string) (AdapterEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.adapters.get(id)
}

// Devices lists devices ordered by UID.
func (r *Registry) Devices() []DeviceEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneDevices(r.devices.list(nil))
}

// Device looks up a device.
func (r *Registry) Device(uid adapter.DeviceUID) (DeviceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.devices.get(uid)
	e.Device = e.Device.Clone()
	return e, ok
}

// Connections lists connections ordered by key.
func (r *Registry) Connections() []ConnectionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns.list(nil)
}

// Connection looks up one connection.
func (r *Registry) Connection(k ConnectionKey) (ConnectionEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns.get(k)
}

// ConnectionsOf lists the connections of dev.
func (r *Registry) ConnectionsOf(dev adapter.DeviceUID) []ConnectionEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return View{r: r}.ConnectionsOf(dev)
}

// Pending lists peer requests awaiting a decision.
func (r *Registry) Pending() []PendingEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pending.list(nil)
}

func cloneDevices(in []DeviceEntry) []DeviceEntry {
	for i := range in {
		in[i].Device = in[i].Device.Clone()
	}
	return in
}

// View is read access inside Read or Update. It must not escape fn.
type View struct {
	r *Registry
}

// Adapter looks up a registered adapter.
func (v View) Adapter(id string) (AdapterEntry, bool) { return v.r.adapters.get(id) }

// Device looks up a device.
func (v View) Device(uid adapter.DeviceUID) (DeviceEntry, bool) { return v.r.devices.get(uid) }

// Connection looks up a connection.
func (v View) Connection(k ConnectionKey) (ConnectionEntry, bool) { return v.r.conns.get(k) }

// PendingRequest looks up a peer request.
func (v View) PendingRequest(k ConnectionKey) (PendingEntry, bool) { return v.r.pending.get(k) }

// DevicesOf lists the devices owned by adapterID.
func (v View) DevicesOf(adapterID string) []DeviceEntry {
	return v.r.devices.list(func(e DeviceEntry) bool { return e.AdapterID == adapterID })
}

// ConnectionsOf lists the connections of dev.
func (v View) ConnectionsOf(dev adapter.DeviceUID) []ConnectionEntry {
	return v.r.conns.list(func(e ConnectionEntry) bool { return e.Key.Device == dev })
}

// ConnectionsOfAdapter lists the connections owned by adapterID.
func (v View) ConnectionsOfAdapter(adapterID string) []ConnectionEntry {
	return v.r.conns.list(func(e ConnectionEntry) bool { return e.AdapterID == adapterID })
}

// PendingOfAdapter lists the peer requests raised by adapterID.
func (v View) PendingOfAdapter(adapterID string) []PendingEntry {
	return v.r.pending.list(func(e PendingEntry) bool { return e.AdapterID == adapterID })
}

// Tx is write access inside Update. It must not escape fn.
type Tx struct {
	View
	dirty bool
}

// PutAdapter inserts or replaces a registration.
func (tx *Tx) PutAdapter(e AdapterEntry) {
	tx.r.adapters.put(e.ID, e)
	tx.dirty = true
}

// RemoveAdapter deletes a registration together with its devices,
// connections and pending requests.
func (tx *Tx) RemoveAdapter(id string) bool {
	if !tx.r.adapters.remove(id) {
		return false
	}
	for _, d := range tx.DevicesOf(id) {
		tx.r.devices.remove(d.Device.UID)
	}
	for _, c := range tx.ConnectionsOfAdapter(id) {
		tx.r.conns.remove(c.Key)
	}
	for _, p := range tx.PendingOfAdapter(id) {
		tx.r.pending.remove(p.Key)
	}
	tx.dirty = true
	return true
}

// PutDevice inserts or replaces a device entry.
func (tx *Tx) PutDevice(e DeviceEntry) {
	e.Device = e.Device.Clone()
	tx.r.devices.put(e.Device.UID, e)
	tx.dirty = true
}

// RemoveDevice deletes a device entry together with its connections and
// pending requests.
func (tx *Tx) RemoveDevice(uid adapter.DeviceUID) bool {
	if !tx.r.devices.remove(uid) {
		return false
	}
	tx.RemoveConnectionsOf(uid)
	for k := range tx.r.pending.items {
		if k.Device == uid {
			tx.r.pending.remove(k)
		}
	}
	tx.dirty = true
	return true
}

// PutConnection inserts or replaces a connection.
func (tx *Tx) PutConnection(e ConnectionEntry) {
	tx.r.conns.put(e.Key, e)
	tx.dirty = true
}

// SetConnectionState changes the state of an existing connection.
func (tx *Tx) SetConnectionState(k ConnectionKey, s ConnState) bool {
	e, ok := tx.r.conns.get(k)
	if !ok {
		return false
	}
	e.State = s
	tx.r.conns.put(k, e)
	tx.dirty = true
	return true
}

// RemoveConnection deletes a connection.
func (tx *Tx) RemoveConnection(k ConnectionKey) bool {
	ok := tx.r.conns.remove(k)
	tx.dirty = tx.dirty || ok
	return ok
}

// RemoveConnectionsOf deletes every connection of dev and returns how many
// were removed.
func (tx *Tx) RemoveConnectionsOf(dev adapter.DeviceUID) int {
	n := 0
	for k := range tx.r.conns.items {
		if k.Device == dev {
			delete(tx.r.conns.items, k)
			n++
		}
	}
	tx.dirty = tx.dirty || n > 0
	return n
}

// PutPending records a peer request.
func (tx *Tx) PutPending(e PendingEntry) {
	tx.r.pending.put(e.Key, e)
	tx.dirty = true
}

// RemovePending deletes a peer request.
func (tx *Tx) RemovePending(k ConnectionKey) bool {
	ok := tx.r.pending.remove(k)
	tx.dirty = tx.dirty || ok
	return ok
}
