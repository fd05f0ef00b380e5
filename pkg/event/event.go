package event

import (
	"time"

	"github.com/go-json-experiment/json"
	"github.com/google/uuid"

	"github.com/dcherniev/sdl-core/pkg/adapter"
)

// Manager-level event types. Each adapter callback maps to exactly one type.
const (
	TypeSearchDone             = "tm.search.done"
	TypeSearchFailed           = "tm.search.failed"
	TypeConnectDone            = "tm.connect.done"
	TypeConnectFailed          = "tm.connect.failed"
	TypeConnectRequested       = "tm.connect.requested"
	TypeConnectionLost         = "tm.connection.lost"
	TypeDisconnectDone         = "tm.disconnect.done"
	TypeDisconnectFailed       = "tm.disconnect.failed"
	TypeDeviceDisconnectDone   = "tm.device.disconnect.done"
	TypeDeviceDisconnectFailed = "tm.device.disconnect.failed"
	TypeSendDone               = "tm.send.done"
	TypeSendFailed             = "tm.send.failed"
	TypeReceiveDone            = "tm.receive.done"
	TypeReceiveFailed          = "tm.receive.failed"
	TypeCommunicationError     = "tm.communication.error"
	TypeAdapterRegistered      = "tm.adapter.registered"
	TypeAdapterUnregistered    = "tm.adapter.unregistered"
)

// Metadata keys set on every published event.
const (
	MetaDevice    = "device"
	MetaTransport = "transport"
)

// Event is one manager-level notification.
//
// Source is the ID of the reporting adapter and Generation its registration
// stamp. Device and App are set where the adapter callback carries them.
// Message is the buffer of a send or receive event; it is the same pointer
// the adapter reported and is never serialized.
type Event struct {
	// ID is a unique identifier for this event instance
	ID string `json:"id"`

	// Seq is the publication order, gap-free per manager
	Seq uint64 `json:"seq"`

	// Type is one of the Type* constants
	Type string `json:"type"`

	// Source identifies the reporting adapter
	Source string `json:"source"`

	// Generation is the registration stamp of the source adapter
	Generation uint64 `json:"generation,omitempty"`

	Device adapter.DeviceUID         `json:"device,omitempty"`
	App    adapter.ApplicationHandle `json:"app"`

	// Message is the routed buffer for send/receive events
	Message *adapter.RawMessage `json:"-"`

	// Size is the buffer length, kept for serialized history
	Size int `json:"size,omitempty"`

	// Err is the typed adapter error for failure events
	Err error `json:"-"`

	// Code and Reason mirror Err for serialized history
	Code   adapter.Code `json:"code,omitempty"`
	Reason string       `json:"reason,omitempty"`

	// Timestamp indicates when the event was published
	Timestamp time.Time `json:"timestamp"`

	// Metadata provides additional context for filtering
	Metadata map[string]string `json:"metadata,omitempty"`
}

// New creates an event with a generated ID and current timestamp.
func New(eventType, source string) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now(),
		Metadata:  make(map[string]string),
	}
}

// WithMetadata adds a metadata key-value pair to the event.
func (e Event) WithMetadata(key, value string) Event {
	meta := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	e.Metadata = meta
	return e
}

// WithError attaches err and its code.
func (e Event) WithError(err error) Event {
	if err == nil {
		return e
	}
	e.Err = err
	e.Code = adapter.CodeOf(err)
	e.Reason = err.Error()
	return e
}

// WithMessage attaches a routed buffer.
func (e Event) WithMessage(msg *adapter.RawMessage) Event {
	if msg == nil {
		return e
	}
	e.Message = msg
	e.Size = msg.Len()
	return e
}

// Failed reports whether the event carries an error.
func (e Event) Failed() bool {
	return e.Err != nil || e.Code != ""
}

// EventCodec defines how to serialize and deserialize events.
type EventCodec interface {
	// Marshal converts a value to bytes
	Marshal(v any) ([]byte, error)

	// Unmarshal deserializes bytes into a value
	Unmarshal(data []byte, v any) error
}

// JSONCodec implements EventCodec with github.com/go-json-experiment/json.
type JSONCodec struct{}

// Marshal converts a value to JSON bytes.
func (c JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal deserializes JSON bytes into a value.
func (c JSONCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
