package event

import (
	"fmt"
	"time"
)

// ErrorEvent is an internal diagnostic: a dropped stale callback, a device
// ownership conflict, a slow subscriber. Diagnostics flow through the
// ErrorBus, never through the event Bus, so they cannot disturb consumers.
type ErrorEvent struct {
	// Severity indicates log level and urgency
	Severity ErrorSeverity

	// Code is a terse, stable identifier (e.g., "STALE_EVENT")
	Code string

	// Message is human-readable description
	Message string

	// Component identifies the source (e.g., "manager", "adapter:radio")
	Component string

	// Timestamp when the condition was observed
	Timestamp time.Time

	// Context provides additional structured data
	Context map[string]any
}

// ErrorSeverity represents the severity level of an error event.
// Maps to standard log levels for easy integration with logging systems.
type ErrorSeverity int

const (
	DebugSeverity    ErrorSeverity = iota // Verbose debugging info
	InfoSeverity                          // Informational
	WarningSeverity                       // Warning but not critical
	Error                                 // Error but recoverable
	CriticalSeverity                      // Critical, may cause crash
)

func (s ErrorSeverity) String() string {
	switch s {
	case DebugSeverity:
		return "DEBUG"
	case InfoSeverity:
		return "INFO"
	case WarningSeverity:
		return "WARNING"
	case Error:
		return "ERROR"
	case CriticalSeverity:
		return "CRITICAL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", s)
	}
}

// Diagnostic codes.
const (
	// Validation
	CodeStaleEvent        = "STALE_EVENT"        // Callback from an unregistered adapter or old generation
	CodeDeviceConflict    = "DEVICE_CONFLICT"    // Device UID already owned by another adapter
	CodeUnknownConnection = "UNKNOWN_CONNECTION" // Disconnect/loss for a connection not in the registry
	CodeUnknownDevice     = "UNKNOWN_DEVICE"     // Device-scoped callback for an unregistered device
	CodeDuplicateConnect  = "DUPLICATE_CONNECT"  // Connect done for a key that already exists

	// Flow
	CodeDropSlow     = "DROP_SLOW"     // Event dropped (slow subscriber)
	CodeQueueBacklog = "QUEUE_BACKLOG" // Writer queue above the warning mark

	// Lifecycle
	CodeAdapterStart = "ADAPTER_START" // Adapter registered and initialized
	CodeAdapterStop  = "ADAPTER_STOP"  // Adapter unregistered
	CodeAdapterFail  = "ADAPTER_FAIL"  // Adapter init or terminate failed
	CodeConsumerFail = "CONSUMER_FAIL" // Upstream consumer returned an error
	CodePanic        = "PANIC"         // Panic recovered
	CodeShutdown     = "SHUTDOWN"      // Graceful shutdown initiated
)

// NewErrorEvent creates an error event with timestamp set to now.
func NewErrorEvent(severity ErrorSeverity, code, component, message string) ErrorEvent {
	return ErrorEvent{
		Severity:  severity,
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]any),
	}
}

// WithContext adds a context key-value pair.
func (e ErrorEvent) WithContext(key string, value any) ErrorEvent {
	ctx := make(map[string]any, len(e.Context)+1)
	for k, v := range e.Context {
		ctx[k] = v
	}
	ctx[key] = value
	e.Context = ctx
	return e
}

// String returns a formatted string representation of the error event.
func (e ErrorEvent) String() string {
	return fmt.Sprintf("[%s] %s: %s (component=%s)", e.Severity, e.Code, e.Message, e.Component)
}
