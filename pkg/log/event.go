package log

import "time"

// Event is one pipeline log record. CBOR encoding uses integer keys
// for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID uniquely identifies the connection (UUID).
	ConnectionID string `cbor:"2,keyasint"`

	// RemoteAddr is the peer address (IP:port), when known.
	RemoteAddr string `cbor:"3,keyasint,omitempty"`

	// Category classifies the event.
	Category Category `cbor:"4,keyasint"`

	// Category-specific payload (exactly one is set).
	Lifecycle *LifecycleEvent `cbor:"5,keyasint,omitempty"`
	Data      *DataEvent      `cbor:"6,keyasint,omitempty"`
	Timeout   *TimeoutEvent   `cbor:"7,keyasint,omitempty"`
	Fault     *FaultEvent     `cbor:"8,keyasint,omitempty"`
	Config    *ConfigEvent    `cbor:"9,keyasint,omitempty"`
}

// Category classifies a log event.
type Category uint8

const (
	// CategoryLifecycle covers opened/closed and handler add/remove.
	CategoryLifecycle Category = 0

	// CategoryData covers inbound and outbound payloads.
	CategoryData Category = 1

	// CategoryTimeout covers idle-window expiry.
	CategoryTimeout Category = 2

	// CategoryFault covers errors travelling through the pipeline.
	CategoryFault Category = 3

	// CategoryConfig covers configuration changes and corrections.
	CategoryConfig Category = 4
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryLifecycle:
		return "LIFECYCLE"
	case CategoryData:
		return "DATA"
	case CategoryTimeout:
		return "TIMEOUT"
	case CategoryFault:
		return "FAULT"
	case CategoryConfig:
		return "CONFIG"
	default:
		return "UNKNOWN"
	}
}

// LifecycleEvent records a connection or handler state transition.
type LifecycleEvent struct {
	// State is the transition name ("opened", "closed", ...).
	State string `cbor:"1,keyasint"`

	// Handler is the pipeline handler name, when the transition
	// concerns a single handler.
	Handler string `cbor:"2,keyasint,omitempty"`
}

// DataEvent records a payload passing through the pipeline.
type DataEvent struct {
	// Size is the payload size in bytes.
	Size int `cbor:"1,keyasint"`

	// Sample holds a prefix of the payload; see Truncated.
	Sample []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates Sample does not hold the full payload.
	Truncated bool `cbor:"3,keyasint,omitempty"`
}

// TimeoutEvent records an elapsed idle window.
type TimeoutEvent struct {
	// IdleMillis is how long the connection had been idle when the
	// window elapsed.
	IdleMillis int64 `cbor:"1,keyasint"`

	// WindowMillis is the configured timeout window.
	WindowMillis int64 `cbor:"2,keyasint"`
}

// FaultEvent records an error travelling through the pipeline.
type FaultEvent struct {
	// Message is the error text.
	Message string `cbor:"1,keyasint"`

	// Unhandled indicates the fault fell off the end of the chain
	// without any handler consuming it.
	Unhandled bool `cbor:"2,keyasint,omitempty"`
}

// ConfigEvent records a configuration change or correction.
type ConfigEvent struct {
	// Option is the option name.
	Option string `cbor:"1,keyasint"`

	// Value is the resulting option value.
	Value int64 `cbor:"2,keyasint"`

	// Clamped indicates the value was adjusted to restore integrity
	// rather than taken as supplied.
	Clamped bool `cbor:"3,keyasint,omitempty"`

	// Message carries additional detail for corrections.
	Message string `cbor:"4,keyasint,omitempty"`
}
