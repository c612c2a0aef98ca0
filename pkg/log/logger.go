package log

// Logger is the interface components use to emit pipeline events.
// Pass nil or NoopLogger to disable logging.
type Logger interface {
	// Log records an event. Implementations must be safe for
	// concurrent use; events may arrive from the connection's event
	// context and from timer goroutines at the same time. Blocking in
	// Log stalls the emitting component.
	Log(event Event)
}

// NoopLogger discards all events. Safe for concurrent use and usable
// as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}
