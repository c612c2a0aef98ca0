// Package timeout implements per-connection read-timeout detection for
// conduit pipelines.
//
// A Monitor is a pipeline handler that raises ErrReadTimeout through
// the fault chain when no data arrives on a connection within the
// configured window. One Monitor may be shared across many pipelines:
// it is immutable after construction and keeps all per-connection
// state on the handler context.
//
// # One timer per connection
//
// The monitor never schedules a timer per read. A single timer runs
// per connection; when it fires, the remaining idle budget is
// recomputed from the last-activity timestamp and the timer is rearmed
// for exactly the remaining time. If the window has elapsed, a fresh
// full window is armed and the timeout fault is raised. Reads
// only publish a timestamp, so timer-goroutine work stays O(1) per
// fire regardless of read rate.
//
// # Delivery context
//
// The timeout fault is raised from the timer service's goroutine, not
// from the connection's serialized event context. This mirrors the
// behavior of the classic pipeline implementations this package
// follows. Handlers downstream of a Monitor must therefore accept
// FaultCaught calls that run concurrently with lifecycle and data
// delivery.
package timeout
