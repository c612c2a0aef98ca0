// Package timer provides the shared deferred-callback facility used for
// connection timeout detection.
//
// A single Service instance is meant to be shared by many connections:
// callers schedule a Task with a delay and receive a cancellable Handle
// back. Cancellation is idempotent and never blocks; a task that is
// already running observes cancellation through Handle.IsCancelled and
// is expected to no-op.
//
// Stop shuts the whole service down, cancelling every pending task
// process-wide. It is distinct from per-task cancellation and is
// intended to be called once at process shutdown.
//
// Tasks run on goroutines owned by the service, never on the goroutine
// that scheduled them. Tasks must not block.
package timer
