// Package log provides structured event logging for conduit pipelines.
//
// Components emit Event records through the Logger interface rather
// than writing free-form text. Events carry a category plus one
// category-specific payload and are CBOR-encodable with integer keys
// for compact on-disk capture.
//
// Applications choose the sink: NoopLogger discards everything,
// FileLogger appends CBOR-encoded events to a file, and SlogAdapter
// bridges events into a standard library slog.Logger for development.
package log
