package pipeline

import "net"

// Conn is the connection surface a pipeline exposes to its handlers.
// Implemented by transport.Conn.
type Conn interface {
	// ID returns the unique connection identifier.
	ID() string

	// IsOpen reports whether the connection is currently active.
	IsOpen() bool

	// RemoteAddr returns the peer's network address.
	RemoteAddr() net.Addr

	// Write sends a payload to the peer.
	Write(data []byte) error

	// Close shuts the connection down. Safe to call from any goroutine
	// and more than once.
	Close() error
}

// Handler processes signals for one connection as part of a Pipeline.
// Embed BaseHandler to get pass-through behavior for the operations a
// handler does not care about.
type Handler interface {
	// HandlerAdded is called when the handler is inserted into a
	// pipeline. The connection may already be open by then; check
	// ctx.Conn().IsOpen() when initialization depends on it.
	HandlerAdded(ctx *Context) error

	// HandlerRemoved is called after the handler left the pipeline.
	HandlerRemoved(ctx *Context) error

	// ConnectionOpened is called when the connection becomes active.
	// Delivered at most once.
	ConnectionOpened(ctx *Context) error

	// ConnectionClosed is called when the connection shut down.
	// Delivered at most once.
	ConnectionClosed(ctx *Context) error

	// DataReceived delivers an inbound payload. Handlers that do not
	// consume the payload must forward it unchanged.
	DataReceived(ctx *Context, data []byte) error

	// FaultCaught delivers an error travelling up the chain. May be
	// invoked from outside the connection's event context.
	FaultCaught(ctx *Context, err error) error
}

// BaseHandler forwards every signal unchanged.
type BaseHandler struct{}

// HandlerAdded does nothing.
func (BaseHandler) HandlerAdded(*Context) error { return nil }

// HandlerRemoved does nothing.
func (BaseHandler) HandlerRemoved(*Context) error { return nil }

// ConnectionOpened forwards the opened signal.
func (BaseHandler) ConnectionOpened(ctx *Context) error { return ctx.ForwardOpened() }

// ConnectionClosed forwards the closed signal.
func (BaseHandler) ConnectionClosed(ctx *Context) error { return ctx.ForwardClosed() }

// DataReceived forwards the payload unchanged.
func (BaseHandler) DataReceived(ctx *Context, data []byte) error { return ctx.ForwardData(data) }

// FaultCaught forwards the fault.
func (BaseHandler) FaultCaught(ctx *Context, err error) error { return ctx.RaiseFault(err) }

// Compile-time interface satisfaction check.
var _ Handler = BaseHandler{}
