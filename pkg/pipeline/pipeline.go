package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/conduit-protocol/conduit-go/pkg/log"
)

// Pipeline errors.
var (
	// ErrNilHandler indicates a nil handler was added.
	ErrNilHandler = errors.New("handler is nil")

	// ErrDuplicateName indicates the handler name is already taken.
	ErrDuplicateName = errors.New("duplicate handler name")

	// ErrHandlerNotFound indicates no handler with the given name exists.
	ErrHandlerNotFound = errors.New("handler not found")
)

// Pipeline is the ordered handler chain for one connection.
type Pipeline struct {
	conn Conn

	mu     sync.RWMutex
	head   *Context
	tail   *Context
	byName map[string]*Context

	opened atomic.Bool
	closed atomic.Bool

	logger log.Logger
}

// New creates an empty pipeline for conn.
func New(conn Conn) *Pipeline {
	return &Pipeline{
		conn:   conn,
		byName: make(map[string]*Context),
	}
}

// Conn returns the connection this pipeline belongs to.
func (p *Pipeline) Conn() Conn {
	return p.conn
}

// SetLogger configures event logging. Pass nil to disable.
func (p *Pipeline) SetLogger(logger log.Logger) {
	p.logger = logger
}

// AddLast appends a named handler to the end of the chain and delivers
// the added signal. If the connection is already open the opened signal
// has fired and will not be re-delivered; the handler sees that through
// Conn.IsOpen.
func (p *Pipeline) AddLast(name string, h Handler) error {
	if h == nil {
		return ErrNilHandler
	}

	ctx := &Context{pipeline: p, name: name, handler: h}

	p.mu.Lock()
	if _, exists := p.byName[name]; exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	if p.tail == nil {
		p.head = ctx
		p.tail = ctx
	} else {
		ctx.prev = p.tail
		p.tail.next = ctx
		p.tail = ctx
	}
	p.byName[name] = ctx
	p.mu.Unlock()

	return h.HandlerAdded(ctx)
}

// Remove unlinks the named handler and delivers the removed signal.
func (p *Pipeline) Remove(name string) error {
	p.mu.Lock()
	ctx, exists := p.byName[name]
	if !exists {
		p.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrHandlerNotFound, name)
	}
	delete(p.byName, name)

	if ctx.prev != nil {
		ctx.prev.next = ctx.next
	} else {
		p.head = ctx.next
	}
	if ctx.next != nil {
		ctx.next.prev = ctx.prev
	} else {
		p.tail = ctx.prev
	}
	// ctx keeps its own links so in-flight forwarding from this
	// context still reaches the rest of the chain.
	ctx.removed.Store(true)
	p.mu.Unlock()

	return ctx.handler.HandlerRemoved(ctx)
}

// Names returns the handler names in chain order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var names []string
	for ctx := p.head; ctx != nil; ctx = ctx.next {
		names = append(names, ctx.name)
	}
	return names
}

// FireConnectionOpened delivers the opened signal to the chain.
// Only the first call has any effect.
func (p *Pipeline) FireConnectionOpened() error {
	if !p.opened.CompareAndSwap(false, true) {
		return nil
	}
	p.logLifecycle("opened")
	return invokeOpened(p.first())
}

// FireConnectionClosed delivers the closed signal to the chain.
// Only the first call has any effect.
func (p *Pipeline) FireConnectionClosed() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.logLifecycle("closed")
	return invokeClosed(p.first())
}

// FireDataReceived delivers an inbound payload to the chain.
func (p *Pipeline) FireDataReceived(data []byte) error {
	return invokeData(p.first(), data)
}

// FireFault delivers an error to the chain, starting at the first
// handler.
func (p *Pipeline) FireFault(err error) error {
	return p.invokeFault(p.first(), err)
}

func (p *Pipeline) first() *Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

func invokeOpened(ctx *Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.handler.ConnectionOpened(ctx)
}

func invokeClosed(ctx *Context) error {
	if ctx == nil {
		return nil
	}
	return ctx.handler.ConnectionClosed(ctx)
}

func invokeData(ctx *Context, data []byte) error {
	if ctx == nil {
		return nil
	}
	return ctx.handler.DataReceived(ctx, data)
}

// invokeFault delivers err to ctx, or records it when the chain end is
// reached without anyone consuming it.
func (p *Pipeline) invokeFault(ctx *Context, err error) error {
	if ctx == nil {
		p.logUnhandledFault(err)
		return nil
	}
	return ctx.handler.FaultCaught(ctx, err)
}

func (p *Pipeline) logLifecycle(state string) {
	if p.logger == nil {
		return
	}
	p.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: p.conn.ID(),
		Category:     log.CategoryLifecycle,
		Lifecycle:    &log.LifecycleEvent{State: state},
	})
}

func (p *Pipeline) logUnhandledFault(err error) {
	if p.logger == nil || err == nil {
		return
	}
	p.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: p.conn.ID(),
		Category:     log.CategoryFault,
		Fault: &log.FaultEvent{
			Message:   err.Error(),
			Unhandled: true,
		},
	})
}

// Context binds one handler to one pipeline position. Each handler gets
// its own context; the attachment gives sharable handlers a place for
// per-connection state.
type Context struct {
	pipeline *Pipeline
	name     string
	handler  Handler

	// Guarded by pipeline.mu.
	next, prev *Context

	removed    atomic.Bool
	attachment atomic.Pointer[any]
}

// Name returns the handler's pipeline name.
func (ctx *Context) Name() string {
	return ctx.name
}

// Conn returns the pipeline's connection.
func (ctx *Context) Conn() Conn {
	return ctx.pipeline.conn
}

// Pipeline returns the owning pipeline.
func (ctx *Context) Pipeline() *Pipeline {
	return ctx.pipeline
}

// SetAttachment publishes per-connection handler state. The value is
// visible to readers on other goroutines without further locking.
func (ctx *Context) SetAttachment(v any) {
	if v == nil {
		ctx.attachment.Store(nil)
		return
	}
	ctx.attachment.Store(&v)
}

// Attachment returns the value published by SetAttachment, or nil.
func (ctx *Context) Attachment() any {
	p := ctx.attachment.Load()
	if p == nil {
		return nil
	}
	return *p
}

// ForwardOpened passes the opened signal to the next handler.
func (ctx *Context) ForwardOpened() error {
	return invokeOpened(ctx.nextContext())
}

// ForwardClosed passes the closed signal to the next handler.
func (ctx *Context) ForwardClosed() error {
	return invokeClosed(ctx.nextContext())
}

// ForwardData passes an inbound payload to the next handler.
func (ctx *Context) ForwardData(data []byte) error {
	return invokeData(ctx.nextContext(), data)
}

// RaiseFault delivers err to the handlers after this one. Safe to call
// from any goroutine.
func (ctx *Context) RaiseFault(err error) error {
	return ctx.pipeline.invokeFault(ctx.nextContext(), err)
}

func (ctx *Context) nextContext() *Context {
	ctx.pipeline.mu.RLock()
	defer ctx.pipeline.mu.RUnlock()
	return ctx.next
}
