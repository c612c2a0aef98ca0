package timeout

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/conduit-protocol/conduit-go/pkg/log"
	"github.com/conduit-protocol/conduit-go/pkg/pipeline"
	"github.com/conduit-protocol/conduit-go/pkg/timer"
)

// ErrReadTimeout is raised through the pipeline fault chain when a
// connection stays idle for a full timeout window.
var ErrReadTimeout = errors.New("read timeout")

// Construction errors.
var (
	// ErrNilTimerService indicates no timer service was supplied.
	ErrNilTimerService = errors.New("timer service is required")
)

// minTimeoutMillis is the floor for positive timeout windows.
const minTimeoutMillis = 1

// Monitor is a pipeline handler that detects idle connections.
// Safe to share across pipelines; all per-connection state lives on
// the handler context.
type Monitor struct {
	pipeline.BaseHandler

	svc           timer.Service
	timeoutMillis int64
	logger        atomic.Pointer[loggerRef]
}

// loggerRef boxes the logger interface value for atomic publication.
type loggerRef struct {
	l log.Logger
}

// New creates a read-timeout monitor using the shared timer service.
//
// The timeout is normalized to whole milliseconds with a 1ms floor. A
// non-positive timeout disables monitoring entirely: the monitor
// forwards every signal untouched, allocates no state and schedules no
// timers.
func New(svc timer.Service, timeout time.Duration) (*Monitor, error) {
	if svc == nil {
		return nil, ErrNilTimerService
	}

	var millis int64
	if timeout > 0 {
		millis = timeout.Milliseconds()
		if millis < minTimeoutMillis {
			millis = minTimeoutMillis
		}
	}

	m := &Monitor{
		svc:           svc,
		timeoutMillis: millis,
	}
	m.logger.Store(&loggerRef{l: log.NoopLogger{}})
	return m, nil
}

// SetLogger configures event logging. Safe to call at any time, also
// while connections are being monitored; pass nil to disable.
func (m *Monitor) SetLogger(logger log.Logger) {
	if logger == nil {
		logger = log.NoopLogger{}
	}
	m.logger.Store(&loggerRef{l: logger})
}

// Timeout returns the configured window; zero when disabled.
func (m *Monitor) Timeout() time.Duration {
	return time.Duration(m.timeoutMillis) * time.Millisecond
}

// Enabled reports whether monitoring is active.
func (m *Monitor) Enabled() bool {
	return m.timeoutMillis > 0
}

// Shutdown stops the shared timer service, releasing every pending
// callback process-wide. Distinct from per-connection cancellation; do
// not call while other components still use the service. Idempotent.
func (m *Monitor) Shutdown() {
	m.svc.Stop()
}

// connState is the per-connection record. lastActivity is written from
// the connection's event context and read from the timer goroutine;
// the handle changes on initialize, rearm and teardown. Both fields
// are published atomically; single writer per transition, no
// per-connection lock.
type connState struct {
	lastActivity atomic.Int64 // unix milliseconds
	handle       atomic.Pointer[handleRef]
}

// handleRef boxes the handle interface value for atomic publication.
type handleRef struct {
	h timer.Handle
}

func (st *connState) storeHandle(h timer.Handle) {
	st.handle.Store(&handleRef{h: h})
}

// publishInitial publishes the first scheduled handle. When the first
// window elapses before this runs, the task has already published a
// rearmed handle; that newer handle is kept, the initial one has
// expired and holds nothing to cancel.
func (st *connState) publishInitial(h timer.Handle) {
	st.handle.CompareAndSwap(nil, &handleRef{h: h})
}

func (st *connState) takeHandle() timer.Handle {
	ref := st.handle.Swap(nil)
	if ref == nil {
		return nil
	}
	return ref.h
}

// HandlerAdded initializes monitoring when the connection is already
// open at insertion time; the opened signal has fired by then and will
// not be delivered again.
func (m *Monitor) HandlerAdded(ctx *pipeline.Context) error {
	if ctx.Conn().IsOpen() {
		return m.initialize(ctx)
	}
	// Not open yet: ConnectionOpened will initialize.
	return nil
}

// HandlerRemoved cancels the outstanding timer and discards state.
func (m *Monitor) HandlerRemoved(ctx *pipeline.Context) error {
	m.destroy(ctx)
	return nil
}

// ConnectionOpened initializes monitoring and forwards the signal.
func (m *Monitor) ConnectionOpened(ctx *pipeline.Context) error {
	if err := m.initialize(ctx); err != nil {
		return err
	}
	return ctx.ForwardOpened()
}

// ConnectionClosed cancels the outstanding timer, discards state and
// forwards the signal.
func (m *Monitor) ConnectionClosed(ctx *pipeline.Context) error {
	m.destroy(ctx)
	return ctx.ForwardClosed()
}

// DataReceived publishes the activity timestamp and forwards the
// payload unchanged.
func (m *Monitor) DataReceived(ctx *pipeline.Context, data []byte) error {
	if st, ok := ctx.Attachment().(*connState); ok {
		st.lastActivity.Store(nowMillis())
	}
	return ctx.ForwardData(data)
}

// initialize creates the per-connection state and arms the first
// timer. Repeated calls are no-ops so that add-after-open followed by
// a (spurious) opened signal cannot double-initialize.
func (m *Monitor) initialize(ctx *pipeline.Context) error {
	if !m.Enabled() {
		return nil
	}
	if _, ok := ctx.Attachment().(*connState); ok {
		return nil
	}

	st := &connState{}
	st.lastActivity.Store(nowMillis())
	ctx.SetAttachment(st)

	h, err := m.svc.Schedule(m.task(ctx, st), millisToDuration(m.timeoutMillis))
	if err != nil {
		// Fatal for this connection's monitor: discard state, no retry.
		ctx.SetAttachment(nil)
		return fmt.Errorf("schedule read timeout: %w", err)
	}
	st.publishInitial(h)
	return nil
}

// destroy cancels the outstanding timer and drops the state. Safe when
// no state exists and safe to call repeatedly.
func (m *Monitor) destroy(ctx *pipeline.Context) {
	st, ok := ctx.Attachment().(*connState)
	if !ok {
		return
	}
	if h := st.takeHandle(); h != nil {
		h.Cancel()
	}
	ctx.SetAttachment(nil)
}

// task builds the timer callback for one connection. It executes on
// the timer service's goroutines.
func (m *Monitor) task(ctx *pipeline.Context, st *connState) timer.Task {
	var run timer.Task
	run = func(h timer.Handle) {
		if h.IsCancelled() {
			// Connection closed or monitor removed concurrently.
			return
		}
		if cur, ok := ctx.Attachment().(*connState); !ok || cur != st {
			// Monitor detached between cancellation check and now.
			return
		}
		if !ctx.Conn().IsOpen() {
			return
		}

		idle := nowMillis() - st.lastActivity.Load()
		remaining := m.timeoutMillis - idle
		if remaining > 0 {
			// Data arrived since the timer was armed; tighten the next
			// check to the actual deadline.
			if next, err := m.svc.Schedule(run, millisToDuration(remaining)); err == nil {
				st.storeHandle(next)
			}
			return
		}

		// Window elapsed. Rearm a full window before raising so
		// detection continues even if the fault handler stalls or
		// leaves the connection open.
		if next, err := m.svc.Schedule(run, millisToDuration(m.timeoutMillis)); err == nil {
			st.storeHandle(next)
		}

		m.logTimeout(ctx, idle)
		m.raise(ctx)
	}
	return run
}

// raise delivers ErrReadTimeout up the fault chain. Errors and panics
// from delivery are re-reported as plain faults; nothing escapes into
// the timer goroutine.
func (m *Monitor) raise(ctx *pipeline.Context) {
	if err := deliverFault(ctx, ErrReadTimeout); err != nil {
		_ = deliverFault(ctx, fmt.Errorf("read timeout delivery: %w", err))
	}
}

// deliverFault raises err on the chain, converting a delivery panic
// into an error result.
func deliverFault(ctx *pipeline.Context, err error) (result error) {
	defer func() {
		if r := recover(); r != nil {
			result = fmt.Errorf("fault delivery panic: %v", r)
		}
	}()
	return ctx.RaiseFault(err)
}

func (m *Monitor) logTimeout(ctx *pipeline.Context, idleMillis int64) {
	m.logger.Load().l.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: ctx.Conn().ID(),
		Category:     log.CategoryTimeout,
		Timeout: &log.TimeoutEvent{
			IdleMillis:   idleMillis,
			WindowMillis: m.timeoutMillis,
		},
	})
}

func millisToDuration(millis int64) time.Duration {
	return time.Duration(millis) * time.Millisecond
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Compile-time interface satisfaction check.
var _ pipeline.Handler = (*Monitor)(nil)
