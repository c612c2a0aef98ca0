package timeout

import (
	"bytes"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/conduit-protocol/conduit-go/pkg/log"
	"github.com/conduit-protocol/conduit-go/pkg/pipeline"
	"github.com/conduit-protocol/conduit-go/pkg/timer"
)

// testConn is a minimal pipeline.Conn for driving monitors directly.
type testConn struct {
	id   string
	open atomic.Bool
}

func newTestConn() *testConn {
	return &testConn{id: "test-conn"}
}

func (c *testConn) ID() string           { return c.id }
func (c *testConn) IsOpen() bool         { return c.open.Load() }
func (c *testConn) RemoteAddr() net.Addr { return nil }
func (c *testConn) Write([]byte) error   { return nil }
func (c *testConn) Close() error {
	c.open.Store(false)
	return nil
}

// recorder sits at the tail of the chain, consuming data and faults.
type recorder struct {
	pipeline.BaseHandler

	mu      sync.Mutex
	data    [][]byte
	faultCh chan error
}

func newRecorder() *recorder {
	return &recorder{faultCh: make(chan error, 16)}
}

func (r *recorder) DataReceived(_ *pipeline.Context, data []byte) error {
	r.mu.Lock()
	r.data = append(r.data, data)
	r.mu.Unlock()
	return nil
}

func (r *recorder) FaultCaught(_ *pipeline.Context, err error) error {
	select {
	case r.faultCh <- err:
	default:
	}
	return nil
}

func (r *recorder) dataCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.data)
}

// waitFault blocks until a fault arrives or d elapses.
func (r *recorder) waitFault(d time.Duration) (error, bool) {
	select {
	case err := <-r.faultCh:
		return err, true
	case <-time.After(d):
		return nil, false
	}
}

func TestMonitorConfig(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	if _, err := New(nil, time.Second); err != ErrNilTimerService {
		t.Errorf("New(nil svc) error = %v, want ErrNilTimerService", err)
	}

	m, err := New(svc, 0)
	if err != nil {
		t.Fatalf("New(0) failed: %v", err)
	}
	if m.Enabled() {
		t.Error("zero timeout should disable monitoring")
	}

	m, err = New(svc, -5*time.Second)
	if err != nil {
		t.Fatalf("New(negative) failed: %v", err)
	}
	if m.Enabled() {
		t.Error("negative timeout should disable monitoring")
	}

	m, err = New(svc, 500*time.Microsecond)
	if err != nil {
		t.Fatalf("New(sub-millisecond) failed: %v", err)
	}
	if m.Timeout() != time.Millisecond {
		t.Errorf("sub-millisecond timeout normalized to %v, want 1ms", m.Timeout())
	}

	m, err = New(svc, 2*time.Second)
	if err != nil {
		t.Fatalf("New(2s) failed: %v", err)
	}
	if m.Timeout() != 2*time.Second {
		t.Errorf("Timeout = %v, want 2s", m.Timeout())
	}
}

func TestDisabledMonitorForwardsWithoutState(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, 0)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	if err := pl.AddLast("timeout", m); err != nil {
		t.Fatalf("AddLast failed: %v", err)
	}
	if err := pl.AddLast("recorder", rec); err != nil {
		t.Fatalf("AddLast failed: %v", err)
	}

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	payload := []byte("hello")
	if err := pl.FireDataReceived(payload); err != nil {
		t.Fatalf("FireDataReceived failed: %v", err)
	}

	if rec.dataCount() != 1 {
		t.Fatalf("recorder got %d payloads, want 1", rec.dataCount())
	}
	if !bytes.Equal(rec.data[0], payload) {
		t.Error("payload modified in transit")
	}
	if svc.PendingCount() != 0 {
		t.Errorf("disabled monitor scheduled %d timers", svc.PendingCount())
	}
}

func TestTimeoutRaisedWhenIdle(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	start := time.Now()
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	faultErr, ok := rec.waitFault(time.Second)
	if !ok {
		t.Fatal("no timeout raised on idle connection")
	}
	if !errors.Is(faultErr, ErrReadTimeout) {
		t.Errorf("fault = %v, want ErrReadTimeout", faultErr)
	}
	if elapsed := time.Since(start); elapsed < 55*time.Millisecond {
		t.Errorf("timeout raised after %v, before the window elapsed", elapsed)
	}

	// A fresh window begins immediately: the next timeout follows
	// without further prompting.
	if _, ok := rec.waitFault(time.Second); !ok {
		t.Fatal("detection did not continue after first timeout")
	}
}

func TestActivityDefersTimeout(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	// Keep the connection busy with gaps well under the window.
	for i := 0; i < 8; i++ {
		time.Sleep(50 * time.Millisecond)
		if err := pl.FireDataReceived([]byte("ping")); err != nil {
			t.Fatalf("FireDataReceived failed: %v", err)
		}
	}

	select {
	case err := <-rec.faultCh:
		t.Fatalf("timeout raised despite activity: %v", err)
	default:
	}
	if rec.dataCount() != 8 {
		t.Errorf("recorder got %d payloads, want 8", rec.dataCount())
	}
}

func TestRescheduleTightensToDeadline(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	window := 120 * time.Millisecond
	m, err := New(svc, window)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	// One read mid-window pushes the effective deadline out to
	// lastActivity + window, past the original deadline.
	time.Sleep(50 * time.Millisecond)
	lastData := time.Now()
	if err := pl.FireDataReceived([]byte("x")); err != nil {
		t.Fatalf("FireDataReceived failed: %v", err)
	}

	faultErr, ok := rec.waitFault(2 * time.Second)
	if !ok {
		t.Fatal("no timeout raised after activity stopped")
	}
	if !errors.Is(faultErr, ErrReadTimeout) {
		t.Errorf("fault = %v, want ErrReadTimeout", faultErr)
	}
	if idle := time.Since(lastData); idle < window-10*time.Millisecond {
		t.Errorf("timeout raised %v after last data, want at least ~%v", idle, window)
	}
}

func TestCloseCancelsTimer(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, 80*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	conn.Close()
	if err := pl.FireConnectionClosed(); err != nil {
		t.Fatalf("FireConnectionClosed failed: %v", err)
	}

	if svc.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after close, want 0", svc.PendingCount())
	}
	if _, ok := rec.waitFault(300 * time.Millisecond); ok {
		t.Error("timeout raised after close")
	}

	// Closing again stays safe.
	if err := pl.FireConnectionClosed(); err != nil {
		t.Errorf("repeated FireConnectionClosed failed: %v", err)
	}
}

func TestRemoveCancelsTimer(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, 80*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	if err := pl.Remove("timeout"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if svc.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after remove, want 0", svc.PendingCount())
	}
	if _, ok := rec.waitFault(300 * time.Millisecond); ok {
		t.Error("timeout raised after monitor removal")
	}
}

func TestAddAfterOpenInitializes(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	rec := newRecorder()
	pl.AddLast("recorder", rec)

	// Connection opens before the monitor exists.
	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	m, err := New(svc, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := pl.AddLast("timeout", m); err != nil {
		t.Fatalf("AddLast failed: %v", err)
	}

	if svc.PendingCount() != 1 {
		t.Errorf("PendingCount = %d after add-to-open-connection, want 1", svc.PendingCount())
	}

	// The monitor sits after the recorder, so its faults fall off the
	// tail; observing the armed timer is the point here.
	time.Sleep(100 * time.Millisecond)
	if svc.PendingCount() != 1 {
		t.Errorf("PendingCount = %d after first fire, want 1 (rearmed)", svc.PendingCount())
	}
}

func TestNoDoubleInit(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	conn.open.Store(true)
	pl := pipeline.New(conn)

	m, err := New(svc, time.Hour)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()

	// Added while open: initializes immediately.
	if err := pl.AddLast("timeout", m); err != nil {
		t.Fatalf("AddLast failed: %v", err)
	}
	pl.AddLast("recorder", rec)

	// A subsequent opened signal must not initialize again.
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	if svc.PendingCount() != 1 {
		t.Errorf("PendingCount = %d, want exactly 1 outstanding timer", svc.PendingCount())
	}
}

func TestSchedulingFailureIsFatal(t *testing.T) {
	svc := timer.New()
	svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, time.Second)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	pl.AddLast("timeout", m)

	conn.open.Store(true)
	err = pl.FireConnectionOpened()
	if err == nil {
		t.Fatal("expected scheduling failure to surface from open")
	}
	if !errors.Is(err, timer.ErrStopped) {
		t.Errorf("error = %v, want wrapped timer.ErrStopped", err)
	}
}

func TestShutdownStopsDetection(t *testing.T) {
	svc := timer.New()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	m.Shutdown()
	m.Shutdown() // idempotent

	if _, ok := rec.waitFault(200 * time.Millisecond); ok {
		t.Error("timeout raised after shutdown")
	}

	// Per-connection teardown stays a safe no-op afterwards.
	conn.Close()
	if err := pl.FireConnectionClosed(); err != nil {
		t.Errorf("FireConnectionClosed after shutdown failed: %v", err)
	}
}

var errFaultHandlerBroken = errors.New("fault handler broken")

// timeoutRejector fails on timeout faults and forwards everything
// else, standing in for a downstream handler that misbehaves during
// delivery.
type timeoutRejector struct {
	pipeline.BaseHandler
	panics bool
}

func (h *timeoutRejector) FaultCaught(ctx *pipeline.Context, err error) error {
	if errors.Is(err, ErrReadTimeout) {
		if h.panics {
			panic("timeout handling exploded")
		}
		return errFaultHandlerBroken
	}
	return ctx.RaiseFault(err)
}

func TestFaultDeliveryErrorIsReReported(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("rejector", &timeoutRejector{})
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	faultErr, ok := rec.waitFault(time.Second)
	if !ok {
		t.Fatal("delivery failure was not re-reported")
	}
	if !errors.Is(faultErr, errFaultHandlerBroken) {
		t.Errorf("re-reported fault = %v, want the handler's error wrapped", faultErr)
	}
	if svc.PendingCount() != 1 {
		t.Errorf("PendingCount = %d after delivery failure, want 1 (rearmed)", svc.PendingCount())
	}

	// Detection survives the failing handler: the next window fires.
	if _, ok := rec.waitFault(time.Second); !ok {
		t.Fatal("detection stopped after delivery failure")
	}
}

func TestFaultDeliveryPanicIsContained(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("rejector", &timeoutRejector{panics: true})
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	faultErr, ok := rec.waitFault(time.Second)
	if !ok {
		t.Fatal("delivery panic was not re-reported")
	}
	if !strings.Contains(faultErr.Error(), "panic") {
		t.Errorf("re-reported fault = %v, want the recovered panic", faultErr)
	}

	// The panic never reached the timer goroutine: detection keeps
	// going and panics again on the next window.
	if _, ok := rec.waitFault(time.Second); !ok {
		t.Fatal("detection stopped after delivery panic")
	}
}

// stubHandle is a timer.Handle for state-publication tests.
type stubHandle struct {
	cancelled atomic.Bool
}

func (h *stubHandle) Cancel()           { h.cancelled.Store(true) }
func (h *stubHandle) IsCancelled() bool { return h.cancelled.Load() }
func (h *stubHandle) IsExpired() bool   { return false }

func TestInitialPublishKeepsRearmedHandle(t *testing.T) {
	st := &connState{}

	rearmed := &stubHandle{}
	initial := &stubHandle{}

	// The first window elapsed before the initial publish: the task's
	// rearmed handle is already in place and must survive.
	st.storeHandle(rearmed)
	st.publishInitial(initial)

	if got := st.takeHandle(); got != timer.Handle(rearmed) {
		t.Errorf("published handle = %v, want the rearmed one", got)
	}

	// Normal path: publish into an empty slot.
	st.publishInitial(initial)
	if got := st.takeHandle(); got != timer.Handle(initial) {
		t.Errorf("published handle = %v, want the initial one", got)
	}
}

// captureLogger collects events for assertions.
type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *captureLogger) Log(e log.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *captureLogger) snapshot() []log.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]log.Event, len(l.events))
	copy(out, l.events)
	return out
}

func TestTimeoutEventLogged(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, 60*time.Millisecond)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger := &captureLogger{}
	m.SetLogger(logger)

	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	if _, ok := rec.waitFault(time.Second); !ok {
		t.Fatal("no timeout raised")
	}

	events := logger.snapshot()
	if len(events) == 0 {
		t.Fatal("no timeout event logged")
	}
	event := events[0]
	if event.Category != log.CategoryTimeout {
		t.Errorf("Category = %v, want CategoryTimeout", event.Category)
	}
	if event.ConnectionID != conn.ID() {
		t.Errorf("ConnectionID = %q, want %q", event.ConnectionID, conn.ID())
	}
	if event.Timeout == nil || event.Timeout.WindowMillis != 60 {
		t.Errorf("Timeout payload = %+v, want window 60ms", event.Timeout)
	}
}

func TestDataForwardedUnchangedWhenEnabled(t *testing.T) {
	svc := timer.New()
	defer svc.Stop()

	conn := newTestConn()
	pl := pipeline.New(conn)

	m, err := New(svc, time.Hour)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	rec := newRecorder()
	pl.AddLast("timeout", m)
	pl.AddLast("recorder", rec)

	conn.open.Store(true)
	if err := pl.FireConnectionOpened(); err != nil {
		t.Fatalf("FireConnectionOpened failed: %v", err)
	}

	payload := []byte{0x00, 0x01, 0xFF, 0xFE}
	if err := pl.FireDataReceived(payload); err != nil {
		t.Fatalf("FireDataReceived failed: %v", err)
	}

	if rec.dataCount() != 1 || !bytes.Equal(rec.data[0], payload) {
		t.Error("payload not forwarded unchanged")
	}
}
