package transport

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/conduit-protocol/conduit-go/pkg/pipeline"
)

// sink collects pipeline signals at the end of the chain.
type sink struct {
	pipeline.BaseHandler

	mu     sync.Mutex
	data   [][]byte
	opened bool
	closed chan struct{}
	faults chan error
}

func newSink() *sink {
	return &sink{
		closed: make(chan struct{}),
		faults: make(chan error, 4),
	}
}

func (h *sink) ConnectionOpened(ctx *pipeline.Context) error {
	h.mu.Lock()
	h.opened = true
	h.mu.Unlock()
	return ctx.ForwardOpened()
}

func (h *sink) ConnectionClosed(ctx *pipeline.Context) error {
	close(h.closed)
	return ctx.ForwardClosed()
}

func (h *sink) DataReceived(_ *pipeline.Context, data []byte) error {
	h.mu.Lock()
	h.data = append(h.data, data)
	h.mu.Unlock()
	return nil
}

func (h *sink) FaultCaught(_ *pipeline.Context, err error) error {
	select {
	case h.faults <- err:
	default:
	}
	return nil
}

func (h *sink) payloads() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.data))
	copy(out, h.data)
	return out
}

func TestConnDeliversFramesToPipeline(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()

	conn := NewConn(serverRaw, ConnConfig{})
	s := newSink()
	if err := conn.Pipeline().AddLast("sink", s); err != nil {
		t.Fatalf("AddLast failed: %v", err)
	}

	done := make(chan struct{})
	go func() {
		conn.Serve()
		close(done)
	}()

	fw := NewFrameWriter(clientRaw)
	if err := fw.WriteFrame([]byte("one")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}
	if err := fw.WriteFrame([]byte("two")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	clientRaw.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after peer close")
	}

	got := s.payloads()
	if len(got) != 2 || !bytes.Equal(got[0], []byte("one")) || !bytes.Equal(got[1], []byte("two")) {
		t.Errorf("payloads = %q, want [one two]", got)
	}
	s.mu.Lock()
	opened := s.opened
	s.mu.Unlock()
	if !opened {
		t.Error("opened signal not delivered")
	}
	select {
	case <-s.closed:
	default:
		t.Error("closed signal not delivered")
	}
	if conn.IsOpen() {
		t.Error("connection still open after Serve returned")
	}
}

func TestConnWriteFramesToPeer(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()

	conn := NewConn(serverRaw, ConnConfig{})
	go conn.Serve()
	defer conn.Close()

	// Wait for the serve loop to mark the connection open.
	deadline := time.Now().Add(time.Second)
	for !conn.IsOpen() {
		if time.Now().After(deadline) {
			t.Fatal("connection never opened")
		}
		time.Sleep(time.Millisecond)
	}

	go func() {
		conn.Write([]byte("pong"))
	}()

	fr := NewFrameReader(clientRaw)
	got, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}
	if !bytes.Equal(got, []byte("pong")) {
		t.Errorf("frame = %q, want pong", got)
	}
}

func TestConnWriteAfterClose(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	defer clientRaw.Close()

	conn := NewConn(serverRaw, ConnConfig{})
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if err := conn.Write([]byte("x")); err != ErrConnClosed {
		t.Errorf("Write after close = %v, want ErrConnClosed", err)
	}
}

func TestConnIDsAreUnique(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c1 := NewConn(a, ConnConfig{})
	c2 := NewConn(b, ConnConfig{})
	if c1.ID() == "" || c1.ID() == c2.ID() {
		t.Errorf("connection IDs not unique: %q vs %q", c1.ID(), c2.ID())
	}
}

func TestServerAcceptsAndServes(t *testing.T) {
	received := make(chan []byte, 1)

	server := NewServer(ServerConfig{
		Address: "127.0.0.1:0",
		OnConnection: func(conn *Conn) {
			conn.Pipeline().AddLast("capture", &captureHandler{ch: received})
		},
	})
	if err := server.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer server.Stop()

	client, err := Dial(context.Background(), server.Addr().String(), ConnConfig{}, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	go client.Serve()
	defer client.Close()

	deadline := time.Now().Add(time.Second)
	for !client.IsOpen() {
		if time.Now().After(deadline) {
			t.Fatal("client never opened")
		}
		time.Sleep(time.Millisecond)
	}

	if err := client.Write([]byte("hello")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, []byte("hello")) {
			t.Errorf("server received %q, want hello", got)
		}
	case <-time.After(time.Second):
		t.Fatal("server did not receive the payload")
	}
}

type captureHandler struct {
	pipeline.BaseHandler
	ch chan []byte
}

func (h *captureHandler) DataReceived(_ *pipeline.Context, data []byte) error {
	select {
	case h.ch <- data:
	default:
	}
	return nil
}
