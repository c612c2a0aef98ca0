package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/conduit-protocol/conduit-go/pkg/log"
	"github.com/conduit-protocol/conduit-go/pkg/pipeline"
)

// ErrConnClosed indicates a write on a closed connection.
var ErrConnClosed = errors.New("connection closed")

// maxLogDataSize caps the payload sample carried in log events (4 KB).
const maxLogDataSize = 4096

// ConnConfig configures a Conn.
type ConnConfig struct {
	// MaxMessageSize is the maximum frame payload size (default: 64KB).
	MaxMessageSize uint32

	// Logger for connection events (optional).
	Logger log.Logger
}

// Conn is one framed network connection with its pipeline.
type Conn struct {
	id         string
	raw        net.Conn
	framer     *Framer
	remoteAddr net.Addr
	logger     log.Logger

	pl *pipeline.Pipeline

	open      atomic.Bool
	closeOnce sync.Once
}

// NewConn wraps an established network connection. The connection is
// not open until Serve runs; install pipeline handlers first.
func NewConn(raw net.Conn, config ConnConfig) *Conn {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := config.Logger
	if logger == nil {
		logger = log.NoopLogger{}
	}

	c := &Conn{
		id:         uuid.New().String(),
		raw:        raw,
		framer:     NewFramerWithMaxSize(raw, config.MaxMessageSize),
		remoteAddr: raw.RemoteAddr(),
		logger:     logger,
	}
	c.pl = pipeline.New(c)
	c.pl.SetLogger(logger)
	return c
}

// ID returns the unique connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// IsOpen reports whether the connection is currently active.
func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

// Pipeline returns the connection's handler chain.
func (c *Conn) Pipeline() *pipeline.Pipeline {
	return c.pl
}

// Write sends one framed payload to the peer.
// Thread-safe: can be called from multiple goroutines.
func (c *Conn) Write(data []byte) error {
	if !c.open.Load() {
		return ErrConnClosed
	}
	return c.framer.WriteFrame(data)
}

// Close shuts the connection down. Safe to call from any goroutine and
// more than once. The closed signal fires from the Serve loop, not
// here.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.open.Store(false)
		err = c.raw.Close()
	})
	return err
}

// Serve runs the connection's read loop until the peer disconnects or
// Close is called. It fires the opened signal, delivers each frame to
// the pipeline and fires the closed signal on return.
func (c *Conn) Serve() error {
	c.open.Store(true)
	defer func() {
		c.Close()
		c.pl.FireConnectionClosed()
	}()

	if err := c.pl.FireConnectionOpened(); err != nil {
		return err
	}

	for {
		data, err := c.framer.ReadFrame()
		if err != nil {
			if !c.open.Load() || err == io.EOF {
				// Local close or clean peer disconnect.
				return nil
			}
			c.pl.FireFault(err)
			return err
		}

		c.logData(data)
		if err := c.pl.FireDataReceived(data); err != nil {
			c.pl.FireFault(err)
		}
	}
}

func (c *Conn) logData(data []byte) {
	sample := data
	truncated := false
	if len(data) > maxLogDataSize {
		sample = data[:maxLogDataSize]
		truncated = true
	}
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		RemoteAddr:   addrString(c.remoteAddr),
		Category:     log.CategoryData,
		Data: &log.DataEvent{
			Size:      len(data),
			Sample:    sample,
			Truncated: truncated,
		},
	})
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}

// Compile-time interface satisfaction check.
var _ pipeline.Conn = (*Conn)(nil)
