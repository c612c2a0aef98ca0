package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/conduit-protocol/conduit-go/pkg/log"
)

// ServerConfig configures a conduit server.
type ServerConfig struct {
	// Address to listen on (e.g., ":7443" or "127.0.0.1:7443").
	Address string

	// TLSConfig enables TLS when set; plain TCP otherwise.
	TLSConfig *tls.Config

	// MaxMessageSize is the maximum frame payload size (default: 64KB).
	MaxMessageSize uint32

	// Logger for connection events (optional).
	Logger log.Logger

	// OnConnection is called for each accepted connection before its
	// read loop starts. Install pipeline handlers here.
	OnConnection func(conn *Conn)

	// OnError is called for accept and handshake errors (optional).
	OnError func(err error)
}

// Server accepts conduit connections and serves their pipelines.
type Server struct {
	config   ServerConfig
	listener net.Listener

	conns   map[*Conn]struct{}
	connsMu sync.RWMutex

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer creates a server; Start begins accepting.
func NewServer(config ServerConfig) *Server {
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	return &Server{
		config: config,
		conns:  make(map[*Conn]struct{}),
	}
}

// Start starts listening and accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop stops accepting, closes all connections and waits for their
// read loops to finish.
func (s *Server) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()
	return nil
}

// Addr returns the server's listen address.
func (s *Server) Addr() net.Addr {
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (s *Server) ConnectionCount() int {
	s.connsMu.RLock()
	defer s.connsMu.RUnlock()
	return len(s.conns)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for s.running.Load() {
		raw, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() && s.config.OnError != nil {
				s.config.OnError(fmt.Errorf("accept error: %w", err))
			}
			continue
		}

		s.wg.Add(1)
		go s.handleConnection(raw)
	}
}

func (s *Server) handleConnection(raw net.Conn) {
	defer s.wg.Done()

	if s.config.TLSConfig != nil {
		tlsConn := tls.Server(raw, s.config.TLSConfig)
		if err := tlsConn.HandshakeContext(s.ctx); err != nil {
			raw.Close()
			if s.config.OnError != nil {
				s.config.OnError(fmt.Errorf("TLS handshake failed: %w", err))
			}
			return
		}
		raw = tlsConn
	}

	conn := NewConn(raw, ConnConfig{
		MaxMessageSize: s.config.MaxMessageSize,
		Logger:         s.config.Logger,
	})

	s.connsMu.Lock()
	s.conns[conn] = struct{}{}
	s.connsMu.Unlock()

	if s.config.OnConnection != nil {
		s.config.OnConnection(conn)
	}

	conn.Serve()

	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// Dial connects to a conduit server. The returned connection is not
// open until Serve runs; install pipeline handlers first.
func Dial(ctx context.Context, address string, config ConnConfig, tlsConf *tls.Config) (*Conn, error) {
	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	if tlsConf != nil {
		tlsConn := tls.Client(raw, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, fmt.Errorf("TLS handshake failed: %w", err)
		}
		raw = tlsConn
	}

	return NewConn(raw, config), nil
}
