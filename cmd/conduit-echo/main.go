// Command conduit-echo is a reference conduit echo server.
//
// Every accepted connection gets a pipeline with a read-timeout
// monitor in front of an echo handler: frames are echoed back to the
// peer, and connections that stay idle past the timeout window are
// closed.
//
// Usage:
//
//	conduit-echo [flags]
//
// Flags:
//
//	-config string    Configuration file path (YAML)
//	-addr string      Listen address (default ":7443")
//	-timeout duration Read timeout window (default 30s)
//	-log-file string  CBOR event log file path
//	-announce         Announce the service via mDNS (default true)
//	-name string      mDNS instance name (default "conduit-echo")
//
// Examples:
//
//	# Start with a 5 second idle window
//	conduit-echo -addr :7443 -timeout 5s
//
//	# Load settings from a config file
//	conduit-echo -config /etc/conduit/echo.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	stdlog "log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conduit-protocol/conduit-go/pkg/discovery"
	"github.com/conduit-protocol/conduit-go/pkg/log"
	"github.com/conduit-protocol/conduit-go/pkg/timeout"
	"github.com/conduit-protocol/conduit-go/pkg/timer"
	"github.com/conduit-protocol/conduit-go/pkg/transport"
)

// Config holds the server configuration.
type Config struct {
	Address     string        `yaml:"address"`
	ReadTimeout time.Duration `yaml:"readTimeout"`
	LogFile     string        `yaml:"logFile"`
	Announce    bool          `yaml:"announce"`
	Instance    string        `yaml:"instance"`
}

var (
	config     Config
	configFile string
)

func init() {
	flag.StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	flag.StringVar(&config.Address, "addr", ":7443", "Listen address")
	flag.DurationVar(&config.ReadTimeout, "timeout", 30*time.Second, "Read timeout window")
	flag.StringVar(&config.LogFile, "log-file", "", "CBOR event log file path")
	flag.BoolVar(&config.Announce, "announce", true, "Announce the service via mDNS")
	flag.StringVar(&config.Instance, "name", "conduit-echo", "mDNS instance name")
}

func main() {
	flag.Parse()
	stdlog.SetFlags(stdlog.Ltime | stdlog.Lmicroseconds)

	if configFile != "" {
		if err := loadConfigFile(configFile); err != nil {
			stdlog.Fatalf("Failed to load config: %v", err)
		}
	}

	stdlog.Println("Conduit Echo Server")
	stdlog.Printf("Address: %s", config.Address)
	stdlog.Printf("Read timeout: %v", config.ReadTimeout)

	logger, closeLogger, err := setupLogger(config.LogFile)
	if err != nil {
		stdlog.Fatalf("Failed to open log file: %v", err)
	}
	defer closeLogger()

	svc := timer.New()
	monitor, err := timeout.New(svc, config.ReadTimeout)
	if err != nil {
		stdlog.Fatalf("Failed to create timeout monitor: %v", err)
	}
	monitor.SetLogger(logger)

	server := transport.NewServer(transport.ServerConfig{
		Address: config.Address,
		Logger:  logger,
		OnConnection: func(conn *transport.Conn) {
			stdlog.Printf("Connection %s from %s", conn.ID(), conn.RemoteAddr())
			conn.Pipeline().AddLast("timeout", monitor)
			conn.Pipeline().AddLast("echo", &echoHandler{})
		},
		OnError: func(err error) {
			stdlog.Printf("Server error: %v", err)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := server.Start(ctx); err != nil {
		stdlog.Fatalf("Failed to start server: %v", err)
	}
	stdlog.Printf("Listening on %s", server.Addr())

	announcer := discovery.NewAnnouncer(discovery.DefaultAnnouncerConfig())
	if config.Announce {
		port := listenPort(server)
		txt := []string{fmt.Sprintf("to=%d", config.ReadTimeout.Milliseconds())}
		if err := announcer.Announce(config.Instance, port, txt); err != nil {
			stdlog.Printf("Warning: mDNS announcement failed: %v", err)
		} else {
			stdlog.Printf("Announced as %q via mDNS", config.Instance)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	stdlog.Printf("Received signal: %v", sig)
	stdlog.Println("Shutting down...")

	announcer.Stop()
	if err := server.Stop(); err != nil {
		stdlog.Printf("Error stopping server: %v", err)
	}
	monitor.Shutdown()

	stdlog.Println("Goodbye!")
}

// loadConfigFile overlays settings from a YAML file. Flags given on
// the command line win over file values.
func loadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	fileConfig := config
	if err := yaml.Unmarshal(data, &fileConfig); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	explicit := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	if !explicit["addr"] {
		config.Address = fileConfig.Address
	}
	if !explicit["timeout"] {
		config.ReadTimeout = fileConfig.ReadTimeout
	}
	if !explicit["log-file"] {
		config.LogFile = fileConfig.LogFile
	}
	if !explicit["announce"] {
		config.Announce = fileConfig.Announce
	}
	if !explicit["name"] {
		config.Instance = fileConfig.Instance
	}
	return nil
}

func setupLogger(path string) (log.Logger, func(), error) {
	if path == "" {
		return log.NoopLogger{}, func() {}, nil
	}
	fileLogger, err := log.NewFileLogger(path)
	if err != nil {
		return nil, nil, err
	}
	return fileLogger, func() { fileLogger.Close() }, nil
}

func listenPort(server *transport.Server) int {
	if tcp, ok := server.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
