// Command conduit-probe is an interactive conduit client.
//
// It discovers conduit servers on the local network, connects to
// them, sends framed payloads and shows what comes back, including
// the disconnect when the server's read timeout closes an idle
// connection.
//
// Usage:
//
//	conduit-probe
//
// Commands:
//
//	discover           Browse mDNS for conduit services
//	connect <addr>     Connect to host:port
//	send <text>        Send a frame on the current connection
//	close              Close the current connection
//	quit               Exit
package main

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/conduit-protocol/conduit-go/pkg/discovery"
	"github.com/conduit-protocol/conduit-go/pkg/pipeline"
	"github.com/conduit-protocol/conduit-go/pkg/transport"
)

func main() {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "probe> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		stdlog.Fatalf("Failed to create readline: %v", err)
	}
	defer rl.Close()

	p := &probe{rl: rl}
	p.run()
}

// probe holds the interactive session state.
type probe struct {
	rl   *readline.Instance
	conn *transport.Conn
}

func (p *probe) run() {
	p.printHelp()

	for {
		line, err := p.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(p.rl.Stdout(), "Exiting...")
			p.cmdClose()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}

		parts := strings.Fields(input)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "help", "?":
			p.printHelp()

		case "discover", "d":
			p.cmdDiscover()

		case "connect", "c":
			p.cmdConnect(args)

		case "send", "s":
			p.cmdSend(args)

		case "close":
			p.cmdClose()

		case "quit", "exit", "q":
			fmt.Fprintln(p.rl.Stdout(), "Exiting...")
			p.cmdClose()
			return

		default:
			fmt.Fprintf(p.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (p *probe) printHelp() {
	fmt.Fprintln(p.rl.Stdout(), `
Conduit Probe Commands:
  discover           - Browse mDNS for conduit services
  connect <addr>     - Connect to host:port
  send <text>        - Send a frame on the current connection
  close              - Close the current connection
  help               - Show this help
  quit               - Exit`)
}

func (p *probe) cmdDiscover() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	browser := discovery.NewBrowser(discovery.DefaultBrowserConfig())
	results, err := browser.Browse(ctx)
	if err != nil {
		fmt.Fprintf(p.rl.Stdout(), "Browse failed: %v\n", err)
		return
	}

	fmt.Fprintln(p.rl.Stdout(), "Browsing for 5 seconds...")
	count := 0
	for svc := range results {
		count++
		fmt.Fprintf(p.rl.Stdout(), "  %s (port %d)\n", svc.InstanceName, svc.Port)
		for _, addr := range svc.Addresses {
			fmt.Fprintf(p.rl.Stdout(), "      %s\n", addr)
		}
		if len(svc.TXT) > 0 {
			fmt.Fprintf(p.rl.Stdout(), "      TXT: %s\n", strings.Join(svc.TXT, " "))
		}
	}
	if count == 0 {
		fmt.Fprintln(p.rl.Stdout(), "No services found")
	}
}

func (p *probe) cmdConnect(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(p.rl.Stdout(), "Usage: connect <host:port>")
		return
	}
	if p.conn != nil && p.conn.IsOpen() {
		fmt.Fprintln(p.rl.Stdout(), "Already connected; 'close' first")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, args[0], transport.ConnConfig{}, nil)
	if err != nil {
		fmt.Fprintf(p.rl.Stdout(), "Connect failed: %v\n", err)
		return
	}

	conn.Pipeline().AddLast("printer", &printerHandler{out: p.rl.Stdout()})
	p.conn = conn
	go conn.Serve()

	fmt.Fprintf(p.rl.Stdout(), "Connected to %s (connection %s)\n", args[0], conn.ID())
}

func (p *probe) cmdSend(args []string) {
	if p.conn == nil || !p.conn.IsOpen() {
		fmt.Fprintln(p.rl.Stdout(), "Not connected")
		return
	}
	if len(args) == 0 {
		fmt.Fprintln(p.rl.Stdout(), "Usage: send <text>")
		return
	}

	payload := strings.Join(args, " ")
	if err := p.conn.Write([]byte(payload)); err != nil {
		fmt.Fprintf(p.rl.Stdout(), "Send failed: %v\n", err)
		return
	}
	fmt.Fprintf(p.rl.Stdout(), "Sent %d bytes\n", len(payload))
}

func (p *probe) cmdClose() {
	if p.conn == nil {
		return
	}
	p.conn.Close()
	p.conn = nil
	fmt.Fprintln(p.rl.Stdout(), "Connection closed")
}

// printerHandler prints received frames and pipeline faults.
type printerHandler struct {
	pipeline.BaseHandler
	out io.Writer
}

func (h *printerHandler) DataReceived(_ *pipeline.Context, data []byte) error {
	fmt.Fprintf(h.out, "<< %s\n", data)
	return nil
}

func (h *printerHandler) FaultCaught(_ *pipeline.Context, err error) error {
	fmt.Fprintf(h.out, "!! fault: %v\n", err)
	return nil
}

func (h *printerHandler) ConnectionClosed(ctx *pipeline.Context) error {
	fmt.Fprintln(h.out, "-- connection closed by peer or timeout")
	return ctx.ForwardClosed()
}
