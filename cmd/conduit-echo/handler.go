package main

import (
	"errors"
	stdlog "log"

	"github.com/conduit-protocol/conduit-go/pkg/pipeline"
	"github.com/conduit-protocol/conduit-go/pkg/timeout"
)

// echoHandler writes every received frame back to the peer and closes
// connections that hit the read timeout.
type echoHandler struct {
	pipeline.BaseHandler
}

func (h *echoHandler) DataReceived(ctx *pipeline.Context, data []byte) error {
	return ctx.Conn().Write(data)
}

func (h *echoHandler) FaultCaught(ctx *pipeline.Context, err error) error {
	if errors.Is(err, timeout.ErrReadTimeout) {
		stdlog.Printf("Connection %s idle too long, closing", ctx.Conn().ID())
		return ctx.Conn().Close()
	}
	stdlog.Printf("Connection %s fault: %v", ctx.Conn().ID(), err)
	return ctx.RaiseFault(err)
}

func (h *echoHandler) ConnectionClosed(ctx *pipeline.Context) error {
	stdlog.Printf("Connection %s closed", ctx.Conn().ID())
	return ctx.ForwardClosed()
}
