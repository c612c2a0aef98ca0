// Package transport drives conduit connections over TCP or TLS.
//
// A Conn wraps one network connection with length-prefixed framing and
// owns the pipeline for that connection. Serve runs the read loop on
// the caller's goroutine and translates socket activity into pipeline
// signals: opened on start, one DataReceived per frame, a fault on
// read errors and closed on teardown. All lifecycle and data signals
// for one connection are therefore delivered from a single goroutine.
//
// Server accepts connections, performs the optional TLS handshake and
// hands each Conn to the OnConnection callback before serving it.
// Dial is the client-side counterpart.
package transport
