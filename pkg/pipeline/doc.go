// Package pipeline implements the per-connection handler chain that
// carries lifecycle, data and fault signals.
//
// A Pipeline is an ordered chain of Handlers attached to one
// connection. The transport fires signals into the head of the chain;
// each handler either consumes a signal or forwards it to the next
// handler through its Context.
//
// # Signals
//
//   - added/removed: the handler joined or left the pipeline
//   - opened/closed: the connection became active or shut down
//   - data: an inbound payload, forwarded unchanged by pass-through
//     handlers
//   - fault: an error travelling up the chain
//
// Opened and closed are delivered at most once each. There is no
// guaranteed order between added and opened: a handler inserted into a
// pipeline whose connection is already open receives only the added
// signal and must check Conn.IsOpen itself.
//
// # Execution context
//
// Lifecycle and data signals for one connection are delivered from the
// connection's serialized event context (the transport's read loop),
// never concurrently with each other. Faults may additionally be
// raised from other goroutines via Context.RaiseFault; handlers that
// implement FaultCaught must tolerate that.
package pipeline
