// Package transport defines the session capability the gateway needs from a
// client connection, plus a WebSocket implementation. The protocol layer owns
// the handshake and wire framing; the gateway only sends, closes, and reacts
// to inbound traffic through this interface.
package transport

import "errors"

// ErrSessionClosed is returned by Send after the connection is closed.
var ErrSessionClosed = errors.New("session closed")

// Handlers are the inbound callbacks a connection invokes. They are fixed at
// construction; implementations must never call them after OnClose fires.
type Handlers struct {
	// OnMessage receives one inbound client frame.
	OnMessage func(data []byte)
	// OnClose fires exactly once when the connection is gone, whether the
	// peer vanished or Close was called locally.
	OnClose func()
	// OnPong fires on each heartbeat signal from the peer.
	OnPong func()
}

// Conn is one live client connection. Send and Close are safe for concurrent
// use; Close is idempotent.
type Conn interface {
	Send(data []byte) error
	Close() error
}
