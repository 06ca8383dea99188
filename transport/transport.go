// Package transport runs one RPC connection over a byte stream.
//
// A Conn owns its socket for its whole life. It performs the identity
// handshake (after the TLS handshake, when the socket is TLS), multiplexes
// outbound calls by correlation id, serves inbound calls through an Invoker,
// and fails every pending call exactly once when it closes.
//
// State machine:
//
//	Handshaking -> Established -> Closing -> Closed
//	Handshaking -> Closed (handshake failure)
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrConnectionClosed  = errors.New("transport: connection closed")
	ErrNotEstablished    = errors.New("transport: connection not established")
	ErrHandshakeFailed   = errors.New("transport: handshake failed")
	ErrUnexpectedMessage = errors.New("transport: unexpected message")
	ErrCallTimeout       = errors.New("transport: call timed out")
	ErrNoInvoker         = errors.New("transport: no invoker")
)

// Direction tells which side opened the socket.
type Direction uint8

const (
	Inbound  Direction = iota + 1 // accepted by a listening binding
	Outbound                      // dialed by this process
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// State is the connection lifecycle state.
type State int32

const (
	StateHandshaking State = iota
	StateEstablished
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Invoker serves inbound traffic.
//
// Invoke runs on its own goroutine per call; ctx is cancelled when the
// connection closes. Deliver runs on the connection's read loop, in arrival
// order, and must not block on network I/O.
type Invoker interface {
	Invoke(ctx context.Context, c *Conn, method string, args []byte) ([]byte, error)
	Deliver(c *Conn, method string, payload []byte)
}

// HandshakeFunc lets the owner veto a peer once its GUID is known.
// ctx is the handshake context. A non-nil error fails the handshake.
type HandshakeFunc func(ctx context.Context, c *Conn) error

// RemoteError is a failure raised by the remote service for one call.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: remote %s: %s", e.Method, e.Message)
}
