package agent

import (
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"krpc/transport"
)

// EventKind distinguishes connection lifecycle events.
type EventKind uint8

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event describes a connection reaching or leaving StateEstablished.
type Event struct {
	Kind      EventKind
	ConnID    int
	PeerGUID  uuid.UUID
	Direction transport.Direction
	Remote    net.Addr
	Cause     error // disconnects only; nil for a local close or orderly EOF

	Conn *transport.Conn
}

// Listener receives connection events synchronously, in registration
// order, on the goroutine that produced the event. Implementations must be
// comparable (typically a pointer) so they can be removed again, and must
// not block on network I/O.
type Listener interface {
	ConnectionEvent(ev Event) error
}

// Subscription is a buffered event channel obtained from Handler.Subscribe.
// Events that do not fit are dropped with a warning.
type Subscription struct {
	id      uint64
	ch      chan Event
	handler *Handler
	closed  atomic.Bool
	dropped atomic.Uint64
}

// C exposes the event channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped returns how many events did not fit the buffer.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	h := s.handler
	h.subMu.Lock()
	delete(h.subs, s.id)
	close(s.ch)
	h.subMu.Unlock()
}

// deliver must be called with the handler's subMu read-locked.
func (s *Subscription) deliver(ev Event, logger *slog.Logger) {
	if s.closed.Load() {
		return
	}
	select {
	case s.ch <- ev:
	default:
		n := s.dropped.Add(1)
		logger.Warn("handler: subscriber full, event dropped",
			"subscription", s.id, "event", ev.Kind.String(), "conn_id", ev.ConnID, "dropped", n)
	}
}
