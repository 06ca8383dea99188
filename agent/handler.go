package agent

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"krpc/transport"
)

// Handler is the registry of live connections shared by every binding and
// outbound connect, and the fan-out point for lifecycle events.
//
// Ids are allocated from a process-wide counter and never handed out twice,
// so an id held by a listener can not come to name a different connection.
type Handler struct {
	logger *slog.Logger

	mu     sync.RWMutex
	conns  map[int]*connEntry
	nextID int

	lmu       sync.Mutex                // serialises listener list writers
	listeners atomic.Pointer[[]Listener] // copy-on-write

	subMu  sync.RWMutex
	subs   map[uint64]*Subscription
	nextSu uint64
}

type connEntry struct {
	conn       *transport.Conn
	announced  bool // connect event started
	delivering bool // connect event still being delivered
	removed    bool
}

// NewHandler returns an empty handler. A nil logger discards output.
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	h := &Handler{
		logger: logger,
		conns:  make(map[int]*connEntry),
		subs:   make(map[uint64]*Subscription),
	}
	h.listeners.Store(&[]Listener{})
	return h
}

// Register stores c under a fresh id and assigns that id to c.
// No event is fired until Established.
func (h *Handler) Register(c *transport.Conn) int {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.conns[id] = &connEntry{conn: c}
	h.mu.Unlock()

	c.AssignID(id)
	h.logger.Debug("handler: registered connection", "conn_id", id, "remote", c.RemoteAddr().String())
	return id
}

// Established fires the connect event for id. It reports false when id is
// unknown or was already announced.
func (h *Handler) Established(id int) bool {
	h.mu.Lock()
	e, ok := h.conns[id]
	if !ok || e.announced {
		h.mu.Unlock()
		return false
	}
	e.announced = true
	e.delivering = true
	h.mu.Unlock()

	h.publish(eventFor(EventConnected, id, e.conn))

	// An Unregister that raced the delivery left the disconnect to us.
	h.mu.Lock()
	e.delivering = false
	owed := e.removed
	h.mu.Unlock()
	if owed {
		h.publish(eventFor(EventDisconnected, id, e.conn))
	}
	return true
}

// Unregister removes id and fires a disconnect event if a connect event was
// fired for it. Unregistering an unknown id is a no-op returning false.
func (h *Handler) Unregister(id int) bool {
	h.mu.Lock()
	e, ok := h.conns[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.conns, id)
	e.removed = true
	notify := e.announced && !e.delivering
	h.mu.Unlock()

	h.logger.Debug("handler: unregistered connection", "conn_id", id)
	if notify {
		h.publish(eventFor(EventDisconnected, id, e.conn))
	}
	return true
}

// Find returns the live connection with the given id.
func (h *Handler) Find(id int) (*transport.Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.conns[id]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// List returns a snapshot of live connections ordered by id.
func (h *Handler) List() []*transport.Conn {
	h.mu.RLock()
	out := make([]*transport.Conn, 0, len(h.conns))
	for _, e := range h.conns {
		out = append(out, e.conn)
	}
	h.mu.RUnlock()

	slices.SortFunc(out, func(a, b *transport.Conn) int { return cmp.Compare(a.ID(), b.ID()) })
	return out
}

// Len returns the number of live connections.
func (h *Handler) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// CloseAll closes every live connection. Each close unregisters itself
// through the connection's close callback.
func (h *Handler) CloseAll() {
	for _, c := range h.List() {
		_ = c.Close()
	}
}

// AddListener appends l to the listener list.
func (h *Handler) AddListener(l Listener) {
	if l == nil {
		return
	}
	h.lmu.Lock()
	defer h.lmu.Unlock()
	cur := *h.listeners.Load()
	next := make([]Listener, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	h.listeners.Store(&next)
}

// RemoveListener removes the first registration of l.
func (h *Handler) RemoveListener(l Listener) bool {
	h.lmu.Lock()
	defer h.lmu.Unlock()
	cur := *h.listeners.Load()
	i := slices.Index(cur, l)
	if i < 0 {
		return false
	}
	next := slices.Delete(slices.Clone(cur), i, i+1)
	h.listeners.Store(&next)
	return true
}

// Subscribe returns a channel receiving every subsequent event. Delivery
// never blocks the producer; when the buffer is full the event is dropped.
func (h *Handler) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	h.subMu.Lock()
	defer h.subMu.Unlock()
	h.nextSu++
	s := &Subscription{id: h.nextSu, ch: make(chan Event, buffer), handler: h}
	h.subs[s.id] = s
	return s
}

func (h *Handler) publish(ev Event) {
	for _, l := range *h.listeners.Load() {
		h.notify(l, ev)
	}

	h.subMu.RLock()
	for _, s := range h.subs {
		s.deliver(ev, h.logger)
	}
	h.subMu.RUnlock()
}

func (h *Handler) notify(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("handler: listener panicked", "event", ev.Kind.String(), "conn_id", ev.ConnID, "panic", fmt.Sprint(r))
		}
	}()
	if err := l.ConnectionEvent(ev); err != nil {
		h.logger.Warn("handler: listener failed", "event", ev.Kind.String(), "conn_id", ev.ConnID, "error", err)
	}
}

func eventFor(kind EventKind, id int, c *transport.Conn) Event {
	ev := Event{
		Kind:      kind,
		ConnID:    id,
		PeerGUID:  c.PeerGUID(),
		Direction: c.Direction(),
		Remote:    c.RemoteAddr(),
		Conn:      c,
	}
	if kind == EventDisconnected {
		ev.Cause = c.Err()
	}
	return ev
}
