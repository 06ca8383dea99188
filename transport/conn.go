package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"krpc/protocol"
)

const (
	DefaultMaxInflight        = 128
	DefaultMaxConcurrentCalls = 64
	DefaultWriteTimeout       = 5 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second

	// DefaultReclaimTTL bounds how long a timed-out correlation id stays
	// unusable while its response may still be in flight.
	DefaultReclaimTTL = 30 * time.Second
)

// Options configures a Conn. LocalGUID and Direction are required.
type Options struct {
	LocalGUID uuid.UUID
	Direction Direction

	Invoker     Invoker
	OnHandshake HandshakeFunc
	// OnClose is called exactly once, after the connection reached
	// StateClosed, with the error that closed it (nil for a local Close).
	OnClose func(c *Conn, cause error)

	MaxFrameSize       int
	MaxInflight        int // outbound calls waiting for a reply
	MaxConcurrentCalls int // inbound calls executing at once
	WriteTimeout       time.Duration
	ReclaimTTL         time.Duration

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MaxFrameSize <= 0 {
		o.MaxFrameSize = protocol.DefaultMaxFrameSize
	}
	if o.MaxInflight <= 0 {
		o.MaxInflight = DefaultMaxInflight
	}
	if o.MaxConcurrentCalls <= 0 {
		o.MaxConcurrentCalls = DefaultMaxConcurrentCalls
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReclaimTTL <= 0 {
		o.ReclaimTTL = DefaultReclaimTTL
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

type result struct {
	payload []byte
	err     error
}

type pendingCall struct {
	method string
	ch     chan result // buffered 1; written at most once
}

// Conn is one RPC connection. See the package documentation.
type Conn struct {
	opts   Options
	conn   net.Conn
	framer *protocol.Framer
	logger *slog.Logger

	id    atomic.Int64
	state atomic.Int32

	mu        sync.Mutex // protects pending, reclaimed, sweptAt, closed, peerGUID
	pending   map[uint32]*pendingCall
	reclaimed map[uint32]time.Time
	sweptAt   time.Time
	closed    bool
	peerGUID  uuid.UUID
	nextID    atomic.Uint32

	writeMu     sync.Mutex // protects concurrent writes to framer
	inflightSem chan struct{}
	callSem     chan struct{}

	ctx       context.Context // cancelled on close; parent of inbound call contexts
	cancel    context.CancelFunc
	closeCh   chan struct{}
	closeOnce sync.Once
	closeErr  error
	startOnce sync.Once
}

// NewConn wraps nc. The connection starts in StateHandshaking; call
// Handshake and then Start.
func NewConn(nc net.Conn, opts Options) *Conn {
	opts.applyDefaults()

	framer := protocol.NewConnFramer(nc)
	framer.SetMaxPayload(opts.MaxFrameSize)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		opts:        opts,
		conn:        nc,
		framer:      framer,
		pending:     make(map[uint32]*pendingCall),
		reclaimed:   make(map[uint32]time.Time),
		inflightSem: make(chan struct{}, opts.MaxInflight),
		callSem:     make(chan struct{}, opts.MaxConcurrentCalls),
		ctx:         ctx,
		cancel:      cancel,
		closeCh:     make(chan struct{}),
	}
	c.logger = opts.Logger.With("remote", nc.RemoteAddr().String(), "direction", opts.Direction.String())
	c.state.Store(int32(StateHandshaking))
	return c
}

// ID returns the id assigned by the connection manager, or 0.
func (c *Conn) ID() int { return int(c.id.Load()) }

// AssignID sets the connection id. Only the first call has an effect.
func (c *Conn) AssignID(id int) bool {
	return c.id.CompareAndSwap(0, int64(id))
}

func (c *Conn) State() State         { return State(c.state.Load()) }
func (c *Conn) Direction() Direction { return c.opts.Direction }
func (c *Conn) LocalGUID() uuid.UUID { return c.opts.LocalGUID }
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }

// PeerGUID returns the peer identity; uuid.Nil before the handshake completes.
func (c *Conn) PeerGUID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerGUID
}

// Secure reports whether the socket is TLS.
func (c *Conn) Secure() bool {
	_, ok := c.conn.(*tls.Conn)
	return ok
}

// PeerCertificates returns the verified peer chain for TLS connections.
func (c *Conn) PeerCertificates() []*x509.Certificate {
	tc, ok := c.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	return tc.ConnectionState().PeerCertificates
}

// Done is closed once the connection reached StateClosed.
func (c *Conn) Done() <-chan struct{} { return c.closeCh }

// Err returns the error that closed the connection, if any.
func (c *Conn) Err() error {
	select {
	case <-c.closeCh:
		return c.closeErr
	default:
		return nil
	}
}

func (c *Conn) String() string {
	return fmt.Sprintf("conn#%d %s %s peer=%s %s", c.ID(), c.opts.Direction, c.conn.RemoteAddr(), c.PeerGUID(), c.State())
}

// Handshake runs the TLS handshake (for TLS sockets) and the identity
// exchange. The dialing side speaks first; the accepting side validates
// the caller before answering, so a rejected dialer sees the socket close.
//
// On failure the connection goes straight to StateClosed.
func (c *Conn) Handshake(ctx context.Context) error {
	if c.State() != StateHandshaking {
		return fmt.Errorf("%w: state %s", ErrHandshakeFailed, c.State())
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultHandshakeTimeout)
		defer cancel()
	}
	// Deadlines bound the frame I/O; cancellation has to unblock it too.
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	if err := c.handshake(ctx); err != nil {
		err = fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
		c.logger.Warn("transport: handshake failed", "error", err)
		c.closeWith(err)
		return err
	}

	if !c.state.CompareAndSwap(int32(StateHandshaking), int32(StateEstablished)) {
		return ErrConnectionClosed
	}
	c.logger.Debug("transport: connection established", "peer", c.PeerGUID())
	return nil
}

func (c *Conn) handshake(ctx context.Context) error {
	deadline, _ := ctx.Deadline()

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	hello := protocol.NewHandshake(c.opts.LocalGUID)
	if c.opts.Direction == Outbound {
		if err := c.framer.WriteWithDeadline(hello, deadline); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
	}

	msg, err := c.framer.ReadWithDeadline(deadline)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("peer closed during handshake: %w", err)
		}
		return fmt.Errorf("read hello: %w", err)
	}
	peer, err := protocol.ParseHandshake(msg)
	if err != nil {
		return err
	}
	switch {
	case peer.Version != protocol.Version:
		return fmt.Errorf("unsupported protocol version %d", peer.Version)
	case peer.GUID == uuid.Nil:
		return errors.New("peer sent nil guid")
	case peer.GUID == c.opts.LocalGUID:
		return errors.New("peer guid equals local guid")
	}

	c.mu.Lock()
	c.peerGUID = peer.GUID
	c.mu.Unlock()

	if c.opts.OnHandshake != nil {
		if err := c.opts.OnHandshake(ctx, c); err != nil {
			return err
		}
	}

	if c.opts.Direction == Inbound {
		if err := c.framer.WriteWithDeadline(hello, deadline); err != nil {
			return fmt.Errorf("send hello: %w", err)
		}
	}
	return nil
}

// Start launches the receive loop. It is a no-op unless the connection
// is established, and only the first call has an effect.
func (c *Conn) Start() {
	if c.State() != StateEstablished {
		return
	}
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// Call sends a call request and waits for its reply, the connection
// closing, or ctx ending, whichever comes first.
//
// A remote failure is returned as *RemoteError and leaves the connection
// usable. A timeout fails this call only.
func (c *Conn) Call(ctx context.Context, method string, args []byte) ([]byte, error) {
	if err := c.usable(); err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, c.ctxErr(ctx, method)
	}

	select {
	case c.inflightSem <- struct{}{}:
		defer func() { <-c.inflightSem }()
	case <-c.closeCh:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, c.ctxErr(ctx, method)
	}

	id, pc, err := c.register(method)
	if err != nil {
		return nil, err
	}

	if err := c.send(protocol.NewCall(id, method, args)); err != nil {
		c.abandon(id)
		return nil, fmt.Errorf("transport: send call %s: %w", method, err)
	}

	select {
	case r := <-pc.ch:
		return r.payload, r.err
	case <-ctx.Done():
		if c.reclaim(id) {
			return nil, c.ctxErr(ctx, method)
		}
		// The reply won the race with the timeout.
		r := <-pc.ch
		return r.payload, r.err
	}
}

// Notify sends a one-way event.
func (c *Conn) Notify(method string, payload []byte) error {
	if err := c.usable(); err != nil {
		return err
	}
	return c.send(protocol.NewEvent(method, payload))
}

// Pending returns the number of calls waiting for a reply.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close closes the socket and fails every pending call with
// ErrConnectionClosed. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeWith(nil)
	return nil
}

func (c *Conn) usable() error {
	switch c.State() {
	case StateEstablished:
		return nil
	case StateHandshaking:
		return ErrNotEstablished
	default:
		return ErrConnectionClosed
	}
}

func (c *Conn) ctxErr(ctx context.Context, method string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrCallTimeout, method, ctx.Err())
	}
	return fmt.Errorf("transport: call %s: %w", method, ctx.Err())
}

// register allocates a correlation id and stores the pending slot under one
// lock, so an id is never handed out twice and never inserted after close.
func (c *Conn) register(method string) (uint32, *pendingCall, error) {
	pc := &pendingCall{method: method, ch: make(chan result, 1)}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, nil, ErrConnectionClosed
	}

	now := time.Now()
	c.sweepReclaimed(now)
	for {
		id := c.nextID.Add(1)
		if id == 0 {
			continue // 0 marks uncorrelated frames
		}
		if _, busy := c.pending[id]; busy {
			continue
		}
		if at, stale := c.reclaimed[id]; stale {
			if now.Sub(at) < c.opts.ReclaimTTL {
				continue
			}
			delete(c.reclaimed, id)
		}
		c.pending[id] = pc
		return id, pc, nil
	}
}

// reclaim removes a timed-out call and tombstones its id until ReclaimTTL
// passes, so a late reply is dropped instead of matching a newer call. It
// reports false when a reply or close already filled the slot.
func (c *Conn) reclaim(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	c.reclaimed[id] = time.Now()
	return true
}

// sweepReclaimed drops tombstones older than ReclaimTTL, at most once per
// TTL. Caller holds c.mu.
func (c *Conn) sweepReclaimed(now time.Time) {
	if len(c.reclaimed) == 0 || now.Sub(c.sweptAt) < c.opts.ReclaimTTL {
		return
	}
	c.sweptAt = now
	for id, at := range c.reclaimed {
		if now.Sub(at) >= c.opts.ReclaimTTL {
			delete(c.reclaimed, id)
		}
	}
}

func (c *Conn) abandon(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Conn) send(m protocol.Message) error {
	c.writeMu.Lock()
	err := c.framer.WriteWithTimeout(m, c.opts.WriteTimeout)
	c.writeMu.Unlock()
	if err != nil {
		// A failed or partial write leaves the stream unusable.
		c.closeWith(fmt.Errorf("transport: write %s: %w", m.Kind, err))
		if c.State() == StateClosed {
			return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		return err
	}
	return nil
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		if errors.Is(err, io.EOF) {
			err = nil // orderly close by the peer
		}
		c.closeWith(err)
	}()

	for {
		var msg protocol.Message
		msg, err = c.framer.ReadMessage()
		if err != nil {
			return
		}

		switch msg.Kind {
		case protocol.KindResponse, protocol.KindException:
			c.complete(msg)
		case protocol.KindCall:
			if !c.serve(msg) {
				return
			}
		case protocol.KindEvent:
			c.deliver(msg)
		default:
			err = fmt.Errorf("%w: %s after handshake", ErrUnexpectedMessage, msg.Kind)
			return
		}
	}
}

// complete routes a reply to its waiting caller.
func (c *Conn) complete(msg protocol.Message) {
	c.mu.Lock()
	pc, ok := c.pending[msg.ID]
	if ok {
		delete(c.pending, msg.ID)
	}
	_, late := c.reclaimed[msg.ID]
	if late {
		delete(c.reclaimed, msg.ID)
	}
	c.mu.Unlock()

	if !ok {
		if late {
			c.logger.Debug("transport: discarding late reply", "id", msg.ID, "kind", msg.Kind)
		} else {
			c.logger.Warn("transport: reply for unknown call", "id", msg.ID, "kind", msg.Kind)
		}
		return
	}

	if msg.Kind == protocol.KindException {
		pc.ch <- result{err: &RemoteError{Method: pc.method, Message: string(msg.Payload)}}
		return
	}
	pc.ch <- result{payload: msg.Payload}
}

// serve starts an inbound call. Calls start in arrival order; when
// MaxConcurrentCalls are running the read loop waits for a free slot.
func (c *Conn) serve(msg protocol.Message) bool {
	select {
	case c.callSem <- struct{}{}:
	case <-c.closeCh:
		return false
	}

	go func() {
		defer func() { <-c.callSem }()

		reply, err := c.invoke(msg)
		var out protocol.Message
		if err != nil {
			out = protocol.NewException(msg.ID, err.Error())
		} else {
			out = protocol.NewResponse(msg.ID, reply)
		}
		if err := c.send(out); err != nil {
			c.logger.Debug("transport: reply not sent", "id", msg.ID, "method", msg.Method, "error", err)
		}
	}()
	return true
}

func (c *Conn) invoke(msg protocol.Message) (reply []byte, err error) {
	if c.opts.Invoker == nil {
		return nil, fmt.Errorf("%w for %s", ErrNoInvoker, msg.Method)
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("transport: call panicked", "method", msg.Method, "panic", r)
			err = fmt.Errorf("panic in %s: %v", msg.Method, r)
		}
	}()
	return c.opts.Invoker.Invoke(c.ctx, c, msg.Method, msg.Payload)
}

func (c *Conn) deliver(msg protocol.Message) {
	if c.opts.Invoker == nil {
		c.logger.Debug("transport: event dropped, no invoker", "method", msg.Method)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("transport: event handler panicked", "method", msg.Method, "panic", r)
		}
	}()
	c.opts.Invoker.Deliver(c, msg.Method, msg.Payload)
}

// closeWith tears the connection down once and then reports it to the
// owner outside the once, so OnClose may call Close again.
func (c *Conn) closeWith(cause error) {
	first := false
	c.closeOnce.Do(func() {
		first = true
		if c.State() == StateEstablished {
			c.state.Store(int32(StateClosing))
		}
		c.closeErr = cause
		c.cancel()
		_ = c.conn.Close()

		c.mu.Lock()
		c.closed = true
		pending := c.pending
		c.pending = make(map[uint32]*pendingCall)
		c.mu.Unlock()

		for _, pc := range pending {
			pc.ch <- result{err: ErrConnectionClosed}
		}

		c.state.Store(int32(StateClosed))
		close(c.closeCh)

		if cause != nil {
			c.logger.Info("transport: connection closed", "conn_id", c.ID(), "error", cause, "failed_calls", len(pending))
		} else {
			c.logger.Debug("transport: connection closed", "conn_id", c.ID(), "failed_calls", len(pending))
		}
	})

	if first && c.opts.OnClose != nil {
		c.opts.OnClose(c, cause)
	}
}
