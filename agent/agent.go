// Package agent composes transport connections into an RPC node: listening
// bindings, outbound connects, the live connection registry with its
// lifecycle events, the persisted peer registry and the service registry
// that serves inbound calls.
package agent

import (
	"cmp"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"krpc/transport"
)

// Agent is the public entry point of an RPC node. Safe for concurrent use.
type Agent struct {
	opts     Options
	guid     uuid.UUID
	logger   *slog.Logger
	store    ConfigStore
	handler  *Handler
	peers    *PeerRegistry
	services *ServiceRegistry

	ctx    context.Context // cancelled by Stop
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	bindings map[string]*boundListener // keyed by Binding.Key
	stopped  bool
}

// New creates an agent: it loads (or creates once) the agent GUID and
// reloads the peer registry from the store. No socket is opened.
func New(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Store == nil {
		return nil, &ConfigError{Op: "new", Target: "agent", Err: errors.New("config store is required")}
	}
	opts.applyDefaults()

	raw, err := opts.Store.GetOrCreate(ctx, Namespace, settingGUID, func() (string, error) {
		return uuid.NewString(), nil
	})
	if err != nil {
		return nil, fmt.Errorf("agent: load guid: %w", err)
	}
	guid, err := uuid.Parse(raw)
	if err != nil || guid == uuid.Nil {
		return nil, fmt.Errorf("agent: stored guid %q is invalid", raw)
	}

	logger := opts.Logger.With("agent", guid.String())
	peers := NewPeerRegistry(opts.Store, logger)
	if err := peers.Load(ctx); err != nil {
		return nil, err
	}

	actx, cancel := context.WithCancel(context.Background())
	a := &Agent{
		opts:     opts,
		guid:     guid,
		logger:   logger,
		store:    opts.Store,
		handler:  NewHandler(logger),
		peers:    peers,
		services: opts.Services,
		ctx:      actx,
		cancel:   cancel,
		bindings: make(map[string]*boundListener),
	}
	if err := a.services.Register(RPCService, rpcMethods(a)); err != nil {
		cancel()
		return nil, &ConfigError{Op: "new", Target: "services", Err: err}
	}
	return a, nil
}

// GUID returns the persisted agent identity.
func (a *Agent) GUID() uuid.UUID { return a.guid }

// PeerRegistry returns the peer registry.
func (a *Agent) PeerRegistry() *PeerRegistry { return a.peers }

// Services returns the registry serving inbound calls.
func (a *Agent) Services() *ServiceRegistry { return a.services }

// Handler returns the connection registry.
func (a *Agent) Handler() *Handler { return a.handler }

// Start reopens every persisted binding. Bindings that fail to open are
// logged and reported together; the others stay open.
func (a *Agent) Start(ctx context.Context) error {
	bindings, err := PersistedBindings(ctx, a.store)
	if err != nil {
		return err
	}

	var errs []error
	for _, b := range bindings {
		if _, err := a.open(ctx, b, false); err != nil {
			if errors.Is(err, ErrAlreadyOpen) {
				continue
			}
			a.logger.Error("agent: reopen binding failed", "binding", b.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		a.logger.Info("agent: binding reopened", "binding", b.String())
	}
	return errors.Join(errs...)
}

// Stop closes every listening socket and every live connection. Persisted
// bindings are kept for the next Start. The agent can not be reused.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	open := a.bindings
	a.bindings = make(map[string]*boundListener)
	a.mu.Unlock()

	for _, bl := range open {
		_ = bl.ln.Close()
		<-bl.done
	}
	a.cancel()
	a.handler.CloseAll()
	a.wg.Wait()
	a.logger.Info("agent: stopped", "bindings", len(open))
	return nil
}

// Open starts listening on b and persists it. Port 0 picks a free port; the
// returned binding carries the port actually bound.
//
// A store failure is returned after the socket was opened; the binding
// stays open.
func (a *Agent) Open(ctx context.Context, b Binding) (Binding, error) {
	return a.open(ctx, b, true)
}

func (a *Agent) open(ctx context.Context, b Binding, persist bool) (Binding, error) {
	if err := b.Validate(); err != nil {
		return b, &ConfigError{Op: "open", Target: b.Key(), Err: err}
	}
	tlsConf, err := a.serverTLS(b)
	if err != nil {
		return b, &ConfigError{Op: "open", Target: b.Key(), Err: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return b, ErrStopped
	}
	if b.Port != 0 {
		if _, ok := a.bindings[b.Key()]; ok {
			return b, &ConfigError{Op: "open", Target: b.Key(), Err: ErrAlreadyOpen}
		}
	}

	ln, err := transport.Listen(ctx, b.Key(), tlsConf)
	if err != nil {
		return b, fmt.Errorf("agent: open %s: %w", b.Key(), err)
	}
	if addr, ok := ln.Addr().(*net.TCPAddr); ok {
		b.Port = addr.Port
	}

	bl := &boundListener{binding: b, ln: ln, done: make(chan struct{})}
	a.bindings[b.Key()] = bl
	go a.acceptLoop(bl)
	a.logger.Info("agent: binding open", "binding", b.String())

	if persist {
		if err := SaveBinding(ctx, a.store, b); err != nil {
			return b, err
		}
	}
	return b, nil
}

// Close stops listening on the binding with b's host and port and removes
// its persisted record. Connections it accepted stay up. Closing a binding
// that is not open is a no-op.
func (a *Agent) Close(ctx context.Context, b Binding) error {
	a.mu.Lock()
	bl, ok := a.bindings[b.Key()]
	delete(a.bindings, b.Key())
	a.mu.Unlock()

	if ok {
		_ = bl.ln.Close()
		<-bl.done
		a.logger.Info("agent: binding closed", "binding", bl.binding.String())
	}

	_, err := RemoveBinding(ctx, a.store, b)
	return err
}

// Bindings returns the open bindings ordered by key.
func (a *Agent) Bindings() []Binding {
	a.mu.Lock()
	out := make([]Binding, 0, len(a.bindings))
	for _, bl := range a.bindings {
		out = append(out, bl.binding)
	}
	a.mu.Unlock()

	slices.SortFunc(out, func(x, y Binding) int { return cmp.Compare(x.Key(), y.Key()) })
	return out
}

// Connect dials req without TLS, even if aliases are set.
func (a *Agent) Connect(ctx context.Context, req ConnectRequest) (*transport.Conn, error) {
	return a.connect(ctx, req, nil)
}

// ConnectTLS dials req with mutual TLS using req's key and trust aliases.
func (a *Agent) ConnectTLS(ctx context.Context, req ConnectRequest) (*transport.Conn, error) {
	if !req.Secure() {
		return nil, &ConfigError{Op: "connect", Target: req.Addr(), Err: errors.New("key and trust alias are required")}
	}
	tlsConf, err := a.clientTLS(req)
	if err != nil {
		return nil, &ConfigError{Op: "connect", Target: req.Addr(), Err: err}
	}
	return a.connect(ctx, req, tlsConf)
}

// connect returns once the connection is established and registered.
func (a *Agent) connect(ctx context.Context, req ConnectRequest, tlsConf *tls.Config) (*transport.Conn, error) {
	if a.ctx.Err() != nil {
		return nil, ErrStopped
	}

	dctx, cancel := contextWithTimeout(ctx, a.opts.DialTimeout)
	nc, err := transport.Dial(dctx, req.Addr(), tlsConf)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("agent: connect %s: %w", req.Addr(), err)
	}

	c := a.newConn(nc, transport.Outbound)
	a.handler.Register(c)
	if a.ctx.Err() != nil {
		_ = c.Close()
		return nil, ErrStopped
	}

	hctx, cancel := contextWithTimeout(ctx, a.opts.HandshakeTimeout)
	defer cancel()
	if err := c.Handshake(hctx); err != nil {
		return nil, fmt.Errorf("agent: connect %s: %w", req.Addr(), err)
	}
	a.established(c)
	if c.State() != transport.StateEstablished {
		return nil, fmt.Errorf("agent: connect %s: %w", req.Addr(), transport.ErrConnectionClosed)
	}
	return c, nil
}

// Connections returns a snapshot of live connections ordered by id.
func (a *Agent) Connections() []*transport.Conn { return a.handler.List() }

// FindConnection returns the live connection with the given id.
func (a *Agent) FindConnection(id int) (*transport.Conn, bool) { return a.handler.Find(id) }

// AddListener registers l for connection events.
func (a *Agent) AddListener(l Listener) { a.handler.AddListener(l) }

// RemoveListener unregisters l.
func (a *Agent) RemoveListener(l Listener) bool { return a.handler.RemoveListener(l) }

// Subscribe returns a buffered channel of connection events.
func (a *Agent) Subscribe(buffer int) *Subscription { return a.handler.Subscribe(buffer) }

func (a *Agent) newConn(nc net.Conn, dir transport.Direction) *transport.Conn {
	return transport.NewConn(nc, transport.Options{
		LocalGUID:   a.guid,
		Direction:   dir,
		Invoker:     a.services,
		OnHandshake: a.peers.Authorize,
		OnClose: func(c *transport.Conn, _ error) {
			a.handler.Unregister(c.ID())
		},
		MaxFrameSize:       a.opts.MaxFrameSize,
		MaxInflight:        a.opts.MaxInflight,
		MaxConcurrentCalls: a.opts.MaxConcurrentCalls,
		WriteTimeout:       a.opts.WriteTimeout,
		ReclaimTTL:         a.opts.ReclaimTTL,
		Logger:             a.logger,
	})
}

// established records the peer, announces the connection and starts its
// read loop.
func (a *Agent) established(c *transport.Conn) {
	if err := a.peers.Observe(a.ctx, c); err != nil {
		a.logger.Warn("agent: peer record not updated", "peer", c.PeerGUID(), "error", err)
	}
	a.handler.Established(c.ID())
	c.Start()
	a.logger.Info("agent: connection established", "conn_id", c.ID(), "peer", c.PeerGUID(),
		"direction", c.Direction().String(), "remote", c.RemoteAddr().String(), "tls", c.Secure())
}

func (a *Agent) serverTLS(b Binding) (*tls.Config, error) {
	if !b.Secure() {
		if b.KeyAlias != "" || b.TrustAlias != "" {
			a.logger.Warn("agent: binding has only one TLS alias, listening without TLS", "binding", b.Key())
		}
		return nil, nil
	}
	cert, pool, err := a.material(b.KeyAlias, b.TrustAlias)
	if err != nil {
		return nil, err
	}
	return transport.ServerTLSConfig(cert, pool), nil
}

func (a *Agent) clientTLS(req ConnectRequest) (*tls.Config, error) {
	cert, pool, err := a.material(req.KeyAlias, req.TrustAlias)
	if err != nil {
		return nil, err
	}
	return transport.ClientTLSConfig(cert, pool, req.Host), nil
}

func (a *Agent) material(keyAlias, trustAlias string) (tls.Certificate, *x509.CertPool, error) {
	if a.opts.Keys == nil {
		return tls.Certificate{}, nil, ErrNoKeyMaterial
	}
	cert, err := a.opts.Keys.Certificate(keyAlias)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	pool, err := a.opts.Keys.TrustPool(trustAlias)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return cert, pool, nil
}

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := parent.Deadline(); ok {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
