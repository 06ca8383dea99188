package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"krpc/store"
	"krpc/transport"
)

// Binding is a listening endpoint. Two bindings are the same binding when
// Host and Port are equal; the aliases select TLS material.
type Binding struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	KeyAlias   string `json:"key_alias,omitempty"`
	TrustAlias string `json:"trust_alias,omitempty"`
}

// Key identifies the binding: its host:port address.
func (b Binding) Key() string { return net.JoinHostPort(b.Host, strconv.Itoa(b.Port)) }

// Secure reports whether both TLS aliases are set.
func (b Binding) Secure() bool { return b.KeyAlias != "" && b.TrustAlias != "" }

func (b Binding) String() string {
	if b.Secure() {
		return fmt.Sprintf("tls://%s (key=%s trust=%s)", b.Key(), b.KeyAlias, b.TrustAlias)
	}
	return "tcp://" + b.Key()
}

// Validate checks the port range. Port 0 asks the system for a free port;
// Open reports the port it got.
func (b Binding) Validate() error {
	if b.Port < 0 || b.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidBinding, b.Port)
	}
	return nil
}

// PersistedBindings returns the bindings recorded in cs, ordered by key.
// Start reopens exactly these.
func PersistedBindings(ctx context.Context, cs ConfigStore) ([]Binding, error) {
	records, err := cs.FindAll(ctx, Namespace, kindBinding)
	if err != nil {
		return nil, fmt.Errorf("agent: load bindings: %w", err)
	}
	bindings, err := store.DecodeAll[Binding](records)
	if err != nil {
		return nil, fmt.Errorf("agent: load bindings: %w", err)
	}
	return bindings, nil
}

// SaveBinding records b in cs without opening it. A running agent picks it
// up on its next Start.
func SaveBinding(ctx context.Context, cs ConfigStore, b Binding) error {
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Port == 0 {
		return fmt.Errorf("%w: a saved binding needs a fixed port", ErrInvalidBinding)
	}
	if err := cs.Add(ctx, Namespace, kindBinding, b.Key(), b); err != nil {
		return fmt.Errorf("agent: persist binding %s: %w", b.Key(), err)
	}
	return nil
}

// RemoveBinding deletes the record with b's host and port. It reports
// whether a record existed.
func RemoveBinding(ctx context.Context, cs ConfigStore, b Binding) (bool, error) {
	err := cs.Remove(ctx, Namespace, kindBinding, b.Key())
	switch {
	case err == nil:
		return true, nil
	case store.IsNotFound(err):
		return false, nil
	default:
		return false, fmt.Errorf("agent: remove binding %s: %w", b.Key(), err)
	}
}

// ConnectRequest describes an outbound connection.
type ConnectRequest struct {
	Host       string
	Port       int
	KeyAlias   string
	TrustAlias string
}

func (r ConnectRequest) Addr() string   { return net.JoinHostPort(r.Host, strconv.Itoa(r.Port)) }
func (r ConnectRequest) Secure() bool   { return r.KeyAlias != "" && r.TrustAlias != "" }
func (r ConnectRequest) String() string { return r.Addr() }

// boundListener is an open binding and its accept loop.
type boundListener struct {
	binding Binding
	ln      net.Listener
	done    chan struct{}
}

func (a *Agent) acceptLoop(bl *boundListener) {
	defer close(bl.done)

	var delay time.Duration
	for {
		nc, err := bl.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if delay == 0 {
				delay = acceptRetryMin
			} else {
				delay = min(2*delay, acceptRetryMax)
			}
			a.logger.Warn("agent: accept failed", "binding", bl.binding.Key(), "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
				continue
			case <-a.ctx.Done():
				return
			}
		}
		delay = 0

		a.wg.Go(func() {
			a.serveInbound(nc, bl.binding)
		})
	}
}

func (a *Agent) serveInbound(nc net.Conn, b Binding) {
	c := a.newConn(nc, transport.Inbound)
	a.handler.Register(c)
	if a.ctx.Err() != nil {
		// Stop already swept the registry.
		_ = c.Close()
		return
	}

	ctx, cancel := contextWithTimeout(a.ctx, a.opts.HandshakeTimeout)
	defer cancel()
	if err := c.Handshake(ctx); err != nil {
		a.logger.Info("agent: inbound handshake rejected", "binding", b.Key(), "remote", nc.RemoteAddr().String(), "error", err)
		return
	}
	a.established(c)
}
