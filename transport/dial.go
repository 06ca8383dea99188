package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

const (
	NetworkTCP = "tcp" // default network for bindings and dials

	DefaultDialTimeout = 10 * time.Second
	DefaultKeepAlive   = 30 * time.Second
)

// Dial opens a TCP socket to addr with no-delay and keep-alive enabled.
// With a non-nil tlsConf the socket is wrapped as a TLS client; the TLS
// handshake itself runs in Conn.Handshake.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (net.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	d := net.Dialer{KeepAlive: DefaultKeepAlive}
	nc, err := d.DialContext(ctx, NetworkTCP, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	tuneTCP(nc)

	if tlsConf != nil {
		return tls.Client(nc, tlsConf), nil
	}
	return nc, nil
}

// Listen opens a listening TCP socket. Accepted sockets get no-delay and
// keep-alive, and are wrapped as TLS servers when tlsConf is non-nil.
func Listen(ctx context.Context, addr string, tlsConf *tls.Config) (net.Listener, error) {
	lc := net.ListenConfig{KeepAlive: DefaultKeepAlive}
	ln, err := lc.Listen(ctx, NetworkTCP, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &tunedListener{Listener: ln, tlsConf: tlsConf}, nil
}

type tunedListener struct {
	net.Listener
	tlsConf *tls.Config
}

func (l *tunedListener) Accept() (net.Conn, error) {
	nc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	tuneTCP(nc)
	if l.tlsConf != nil {
		return tls.Server(nc, l.tlsConf), nil
	}
	return nc, nil
}

func tuneTCP(nc net.Conn) {
	tc, ok := nc.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
}
