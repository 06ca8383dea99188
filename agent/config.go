package agent

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"time"

	"krpc/store"
	"krpc/transport"
)

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

const (
	Namespace = "krpc" // config store namespace for everything the agent persists

	kindBinding = "binding"
	kindPeer    = "peer"
	settingGUID = "guid"
)

// ---------------------------------------------------------------------------
// Network
// ---------------------------------------------------------------------------

const (
	defaultDialTimeout      = transport.DefaultDialTimeout
	defaultHandshakeTimeout = transport.DefaultHandshakeTimeout
	acceptRetryMin          = 5 * time.Millisecond
	acceptRetryMax          = time.Second
)

// ---------------------------------------------------------------------------
// Events
// ---------------------------------------------------------------------------

const defaultSubscriptionBuffer = 64

// ---------------------------------------------------------------------------
// Capabilities
// ---------------------------------------------------------------------------

// ConfigStore persists typed records and settings. *store.Store satisfies it.
type ConfigStore interface {
	Add(ctx context.Context, namespace, kind, key string, doc any) error
	Remove(ctx context.Context, namespace, kind, key string) error
	FindAll(ctx context.Context, namespace, kind string) ([]store.Record, error)
	Get(ctx context.Context, namespace, kind, key string) (store.Record, error)
	GetOrCreate(ctx context.Context, namespace, key string, create func() (string, error)) (string, error)
}

// KeyMaterial yields TLS material by alias. *keystore.Store satisfies it.
type KeyMaterial interface {
	Certificate(alias string) (tls.Certificate, error)
	TrustPool(alias string) (*x509.CertPool, error)
}

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

// Options configures an Agent. Store is required; Keys is required only
// for TLS bindings and connects.
type Options struct {
	Store    ConfigStore
	Keys     KeyMaterial
	// Services serves inbound calls. It belongs to one agent, which adds
	// the rpc service to it; nil creates a fresh registry.
	Services *ServiceRegistry
	Logger   *slog.Logger

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// Per-connection limits, passed to transport.Options.
	MaxFrameSize       int
	MaxInflight        int
	MaxConcurrentCalls int
	WriteTimeout       time.Duration
	ReclaimTTL         time.Duration
}

// applyDefaults fills zero-valued fields with sensible defaults.
func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.Services == nil {
		o.Services = NewServiceRegistry(o.Logger)
	}
}
