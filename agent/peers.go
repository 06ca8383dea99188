package agent

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"krpc/store"
	"krpc/transport"
)

// TrustLevel is the administrative trust assigned to a peer.
type TrustLevel uint8

const (
	TrustUnknown TrustLevel = iota
	TrustUntrusted
	TrustLow
	TrustMedium
	TrustHigh
)

var trustNames = []string{"unknown", "untrusted", "low", "medium", "high"}

func (t TrustLevel) String() string {
	if int(t) < len(trustNames) {
		return trustNames[t]
	}
	return fmt.Sprintf("trust(%d)", uint8(t))
}

// ParseTrustLevel parses the String form of a trust level.
func ParseTrustLevel(s string) (TrustLevel, error) {
	if i := slices.Index(trustNames, strings.ToLower(s)); i >= 0 {
		return TrustLevel(i), nil
	}
	return TrustUnknown, fmt.Errorf("agent: unknown trust level %q", s)
}

func (t TrustLevel) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *TrustLevel) UnmarshalText(b []byte) error {
	v, err := ParseTrustLevel(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Peer is the durable record of a remote agent.
type Peer struct {
	GUID            uuid.UUID         `json:"guid"`
	Trust           TrustLevel        `json:"trust"`
	CertFingerprint string            `json:"cert_fingerprint,omitempty"`
	LastAddr        string            `json:"last_addr,omitempty"`
	FirstSeen       time.Time         `json:"first_seen,omitzero"`
	LastSeen        time.Time         `json:"last_seen,omitzero"`
	Properties      map[string]string `json:"properties,omitempty"`
}

func (p Peer) clone() Peer {
	p.Properties = maps.Clone(p.Properties)
	return p
}

// PeerRegistry maps peer GUIDs to trust and last-seen metadata, backed by
// the config store. Writes go through to the store while holding the
// registry lock, so the store never sees updates out of order.
type PeerRegistry struct {
	store  ConfigStore
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	peers  map[uuid.UUID]Peer
	loaded bool
}

// NewPeerRegistry returns an empty registry. Call Load before use.
func NewPeerRegistry(cs ConfigStore, logger *slog.Logger) *PeerRegistry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PeerRegistry{
		store:  cs,
		logger: logger,
		now:    time.Now,
		peers:  make(map[uuid.UUID]Peer),
	}
}

// Load replaces the in-memory registry with the persisted records.
func (r *PeerRegistry) Load(ctx context.Context) error {
	records, err := r.store.FindAll(ctx, Namespace, kindPeer)
	if err != nil {
		return fmt.Errorf("agent: load peers: %w", err)
	}
	peers, err := store.DecodeAll[Peer](records)
	if err != nil {
		return fmt.Errorf("agent: load peers: %w", err)
	}

	m := make(map[uuid.UUID]Peer, len(peers))
	for _, p := range peers {
		if p.GUID == uuid.Nil {
			r.logger.Warn("peer registry: skipping record without guid")
			continue
		}
		m[p.GUID] = p
	}

	r.mu.Lock()
	r.peers = m
	r.loaded = true
	r.mu.Unlock()

	r.logger.Debug("peer registry: loaded", "peers", len(m))
	return nil
}

// Resolve returns the record for guid.
func (r *PeerRegistry) Resolve(guid uuid.UUID) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[guid]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// List returns all records ordered by GUID.
func (r *PeerRegistry) List() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.GUID.String(), b.GUID.String()) })
	return out
}

// Remember upserts p. The in-memory record is updated even when the store
// write fails; the store error is returned.
func (r *PeerRegistry) Remember(ctx context.Context, p Peer) error {
	if p.GUID == uuid.Nil {
		return fmt.Errorf("agent: remember peer: nil guid")
	}
	return r.update(ctx, p.GUID, func(Peer, bool) Peer {
		p.Properties = maps.Clone(p.Properties)
		return p
	})
}

// Forget removes the record for guid.
func (r *PeerRegistry) Forget(ctx context.Context, guid uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, known := r.peers[guid]
	delete(r.peers, guid)

	err := r.store.Remove(ctx, Namespace, kindPeer, guid.String())
	switch {
	case err == nil:
	case store.IsNotFound(err):
		if !known {
			return fmt.Errorf("%w: %s", ErrUnknownPeer, guid)
		}
	default:
		return fmt.Errorf("agent: forget peer %s: %w", guid, err)
	}
	r.logger.Info("peer registry: forgot peer", "peer", guid)
	return nil
}

// SetTrustLevel sets the trust of guid, creating the record when the peer
// has not been seen yet.
func (r *PeerRegistry) SetTrustLevel(ctx context.Context, guid uuid.UUID, level TrustLevel) error {
	if guid == uuid.Nil {
		return fmt.Errorf("agent: set trust: nil guid")
	}
	return r.update(ctx, guid, func(cur Peer, found bool) Peer {
		if !found {
			cur.GUID = guid
		}
		cur.Trust = level
		return cur
	})
}

// Observe records a completed handshake: last address, last-seen time and,
// for TLS connections, the certificate fingerprint. Administrative fields
// are preserved.
func (r *PeerRegistry) Observe(ctx context.Context, c *transport.Conn) error {
	guid := c.PeerGUID()
	if guid == uuid.Nil {
		return fmt.Errorf("agent: observe: connection has no peer guid")
	}
	now := r.now()
	fp := c.PeerFingerprint()
	return r.update(ctx, guid, func(cur Peer, found bool) Peer {
		if !found {
			cur = Peer{GUID: guid, FirstSeen: now}
			r.logger.Info("peer registry: new peer", "peer", guid, "addr", c.RemoteAddr().String())
		}
		if cur.FirstSeen.IsZero() {
			cur.FirstSeen = now
		}
		cur.LastSeen = now
		cur.LastAddr = c.RemoteAddr().String()
		if fp != "" {
			cur.CertFingerprint = fp
		}
		return cur
	})
}

// Authorize is the handshake check: it rejects peers marked untrusted and
// known peers presenting a certificate other than the recorded one. The
// stored record is consulted, so trust set through another registry on the
// same store applies.
func (r *PeerRegistry) Authorize(ctx context.Context, c *transport.Conn) error {
	guid := c.PeerGUID()

	r.mu.Lock()
	if !r.loaded {
		r.mu.Unlock()
		return ErrRegistryNotLoaded
	}
	p, found := r.stored(ctx, guid)
	if found {
		r.peers[guid] = p
	} else {
		delete(r.peers, guid)
	}
	r.mu.Unlock()

	if !found {
		return nil
	}
	if p.Trust == TrustUntrusted {
		return fmt.Errorf("%w: %s", ErrPeerUntrusted, guid)
	}
	if fp := c.PeerFingerprint(); fp != "" && p.CertFingerprint != "" && fp != p.CertFingerprint {
		return fmt.Errorf("%w: %s", ErrPeerIdentityMismatch, guid)
	}
	return nil
}

// update applies fn to the stored record and writes the result through,
// so changes made by another registry on the same store are kept.
func (r *PeerRegistry) update(ctx context.Context, guid uuid.UUID, fn func(cur Peer, found bool) Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, found := r.stored(ctx, guid)
	next := fn(cur, found)
	next.GUID = guid
	r.peers[guid] = next

	if err := r.store.Add(ctx, Namespace, kindPeer, guid.String(), next); err != nil {
		return fmt.Errorf("agent: persist peer %s: %w", guid, err)
	}
	return nil
}

// stored returns the persisted record for guid. Only when the store can
// not be read does it fall back to the in-memory copy. Caller holds r.mu.
func (r *PeerRegistry) stored(ctx context.Context, guid uuid.UUID) (Peer, bool) {
	rec, err := r.store.Get(ctx, Namespace, kindPeer, guid.String())
	if err == nil {
		var p Peer
		if err = rec.Decode(&p); err == nil {
			p.GUID = guid
			return p, true
		}
	}
	if store.IsNotFound(err) {
		return Peer{}, false
	}
	r.logger.Warn("peer registry: stored record unreadable, using memory", "peer", guid, "error", err)
	p, ok := r.peers[guid]
	return p.clone(), ok
}
