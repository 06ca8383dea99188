package agent

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krpc/internal/testutil"
	"krpc/keystore"
	"krpc/store"
	"krpc/transport"
)

const waitFor = 3 * time.Second

type testNode struct {
	*Agent
	dir   string
	store *store.Store
}

func newNode(t *testing.T, dir string, keys KeyMaterial) *testNode {
	t.Helper()
	s := openStore(t, dir)
	a, err := New(context.Background(), Options{
		Store:            s,
		Keys:             keys,
		HandshakeTimeout: 2 * time.Second,
		DialTimeout:      2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { a.Stop() })
	return &testNode{Agent: a, dir: dir, store: s}
}

func openLocal(t *testing.T, n *testNode) Binding {
	t.Helper()
	b, err := n.Open(context.Background(), Binding{Host: "127.0.0.1"})
	require.NoError(t, err)
	require.NotZero(t, b.Port)
	return b
}

func requestFor(b Binding) ConnectRequest {
	return ConnectRequest{Host: b.Host, Port: b.Port, KeyAlias: b.KeyAlias, TrustAlias: b.TrustAlias}
}

func connectTo(t *testing.T, n *testNode, b Binding) *transport.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	c, err := n.Connect(ctx, requestFor(b))
	require.NoError(t, err)
	return c
}

func persistedBindings(t *testing.T, s *store.Store) []Binding {
	t.Helper()
	records, err := s.FindAll(context.Background(), Namespace, kindBinding)
	require.NoError(t, err)
	out, err := store.DecodeAll[Binding](records)
	require.NoError(t, err)
	return out
}

// blockingService serves "slow.wait", which returns only when released or
// when the connection goes away.
type blockingService struct {
	started chan struct{}
	release chan struct{}
}

func registerBlocking(t *testing.T, n *testNode) *blockingService {
	t.Helper()
	bs := &blockingService{started: make(chan struct{}, 64), release: make(chan struct{})}
	require.NoError(t, n.Services().Register("slow", Methods{
		"wait": func(ctx context.Context, _ *transport.Conn, args []byte) ([]byte, error) {
			bs.started <- struct{}{}
			select {
			case <-bs.release:
				return args, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}))
	t.Cleanup(func() {
		select {
		case <-bs.release:
		default:
			close(bs.release)
		}
	})
	return bs
}

func TestNew_GUIDIsStable(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	a1, err := New(context.Background(), Options{Store: s})
	require.NoError(t, err)
	defer a1.Stop()
	a2, err := New(context.Background(), Options{Store: s})
	require.NoError(t, err)
	defer a2.Stop()
	assert.Equal(t, a1.GUID(), a2.GUID())
	assert.NotZero(t, a1.GUID())

	_, err = New(context.Background(), Options{})
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestNew_ServiceRegistryIsPerAgent(t *testing.T) {
	s := openStore(t, t.TempDir())
	services := NewServiceRegistry(nil)

	a, err := New(context.Background(), Options{Store: s, Services: services})
	require.NoError(t, err)
	defer a.Stop()

	_, err = New(context.Background(), Options{Store: s, Services: services})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, ErrServiceExists)

	guid, err := services.Invoke(context.Background(), nil, "rpc.guid", nil)
	require.NoError(t, err)
	assert.Contains(t, string(guid), a.GUID().String())
}

func TestOpenClose_LeavesNothingBehind(t *testing.T) {
	n := newNode(t, t.TempDir(), nil)
	ctx := context.Background()

	b := openLocal(t, n)
	assert.Equal(t, []Binding{b}, n.Bindings())
	assert.Equal(t, []Binding{b}, persistedBindings(t, n.store))

	require.NoError(t, n.Close(ctx, b))
	assert.Empty(t, n.Bindings())
	assert.Empty(t, persistedBindings(t, n.store))

	_, err := net.DialTimeout("tcp", b.Key(), time.Second)
	assert.Error(t, err, "listening socket must be gone")

	require.NoError(t, n.Close(ctx, b), "closing again is a no-op")
	require.NoError(t, n.Close(ctx, Binding{Host: "127.0.0.1", Port: 1}), "closing a never-opened binding is a no-op")
}

func TestOpen_DuplicateRejected(t *testing.T) {
	n := newNode(t, t.TempDir(), nil)
	b := openLocal(t, n)

	_, err := n.Open(context.Background(), Binding{Host: b.Host, Port: b.Port})
	require.ErrorIs(t, err, ErrAlreadyOpen)
	var cfgErr *ConfigError
	assert.ErrorAs(t, err, &cfgErr)

	assert.Len(t, n.Bindings(), 1)
	nc, err := net.DialTimeout("tcp", b.Key(), time.Second)
	require.NoError(t, err, "the first socket still accepts")
	nc.Close()
}

func TestOpen_InvalidBinding(t *testing.T) {
	n := newNode(t, t.TempDir(), nil)
	_, err := n.Open(context.Background(), Binding{Host: "127.0.0.1", Port: 70000})
	assert.ErrorIs(t, err, ErrInvalidBinding)
	assert.Empty(t, n.Bindings())
}

// Two agents: one listens, the other connects.
func TestTwoAgents_ConnectAndCall(t *testing.T) {
	server := newNode(t, t.TempDir(), nil)
	client := newNode(t, t.TempDir(), nil)
	b := openLocal(t, server)

	sub := client.Subscribe(8)
	defer sub.Close()

	c := connectTo(t, client, b)
	assert.Equal(t, transport.StateEstablished, c.State())
	assert.Equal(t, server.GUID(), c.PeerGUID())

	require.Eventually(t, func() bool { return len(server.Connections()) == 1 }, waitFor, 10*time.Millisecond)
	require.Len(t, client.Connections(), 1)
	sc := server.Connections()[0]
	require.Eventually(t, func() bool { return sc.State() == transport.StateEstablished }, waitFor, 10*time.Millisecond)
	assert.Equal(t, client.GUID(), sc.PeerGUID())

	select {
	case ev := <-sub.C():
		assert.Equal(t, EventConnected, ev.Kind)
		assert.Equal(t, c.ID(), ev.ConnID)
		assert.Equal(t, server.GUID(), ev.PeerGUID)
	case <-time.After(waitFor):
		t.Fatal("no connect event")
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected second event %v", ev.Kind)
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	out, err := c.Call(ctx, "rpc.ping", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	out, err = c.Call(ctx, "rpc.guid", nil)
	require.NoError(t, err)
	assert.Equal(t, server.GUID().String(), string(out))

	_, err = c.Call(ctx, "nope.method", nil)
	var remote *transport.RemoteError
	require.ErrorAs(t, err, &remote)

	got, ok := client.FindConnection(c.ID())
	require.True(t, ok)
	assert.Same(t, c, got)

	_, known := client.PeerRegistry().Resolve(server.GUID())
	assert.True(t, known, "connecting side remembers the server")
	_, known = server.PeerRegistry().Resolve(client.GUID())
	assert.True(t, known, "accepting side remembers the client")
}

func TestCall_TimeoutKeepsConnection(t *testing.T) {
	server := newNode(t, t.TempDir(), nil)
	client := newNode(t, t.TempDir(), nil)
	registerBlocking(t, server)
	c := connectTo(t, client, openLocal(t, server))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := c.Call(ctx, "slow.wait", nil)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, transport.ErrCallTimeout)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, transport.StateEstablished, c.State())

	ctx2, cancel2 := context.WithTimeout(context.Background(), waitFor)
	defer cancel2()
	out, err := c.Call(ctx2, "rpc.ping", []byte("still here"))
	require.NoError(t, err)
	assert.Equal(t, "still here", string(out))
}

func TestClose_FailsPendingAndNotifiesOnce(t *testing.T) {
	server := newNode(t, t.TempDir(), nil)
	client := newNode(t, t.TempDir(), nil)
	bs := registerBlocking(t, server)

	l1, l2 := &recorder{}, &recorder{}
	client.AddListener(l1)
	client.AddListener(l2)

	c := connectTo(t, client, openLocal(t, server))

	const k = 5
	errs := make(chan error, k)
	var wg sync.WaitGroup
	for range k {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Call(context.Background(), "slow.wait", nil)
			errs <- err
		}()
	}
	for range k {
		select {
		case <-bs.started:
		case <-time.After(waitFor):
			t.Fatal("calls did not reach the server")
		}
	}
	require.Equal(t, k, c.Pending())

	require.NoError(t, c.Close())
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.ErrorIs(t, err, transport.ErrConnectionClosed)
	}

	for _, l := range []*recorder{l1, l2} {
		assert.Equal(t, []EventKind{EventConnected, EventDisconnected}, l.kinds())
	}
	assert.Empty(t, client.Connections())

	// The server notices the close too.
	require.Eventually(t, func() bool { return len(server.Connections()) == 0 }, waitFor, 10*time.Millisecond)
}

func TestRestart_ReloadsIdentityPeersAndBindings(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s1, err := store.Open(store.Options{Path: filepath.Join(dir, store.FileName)})
	require.NoError(t, err)
	first, err := New(ctx, Options{Store: s1})
	require.NoError(t, err)

	b, err := first.Open(ctx, Binding{Host: "127.0.0.1"})
	require.NoError(t, err)

	peer := newNode(t, t.TempDir(), nil)
	connectTo(t, peer, b)
	require.Eventually(t, func() bool {
		_, ok := first.PeerRegistry().Resolve(peer.GUID())
		return ok
	}, waitFor, 10*time.Millisecond)
	require.NoError(t, first.PeerRegistry().SetTrustLevel(ctx, peer.GUID(), TrustHigh))

	guid, peers := first.GUID(), first.PeerRegistry().List()
	require.NoError(t, first.Stop())
	require.NoError(t, s1.Close())

	s2 := openStore(t, dir)
	second, err := New(ctx, Options{Store: s2})
	require.NoError(t, err)
	defer second.Stop()

	assert.Equal(t, guid, second.GUID())
	assert.Equal(t, len(peers), len(second.PeerRegistry().List()))
	p, ok := second.PeerRegistry().Resolve(peer.GUID())
	require.True(t, ok)
	assert.Equal(t, TrustHigh, p.Trust)

	assert.Empty(t, second.Bindings())
	require.NoError(t, second.Start(ctx))
	assert.Equal(t, []Binding{b}, second.Bindings())

	c := connectTo(t, peer, b)
	assert.Equal(t, guid, c.PeerGUID())
}

func TestStart_ReportsBindingsThatFail(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, t.TempDir(), nil)

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	good := Binding{Host: "127.0.0.1", Port: freePort(t)}
	bad := Binding{Host: "127.0.0.1", Port: port}
	require.NoError(t, n.store.Add(ctx, Namespace, kindBinding, good.Key(), good))
	require.NoError(t, n.store.Add(ctx, Namespace, kindBinding, bad.Key(), bad))

	err = n.Start(ctx)
	require.Error(t, err)
	assert.Equal(t, []Binding{good}, n.Bindings())
}

func TestUntrustedPeerRejected(t *testing.T) {
	ctx := context.Background()
	server := newNode(t, t.TempDir(), nil)
	client := newNode(t, t.TempDir(), nil)
	b := openLocal(t, server)

	require.NoError(t, server.PeerRegistry().SetTrustLevel(ctx, client.GUID(), TrustUntrusted))

	sub := server.Subscribe(4)
	defer sub.Close()

	cctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	_, err := client.Connect(cctx, requestFor(b))
	require.ErrorIs(t, err, transport.ErrHandshakeFailed)
	assert.Empty(t, client.Connections())

	require.Eventually(t, func() bool { return len(server.Connections()) == 0 }, waitFor, 10*time.Millisecond)
	select {
	case ev := <-sub.C():
		t.Fatalf("rejected peer produced event %v", ev.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnect_Refused(t *testing.T) {
	n := newNode(t, t.TempDir(), nil)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, err := n.Connect(ctx, ConnectRequest{Host: "127.0.0.1", Port: freePort(t)})
	assert.Error(t, err)
	assert.Empty(t, n.Connections())
}

func TestStop_ClosesEverything(t *testing.T) {
	server := newNode(t, t.TempDir(), nil)
	client := newNode(t, t.TempDir(), nil)
	b := openLocal(t, server)
	c := connectTo(t, client, b)

	require.NoError(t, server.Stop())
	require.NoError(t, server.Stop())
	assert.Empty(t, server.Bindings())
	assert.Empty(t, server.Connections())
	assert.Equal(t, []Binding{b}, persistedBindings(t, server.store), "Stop keeps bindings for the next start")

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("peer connection not closed")
	}

	_, err := server.Open(context.Background(), Binding{Host: "127.0.0.1"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestTLS_ConnectAndPinFingerprint(t *testing.T) {
	ctx := context.Background()
	ca := testutil.NewCA(t, "cluster-ca")

	serverKeys := keyStore(t, ca, "server")
	clientKeys := keyStore(t, ca, "client")
	server := newNode(t, t.TempDir(), serverKeys)
	client := newNode(t, t.TempDir(), clientKeys)

	b, err := server.Open(ctx, Binding{Host: "127.0.0.1", KeyAlias: "server", TrustAlias: "cluster"})
	require.NoError(t, err)
	assert.True(t, b.Secure())

	cctx, cancel := context.WithTimeout(ctx, waitFor)
	defer cancel()
	req := ConnectRequest{Host: "127.0.0.1", Port: b.Port, KeyAlias: "client", TrustAlias: "cluster"}
	c, err := client.ConnectTLS(cctx, req)
	require.NoError(t, err)
	assert.True(t, c.Secure())

	var rec Peer
	require.Eventually(t, func() bool {
		p, ok := server.PeerRegistry().Resolve(client.GUID())
		rec = p
		return ok && p.CertFingerprint != ""
	}, waitFor, 10*time.Millisecond)
	assert.Len(t, rec.CertFingerprint, 64)

	// A recorded fingerprint that no longer matches is refused.
	rec.CertFingerprint = "0000"
	require.NoError(t, server.PeerRegistry().Remember(ctx, rec))
	_, err = client.ConnectTLS(cctx, req)
	assert.ErrorIs(t, err, transport.ErrHandshakeFailed)

	// A plain connect to a TLS binding fails the handshake.
	_, err = client.Connect(cctx, req)
	assert.Error(t, err)
}

func TestTLS_BadAliasIsConfigError(t *testing.T) {
	ctx := context.Background()
	ca := testutil.NewCA(t, "cluster-ca")
	n := newNode(t, t.TempDir(), keyStore(t, ca, "server"))

	_, err := n.Open(ctx, Binding{Host: "127.0.0.1", KeyAlias: "missing", TrustAlias: "cluster"})
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.ErrorIs(t, err, keystore.ErrUnknownAlias)
	assert.Empty(t, n.Bindings())
	assert.Empty(t, persistedBindings(t, n.store))

	_, err = n.ConnectTLS(ctx, ConnectRequest{Host: "127.0.0.1", Port: 1, KeyAlias: "server"})
	assert.ErrorAs(t, err, &cfgErr)

	plain := newNode(t, t.TempDir(), nil)
	_, err = plain.Open(ctx, Binding{Host: "127.0.0.1", KeyAlias: "a", TrustAlias: "b"})
	assert.ErrorIs(t, err, ErrNoKeyMaterial)
}

func TestLockDataDir(t *testing.T) {
	dir := t.TempDir()
	l, err := LockDataDir(dir)
	require.NoError(t, err)

	_, err = LockDataDir(dir)
	assert.ErrorIs(t, err, ErrDataDirInUse)

	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	l2, err := LockDataDir(dir)
	require.NoError(t, err)
	require.NoError(t, l2.Close())
}

func keyStore(t *testing.T, ca *testutil.CA, alias string) *keystore.Store {
	t.Helper()
	dir := t.TempDir()
	ca.WriteKeyStore(t, dir, alias, "cluster")
	ks, err := keystore.Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return p
}

func TestSavedBindingsAreOpenedByStart(t *testing.T) {
	ctx := context.Background()
	n := newNode(t, t.TempDir(), nil)

	b := Binding{Host: "127.0.0.1", Port: freePort(t)}
	require.NoError(t, SaveBinding(ctx, n.store, b))
	assert.ErrorIs(t, SaveBinding(ctx, n.store, Binding{Host: "127.0.0.1"}), ErrInvalidBinding)

	saved, err := PersistedBindings(ctx, n.store)
	require.NoError(t, err)
	assert.Equal(t, []Binding{b}, saved)

	require.NoError(t, n.Start(ctx))
	assert.Equal(t, []Binding{b}, n.Bindings())
	require.NoError(t, n.Start(ctx), "already open bindings are skipped")

	found, err := RemoveBinding(ctx, n.store, b)
	require.NoError(t, err)
	assert.True(t, found)
	found, err = RemoveBinding(ctx, n.store, b)
	require.NoError(t, err)
	assert.False(t, found)
}
