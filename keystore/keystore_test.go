package keystore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"krpc/internal/testutil"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	ks, err := Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ks.Close() })
	return ks, dir
}

func TestCertificateAndTrust(t *testing.T) {
	ks, dir := openTestStore(t)
	ca := testutil.NewCA(t, "ca")
	ca.WriteKeyStore(t, dir, "node", "cluster")

	cert, err := ks.Certificate("node")
	require.NoError(t, err)
	require.NotEmpty(t, cert.Certificate)

	pool, err := ks.TrustPool("cluster")
	require.NoError(t, err)
	assert.True(t, pool.Equal(ca.Pool()))
}

func TestUnknownAndInvalidAlias(t *testing.T) {
	ks, dir := openTestStore(t)

	_, err := ks.Certificate("missing")
	assert.ErrorIs(t, err, ErrUnknownAlias)
	_, err = ks.TrustPool("missing")
	assert.ErrorIs(t, err, ErrUnknownAlias)

	for _, alias := range []string{"", "..", "a/b", `a\b`} {
		_, err := ks.Certificate(alias)
		assert.ErrorIs(t, err, ErrInvalidAlias, alias)
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.pem"), []byte("not pem"), 0o600))
	_, err = ks.TrustPool("junk")
	assert.ErrorIs(t, err, ErrEmptyTrust)
}

func TestRotationInvalidatesCache(t *testing.T) {
	ks, dir := openTestStore(t)
	first := testutil.NewCA(t, "first")
	first.WriteKeyStore(t, dir, "node", "cluster")

	before, err := ks.Certificate("node")
	require.NoError(t, err)

	second := testutil.NewCA(t, "second")
	second.WriteKeyStore(t, dir, "node", "cluster")

	require.Eventually(t, func() bool {
		pool, err := ks.TrustPool("cluster")
		if err != nil || !pool.Equal(second.Pool()) {
			return false
		}
		after, err := ks.Certificate("node")
		return err == nil && string(after.Certificate[0]) != string(before.Certificate[0])
	}, 3*time.Second, 20*time.Millisecond)
}

func TestOpen_NotADirectory(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(f, nil, 0o600))
	_, err := Open(f, nil)
	assert.Error(t, err)

	ks, _ := openTestStore(t)
	require.NoError(t, ks.Close())
	require.NoError(t, ks.Close())
}
