package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"krpc/agent"
	"krpc/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGUIDIsStable(t *testing.T) {
	dir := t.TempDir()
	first, err := execute(t, "guid", "--data-dir", dir)
	if err != nil {
		t.Fatalf("guid: %v", err)
	}
	second, err := execute(t, "guid", "--data-dir", dir)
	if err != nil {
		t.Fatalf("guid: %v", err)
	}
	if strings.TrimSpace(first) == "" || first != second {
		t.Fatalf("guid changed between runs: %q vs %q", first, second)
	}
}

func TestBindingsAddListRemove(t *testing.T) {
	dir := t.TempDir()

	if _, err := execute(t, "bindings", "add", "--data-dir", dir, "--host", "127.0.0.1", "--port", "7600"); err != nil {
		t.Fatalf("add: %v", err)
	}
	out, err := execute(t, "bindings", "list", "--data-dir", dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "127.0.0.1:7600") {
		t.Fatalf("list output missing binding:\n%s", out)
	}

	if _, err := execute(t, "bindings", "remove", "--data-dir", dir, "--host", "127.0.0.1", "--port", "7600"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := execute(t, "bindings", "remove", "--data-dir", dir, "--host", "127.0.0.1", "--port", "7600"); err == nil {
		t.Fatal("removing a missing binding should fail")
	}
	out, _ = execute(t, "bindings", "list", "--data-dir", dir)
	if !strings.Contains(out, "No bindings.") {
		t.Fatalf("expected empty list, got:\n%s", out)
	}
}

func TestBindingsAddRequiresPort(t *testing.T) {
	if _, err := execute(t, "bindings", "add", "--data-dir", t.TempDir()); err == nil {
		t.Fatal("expected missing --port to fail")
	}
}

func TestPeersTrustListForget(t *testing.T) {
	dir := t.TempDir()
	guid := "6f1c0e5e-2c1b-4d7a-9b0a-3c7d7f0f9a11"

	if _, err := execute(t, "peers", "trust", guid, "high", "--data-dir", dir); err != nil {
		t.Fatalf("trust: %v", err)
	}
	out, err := execute(t, "peers", "list", "--data-dir", dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, guid) || !strings.Contains(out, "high") {
		t.Fatalf("peer missing from list:\n%s", out)
	}

	if _, err := execute(t, "peers", "trust", guid, "sort-of", "--data-dir", dir); err == nil {
		t.Fatal("expected invalid trust level to fail")
	}
	if _, err := execute(t, "peers", "forget", guid, "--data-dir", dir); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, err := execute(t, "peers", "forget", guid, "--data-dir", dir); err == nil {
		t.Fatal("forgetting an unknown peer should fail")
	}
}

// Commands that write must not run beside a daemon holding the data dir;
// its in-memory registry would overwrite their changes.
func TestWritesRefusedWhileDataDirLocked(t *testing.T) {
	dir := t.TempDir()
	guid := "6f1c0e5e-2c1b-4d7a-9b0a-3c7d7f0f9a11"
	if _, err := execute(t, "peers", "trust", guid, "low", "--data-dir", dir); err != nil {
		t.Fatalf("trust: %v", err)
	}

	lock, err := agent.LockDataDir(dir)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	writes := [][]string{
		{"peers", "trust", guid, "untrusted"},
		{"peers", "forget", guid},
		{"bindings", "add", "--host", "127.0.0.1", "--port", "7600"},
		{"bindings", "remove", "--host", "127.0.0.1", "--port", "7600"},
		{"connect", "--port", "1"},
	}
	for _, args := range writes {
		_, err := execute(t, append(args, "--data-dir", dir)...)
		if !errors.Is(err, agent.ErrDataDirInUse) {
			t.Fatalf("%v: want ErrDataDirInUse, got %v", args, err)
		}
	}

	out, err := execute(t, "peers", "list", "--data-dir", dir)
	if err != nil {
		t.Fatalf("list while locked: %v", err)
	}
	if !strings.Contains(out, "low") {
		t.Fatalf("trust changed while locked:\n%s", out)
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if _, err := execute(t, "peers", "trust", guid, "untrusted", "--data-dir", dir); err != nil {
		t.Fatalf("trust after unlock: %v", err)
	}
}

func TestConnectAndCall(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), store.FileName)})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer s.Close()
	remote, err := agent.New(ctx, agent.Options{Store: s})
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	defer remote.Stop()
	b, err := remote.Open(ctx, agent.Binding{Host: "127.0.0.1"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	out, err := execute(t, "connect", "--data-dir", t.TempDir(),
		"--port", strconv.Itoa(b.Port), "--call", "rpc.ping", "--data", "pong?", "--timeout", (5 * time.Second).String())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !strings.Contains(out, remote.GUID().String()) {
		t.Fatalf("output does not name the remote guid:\n%s", out)
	}
	if !strings.Contains(out, "pong?") {
		t.Fatalf("output does not contain the call result:\n%s", out)
	}
}
