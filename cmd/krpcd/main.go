// Command krpcd runs an RPC agent and administers its persisted state.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"krpc/agent"
	"krpc/keystore"
	"krpc/store"
)

const (
	envDataDir = "KRPC_DATA_DIR"

	logMaxSizeMB   = 20
	logMaxBackups  = 5
	logMaxAgeDays  = 7
	keyStoreSubdir = "keys"
)

// cli holds the persistent flags shared by every command.
type cli struct {
	dataDir  string
	keyDir   string
	logFile  string
	debug    bool
	logClose io.Closer
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "krpcd:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "krpcd",
		Short:         "RPC agent daemon and administration tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if c.logClose != nil {
				return c.logClose.Close()
			}
			return nil
		},
	}
	root.SetOut(os.Stdout)

	pf := root.PersistentFlags()
	pf.StringVar(&c.dataDir, "data-dir", defaultDataDir(), "agent data directory (env "+envDataDir+")")
	pf.StringVar(&c.keyDir, "keystore", "", "directory of TLS key and trust material (default <data-dir>/keys)")
	pf.StringVar(&c.logFile, "log-file", "", "also write logs to this file, rotated")
	pf.BoolVar(&c.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		newRunCommand(c),
		newServiceCommand(c),
		newGUIDCommand(c),
		newBindingsCommand(c),
		newPeersCommand(c),
		newConnectCommand(c),
	)
	return root
}

func defaultDataDir() string {
	if v := os.Getenv(envDataDir); v != "" {
		return v
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "krpc")
	}
	return ".krpc"
}

func (c *cli) keyStoreDir() string {
	if c.keyDir != "" {
		return c.keyDir
	}
	return filepath.Join(c.dataDir, keyStoreSubdir)
}

// logger writes text logs to stderr and, with --log-file, to a rotating file.
func (c *cli) logger() *slog.Logger {
	level := slog.LevelInfo
	if c.debug {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if c.logFile != "" {
		_ = os.MkdirAll(filepath.Dir(c.logFile), 0o755)
		lj := &lumberjack.Logger{
			Filename:   c.logFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
		}
		c.logClose = lj
		w = io.MultiWriter(os.Stderr, lj)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func (c *cli) openStore() (*store.Store, error) {
	return store.OpenDir(c.dataDir)
}

// openStoreLocked opens the store under the data-dir lock. Commands that
// write use it and fail with agent.ErrDataDirInUse while a daemon runs.
// release closes the store and drops the lock.
func (c *cli) openStoreLocked() (s *store.Store, release func(), err error) {
	lock, err := agent.LockDataDir(c.dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w (stop the running agent first)", err)
	}
	if s, err = c.openStore(); err != nil {
		_ = lock.Close()
		return nil, nil, err
	}
	return s, func() {
		_ = s.Close()
		_ = lock.Close()
	}, nil
}

// openKeys opens the key store when its directory exists. Without it the
// agent runs plain TCP only.
func (c *cli) openKeys(logger *slog.Logger) (*keystore.Store, error) {
	dir := c.keyStoreDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("krpcd: no key store, TLS disabled", "dir", dir)
		return nil, nil
	}
	return keystore.Open(dir, logger)
}

// newAgent builds an agent over an open store. Keys may be nil.
func newAgent(ctx context.Context, s *store.Store, keys *keystore.Store, logger *slog.Logger) (*agent.Agent, error) {
	opts := agent.Options{Store: s, Logger: logger}
	if keys != nil {
		opts.Keys = keys
	}
	return agent.New(ctx, opts)
}
