package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kardianos/service"
	"github.com/spf13/cobra"

	"krpc/agent"
	"krpc/keystore"
	"krpc/store"
)

const serviceName = "krpcd"

// daemon is the long-running agent, driven by service.Service.
type daemon struct {
	cli    *cli
	logger *slog.Logger

	lock  *agent.DirLock
	store *store.Store
	keys  *keystore.Store
	agent *agent.Agent
}

func (d *daemon) Start(service.Service) error {
	ctx := context.Background()

	lock, err := agent.LockDataDir(d.cli.dataDir)
	if err != nil {
		return err
	}
	d.lock = lock

	if d.store, err = d.cli.openStore(); err != nil {
		d.release()
		return err
	}
	if d.keys, err = d.cli.openKeys(d.logger); err != nil {
		d.release()
		return err
	}
	if d.agent, err = newAgent(ctx, d.store, d.keys, d.logger); err != nil {
		d.release()
		return err
	}

	if err := d.agent.Start(ctx); err != nil {
		// Bindings that did open keep serving.
		d.logger.Error("krpcd: some bindings failed to open", "error", err)
	}
	d.logger.Info("krpcd: agent running", "guid", d.agent.GUID(), "data_dir", d.cli.dataDir, "bindings", len(d.agent.Bindings()))
	return nil
}

func (d *daemon) Stop(service.Service) error {
	d.logger.Info("krpcd: stopping")
	d.release()
	return nil
}

func (d *daemon) release() {
	if d.agent != nil {
		_ = d.agent.Stop()
		d.agent = nil
	}
	if d.keys != nil {
		_ = d.keys.Close()
		d.keys = nil
	}
	if d.store != nil {
		_ = d.store.Close()
		d.store = nil
	}
	if d.lock != nil {
		_ = d.lock.Close()
		d.lock = nil
	}
}

func (c *cli) service(logger *slog.Logger) (service.Service, error) {
	args := []string{"run", "--data-dir", c.dataDir}
	if c.keyDir != "" {
		args = append(args, "--keystore", c.keyDir)
	}
	if c.logFile != "" {
		args = append(args, "--log-file", c.logFile)
	}
	if c.debug {
		args = append(args, "--debug")
	}

	cfg := &service.Config{
		Name:        serviceName,
		DisplayName: "krpc agent",
		Description: "RPC agent serving persisted bindings",
		Arguments:   args,
		Option:      service.KeyValue{"Restart": "on-failure", "RunAtLoad": true},
	}
	return service.New(&daemon{cli: c, logger: logger}, cfg)
}

func newRunCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the agent in the foreground or under a service manager",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			s, err := c.service(c.logger())
			if err != nil {
				return err
			}
			// Run blocks until the service manager or a signal stops it.
			return s.Run()
		},
	}
}

func newServiceCommand(c *cli) *cobra.Command {
	actions := []string{"install", "uninstall", "start", "stop", "restart"}
	return &cobra.Command{
		Use:       "service <" + strings.Join(actions, "|") + ">",
		Short:     "Manage the krpcd system service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: actions,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := c.service(c.logger())
			if err != nil {
				return err
			}
			if err := service.Control(s, args[0]); err != nil {
				if errors.Is(err, service.ErrNotInstalled) {
					return fmt.Errorf("service %s is not installed", serviceName)
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "service %s: %s done\n", serviceName, args[0])
			return nil
		},
	}
}

func newGUIDCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "guid",
		Short: "Print the agent GUID, creating it on first use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			a, err := newAgent(cmd.Context(), s, nil, c.logger())
			if err != nil {
				return err
			}
			defer a.Stop()
			fmt.Fprintln(cmd.OutOrStdout(), a.GUID())
			return nil
		},
	}
}
