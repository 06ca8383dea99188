package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"krpc/agent"
	"krpc/transport"
)

func newConnectCommand(c *cli) *cobra.Command {
	var (
		req     agent.ConnectRequest
		method  string
		data    string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a remote agent and optionally call a method",
		Long: `Connect to a remote agent as this node, print its GUID and, with --call,
invoke one method and print the result.

Examples:
  krpcd connect --host 10.0.0.5 --port 7600
  krpcd connect --host node-b --port 7601 --key-alias node --trust-alias cluster --call rpc.connections
  krpcd connect --host 10.0.0.5 --port 7600 --call rpc.ping --data hello`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := c.logger()
			s, release, err := c.openStoreLocked()
			if err != nil {
				return err
			}
			defer release()

			var keys agent.KeyMaterial
			if req.Secure() {
				ks, err := c.openKeys(logger)
				if err != nil {
					return err
				}
				if ks == nil {
					return fmt.Errorf("key store %s does not exist", c.keyStoreDir())
				}
				defer ks.Close()
				keys = ks
			}

			a, err := agent.New(cmd.Context(), agent.Options{Store: s, Keys: keys, Logger: logger})
			if err != nil {
				return err
			}
			defer a.Stop()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			var conn *transport.Conn
			if req.Secure() {
				conn, err = a.ConnectTLS(ctx, req)
			} else {
				conn, err = a.Connect(ctx, req)
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connected to %s (%s, tls=%t)\n", conn.PeerGUID(), conn.RemoteAddr(), conn.Secure())
			if method == "" {
				return nil
			}

			result, err := conn.Call(ctx, method, []byte(data))
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(result))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&req.Host, "host", "127.0.0.1", "remote host")
	f.IntVar(&req.Port, "port", 0, "remote port")
	f.StringVar(&req.KeyAlias, "key-alias", "", "key store alias of the client certificate")
	f.StringVar(&req.TrustAlias, "trust-alias", "", "key store alias of the trusted CAs")
	f.StringVar(&method, "call", "", "method to call, as service.method")
	f.StringVar(&data, "data", "", "call argument bytes")
	f.DurationVar(&timeout, "timeout", 10*time.Second, "overall connect and call timeout")
	_ = cmd.MarkFlagRequired("port")
	return cmd
}
