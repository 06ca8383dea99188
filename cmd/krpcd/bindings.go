package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"krpc/agent"
)

func newBindingsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bindings",
		Short: "Manage persisted listening bindings",
		Long: `Manage the bindings the agent reopens when it starts.

Changes are written to the data directory and take effect at the next start.
Adding or removing fails while an agent is running on the same directory.

Examples:
  krpcd bindings list
  krpcd bindings add --host 0.0.0.0 --port 7600
  krpcd bindings add --host 0.0.0.0 --port 7601 --key-alias node --trust-alias cluster
  krpcd bindings remove --host 0.0.0.0 --port 7600`,
	}

	var b agent.Binding
	addFlags := func(cmd *cobra.Command, aliases bool) {
		cmd.Flags().StringVar(&b.Host, "host", "", "listen host (empty for all interfaces)")
		cmd.Flags().IntVar(&b.Port, "port", 0, "listen port")
		_ = cmd.MarkFlagRequired("port")
		if aliases {
			cmd.Flags().StringVar(&b.KeyAlias, "key-alias", "", "key store alias of the certificate")
			cmd.Flags().StringVar(&b.TrustAlias, "trust-alias", "", "key store alias of the trusted CAs")
		}
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List persisted bindings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := c.openStore()
			if err != nil {
				return err
			}
			defer s.Close()

			bindings, err := agent.PersistedBindings(cmd.Context(), s)
			if err != nil {
				return err
			}
			if len(bindings) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No bindings.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ADDRESS\tTLS\tKEY ALIAS\tTRUST ALIAS")
			for _, b := range bindings {
				fmt.Fprintf(w, "%s\t%t\t%s\t%s\n", b.Key(), b.Secure(), dash(b.KeyAlias), dash(b.TrustAlias))
			}
			return w.Flush()
		},
	}

	add := &cobra.Command{
		Use:   "add",
		Short: "Persist a binding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, release, err := c.openStoreLocked()
			if err != nil {
				return err
			}
			defer release()

			if err := agent.SaveBinding(cmd.Context(), s, b); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved %s\n", b)
			return nil
		},
	}
	addFlags(add, true)

	remove := &cobra.Command{
		Use:   "remove",
		Short: "Remove a persisted binding",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, release, err := c.openStoreLocked()
			if err != nil {
				return err
			}
			defer release()

			found, err := agent.RemoveBinding(cmd.Context(), s, b)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("no binding %s", b.Key())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", b.Key())
			return nil
		},
	}
	addFlags(remove, false)

	cmd.AddCommand(list, add, remove)
	return cmd
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
