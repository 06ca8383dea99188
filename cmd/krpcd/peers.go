package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"krpc/agent"
	"krpc/store"
)

const peerTimeFormat = "2006-01-02 15:04:05"

func newPeersCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "Inspect and administer remembered peers",
	}

	// registry loads the peer registry; with write set it holds the
	// data-dir lock until done is called.
	registry := func(cmd *cobra.Command, write bool) (r *agent.PeerRegistry, done func(), err error) {
		var s *store.Store
		if write {
			s, done, err = c.openStoreLocked()
		} else {
			s, err = c.openStore()
			done = func() { _ = s.Close() }
		}
		if err != nil {
			return nil, nil, err
		}
		r = agent.NewPeerRegistry(s, c.logger())
		if err := r.Load(cmd.Context()); err != nil {
			done()
			return nil, nil, err
		}
		return r, done, nil
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List remembered peers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, done, err := registry(cmd, false)
			if err != nil {
				return err
			}
			defer done()

			peers := r.List()
			if len(peers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No peers.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "GUID\tTRUST\tLAST ADDRESS\tLAST SEEN\tFINGERPRINT")
			for _, p := range peers {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.GUID, p.Trust, dash(p.LastAddr), formatSeen(p.LastSeen), shortFingerprint(p.CertFingerprint))
			}
			return w.Flush()
		},
	}

	forget := &cobra.Command{
		Use:   "forget <guid>",
		Short: "Remove a peer record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			guid, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid guid %q: %w", args[0], err)
			}
			r, done, err := registry(cmd, true)
			if err != nil {
				return err
			}
			defer done()

			if err := r.Forget(cmd.Context(), guid); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot %s\n", guid)
			return nil
		},
	}

	trust := &cobra.Command{
		Use:   "trust <guid> <unknown|untrusted|low|medium|high>",
		Short: "Set the trust level of a peer",
		Long: `Set the trust level of a peer, creating its record if needed.

Peers marked untrusted are refused during the handshake.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			guid, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid guid %q: %w", args[0], err)
			}
			level, err := agent.ParseTrustLevel(args[1])
			if err != nil {
				return err
			}
			r, done, err := registry(cmd, true)
			if err != nil {
				return err
			}
			defer done()

			if err := r.SetTrustLevel(cmd.Context(), guid, level); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Peer %s is now %s\n", guid, level)
			return nil
		},
	}

	cmd.AddCommand(list, forget, trust)
	return cmd
}

func formatSeen(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format(peerTimeFormat)
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return dash(fp)
}
