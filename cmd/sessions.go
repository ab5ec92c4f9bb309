package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newSessionsCmd(ro *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and clean up stored sessions",
	}

	cmd.AddCommand(newSessionsListCmd(ro), newSessionsCleanupCmd(ro))

	return cmd
}

func newSessionsListCmd(ro *rootOptions) *cobra.Command {
	var user string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently used first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, ro, func(a *app) error {
				if user == "" {
					user = a.userID
				}

				recs, err := a.relay.Sessions(cmd.Context(), user)
				if err != nil {
					return err
				}

				if len(recs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
					return nil
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SESSION\tBACKEND\tSTATE\tDIRECTORY\tMESSAGES\tTURNS\tCOST\tLAST USED")
				for _, r := range recs {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t$%.4f\t%s\n",
						r.SessionID, r.Backend, r.State, r.WorkingDirectory,
						r.MessageCount, r.TotalTurns, r.TotalCost, r.LastUsedAt.Format(time.DateTime))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id (defaults to $USER)")

	return cmd
}

func newSessionsCleanupCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired sessions and expire stale approvals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, ro, func(a *app) error {
				sessions, approvals, err := a.relay.Maintain(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d expired sessions, expired %d approvals.\n", sessions, approvals)
				return nil
			})
		},
	}
}

func newBackendsCmd(ro *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "List the configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, ro, func(a *app) error {
				for _, name := range a.relay.Backends() {
					marker := " "
					if name == a.cfg.DefaultBackend {
						marker = "*"
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", marker, name)
				}
				return nil
			})
		},
	}
}
