package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newSessionsCmd groups the session library subcommands.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage the local session library",
	}

	cmd.AddCommand(newSessionsListCmd(), newSessionsPushCmd(), newSessionsDeleteCmd())

	return cmd
}

// newSessionsListCmd lists stored sessions.
func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			_, local, err := buildEngine(cc)
			if err != nil {
				return err
			}
			defer local.Close()

			sessions, err := local.ListSessions(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tTABS\tUPDATED\tORIGIN")

			for _, sess := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					sess.ID, sess.Name, sess.TabCount(), formatMillis(sess.UpdatedAt), sess.Origin)
			}

			return w.Flush()
		},
	}
}

// newSessionsPushCmd uploads one session immediately (or queues it).
func newSessionsPushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "push <session-id>",
		Short: "Upload one session to the cloud",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			engine, local, err := buildEngine(cc)
			if err != nil {
				return err
			}
			defer local.Close()

			password, err := promptPassword(false)
			if err != nil {
				return err
			}

			if !engine.Unlock(password) {
				return errors.New("wrong password")
			}
			defer engine.Lock()

			if err := engine.PushSession(cmd.Context(), args[0]); err != nil {
				return err
			}

			statusf("Pushed %s\n", args[0])

			return nil
		},
	}
}

// newSessionsDeleteCmd deletes a session locally and propagates the
// deletion to the cloud.
func newSessionsDeleteCmd() *cobra.Command {
	var flagLocalOnly bool

	cmd := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session locally and from the cloud",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()
			id := args[0]

			engine, local, err := buildEngine(cc)
			if err != nil {
				return err
			}
			defer local.Close()

			if err := local.DeleteSession(ctx, id); err != nil {
				return err
			}

			if flagLocalOnly {
				statusf("Deleted %s locally\n", id)
				return nil
			}

			password, err := promptPassword(false)
			if err != nil {
				return err
			}

			if !engine.Unlock(password) {
				return errors.New("wrong password")
			}
			defer engine.Lock()

			if err := engine.DeleteSessionFromCloud(ctx, id); err != nil {
				return err
			}

			statusf("Deleted %s\n", id)

			return nil
		},
	}

	cmd.Flags().BoolVar(&flagLocalOnly, "local-only", false, "skip the cloud deletion")

	return cmd
}
