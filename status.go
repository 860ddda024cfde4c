package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// newStatusCmd reports sync state and queue depth.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status and pending operations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			engine, local, err := buildEngine(cc)
			if err != nil {
				return err
			}
			defer local.Close()

			state, err := local.GetSyncState(ctx)
			if err != nil {
				return err
			}

			sessionCount, err := local.CountSessions(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("State:       %s\n", engine.State())
			fmt.Printf("Sessions:    %d\n", sessionCount)
			fmt.Printf("Last sync:   %s\n", formatMillis(state.LastSyncAt))

			if state.Syncing {
				fmt.Printf("In progress: %s\n", state.CurrentOperation)
			}

			if state.LastError != "" {
				fmt.Printf("Last error:  %s\n", state.LastError)
			}

			items, err := local.ListQueue(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Queued:      %d\n", len(items))

			if len(items) == 0 {
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\nKIND\tSESSION\tRETRIES\tLAST ERROR")

			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n",
					item.Kind, item.SessionID, item.RetryCount, item.LastError)
			}

			return w.Flush()
		},
	}
}
