package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newSyncCmd runs one full bidirectional sync plus a queue drain.
func newSyncCmd() *cobra.Command {
	var flagForce bool

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a full bidirectional sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

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

			// A forced sync gives dead-lettered queue items another shot.
			if flagForce {
				revived, err := local.ReviveDeadLetters(ctx)
				if err != nil {
					return err
				}

				if revived > 0 {
					statusf("Revived %d dead-lettered operations\n", revived)
				}
			}

			if queueResult, err := engine.ProcessQueue(ctx); err != nil {
				return err
			} else if queueResult.Processed+queueResult.Failed > 0 {
				statusf("Queue: %d done, %d failed\n", queueResult.Processed, queueResult.Failed)
			}

			result := engine.PerformFullSync(ctx)

			statusf("Uploaded %d, downloaded %d, deleted %d\n",
				result.Uploaded, result.Downloaded, result.Deleted)

			for _, msg := range result.Errors {
				fmt.Fprintf(os.Stderr, "  error: %s\n", msg)
			}

			if !result.Success {
				return errors.New("sync failed")
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&flagForce, "force", false, "retry dead-lettered queue items")

	return cmd
}
