package main

import (
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sessionvault/sessionvault/internal/chunkstore"
	"github.com/sessionvault/sessionvault/internal/config"
	"github.com/sessionvault/sessionvault/internal/kvstore"
	"github.com/sessionvault/sessionvault/internal/recovery"
)

// newRecoveryCmd groups the crash-recovery subcommands.
func newRecoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Capture, list, and restore crash-recovery snapshots",
	}

	cmd.AddCommand(newRecoveryCaptureCmd(), newRecoveryListCmd(), newRecoveryRestoreCmd())

	return cmd
}

// buildRecoveryService assembles the snapshot service over the bbolt KV.
// The caller owns Close on the returned DB.
func buildRecoveryService(cc *CLIContext) (*recovery.Service, *kvstore.DB, error) {
	db, err := kvstore.Open(cc.Paths.RecoveryKV, cc.Logger)
	if err != nil {
		return nil, nil, err
	}

	rc := &cc.Cfg.Recovery

	browser := recovery.NewFileBrowser(rc.StateFile, commandFilePath(rc), cc.Logger)

	svc := recovery.NewService(&recovery.ServiceConfig{
		Browser: browser,
		Local:   db.Bucket("local", 0),
		Codec: chunkstore.New(
			db.Bucket("sync", rc.QuotaBytesPerItem),
			cc.Logger,
			chunkstore.WithMaxChunks(rc.MaxChunks),
		),
		MaxSnapshots: rc.MaxLocalSnaps,
		Debounce:     rc.Debounce(),
		Logger:       cc.Logger,
	})

	return svc, db, nil
}

// commandFilePath derives the restore-command path when unset.
func commandFilePath(rc *config.RecoveryConfig) string {
	if rc.CommandFile != "" {
		return rc.CommandFile
	}

	if rc.StateFile != "" {
		return rc.StateFile + ".commands"
	}

	return ""
}

// newRecoveryCaptureCmd takes a snapshot right now.
func newRecoveryCaptureCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "capture",
		Short: "Capture a snapshot of the current browser state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			svc, db, err := buildRecoveryService(cc)
			if err != nil {
				return err
			}
			defer db.Close()

			snap, err := svc.CaptureNow(cmd.Context())
			if err != nil {
				return err
			}

			if snap == nil {
				statusf("No eligible tabs, nothing captured\n")
				return nil
			}

			statusf("Captured %s: %d windows, %d tabs, %d groups\n",
				snap.ID, snap.Stats.WindowCount, snap.Stats.TabCount, snap.Stats.GroupCount)

			return nil
		},
	}
}

// newRecoveryListCmd lists the local rotation.
func newRecoveryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored snapshots, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())

			svc, db, err := buildRecoveryService(cc)
			if err != nil {
				return err
			}
			defer db.Close()

			snapshots, err := svc.List(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCAPTURED\tWINDOWS\tTABS\tGROUPS")

			for _, snap := range snapshots {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n",
					snap.ID, formatMillis(snap.Timestamp),
					snap.Stats.WindowCount, snap.Stats.TabCount, snap.Stats.GroupCount)
			}

			return w.Flush()
		},
	}
}

// newRecoveryRestoreCmd replays a snapshot into the browser.
func newRecoveryRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore a snapshot's windows and tabs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := mustCLIContext(cmd.Context())

			svc, db, err := buildRecoveryService(cc)
			if err != nil {
				return err
			}
			defer db.Close()

			result, err := svc.RestoreFromSnapshot(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if result == nil {
				return fmt.Errorf("snapshot %s not found", args[0])
			}

			cc.Logger.Info("restore queued for the extension",
				slog.Int("windows", result.WindowsCreated),
				slog.Int("tabs", result.TabsCreated),
			)

			statusf("Restored %d windows, %d tabs, %d groups\n",
				result.WindowsCreated, result.TabsCreated, result.GroupsCreated)

			return nil
		},
	}
}
