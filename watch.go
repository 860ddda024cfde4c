package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sessionvault/sessionvault/internal/cloudsync"
	"github.com/sessionvault/sessionvault/internal/recovery"
)

// newWatchCmd runs the foreground agent: recovery triggers plus a
// periodic full sync.
func newWatchCmd() *cobra.Command {
	var flagSyncInterval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the agent: recovery triggers and periodic sync",
		Long: `Run the foreground agent.

The agent listens for browser events on the websocket feed, watches the
extension's exported state file, captures debounced recovery snapshots,
and runs a full sync on a fixed interval.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd.Context())
			ctx := cmd.Context()

			engine, local, err := buildEngine(cc)
			if err != nil {
				return err
			}
			defer local.Close()

			svc, db, err := buildRecoveryService(cc)
			if err != nil {
				return err
			}
			defer db.Close()
			defer svc.Stop()

			password, err := promptPassword(false)
			if err != nil {
				return err
			}

			if !engine.Unlock(password) {
				return errors.New("wrong password")
			}
			defer engine.Lock()

			g, gctx := errgroup.WithContext(ctx)

			if cc.Cfg.Recovery.FeedAddr != "" {
				feed := recovery.NewEventFeed(svc, cc.Cfg.Recovery.FeedAddr, cc.Logger)
				g.Go(func() error { return feed.Run(gctx) })
			}

			if cc.Cfg.Recovery.StateFile != "" {
				watcher := recovery.NewStateFileWatcher(svc, cc.Cfg.Recovery.StateFile, cc.Logger)
				g.Go(func() error { return watcher.Run(gctx) })
			}

			g.Go(func() error { return syncLoop(gctx, engine, flagSyncInterval, cc) })

			return g.Wait()
		},
	}

	cmd.Flags().DurationVar(&flagSyncInterval, "sync-interval", 5*time.Minute, "time between full syncs")

	return cmd
}

// syncLoop drains the queue and runs a full sync on every tick.
func syncLoop(ctx context.Context, engine *cloudsync.Engine, interval time.Duration, cc *CLIContext) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := engine.ProcessQueue(ctx); err != nil && !errors.Is(err, context.Canceled) {
			cc.Logger.Warn("queue drain failed", "error", err.Error())
		}

		result := engine.PerformFullSync(ctx)
		if !result.Success {
			for _, msg := range result.Errors {
				cc.Logger.Warn("sync error", "detail", msg)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
