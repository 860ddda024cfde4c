// Command sessionvault is the device-local sync agent for the
// sessionvault browser extension: it holds the encrypted session
// library, reconciles it against the remote blob store, and maintains
// crash-recovery snapshots.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/sessionvault/sessionvault/internal/cloudsync"
	"github.com/sessionvault/sessionvault/internal/config"
	"github.com/sessionvault/sessionvault/internal/device"
	"github.com/sessionvault/sessionvault/internal/remote"
	"github.com/sessionvault/sessionvault/internal/store"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagDataDir    string
	flagVerbose    bool
	flagQuiet      bool
)

// CLIContext bundles everything a command handler needs. Created once in
// PersistentPreRunE.
type CLIContext struct {
	Cfg    *config.Config
	Paths  config.Paths
	Logger *slog.Logger
}

// cliContextKey is the context key for CLIContext.
type cliContextKey struct{}

// mustCLIContext extracts the CLIContext or panics. Panics are always
// programmer errors; PersistentPreRunE populates the context before any
// RunE executes.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext not found in context")
	}

	return cc
}

// newRootCmd builds the command tree.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "sessionvault",
		Short:         "End-to-end encrypted browser session sync",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()

			configPath := flagConfigPath
			if configPath == "" {
				configPath = filepath.Join(config.DefaultConfigDir(), config.ConfigFileName)
			}

			cfg, err := config.Load(configPath, logger)
			if err != nil {
				return err
			}

			dataDir := flagDataDir
			if dataDir == "" {
				dataDir = config.DefaultDataDir()
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, &CLIContext{
				Cfg:    cfg,
				Paths:  config.ResolvePaths(dataDir),
				Logger: logger,
			}))

			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "state directory path")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress status output")

	rootCmd.AddCommand(
		newSetupCmd(),
		newSyncCmd(),
		newSessionsCmd(),
		newStatusCmd(),
		newRecoveryCmd(),
		newWatchCmd(),
	)

	return rootCmd
}

// buildLogger creates the process logger: text output to stderr at info
// level, debug with --verbose. The [logging] config section is not read
// here, so its level and format settings do not change this logger.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// buildEngine assembles the sync engine and its collaborators. The
// caller owns Close on the returned store.
func buildEngine(cc *CLIContext) (*cloudsync.Engine, *store.Store, error) {
	deviceID, err := device.LoadOrCreate(cc.Paths.DeviceID)
	if err != nil {
		return nil, nil, err
	}

	local, err := store.New(cc.Paths.StateDB, cc.Cfg.Queue.BackoffPolicy(), cc.Logger)
	if err != nil {
		return nil, nil, err
	}

	httpClient := &http.Client{Timeout: cc.Cfg.Remote.Timeout()}
	remoteStore := remote.NewHTTPStore(cc.Cfg.Remote.BaseURL, httpClient, cc.Logger)

	engine := cloudsync.NewEngine(&cloudsync.EngineConfig{
		Store:              local,
		Remote:             remoteStore,
		KeyDataPath:        cc.Paths.KeyData,
		CredentialsPath:    cc.Paths.Credentials,
		DeviceID:           deviceID,
		TombstoneRetention: cc.Cfg.Sync.TombstoneRetention(),
		Logger:             cc.Logger,
	})

	return engine, local, nil
}

// exitOnError prints the error and exits non-zero.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// stdinIsTerminal reports whether stdin is an interactive terminal;
// password prompts refuse to run against pipes.
func stdinIsTerminal() bool {
	return isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd())
}
