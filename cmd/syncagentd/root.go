package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncagent/syncagent/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagListenAddr string
	flagDBPath     string
	flagBlobRoot   string
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective server configuration loaded by
// PersistentPreRunE.
var resolvedCfg *config.ServerConfig

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "syncagentd",
		Short:         "SyncAgent coordination server",
		Long:          "The server side of SyncAgent: encrypted chunk storage, file metadata\nwith optimistic-concurrency versioning, and change push over WebSocket.",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadConfig()
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagListenAddr, "listen", "", "listen address (e.g. :8080)")
	cmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "metadata database path")
	cmd.PersistentFlags().StringVar(&flagBlobRoot, "blobs", "", "chunk storage directory")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newInviteCmd())
	cmd.AddCommand(newPurgeCmd())

	return cmd
}

// loadConfig resolves the server configuration and fills in the data
// directory defaults for paths the file left unset.
func loadConfig() error {
	path := flagConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultServerConfigPath()
		if err != nil {
			return fmt.Errorf("locating config: %w", err)
		}
	}

	cli := config.ServerCLIOverrides{}
	if flagListenAddr != "" {
		cli.ListenAddr = &flagListenAddr
	}
	if flagDBPath != "" {
		cli.DatabasePath = &flagDBPath
	}
	if flagBlobRoot != "" {
		cli.BlobRoot = &flagBlobRoot
	}

	cfg, err := config.ResolveServer(path, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = cfg

	return nil
}

// buildLogger creates an slog.Logger from the config log level, with
// --verbose and --quiet winning.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	switch resolvedCfg.Logging.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(format string, args ...any) {
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// withStores opens the metadata and blob stores, runs fn, and closes
// the metadata store afterwards.
func withStores(ctx context.Context, logger *slog.Logger, fn func(*stores) error) error {
	st, err := openStores(ctx, logger)
	if err != nil {
		return err
	}
	defer st.meta.Close()

	return fn(st)
}
