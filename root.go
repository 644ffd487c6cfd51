package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/syncagent/syncagent/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagServerURL  string
	flagSyncDir    string
	flagJSON       bool
	flagVerbose    bool
	flagQuiet      bool
)

// resolvedCfg holds the effective configuration loaded by
// PersistentPreRunE. Available to all subcommands after the root
// pre-run phase completes, except for commands in skipConfigCommands.
var resolvedCfg *config.Config

// skipConfigCommands lists commands that run before a config file can
// exist (init, register) or that never read one (key management).
// Keyed on CommandPath() so future subcommands cannot collide by
// sharing a short name.
var skipConfigCommands = map[string]bool{
	"syncagent init":       true,
	"syncagent register":   true,
	"syncagent unlock":     true,
	"syncagent reset":      true,
	"syncagent export-key": true,
	"syncagent import-key": true,
}

// usageError marks command-line mistakes (bad flags, wrong arity) so
// main can exit with status 2 instead of 1.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// newRootCmd builds the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "syncagent",
		Short:   "End-to-end encrypted file synchronization client",
		Long:    "SyncAgent keeps a local folder in sync across machines through a server\nthat only ever sees encrypted chunks.",
		Version: version,
		// Silence cobra's default error/usage printing; main handles it.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if skipConfigCommands[cmd.CommandPath()] {
				return nil
			}

			return loadConfig(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().StringVar(&flagServerURL, "server", "", "server base URL")
	cmd.PersistentFlags().StringVar(&flagSyncDir, "sync-dir", "", "local directory to sync")
	cmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newUnlockCmd())
	cmd.AddCommand(newResetCmd())
	cmd.AddCommand(newExportKeyCmd())
	cmd.AddCommand(newImportKeyCmd())
	cmd.AddCommand(newRegisterCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newMachinesCmd())
	cmd.AddCommand(newTrashCmd())
	cmd.AddCommand(newConflictsCmd())

	return cmd
}

// loadConfig resolves the effective configuration from the four-layer
// override chain and stores the result in resolvedCfg.
func loadConfig(cmd *cobra.Command) error {
	path := flagConfigPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			return fmt.Errorf("locating config: %w", err)
		}
	}

	cli := config.CLIOverrides{}
	if cmd.Flags().Changed("server") {
		cli.ServerURL = &flagServerURL
	}
	if cmd.Flags().Changed("sync-dir") {
		cli.SyncDir = &flagSyncDir
	}

	resolved, err := config.Resolve(path, cli)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	resolvedCfg = resolved

	return nil
}

// buildLogger creates an slog.Logger configured by the resolved config
// and CLI flags. The config file sets the baseline level; --verbose
// and --quiet win because CLI flags always win.
func buildLogger() *slog.Logger {
	level := slog.LevelInfo

	if resolvedCfg != nil {
		switch resolvedCfg.Logging.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// exitOnError prints a user-friendly error message to stderr and exits
// with status 1.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// exitUsage prints the error and exits with status 2 (usage error).
func exitUsage(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(2)
}
