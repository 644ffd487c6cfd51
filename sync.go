package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/syncagent/syncagent/internal/config"
	syncpkg "github.com/syncagent/syncagent/internal/sync"
)

func newSyncCmd() *cobra.Command {
	var (
		watch      bool
		noProgress bool
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the local folder with the server",
		Long: `Run one full synchronization pass: scan the sync folder and the server
change log, then upload, download and delete until both sides agree.

With --watch, keep running: filesystem events and server push
notifications trigger transfers as they happen.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), watch, noProgress)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "continuous sync until interrupted")
	cmd.Flags().BoolVar(&noProgress, "no-progress", false, "suppress per-file progress lines")

	return cmd
}

func runSync(parent context.Context, watch, noProgress bool) error {
	logger := buildLogger()

	ctx, stop := interruptibleContext(parent, logger)
	defer stop()

	env, err := newClientEnv(ctx, logger)
	if err != nil {
		return err
	}
	defer env.Store.Close()

	progress := newProgressPrinter(noProgress)

	engine, err := env.newEngine(logger, progress.conflict, progress.result)
	if err != nil {
		return err
	}

	if watch {
		pidPath, err := watchPIDPath()
		if err != nil {
			return err
		}

		cleanup, err := writePIDFile(pidPath)
		if err != nil {
			return err
		}
		defer cleanup()

		statusf("Watching %s (Ctrl-C to stop)\n", env.SyncDir)

		return engine.Watch(ctx)
	}

	summary, err := engine.RunOnce(ctx)
	progress.printSummary(summary)

	return err
}

// interruptibleContext cancels on SIGINT/SIGTERM so in-flight
// transfers can drain through the pool's grace period. The first
// signal also restores the default disposition, so interrupting
// again kills the process instead of waiting on a hung drain.
func interruptibleContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		if parent.Err() != nil {
			return
		}
		stop()
		logger.Info("stopping sync, interrupt again to exit immediately")
	}()

	return ctx, stop
}

// watchPIDPath is where sync --watch records its PID so a second
// watcher on the same state refuses to start.
func watchPIDPath() (string, error) {
	dir, err := config.DefaultConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "watch.pid"), nil
}

// ANSI colors for the conflict and error sections. Disabled when
// stdout is not a terminal.
const (
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorReset  = "\033[0m"
)

// progressPrinter renders per-file lines as transfers finish, and the
// closing summary. All methods may be called from the coordinator
// goroutine; output goes straight to stdout/stderr.
type progressPrinter struct {
	perFile   bool
	colorize  bool
	conflicts []syncpkg.ConflictInfo
	failures  []string
}

func newProgressPrinter(noProgress bool) *progressPrinter {
	tty := isatty.IsTerminal(os.Stdout.Fd())

	return &progressPrinter{
		perFile:  tty && !noProgress && !flagQuiet,
		colorize: tty,
	}
}

func (p *progressPrinter) result(path string, transfer syncpkg.TransferType, err error) {
	if err != nil {
		p.failures = append(p.failures, fmt.Sprintf("%s: %v", path, err))
		return
	}

	if !p.perFile {
		return
	}

	var verb string
	switch transfer {
	case syncpkg.TransferUpload:
		verb = "uploaded"
	case syncpkg.TransferDownload:
		verb = "downloaded"
	case syncpkg.TransferDelete:
		verb = "deleted"
	}

	fmt.Printf("  %-10s %s\n", verb, path)
}

func (p *progressPrinter) conflict(info syncpkg.ConflictInfo) {
	p.conflicts = append(p.conflicts, info)
}

func (p *progressPrinter) printSummary(s syncpkg.Summary) {
	if len(p.conflicts) > 0 {
		fmt.Println(p.paint(colorYellow, "Conflicts:"))
		for _, c := range p.conflicts {
			fmt.Printf("  %s -> kept server copy, local saved as %s\n", c.Path, c.ConflictCopy)
		}
	}

	if len(p.failures) > 0 {
		fmt.Println(p.paint(colorRed, "Errors:"))
		for _, f := range p.failures {
			fmt.Printf("  %s\n", f)
		}
	}

	if flagQuiet {
		return
	}

	parts := []string{
		fmt.Sprintf("%d uploaded", s.Uploaded),
		fmt.Sprintf("%d downloaded", s.Downloaded),
		fmt.Sprintf("%d deleted", s.Deleted),
	}
	if s.Conflicts > 0 {
		parts = append(parts, fmt.Sprintf("%d conflicts", s.Conflicts))
	}
	if s.Errors > 0 {
		parts = append(parts, fmt.Sprintf("%d errors", s.Errors))
	}

	fmt.Printf("Sync complete: %s\n", strings.Join(parts, ", "))
}

func (p *progressPrinter) paint(color, s string) string {
	if !p.colorize {
		return s
	}

	return color + s + colorReset
}
