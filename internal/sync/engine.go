package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/syncagent/syncagent/internal/client"
	"github.com/syncagent/syncagent/internal/cryptor"
)

// statusInterval is how often watch mode pushes a status report to
// the server.
const statusInterval = 2 * time.Second

// Options configures an Engine.
type Options struct {
	// Root is the local sync directory.
	Root string
	// API is the authenticated server client.
	API *client.Client
	// Store is the opened client state database.
	Store *Store
	// Cryptor seals and opens chunk content.
	Cryptor *cryptor.Cryptor
	// MachineName tags conflict copies made on this machine.
	MachineName string
	// Workers is the transfer concurrency; <= 0 selects the default.
	Workers int
	// Debounce and SyncDelay tune the watcher; zero values get the
	// configuration defaults upstream, not here.
	Debounce  time.Duration
	SyncDelay time.Duration
	// OnConflict, if set, is invoked for every conflict copy created.
	OnConflict func(ConflictInfo)
	// OnResult, if set, is invoked per finished transfer (nil error on
	// success). Cancellations are not reported.
	OnResult func(path string, transfer TransferType, err error)

	Logger *slog.Logger
}

// Engine ties the sync pipeline together: scanners and watchers feed
// the queue, the coordinator dispatches to the pool, the transferrer
// moves bytes.
type Engine struct {
	root     string
	queue    *Queue
	scanner  *Scanner
	watcher  *Watcher
	listener *Listener
	coord    *Coordinator
	pool     *Pool
	transfer *Transferrer
	logger   *slog.Logger
}

// NewEngine assembles an engine. The ignore rules are compiled here,
// so a changed .syncignore needs a new engine (each CLI invocation
// builds one).
func NewEngine(opts Options) (*Engine, error) {
	ignorer, err := NewIgnorer(opts.Root)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		root:   opts.Root,
		logger: opts.Logger,
	}

	e.queue = NewQueue(opts.Store, opts.Logger)

	conflictHook := func(info ConflictInfo) {
		e.coord.AddConflict()
		if opts.OnConflict != nil {
			opts.OnConflict(info)
		}
	}

	e.transfer = NewTransferrer(opts.Root, opts.API, opts.Store, opts.Cryptor,
		e.queue, opts.MachineName, conflictHook, opts.Logger)
	e.pool = NewPool(opts.API, e.transfer, e.queue, opts.Workers, opts.Logger)
	e.coord = NewCoordinator(e.queue, e.pool, opts.Store, opts.Logger)
	e.coord.OnResult = opts.OnResult
	e.scanner = NewScanner(opts.Root, ignorer, opts.Store, opts.API, e.queue, opts.Logger)
	e.watcher = NewWatcher(opts.Root, ignorer, opts.Store, e.queue,
		opts.Debounce, opts.SyncDelay, opts.Logger)
	e.listener = NewListener(opts.API, e.scanner, e.queue, opts.Logger)

	return e, nil
}

// RunOnce performs a single full synchronization pass: replay the
// journal, scan both sides, transfer until idle.
func (e *Engine) RunOnce(ctx context.Context) (Summary, error) {
	poolCtx, stopPool := context.WithCancel(ctx)
	defer func() {
		stopPool()
		e.pool.Stop()
	}()
	e.pool.Start(poolCtx)

	if replayed, err := e.queue.Replay(ctx); err != nil {
		return Summary{}, err
	} else if replayed > 0 {
		e.logger.Info("replayed journaled events", slog.Int("events", replayed))
	}

	if _, err := e.scanner.ScanLocal(ctx); err != nil {
		return Summary{}, err
	}
	if _, err := e.scanner.ScanRemote(ctx); err != nil {
		// The server being unreachable must not block pushing local
		// work later; report it instead of half-syncing silently.
		return Summary{}, fmt.Errorf("sync: remote scan: %w", err)
	}

	summary, err := e.coord.Drain(ctx)
	if err != nil {
		return summary, err
	}

	e.logger.Info("sync pass complete",
		slog.Int("uploaded", summary.Uploaded),
		slog.Int("downloaded", summary.Downloaded),
		slog.Int("deleted", summary.Deleted),
		slog.Int("conflicts", summary.Conflicts),
		slog.Int("errors", summary.Errors))
	return summary, nil
}

// Watch runs continuous synchronization until ctx is canceled: an
// initial full pass, then the watcher and the server socket feed the
// queue as changes happen.
func (e *Engine) Watch(ctx context.Context) error {
	poolCtx, stopPool := context.WithCancel(context.WithoutCancel(ctx))
	defer func() {
		stopPool()
		e.pool.Stop()
	}()
	e.pool.Start(poolCtx)

	if replayed, err := e.queue.Replay(ctx); err != nil {
		return err
	} else if replayed > 0 {
		e.logger.Info("replayed journaled events", slog.Int("events", replayed))
	}

	// Initial catch-up; the listener repeats the remote half on every
	// reconnect.
	if _, err := e.scanner.ScanLocal(ctx); err != nil {
		return err
	}
	if _, err := e.scanner.ScanRemote(ctx); err != nil {
		e.logger.Warn("initial remote scan failed; continuing offline",
			slog.String("error", err.Error()))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.watcher.Run(gctx) })
	g.Go(func() error { return e.listener.Run(gctx) })
	g.Go(func() error { return e.coord.Run(gctx) })
	g.Go(func() error {
		e.statusLoop(gctx)
		return nil
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// statusLoop periodically reports live state over the socket for the
// dashboard.
func (e *Engine) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			uploads, downloads := e.pool.InFlight()
			pending := e.coord.Pending()

			state := "IDLE"
			if pending > 0 || uploads > 0 || downloads > 0 {
				state = "SYNCING"
			}

			e.listener.SendStatus(ctx, StatusReport{
				State:               state,
				FilesPending:        pending,
				UploadsInProgress:   uploads,
				DownloadsInProgress: downloads,
				UploadSpeed:         e.transfer.UploadMeter.BytesPerSecond(),
				DownloadSpeed:       e.transfer.DownloadMeter.BytesPerSecond(),
			})
		}
	}
}
