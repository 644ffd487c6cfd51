package sync

import (
	"context"
	"errors"
	"log/slog"
	stdsync "sync"
)

// transferState is the coordinator's record of one in-flight
// transfer. Only the coordinator goroutine touches the map; workers
// see nothing but the task and its cancel flag.
type transferState struct {
	event                 Event
	transfer              TransferType
	cancel                *cancelFlag
	baseVersion           int64
	detectedServerVersion int64
	conflictType          ConflictType
}

// Coordinator is the single goroutine that owns transfer dispatch: it
// consumes the event queue, applies the concurrency rules between new
// events and in-flight transfers, hands tasks to the pool, and folds
// results into the run summary.
type Coordinator struct {
	queue  *Queue
	pool   *Pool
	store  *Store
	logger *slog.Logger

	// OnResult, if set, is invoked after every finished transfer with
	// a nil error on success. The CLI uses it for per-file progress
	// lines. Set before Run/Drain; called from the coordinator
	// goroutine.
	OnResult func(path string, transfer TransferType, err error)

	// mu guards the maps and the summary: the maps are written only
	// by the coordinator goroutine but read by the status reporter.
	mu       stdsync.Mutex
	inflight map[string]*transferState
	// deferred holds at most one superseding event per path, waiting
	// for the path's in-flight transfer to finish. Kept out of the
	// queue so the drain loop never spins on events it cannot run yet.
	deferred map[string]Event
	summary  Summary
}

// NewCoordinator creates a coordinator over the queue and pool.
func NewCoordinator(queue *Queue, pool *Pool, store *Store, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		queue:    queue,
		pool:     pool,
		store:    store,
		logger:   logger,
		inflight: make(map[string]*transferState),
		deferred: make(map[string]Event),
	}
}

// Drain processes events until the queue is empty and no transfer is
// in flight, then returns the accumulated summary. One-shot sync runs
// call this after the scanners have filled the queue.
func (c *Coordinator) Drain(ctx context.Context) (Summary, error) {
	for {
		if c.queue.Len() == 0 && c.inflightCount() == 0 {
			return c.Summary(), nil
		}

		ev, err := c.queue.Get(ctx)
		if err != nil {
			return c.Summary(), err
		}
		c.handle(ctx, ev)
	}
}

// Run processes events until ctx is canceled. Watch mode runs this
// alongside the watcher and listener.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		ev, err := c.queue.Get(ctx)
		if err != nil {
			return nil
		}
		c.handle(ctx, ev)
	}
}

// Summary returns a copy of the accumulated counters.
func (c *Coordinator) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.summary
}

// AddConflict counts a resolved conflict. Called from the transfer
// workers' conflict callback via the engine.
func (c *Coordinator) AddConflict() {
	c.mu.Lock()
	c.summary.Conflicts++
	c.mu.Unlock()
}

// Pending returns how many paths still have queued, deferred, or
// in-flight work.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.queue.Len() + len(c.inflight) + len(c.deferred)
}

func (c *Coordinator) inflightCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.inflight)
}

func (c *Coordinator) handle(ctx context.Context, ev Event) {
	switch ev.Type {
	case TransferComplete, TransferFailed:
		c.finish(ctx, ev)
		return
	}

	c.mu.Lock()
	st, ok := c.inflight[ev.Path]
	c.mu.Unlock()

	if ok {
		c.reconcile(ctx, ev, st)
		return
	}
	c.dispatch(ctx, ev)
}

// reconcile applies the decision matrix between a new event and the
// in-flight transfer on the same path.
func (c *Coordinator) reconcile(ctx context.Context, ev Event, st *transferState) {
	logger := c.logger.With(
		slog.String("path", ev.Path),
		slog.String("event", ev.Type.String()),
		slog.String("in_flight", st.transfer.String()))

	switch {
	case st.transfer == TransferUpload && ev.Type == LocalDeleted:
		// The content being uploaded no longer exists: stop, then let
		// the delete run once the slot frees.
		logger.Info("canceling upload: file deleted locally")
		st.cancel.Cancel()
		c.hold(ev)

	case st.transfer == TransferUpload && ev.Type.IsLocal():
		// The running upload reads the file as it is now; the watcher
		// re-fires if it changes again after the manifest.
		logger.Debug("ignoring local event during upload")

	case st.transfer == TransferUpload && ev.Type.IsRemote():
		// Server moved while our upload was in flight. Cancel; the
		// remote event re-runs after the slot frees and the download
		// path preserves the local content as a conflict copy.
		logger.Info("canceling upload: concurrent server change",
			slog.Int64("server_version", ev.ServerVersion))
		st.conflictType = ConflictConcurrentEvent
		st.detectedServerVersion = ev.ServerVersion
		st.cancel.Cancel()
		c.hold(ev)

	case st.transfer == TransferDownload && ev.Type.IsLocal():
		// Local edits outrank a download in progress.
		logger.Info("canceling download: local change")
		st.cancel.Cancel()
		c.hold(ev)

	case st.transfer == TransferDownload && ev.Type.IsRemote():
		// The running download fetches whatever the server holds now;
		// if it races a newer version, the follow-up event re-queues.
		logger.Debug("ignoring remote event during download")

	default:
		// A delete is quick and terminal: hold the event until the
		// slot frees.
		logger.Debug("deferring event behind in-flight delete")
		c.hold(ev)
	}
}

func (c *Coordinator) hold(ev Event) {
	c.mu.Lock()
	c.deferred[ev.Path] = ev
	c.mu.Unlock()
}

// dispatch maps an event to a transfer task and submits it.
func (c *Coordinator) dispatch(ctx context.Context, ev Event) {
	var transfer TransferType
	switch ev.Type {
	case LocalCreated, LocalModified:
		transfer = TransferUpload
	case RemoteCreated, RemoteModified:
		transfer = TransferDownload
	case LocalDeleted, RemoteDeleted:
		transfer = TransferDelete
	default:
		c.logger.Warn("dropping unroutable event",
			slog.String("path", ev.Path), slog.String("event", ev.Type.String()))
		return
	}

	st := &transferState{
		event:    ev,
		transfer: transfer,
		cancel:   &cancelFlag{},
	}
	if row, err := c.store.Get(ctx, ev.Path); err == nil {
		st.baseVersion = row.ServerVersion
	}

	c.mu.Lock()
	c.inflight[ev.Path] = st
	c.mu.Unlock()

	c.logger.Debug("dispatching transfer",
		slog.String("path", ev.Path),
		slog.String("transfer", transfer.String()))
	c.pool.Submit(ctx, &Task{Event: ev, Transfer: transfer, Cancel: st.cancel})
}

// finish folds a transfer result into the summary, frees the path's
// slot, and dispatches any event that was waiting on it.
func (c *Coordinator) finish(ctx context.Context, ev Event) {
	c.mu.Lock()
	st, ok := c.inflight[ev.Path]
	if !ok {
		c.mu.Unlock()
		c.logger.Warn("result for unknown transfer", slog.String("path", ev.Path))
		return
	}
	delete(c.inflight, ev.Path)

	waiting, hasDeferred := c.deferred[ev.Path]
	delete(c.deferred, ev.Path)
	c.mu.Unlock()

	c.record(st, ev)

	if hasDeferred {
		c.dispatch(ctx, waiting)
	}
}

func (c *Coordinator) record(st *transferState, ev Event) {
	canceled := ev.Type == TransferFailed && errors.Is(ev.Err, errCanceled)

	c.mu.Lock()
	switch {
	case ev.Type == TransferFailed:
		// Cancellations are coordination, not failures: the
		// superseding event is deferred or queued already.
		if !canceled {
			c.summary.Errors++
		}
	case ev.conflictHandled:
		// The conflict protocol took over; the conflict callback
		// already counted it. Nothing finished transferring.
	default:
		switch st.transfer {
		case TransferUpload:
			c.summary.Uploaded++
		case TransferDownload:
			c.summary.Downloaded++
		case TransferDelete:
			c.summary.Deleted++
		}
	}
	c.mu.Unlock()

	if c.OnResult != nil && !canceled && !ev.conflictHandled {
		c.OnResult(ev.Path, st.transfer, ev.Err)
	}
}
