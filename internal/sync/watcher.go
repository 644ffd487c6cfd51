package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher turns filesystem notifications into queue events. fsnotify
// watches are per directory, so every directory under the sync root
// is registered and new directories are added as they appear.
//
// Events are debounced per batch: the flush timer resets on every
// notification, and once it fires the watcher waits one more
// sync-delay quiet period before classifying and enqueueing, so an
// application mid-save never syncs a half-written file.
type Watcher struct {
	root      string
	ignorer   *Ignorer
	store     *Store
	queue     *Queue
	debounce  time.Duration
	syncDelay time.Duration
	logger    *slog.Logger

	mu      stdsync.Mutex
	pending map[string]struct{}
	notify  chan struct{}
}

// NewWatcher creates a watcher for the sync root. Nothing happens
// until Run.
func NewWatcher(root string, ignorer *Ignorer, store *Store, queue *Queue,
	debounce, syncDelay time.Duration, logger *slog.Logger,
) *Watcher {
	return &Watcher{
		root:      root,
		ignorer:   ignorer,
		store:     store,
		queue:     queue,
		debounce:  debounce,
		syncDelay: syncDelay,
		logger:    logger,
		pending:   make(map[string]struct{}),
		notify:    make(chan struct{}, 1),
	}
}

// Run watches until ctx is canceled. A final flush drains whatever
// was pending at shutdown.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addRecursive(fsw, w.root); err != nil {
		return err
	}
	w.logger.Info("watcher started", slog.String("root", w.root))

	go w.flushLoop(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, ev)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", slog.String("error", err.Error()))
		}
	}
}

// handleEvent records the touched path and keeps the directory watch
// set current.
func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.root, ev.Name)
	if err != nil || rel == "." {
		return
	}
	relPath := filepath.ToSlash(rel)

	if w.ignorer.Match(relPath) {
		return
	}

	// A new directory needs a watch before its contents produce
	// events; files already inside it are picked up by the walk.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := w.addRecursive(fsw, ev.Name); err != nil {
				w.logger.Warn("watching new directory failed",
					slog.String("path", relPath), slog.String("error", err.Error()))
			}
		}
	}

	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) &&
		!ev.Op.Has(fsnotify.Remove) && !ev.Op.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	w.pending[relPath] = struct{}{}
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

// flushLoop drives the debounce window and the sync-delay tail.
func (w *Watcher) flushLoop(ctx context.Context) {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	active := false

	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx))
			return

		case <-w.notify:
			if !timer.Stop() && active {
				<-timer.C
			}
			timer.Reset(w.debounce)
			active = true

		case <-timer.C:
			active = false

			// Quiet tail: give saves that touch the file repeatedly a
			// chance to finish before any bytes move.
			select {
			case <-ctx.Done():
				w.flush(context.WithoutCancel(ctx))
				return
			case <-time.After(w.syncDelay):
			}
			w.flush(ctx)
		}
	}
}

// flush classifies every pending path against the disk and the state
// store, and enqueues the resulting events.
func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.pending
	w.pending = make(map[string]struct{})
	w.mu.Unlock()

	enqueued := 0
	for relPath := range batch {
		ev, ok := w.classify(ctx, relPath)
		if !ok {
			continue
		}
		w.queue.Put(ctx, ev)
		enqueued++
	}

	if enqueued > 0 {
		w.logger.Info("watcher batch flushed",
			slog.Int("paths", len(batch)), slog.Int("events", enqueued))
	}
}

// classify decides the event type from the file's current state
// rather than from the raw notification ops: by flush time the ops
// may describe a file that no longer exists (or one that reappeared),
// and a rename shows up here as a delete of the old path plus a
// create of the new one.
func (w *Watcher) classify(ctx context.Context, relPath string) (Event, bool) {
	st, trackErr := w.store.Get(ctx, relPath)
	tracked := trackErr == nil

	info, statErr := os.Lstat(filepath.Join(w.root, relPath))
	switch {
	case statErr == nil && info.Mode().IsRegular():
		if !tracked {
			return Event{Type: LocalCreated, Path: relPath}, true
		}
		// A synced row that still matches the disk is the echo of our
		// own completed transfer (the downloader's atomic rename, or
		// an upload's mtime capture) arriving back through fsnotify.
		// Re-feeding it would bump the server version for nothing and
		// ping-pong between watch-mode clients.
		if st.Status == StatusSynced &&
			info.ModTime().UnixNano() <= st.LocalMtime && info.Size() == st.LocalSize {
			return Event{}, false
		}
		return Event{Type: LocalModified, Path: relPath}, true

	case statErr == nil:
		// Directory or symlink: only regular files sync.
		return Event{}, false

	case os.IsNotExist(statErr):
		if tracked {
			return Event{Type: LocalDeleted, Path: relPath}, true
		}
		return Event{}, false

	default:
		w.logger.Warn("stat failed during flush",
			slog.String("path", relPath), slog.String("error", statErr.Error()))
		return Event{}, false
	}
}

// addRecursive registers dir and every directory below it, skipping
// ignored subtrees and symlinks.
func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			w.logger.Warn("walk error while registering watches",
				slog.String("path", path), slog.String("error", walkErr.Error()))
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return filepath.SkipDir
		}

		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return fmt.Errorf("sync: computing relative path for %s: %w", path, err)
		}
		if rel != "." && w.ignorer.Match(filepath.ToSlash(rel)) {
			return filepath.SkipDir
		}

		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("sync: watching %s: %w", path, err)
		}
		return nil
	})
}
