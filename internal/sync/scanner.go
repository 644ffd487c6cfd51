package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"

	"github.com/syncagent/syncagent/internal/client"
)

// Scanner detects changes the watcher and listener missed: the local
// walk catches edits made while the engine was not running, the
// remote pass catches server changes made while the socket was down.
type Scanner struct {
	root    string
	ignorer *Ignorer
	store   *Store
	api     *client.Client
	queue   *Queue
	logger  *slog.Logger
}

// NewScanner creates a scanner over the sync root.
func NewScanner(root string, ignorer *Ignorer, store *Store, api *client.Client,
	queue *Queue, logger *slog.Logger,
) *Scanner {
	return &Scanner{
		root:    root,
		ignorer: ignorer,
		store:   store,
		api:     api,
		queue:   queue,
		logger:  logger,
	}
}

// ScanLocal walks the sync root, compares against the state store,
// and enqueues LOCAL_* events. Returns the number of events queued.
func (s *Scanner) ScanLocal(ctx context.Context) (int, error) {
	tracked, err := s.store.All(ctx)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]bool, len(tracked))
	queued := 0

	err = filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			s.logger.Warn("walk error during local scan",
				slog.String("path", path), slog.String("error", walkErr.Error()))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == s.root {
			return nil
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return fmt.Errorf("sync: computing relative path for %s: %w", path, err)
		}
		relPath := filepath.ToSlash(rel)

		if s.ignorer.Match(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			// Disappeared between readdir and stat.
			return nil
		}
		seen[relPath] = true

		if ev, ok := s.classifyLocal(ctx, relPath, tracked[relPath], info.ModTime().UnixNano(), info.Size()); ok {
			s.queue.Put(ctx, ev)
			queued++
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return queued, fmt.Errorf("sync: local scan canceled: %w", ctx.Err())
		}
		return queued, fmt.Errorf("sync: walking %s: %w", s.root, err)
	}

	// Tracked paths that no longer exist on disk.
	for path, st := range tracked {
		if seen[path] {
			continue
		}
		if st.Status == StatusConflict {
			continue
		}
		s.queue.Put(ctx, Event{Type: LocalDeleted, Path: path})
		if err := s.store.MarkDeleted(ctx, path); err != nil {
			s.logger.Warn("marking deleted failed",
				slog.String("path", path), slog.String("error", err.Error()))
		}
		queued++
	}

	s.logger.Info("local scan complete",
		slog.Int("files", len(seen)), slog.Int("events", queued))
	return queued, nil
}

// classifyLocal maps one on-disk file to a queue event, updating the
// state row for newly seen or drifted files.
func (s *Scanner) classifyLocal(ctx context.Context, relPath string, st *FileState, mtime, size int64) (Event, bool) {
	if st == nil {
		if err := s.store.MarkNew(ctx, relPath, mtime, size); err != nil {
			s.logger.Warn("tracking new file failed",
				slog.String("path", relPath), slog.String("error", err.Error()))
		}
		return Event{Type: LocalCreated, Path: relPath}, true
	}

	switch st.Status {
	case StatusSynced:
		if mtime > st.LocalMtime || size != st.LocalSize {
			if err := s.store.MarkModified(ctx, relPath); err != nil {
				s.logger.Warn("marking modified failed",
					slog.String("path", relPath), slog.String("error", err.Error()))
			}
			return Event{Type: LocalModified, Path: relPath}, true
		}
		return Event{}, false

	case StatusNew:
		return Event{Type: LocalCreated, Path: relPath}, true

	case StatusModified, StatusPendingUpload:
		// PENDING_UPLOAD here means a crash between dispatch and
		// confirmation; the upload re-runs from progress.
		return Event{Type: LocalModified, Path: relPath}, true

	case StatusDeleted:
		// The file came back before the delete synced.
		return Event{Type: LocalModified, Path: relPath}, true

	case StatusConflict:
		// Frozen until the conflict protocol resolves it.
		return Event{}, false

	default:
		return Event{}, false
	}
}

// ScanRemote fetches the change log from the stored cursor and
// enqueues REMOTE_* events, advancing the cursor past what it
// consumed. When the change log is unavailable it falls back to a
// full listing diff.
func (s *Scanner) ScanRemote(ctx context.Context) (int, error) {
	cursor, err := s.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}

	queued := 0
	since := cursor

	for {
		page, err := s.api.Changes(ctx, since, 0)
		if err != nil {
			if ctx.Err() != nil {
				return queued, err
			}
			s.logger.Warn("change log unavailable, falling back to full listing",
				slog.String("error", err.Error()))
			return s.scanRemoteFull(ctx)
		}

		for _, ch := range page.Changes {
			if ev, ok := s.classifyRemote(ctx, ch); ok {
				s.queue.Put(ctx, ev)
				queued++
			}
		}

		if len(page.Changes) > 0 {
			since = page.Latest
			if err := s.store.SetCursor(ctx, since); err != nil {
				return queued, err
			}
		}
		if !page.HasMore {
			break
		}
	}

	s.logger.Info("remote scan complete", slog.Int("events", queued))
	return queued, nil
}

// classifyRemote maps one change log entry to a queue event. Paths
// with unsynced local work are skipped: local wins until the worker
// resolves the divergence.
func (s *Scanner) classifyRemote(ctx context.Context, ch client.Change) (Event, bool) {
	st, err := s.store.Get(ctx, ch.Path)
	tracked := err == nil

	if tracked {
		switch st.Status {
		case StatusModified, StatusNew, StatusConflict, StatusPendingUpload:
			s.logger.Debug("skipping remote change for locally modified path",
				slog.String("path", ch.Path), slog.String("status", string(st.Status)))
			return Event{}, false
		}
	}

	switch ch.Action {
	case client.ActionDeleted:
		if !tracked {
			return Event{}, false
		}
		return Event{Type: RemoteDeleted, Path: ch.Path, ServerVersion: ch.Version}, true

	case client.ActionCreated, client.ActionUpdated:
		// Our own committed changes come back through the log; the
		// version check drops them.
		if tracked && st.ServerVersion >= ch.Version {
			return Event{}, false
		}
		typ := RemoteCreated
		if tracked {
			typ = RemoteModified
		}
		return Event{Type: typ, Path: ch.Path, ServerVersion: ch.Version}, true

	default:
		s.logger.Warn("unknown change action", slog.String("action", ch.Action))
		return Event{}, false
	}
}

// scanRemoteFull diffs a full server listing against local state.
// This path cannot detect server-side deletions; only the change log
// carries those.
func (s *Scanner) scanRemoteFull(ctx context.Context) (int, error) {
	files, err := s.api.ListFiles(ctx, "")
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, f := range files {
		ev, ok := s.classifyRemote(ctx, client.Change{
			Path:    f.Path,
			Action:  client.ActionUpdated,
			Version: f.Version,
		})
		if !ok {
			continue
		}
		if _, err := s.store.Get(ctx, f.Path); err != nil {
			ev.Type = RemoteCreated
		}
		s.queue.Put(ctx, ev)
		queued++
	}

	// Move the cursor to now so the next incremental scan does not
	// replay the entire log.
	if latest, err := s.api.LatestChange(ctx); err == nil && !latest.IsZero() {
		if err := s.store.SetCursor(ctx, latest); err != nil {
			return queued, err
		}
	}

	s.logger.Warn("full listing fallback complete; server-side deletions were not detected",
		slog.Int("events", queued))
	return queued, nil
}
