package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/syncagent/syncagent/internal/client"
)

// Delete propagates a deletion in whichever direction the event
// points: local deletions go to the server, remote deletions remove
// the local file.
func (tr *Transferrer) Delete(ctx context.Context, t *Task) error {
	switch t.Event.Type {
	case LocalDeleted:
		return tr.deleteRemote(ctx, t.Event.Path)
	case RemoteDeleted:
		return tr.deleteLocal(ctx, t.Event.Path)
	default:
		return fmt.Errorf("sync: delete task carries %s event", t.Event.Type)
	}
}

// deleteRemote mirrors a local deletion to the server. A 404 means
// another machine already deleted it, which is the outcome we wanted.
func (tr *Transferrer) deleteRemote(ctx context.Context, relPath string) error {
	err := tr.api.DeleteFile(ctx, relPath)
	if err != nil && !client.IsNotFound(err) {
		return err
	}

	if err := tr.store.Remove(ctx, relPath); err != nil {
		return err
	}
	tr.logger.Info("deletion synced to server", slog.String("path", relPath))
	return nil
}

// deleteLocal removes the local file for a server-side deletion. The
// file is only removed while it still matches the tracked mtime and
// size: unsynced local edits survive as a conflict copy instead.
func (tr *Transferrer) deleteLocal(ctx context.Context, relPath string) error {
	absPath := tr.abs(relPath)

	st, err := tr.store.Get(ctx, relPath)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}

	info, statErr := os.Lstat(absPath)
	switch {
	case os.IsNotExist(statErr):
		// Already gone locally.

	case statErr != nil:
		return fmt.Errorf("sync: inspecting %q: %w", relPath, statErr)

	case st != nil && info.ModTime().UnixNano() == st.LocalMtime && info.Size() == st.LocalSize:
		if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("sync: removing %q: %w", relPath, err)
		}
		tr.logger.Info("remote deletion applied", slog.String("path", relPath))

	default:
		// The local copy drifted from what the server deleted: keep
		// the local content as a conflict copy.
		copyRel, err := tr.preserveAsConflictCopy(ctx, relPath,
			info.ModTime().UnixNano(), info.Size())
		if errors.Is(err, errConflictRetry) {
			return errConflictRetry
		}
		if err != nil {
			return err
		}
		if tr.onConflict != nil {
			tr.onConflict(ConflictInfo{
				Path:         relPath,
				ConflictCopy: copyRel,
				Type:         ConflictConcurrentEvent,
			})
		}
	}

	return tr.store.Remove(ctx, relPath)
}
