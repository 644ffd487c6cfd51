package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/syncagent/syncagent/internal/chunker"
	"github.com/syncagent/syncagent/internal/client"
)

// tempSuffix marks in-progress downloads. The target path is only
// ever written by an atomic rename, so readers never see a
// half-fetched file.
const tempSuffix = ".tmp"

// Download fetches the server's version of the task's path: chunk
// list, per-chunk download + decrypt into a temp file, atomic rename.
func (tr *Transferrer) Download(ctx context.Context, t *Task) error {
	relPath := t.Event.Path
	absPath := tr.abs(relPath)

	if err := tr.guardLocalModifications(ctx, relPath, absPath); err != nil {
		return err
	}

	server, err := tr.api.GetFile(ctx, relPath)
	if client.IsNotFound(err) {
		// Deleted or trashed since the event was queued; the delete
		// event follows through the change feed.
		tr.logger.Debug("download skipped: file gone from server", slog.String("path", relPath))
		return nil
	}
	if err != nil {
		return err
	}

	hashes, err := tr.api.FileChunks(ctx, relPath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("sync: creating directories for %q: %w", relPath, err)
	}

	tmpPath := absPath + tempSuffix
	if err := tr.fetchToTemp(ctx, t, tmpPath, hashes); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, absPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("sync: placing downloaded file %q: %w", relPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return fmt.Errorf("sync: inspecting downloaded file %q: %w", relPath, err)
	}

	return tr.store.MarkSynced(ctx, &FileState{
		Path:          relPath,
		ServerFileID:  server.ID,
		ServerVersion: server.Version,
		ContentHash:   server.ContentHash,
		ChunkHashes:   hashes,
		LocalMtime:    info.ModTime().UnixNano(),
		LocalSize:     info.Size(),
	})
}

// guardLocalModifications protects unsynced local content from being
// overwritten: an untracked file at the target, or a tracked one that
// drifted from its recorded mtime/size, is preserved as a conflict
// copy before any bytes land.
func (tr *Transferrer) guardLocalModifications(ctx context.Context, relPath, absPath string) error {
	info, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync: inspecting %q: %w", relPath, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("sync: refusing to replace non-regular file %q", relPath)
	}

	st, err := tr.store.Get(ctx, relPath)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}

	mtime, size := info.ModTime().UnixNano(), info.Size()
	clean := st != nil && mtime == st.LocalMtime && size == st.LocalSize
	if clean {
		return nil
	}

	copyRel, err := tr.preserveAsConflictCopy(ctx, relPath, mtime, size)
	if errors.Is(err, errConflictRetry) {
		// Still being written; the download can proceed once the
		// writer settles. Re-running the whole task is the safe move.
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
	return nil
}

// fetchToTemp downloads and decrypts every chunk into tmpPath,
// probing for cancellation between chunks. An empty hash list yields
// an empty file.
func (tr *Transferrer) fetchToTemp(ctx context.Context, t *Task, tmpPath string, hashes []string) error {
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("sync: creating temp file for %q: %w", t.Event.Path, err)
	}
	defer f.Close()

	for _, hash := range hashes {
		if t.Cancel.Canceled() || ctx.Err() != nil {
			return errCanceled
		}

		sealed, err := tr.api.GetChunk(ctx, hash)
		if err != nil {
			return err
		}
		plain, err := tr.crypt.Open(sealed)
		if err != nil {
			return err
		}
		if got := chunker.HashBytes(plain); got != hash {
			return fmt.Errorf("sync: chunk %s decrypted to wrong content (got %s)", hash, got)
		}

		if _, err := f.Write(plain); err != nil {
			return fmt.Errorf("sync: writing temp file for %q: %w", t.Event.Path, err)
		}
		tr.DownloadMeter.Record(int64(len(sealed)))
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: flushing temp file for %q: %w", t.Event.Path, err)
	}
	return nil
}
