package sync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/syncagent/syncagent/internal/client"
	"github.com/syncagent/syncagent/internal/cryptor"
)

// Transferrer executes the actual byte movement for the pool: upload,
// download, and delete, plus the conflict protocol they share. All
// methods are safe for concurrent use across paths; the coordinator
// guarantees at most one in-flight transfer per path.
type Transferrer struct {
	root        string
	api         *client.Client
	store       *Store
	crypt       *cryptor.Cryptor
	queue       *Queue
	machineName string
	onConflict  func(ConflictInfo)
	logger      *slog.Logger

	// UploadMeter and DownloadMeter feed the dashboard speed figures.
	UploadMeter   SpeedMeter
	DownloadMeter SpeedMeter
}

// NewTransferrer creates the transfer executor. onConflict may be nil.
func NewTransferrer(root string, api *client.Client, store *Store, crypt *cryptor.Cryptor,
	queue *Queue, machineName string, onConflict func(ConflictInfo), logger *slog.Logger,
) *Transferrer {
	return &Transferrer{
		root:        root,
		api:         api,
		store:       store,
		crypt:       crypt,
		queue:       queue,
		machineName: machineName,
		onConflict:  onConflict,
		logger:      logger,
	}
}

func (tr *Transferrer) abs(relPath string) string {
	return filepath.Join(tr.root, filepath.FromSlash(relPath))
}

// conflictCopyName derives the sibling name a diverged local file is
// renamed to. The machine name makes copies from different machines
// distinguishable when they land in the same directory.
func conflictCopyName(relPath, machineName string, now time.Time) string {
	dir := path.Dir(relPath)
	base := path.Base(relPath)

	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	stamp := now.UTC().Format("20060102T150405.000")
	stamp = strings.Replace(stamp, ".", "", 1)

	name := fmt.Sprintf("%s.conflict-%s-%s%s", stem, stamp, machineName, ext)
	if dir == "." {
		return name
	}
	return dir + "/" + name
}

// preserveAsConflictCopy renames the local file at relPath to a
// conflict copy and tracks the copy as a new local file. The rename
// carries a race probe: if the file's mtime or size no longer match
// what the caller observed, the rename is rolled back and
// errConflictRetry is returned so the original event re-runs.
func (tr *Transferrer) preserveAsConflictCopy(ctx context.Context, relPath string, expectMtime, expectSize int64) (string, error) {
	src := tr.abs(relPath)
	copyRel := conflictCopyName(relPath, tr.machineName, time.Now())
	dst := tr.abs(copyRel)

	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("sync: renaming %q to conflict copy: %w", relPath, err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		return "", fmt.Errorf("sync: inspecting conflict copy %q: %w", copyRel, err)
	}
	if info.ModTime().UnixNano() != expectMtime || info.Size() != expectSize {
		// The file was being written while we renamed it. Put it back
		// and let the event re-run once the writer settles.
		if err := os.Rename(dst, src); err != nil {
			return "", fmt.Errorf("sync: rolling back conflict rename for %q: %w", relPath, err)
		}
		return "", errConflictRetry
	}

	if err := tr.store.MarkNew(ctx, copyRel, info.ModTime().UnixNano(), info.Size()); err != nil {
		return "", err
	}
	tr.queue.Put(ctx, Event{Type: LocalCreated, Path: copyRel})

	tr.logger.Info("local file preserved as conflict copy",
		slog.String("path", relPath), slog.String("copy", copyRel))
	return copyRel, nil
}

// errConflictRetry signals that the conflict protocol could not
// safely rename the file and the original event must re-run.
var errConflictRetry = fmt.Errorf("sync: file changed during conflict rename")

// resolveUploadConflict runs the conflict protocol after an upload
// found the server ahead of its base version. localHash is the
// content hash the upload computed; mtime/size are the values from
// the same manifest pass.
func (tr *Transferrer) resolveUploadConflict(ctx context.Context, t *Task,
	typ ConflictType, localHash string, mtime, size int64,
) (ConflictOutcome, error) {
	relPath := t.Event.Path

	server, err := tr.api.GetFile(ctx, relPath)
	if client.IsNotFound(err) {
		// The conflicting version is gone (deleted or trashed). The
		// upload can simply run again as a create.
		t.conflictHandled = true
		tr.queue.Put(ctx, Event{Type: LocalCreated, Path: relPath})
		return ConflictRetryNeeded, nil
	}
	if err != nil {
		return 0, err
	}

	// False conflict: both sides hold identical content. Adopt the
	// server's version and move on; nothing to preserve. Any resume
	// record from the aborted upload is stale now.
	if server.ContentHash == localHash {
		hashes, err := tr.api.FileChunks(ctx, relPath)
		if err != nil {
			return 0, err
		}
		if err := tr.store.ClearProgress(ctx, relPath); err != nil {
			return 0, err
		}
		err = tr.store.MarkSynced(ctx, &FileState{
			Path:          relPath,
			ServerFileID:  server.ID,
			ServerVersion: server.Version,
			ContentHash:   server.ContentHash,
			ChunkHashes:   hashes,
			LocalMtime:    mtime,
			LocalSize:     size,
		})
		if err != nil {
			return 0, err
		}
		tr.logger.Info("conflict auto-healed: content already on server",
			slog.String("path", relPath), slog.Int64("version", server.Version))
		t.conflictHandled = true
		return ConflictAlreadySynced, nil
	}

	copyRel, err := tr.preserveAsConflictCopy(ctx, relPath, mtime, size)
	if err == errConflictRetry {
		t.conflictHandled = true
		tr.queue.Put(ctx, Event{Type: LocalModified, Path: relPath})
		return ConflictRetryNeeded, nil
	}
	if err != nil {
		return 0, err
	}

	// The original path now syncs down the server's content.
	if err := tr.store.Remove(ctx, relPath); err != nil {
		return 0, err
	}
	tr.queue.Put(ctx, Event{Type: RemoteModified, Path: relPath, ServerVersion: server.Version})

	if tr.onConflict != nil {
		tr.onConflict(ConflictInfo{
			Path:          relPath,
			ConflictCopy:  copyRel,
			Type:          typ,
			ServerVersion: server.Version,
		})
	}
	t.conflictHandled = true
	return ConflictResolved, nil
}
