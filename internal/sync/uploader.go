package sync

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/syncagent/syncagent/internal/chunker"
	"github.com/syncagent/syncagent/internal/client"
)

// versionCheckEvery is how many chunk uploads pass between
// mid-transfer server version re-checks.
const versionCheckEvery = 10

// Upload pushes the local file at the task's path to the server:
// manifest, per-chunk dedup/encrypt/send with persisted resume, then
// the optimistic-concurrency metadata commit.
func (tr *Transferrer) Upload(ctx context.Context, t *Task) error {
	relPath := t.Event.Path
	absPath := tr.abs(relPath)

	st, err := tr.store.Get(ctx, relPath)
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return err
	}

	// baseVersion zero means this is a create: the server has never
	// confirmed this path for us.
	var baseVersion int64
	if st != nil && st.Status != StatusNew {
		baseVersion = st.ServerVersion
	}

	info, err := os.Stat(absPath)
	if os.IsNotExist(err) {
		// Vanished between detection and dispatch; the watcher's
		// delete event is already on its way.
		tr.logger.Debug("upload skipped: file gone", slog.String("path", relPath))
		return nil
	}
	if err != nil {
		return fmt.Errorf("sync: inspecting %q: %w", relPath, err)
	}
	mtime, size := info.ModTime().UnixNano(), info.Size()

	// Pre-check: cheapest possible conflict detection, before any
	// bytes move.
	var server *client.File
	if baseVersion > 0 {
		srv, err := tr.api.GetFile(ctx, relPath)
		if err != nil && !client.IsNotFound(err) {
			return err
		}
		if client.IsNotFound(err) || srv.Version != baseVersion {
			return tr.finishConflict(ctx, t, ConflictPreTransfer, absPath, mtime, size)
		}
		server = srv
	}

	refs, contentHash, size, err := chunker.ManifestFile(absPath)
	if err != nil {
		return err
	}

	// The server already holds this exact content at our base
	// version: nothing to send. Refresh the local row so notification
	// echoes of our own transfers stop here instead of bumping the
	// server version.
	if server != nil && server.ContentHash == contentHash {
		if err := tr.store.ClearProgress(ctx, relPath); err != nil {
			return err
		}
		return tr.store.MarkSynced(ctx, &FileState{
			Path:          relPath,
			ServerFileID:  server.ID,
			ServerVersion: server.Version,
			ContentHash:   contentHash,
			ChunkHashes:   chunkHashes(refs),
			LocalMtime:    mtime,
			LocalSize:     size,
		})
	}

	progress, err := tr.resumeOrStartProgress(ctx, relPath, contentHash, refs)
	if err != nil {
		return err
	}

	if st != nil {
		if err := tr.store.MarkPendingUpload(ctx, relPath); err != nil {
			return err
		}
	}

	if err := tr.uploadChunks(ctx, t, absPath, refs, progress, baseVersion); err != nil {
		if errors.Is(err, errMidTransferConflict) {
			return tr.finishConflict(ctx, t, ConflictMidTransfer, absPath, mtime, size)
		}
		return err
	}

	file, err := tr.commit(ctx, t, relPath, size, contentHash, baseVersion, refs, mtime)
	if err != nil {
		return err
	}
	if file == nil {
		// The commit path already handed off to the conflict protocol.
		return nil
	}

	if err := tr.store.ClearProgress(ctx, relPath); err != nil {
		return err
	}
	return tr.store.MarkSynced(ctx, &FileState{
		Path:          relPath,
		ServerFileID:  file.ID,
		ServerVersion: file.Version,
		ContentHash:   contentHash,
		ChunkHashes:   chunkHashes(refs),
		LocalMtime:    mtime,
		LocalSize:     size,
	})
}

// errMidTransferConflict aborts chunk upload when the periodic server
// version re-check finds the server moved.
var errMidTransferConflict = errors.New("sync: server version changed during upload")

// resumeOrStartProgress returns the resume record to honor: an
// existing record is only valid when it describes exactly this
// content (hash and chunk list); anything else restarts.
func (tr *Transferrer) resumeOrStartProgress(ctx context.Context, relPath, contentHash string, refs []chunker.Ref) (*UploadProgress, error) {
	hashes := chunkHashes(refs)

	p, err := tr.store.Progress(ctx, relPath)
	if err == nil && p.ContentHash == contentHash && slices.Equal(p.ChunkHashes, hashes) {
		if done := len(p.Uploaded); done > 0 {
			tr.logger.Info("resuming interrupted upload",
				slog.String("path", relPath),
				slog.Int("chunks_done", done),
				slog.Int("chunks_total", len(hashes)))
		}
		return p, nil
	}
	if err != nil && !errors.Is(err, ErrStateNotFound) {
		return nil, err
	}

	if err := tr.store.StartProgress(ctx, relPath, contentHash, hashes); err != nil {
		return nil, err
	}
	return &UploadProgress{
		Path:        relPath,
		ContentHash: contentHash,
		ChunkHashes: hashes,
		Uploaded:    make(map[string]bool),
	}, nil
}

// uploadChunks sends every chunk not yet on the server, probing for
// cancellation between chunks and re-checking the server version
// every versionCheckEvery uploads.
func (tr *Transferrer) uploadChunks(ctx context.Context, t *Task, absPath string,
	refs []chunker.Ref, progress *UploadProgress, baseVersion int64,
) error {
	f, err := os.Open(absPath)
	if err != nil {
		return fmt.Errorf("sync: opening %q for upload: %w", t.Event.Path, err)
	}
	defer f.Close()

	sent := 0
	for _, ref := range refs {
		if t.Cancel.Canceled() || ctx.Err() != nil {
			return errCanceled
		}
		if progress.Uploaded[ref.Hash] {
			continue
		}

		// Dedup probe: identical plaintext anywhere in the system
		// means the sealed blob is already stored.
		exists, err := tr.api.ChunkExists(ctx, ref.Hash)
		if err != nil {
			return err
		}

		if !exists {
			plain, err := chunker.ReadChunk(f, ref)
			if err != nil {
				return err
			}
			sealed, err := tr.crypt.Seal(plain)
			if err != nil {
				return err
			}
			if err := tr.api.PutChunk(ctx, ref.Hash, sealed); err != nil {
				return err
			}
			tr.UploadMeter.Record(int64(len(sealed)))
		}

		progress.Uploaded[ref.Hash] = true
		if err := tr.store.MarkChunkUploaded(ctx, t.Event.Path, ref.Hash); err != nil {
			return err
		}

		sent++
		if baseVersion > 0 && sent%versionCheckEvery == 0 {
			server, err := tr.api.GetFile(ctx, t.Event.Path)
			if client.IsNotFound(err) || (err == nil && server.Version != baseVersion) {
				return errMidTransferConflict
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// commit performs the metadata mutation. A nil file with nil error
// means the conflict protocol took over.
func (tr *Transferrer) commit(ctx context.Context, t *Task, relPath string,
	size int64, contentHash string, baseVersion int64, refs []chunker.Ref, mtime int64,
) (*client.File, error) {
	chunks := make([]client.ChunkRef, len(refs))
	for i, ref := range refs {
		chunks[i] = client.ChunkRef{Index: ref.Index, Hash: ref.Hash, Size: ref.Size}
	}

	if baseVersion == 0 {
		file, err := tr.api.CreateFile(ctx, relPath, size, contentHash, chunks)
		if err == nil {
			return file, nil
		}
		if !client.IsConflict(err) {
			return nil, err
		}

		// Someone created the path first. Fetch their version and
		// degrade to an update; a genuine content divergence then
		// surfaces as a version conflict below or heals on hash match.
		server, gerr := tr.api.GetFile(ctx, relPath)
		if client.IsNotFound(gerr) {
			return nil, err
		}
		if gerr != nil {
			return nil, gerr
		}
		if server.ContentHash == contentHash {
			return server, nil
		}
		baseVersion = server.Version
	}

	file, err := tr.api.UpdateFile(ctx, relPath, size, contentHash, baseVersion, chunks)
	if err == nil {
		return file, nil
	}
	if !client.IsConflict(err) {
		return nil, err
	}

	return nil, tr.finishConflict(ctx, t, ConflictAtCommit, tr.abs(relPath), mtime, size)
}

// finishConflict recomputes the local content hash and hands off to
// the conflict protocol. The protocol's outcome is terminal for this
// task: retries travel through the queue, not the pool's retry loop.
func (tr *Transferrer) finishConflict(ctx context.Context, t *Task,
	typ ConflictType, absPath string, mtime, size int64,
) error {
	_, localHash, _, err := chunker.ManifestFile(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	_, err = tr.resolveUploadConflict(ctx, t, typ, localHash, mtime, size)
	return err
}

func chunkHashes(refs []chunker.Ref) []string {
	out := make([]string, len(refs))
	for i, ref := range refs {
		out[i] = ref.Hash
	}
	return out
}
