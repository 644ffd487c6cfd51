package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const sqlSelectTrashedFile = `SELECT id, path, version, size, content_hash, created_at, updated_at, deleted_at
	FROM files WHERE path = ? AND deleted_at IS NOT NULL ORDER BY deleted_at DESC LIMIT 1`

// ListTrash returns all trashed files, most recently deleted first.
func (s *Store) ListTrash(ctx context.Context) ([]File, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, path, version, size, content_hash, created_at, updated_at, deleted_at
			FROM files WHERE deleted_at IS NOT NULL ORDER BY deleted_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("meta: listing trash: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

// RestoreFile brings the most recently trashed record at path back to
// life: deleted_at is cleared, the version bumps, and a CREATED change
// log entry is appended, attributed to the server machine. Restore is
// explicit-only: when a new live file has since been created at the
// same path, restore fails with ErrPathExists rather than merging the
// two histories.
func (s *Store) RestoreFile(ctx context.Context, path string) (*File, error) {
	now := time.Now().UTC()

	var file *File
	change := Change{Path: path, Action: ActionCreated, Timestamp: now}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var live int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM files WHERE path = ? AND deleted_at IS NULL`, path).Scan(&live)
		if err == nil {
			return fmt.Errorf("%w: %q was re-created after deletion", ErrPathExists, path)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("meta: checking path: %w", err)
		}

		trashed, err := selectFile(ctx, tx, sqlSelectTrashedFile, path)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q is not in trash", ErrFileNotFound, path)
		}
		if err != nil {
			return err
		}

		trashed.Version++
		trashed.UpdatedAt = now
		trashed.DeletedAt = nil

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET deleted_at = NULL, version = ?, updated_at = ? WHERE id = ?`,
			trashed.Version, formatTime(now), trashed.ID); err != nil {
			return fmt.Errorf("meta: restoring file: %w", err)
		}

		serverID, err := s.ensureServerMachine(ctx, tx)
		if err != nil {
			return err
		}

		file = trashed
		change.Version = trashed.Version
		change.MachineID = serverID

		return appendChange(ctx, tx, &change)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("file restored", "path", path, "version", file.Version)
	s.emit(change)

	return file, nil
}

// PurgeTrash removes trashed file records whose deleted_at is older
// than cutoff, along with their chunk rows. It returns the number of
// files and chunk references removed plus the chunk hashes that no
// surviving file references anymore; the caller deletes those blobs.
func (s *Store) PurgeTrash(ctx context.Context, cutoff time.Time) (files, chunkRefs int, orphanHashes []string, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM files WHERE deleted_at IS NOT NULL AND deleted_at < ?`, formatTime(cutoff))
		if err != nil {
			return fmt.Errorf("meta: selecting purgeable files: %w", err)
		}

		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("meta: scanning purgeable file: %w", err)
			}
			ids = append(ids, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("meta: selecting purgeable files: %w", err)
		}
		rows.Close()

		candidates := map[string]bool{}
		for _, id := range ids {
			hashes, n, err := deleteFileRow(ctx, tx, id)
			if err != nil {
				return err
			}
			for _, h := range hashes {
				candidates[h] = true
			}
			chunkRefs += n
		}
		files = len(ids)

		// A candidate hash is orphaned only when no remaining file,
		// live or trashed, still references it.
		for h := range candidates {
			var n int
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM file_chunks WHERE chunk_hash = ?`, h).Scan(&n); err != nil {
				return fmt.Errorf("meta: counting chunk references: %w", err)
			}
			if n == 0 {
				orphanHashes = append(orphanHashes, h)
			}
		}
		return nil
	})
	if err != nil {
		return 0, 0, nil, err
	}

	if files > 0 {
		s.logger.Info("trash purged",
			"files", files, "chunk_refs", chunkRefs, "orphan_blobs", len(orphanHashes))
	}
	return files, chunkRefs, orphanHashes, nil
}

// deleteFileRow removes one file row and its chunk rows, returning the
// chunk hashes that were referenced and how many rows were removed.
func deleteFileRow(ctx context.Context, tx *sql.Tx, fileID int64) ([]string, int, error) {
	rows, err := tx.QueryContext(ctx, sqlSelectChunks, fileID)
	if err != nil {
		return nil, 0, fmt.Errorf("meta: listing chunks for purge: %w", err)
	}

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("meta: scanning chunk for purge: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("meta: listing chunks for purge: %w", err)
	}
	rows.Close()

	if _, err := tx.ExecContext(ctx, sqlDeleteChunks, fileID); err != nil {
		return nil, 0, fmt.Errorf("meta: deleting chunk rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID); err != nil {
		return nil, 0, fmt.Errorf("meta: deleting file row: %w", err)
	}
	return hashes, len(hashes), nil
}
