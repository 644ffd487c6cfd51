package meta

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	sqlSelectLiveFile = `SELECT id, path, version, size, content_hash, created_at, updated_at, deleted_at
		FROM files WHERE path = ? AND deleted_at IS NULL`

	sqlListFiles = `SELECT id, path, version, size, content_hash, created_at, updated_at, deleted_at
		FROM files WHERE deleted_at IS NULL AND path LIKE ? ESCAPE '\' ORDER BY path`

	sqlInsertFile = `INSERT INTO files (path, version, size, content_hash, created_at, updated_at)
		VALUES (?, 1, ?, ?, ?, ?)`

	sqlInsertChunk = `INSERT INTO file_chunks (file_id, chunk_index, chunk_hash, size) VALUES (?, ?, ?, ?)`

	sqlDeleteChunks = `DELETE FROM file_chunks WHERE file_id = ?`

	sqlSelectChunks = `SELECT chunk_hash FROM file_chunks WHERE file_id = ? ORDER BY chunk_index`

	sqlInsertChange = `INSERT INTO change_log (path, action, version, machine_id, timestamp) VALUES (?, ?, ?, ?, ?)`
)

// CreateFile inserts a new file record at version 1 together with its
// chunk list and a CREATED change log entry, all in one transaction.
// A live file at the same path fails with ErrPathExists; a trashed
// record does not block creation (the path hosts a new logical file).
func (s *Store) CreateFile(ctx context.Context, path string, size int64, contentHash string, chunks []ChunkRef, machineID string) (*File, error) {
	now := time.Now().UTC()
	file := &File{
		Path:        path,
		Size:        size,
		ContentHash: contentHash,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	change := Change{Path: path, Action: ActionCreated, Version: 1, MachineID: machineID, Timestamp: now}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var existing int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM files WHERE path = ? AND deleted_at IS NULL`, path).Scan(&existing)
		if err == nil {
			return fmt.Errorf("%w: %q", ErrPathExists, path)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("meta: checking path: %w", err)
		}

		res, err := tx.ExecContext(ctx, sqlInsertFile,
			path, size, contentHash, formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("meta: inserting file: %w", err)
		}
		if file.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("meta: inserting file: %w", err)
		}

		if err := insertChunks(ctx, tx, file.ID, chunks); err != nil {
			return err
		}

		return appendChange(ctx, tx, &change)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("file created", "path", path, "size", size, "chunks", len(chunks), "machine_id", machineID)
	s.emit(change)

	return file, nil
}

// UpdateFile replaces a file's content metadata using optimistic
// concurrency: the write succeeds only when the current version equals
// parentVersion, and then bumps the version by exactly one. The chunk
// list is replaced wholesale and an UPDATED change log entry commits
// in the same transaction.
func (s *Store) UpdateFile(ctx context.Context, path string, size int64, contentHash string, parentVersion int64, chunks []ChunkRef, machineID string) (*File, error) {
	now := time.Now().UTC()

	var file *File
	change := Change{Path: path, Action: ActionUpdated, MachineID: machineID, Timestamp: now}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := selectFile(ctx, tx, sqlSelectLiveFile, path)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrFileNotFound, path)
		}
		if err != nil {
			return err
		}
		if current.Version != parentVersion {
			return fmt.Errorf("%w: %q is at version %d, update expected %d",
				ErrVersionConflict, path, current.Version, parentVersion)
		}

		current.Version = parentVersion + 1
		current.Size = size
		current.ContentHash = contentHash
		current.UpdatedAt = now

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET version = ?, size = ?, content_hash = ?, updated_at = ? WHERE id = ?`,
			current.Version, size, contentHash, formatTime(now), current.ID); err != nil {
			return fmt.Errorf("meta: updating file: %w", err)
		}

		if _, err := tx.ExecContext(ctx, sqlDeleteChunks, current.ID); err != nil {
			return fmt.Errorf("meta: clearing chunk list: %w", err)
		}
		if err := insertChunks(ctx, tx, current.ID, chunks); err != nil {
			return err
		}

		file = current
		change.Version = current.Version

		return appendChange(ctx, tx, &change)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("file updated", "path", path, "version", file.Version, "machine_id", machineID)
	s.emit(change)

	return file, nil
}

// GetFile returns the live file record at path. Trashed files are not
// visible here; use ListTrash / RestoreFile for those.
func (s *Store) GetFile(ctx context.Context, path string) (*File, error) {
	file, err := selectFileDB(ctx, s.db, sqlSelectLiveFile, path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, path)
	}
	return file, err
}

// ListFiles returns all live files whose path starts with prefix,
// ordered by path. An empty prefix lists everything.
func (s *Store) ListFiles(ctx context.Context, prefix string) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, sqlListFiles, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("meta: listing files: %w", err)
	}
	defer rows.Close()

	return collectFiles(rows)
}

// DeleteFile moves the live file at path to trash by stamping
// deleted_at, appending a DELETED change log entry in the same
// transaction. Chunk rows are retained for restore.
func (s *Store) DeleteFile(ctx context.Context, path, machineID string) error {
	now := time.Now().UTC()
	change := Change{Path: path, Action: ActionDeleted, MachineID: machineID, Timestamp: now}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := selectFile(ctx, tx, sqlSelectLiveFile, path)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %q", ErrFileNotFound, path)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE files SET deleted_at = ? WHERE id = ?`, formatTime(now), current.ID); err != nil {
			return fmt.Errorf("meta: trashing file: %w", err)
		}

		change.Version = current.Version

		return appendChange(ctx, tx, &change)
	})
	if err != nil {
		return err
	}

	s.logger.Info("file trashed", "path", path, "machine_id", machineID)
	s.emit(change)

	return nil
}

// FileChunks returns the ordered chunk hash list for the live file at
// path.
func (s *Store) FileChunks(ctx context.Context, path string) ([]string, error) {
	var fileID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM files WHERE path = ? AND deleted_at IS NULL`, path).Scan(&fileID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", ErrFileNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("meta: looking up file: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlSelectChunks, fileID)
	if err != nil {
		return nil, fmt.Errorf("meta: listing chunks: %w", err)
	}
	defer rows.Close()

	hashes := []string{}
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("meta: scanning chunk: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meta: listing chunks: %w", err)
	}
	return hashes, nil
}

func insertChunks(ctx context.Context, tx *sql.Tx, fileID int64, chunks []ChunkRef) error {
	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, sqlInsertChunk, fileID, c.Index, c.Hash, c.Size); err != nil {
			return fmt.Errorf("meta: inserting chunk %d: %w", c.Index, err)
		}
	}
	return nil
}

func appendChange(ctx context.Context, tx *sql.Tx, ch *Change) error {
	machineID := sql.NullString{String: ch.MachineID, Valid: ch.MachineID != ""}
	res, err := tx.ExecContext(ctx, sqlInsertChange,
		ch.Path, string(ch.Action), ch.Version, machineID, formatTime(ch.Timestamp))
	if err != nil {
		return fmt.Errorf("meta: appending change log entry: %w", err)
	}
	if ch.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("meta: appending change log entry: %w", err)
	}
	return nil
}

// escapeLike escapes LIKE metacharacters so a literal prefix cannot
// match wildcards.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '%', '_', '\\':
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func selectFile(ctx context.Context, tx *sql.Tx, query, path string) (*File, error) {
	return scanFileRow(tx.QueryRowContext(ctx, query, path))
}

func selectFileDB(ctx context.Context, db querier, query, path string) (*File, error) {
	return scanFileRow(db.QueryRowContext(ctx, query, path))
}

func scanFileRow(row rowScanner) (*File, error) {
	var (
		f         File
		createdAt string
		updatedAt string
		deletedAt sql.NullString
	)
	if err := row.Scan(&f.ID, &f.Path, &f.Version, &f.Size, &f.ContentHash,
		&createdAt, &updatedAt, &deletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("meta: scanning file: %w", err)
	}

	var err error
	if f.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if f.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t, err := parseTime(deletedAt.String)
		if err != nil {
			return nil, err
		}
		f.DeletedAt = &t
	}
	return &f, nil
}

func collectFiles(rows *sql.Rows) ([]File, error) {
	files := []File{}
	for rows.Next() {
		f, err := scanFileRow(rows)
		if err != nil {
			return nil, err
		}
		files = append(files, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("meta: iterating files: %w", err)
	}
	return files, nil
}
