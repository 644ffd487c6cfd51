package sync

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrStateNotFound is returned when a path has no row in the state
// store.
var ErrStateNotFound = errors.New("sync: path not tracked")

// cursorKey is the sync_state key holding the remote change cursor.
const cursorKey = "change_cursor"

// timeFormat matches the server's fixed-width UTC layout so cursor
// values round-trip exactly.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// FileState is one tracked path. LocalMtime is Unix nanoseconds; a
// zero ServerVersion means the server has never confirmed this path.
type FileState struct {
	Path          string
	Status        FileStatus
	ServerFileID  int64
	ServerVersion int64
	ContentHash   string
	ChunkHashes   []string
	LocalMtime    int64
	LocalSize     int64
}

// UploadProgress is the persisted resume record for an in-flight
// upload.
type UploadProgress struct {
	Path        string
	ContentHash string
	ChunkHashes []string
	Uploaded    map[string]bool
}

// Remaining returns the chunk hashes not yet acknowledged, in
// manifest order.
func (p *UploadProgress) Remaining() []string {
	var out []string
	for _, h := range p.ChunkHashes {
		if !p.Uploaded[h] {
			out = append(out, h)
		}
	}
	return out
}

// Store is the client-side sync state database. Safe for concurrent
// use; SQLite is opened with a single connection so writes serialize
// in Go rather than returning SQLITE_BUSY.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenStore opens (creating if necessary) the state database at path
// and runs pending migrations.
func OpenStore(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)&_pragma=journal_size_limit(67108864)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sync: opening state database %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("sync: accessing embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("sync: creating migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("sync: running migrations: %w", err)
	}
	for _, r := range results {
		logger.Debug("applied migration",
			slog.Int64("version", r.Source.Version),
			slog.String("path", r.Source.Path))
	}
	return nil
}

// Get returns the state row for path, or ErrStateNotFound.
func (s *Store) Get(ctx context.Context, path string) (*FileState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, status, server_file_id, server_version,
		       content_hash, chunk_hashes, local_mtime, local_size
		FROM files WHERE path = ?`, path)

	st, err := scanFileState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync: %q: %w", path, ErrStateNotFound)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// All returns every tracked path keyed by path. The scanner uses this
// as its comparison baseline.
func (s *Store) All(ctx context.Context) (map[string]*FileState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, status, server_file_id, server_version,
		       content_hash, chunk_hashes, local_mtime, local_size
		FROM files`)
	if err != nil {
		return nil, fmt.Errorf("sync: listing state rows: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*FileState)
	for rows.Next() {
		st, err := scanFileState(rows)
		if err != nil {
			return nil, err
		}
		out[st.Path] = st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating state rows: %w", err)
	}
	return out, nil
}

// ListByStatus returns the tracked paths currently in the given
// status, ordered by path.
func (s *Store) ListByStatus(ctx context.Context, status FileStatus) ([]*FileState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, status, server_file_id, server_version,
		       content_hash, chunk_hashes, local_mtime, local_size
		FROM files WHERE status = ? ORDER BY path`, string(status))
	if err != nil {
		return nil, fmt.Errorf("sync: listing %s rows: %w", status, err)
	}
	defer rows.Close()

	var out []*FileState
	for rows.Next() {
		st, err := scanFileState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating %s rows: %w", status, err)
	}
	return out, nil
}

// MarkSynced records a server-confirmed state for path: the full row
// is replaced, status SYNCED. This is the only way a row reaches
// SYNCED.
func (s *Store) MarkSynced(ctx context.Context, st *FileState) error {
	hashes, err := json.Marshal(st.ChunkHashes)
	if err != nil {
		return fmt.Errorf("sync: encoding chunk hashes for %q: %w", st.Path, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO files
			(path, status, server_file_id, server_version, content_hash,
			 chunk_hashes, local_mtime, local_size, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			status = excluded.status,
			server_file_id = excluded.server_file_id,
			server_version = excluded.server_version,
			content_hash = excluded.content_hash,
			chunk_hashes = excluded.chunk_hashes,
			local_mtime = excluded.local_mtime,
			local_size = excluded.local_size,
			updated_at = excluded.updated_at`,
		st.Path, string(StatusSynced), st.ServerFileID, st.ServerVersion,
		st.ContentHash, string(hashes), st.LocalMtime, st.LocalSize,
		formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sync: marking %q synced: %w", st.Path, err)
	}
	return nil
}

// MarkNew tracks a previously unknown local file.
func (s *Store) MarkNew(ctx context.Context, path string, mtime, size int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (path, status, local_mtime, local_size, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			status = excluded.status,
			local_mtime = excluded.local_mtime,
			local_size = excluded.local_size,
			updated_at = excluded.updated_at`,
		path, string(StatusNew), mtime, size, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sync: marking %q new: %w", path, err)
	}
	return nil
}

// MarkModified flags a tracked path as locally changed. Server fields
// are kept: they are the upload's base version.
func (s *Store) MarkModified(ctx context.Context, path string) error {
	return s.setStatus(ctx, path, StatusModified)
}

// MarkPendingUpload flags a path whose upload has been dispatched.
func (s *Store) MarkPendingUpload(ctx context.Context, path string) error {
	return s.setStatus(ctx, path, StatusPendingUpload)
}

// MarkConflict flags a path whose divergence needs the conflict
// protocol.
func (s *Store) MarkConflict(ctx context.Context, path string) error {
	return s.setStatus(ctx, path, StatusConflict)
}

// MarkDeleted flags a tracked path whose local file disappeared. The
// row survives until the server confirms the delete, so a remote
// change arriving first can still win.
func (s *Store) MarkDeleted(ctx context.Context, path string) error {
	return s.setStatus(ctx, path, StatusDeleted)
}

func (s *Store) setStatus(ctx context.Context, path string, status FileStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE path = ?`,
		string(status), formatTime(time.Now()), path)
	if err != nil {
		return fmt.Errorf("sync: marking %q %s: %w", path, status, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sync: %q: %w", path, ErrStateNotFound)
	}
	return nil
}

// Remove forgets a path entirely, including any upload progress.
func (s *Store) Remove(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sync: beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("sync: removing state row %q: %w", path, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM upload_progress WHERE path = ?`, path); err != nil {
		return fmt.Errorf("sync: removing upload progress %q: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sync: committing removal of %q: %w", path, err)
	}
	return nil
}

// StartProgress begins (or restarts) the resume record for an upload.
func (s *Store) StartProgress(ctx context.Context, path, contentHash string, chunkHashes []string) error {
	hashes, err := json.Marshal(chunkHashes)
	if err != nil {
		return fmt.Errorf("sync: encoding chunk hashes for %q: %w", path, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO upload_progress (path, content_hash, chunk_hashes, uploaded, started_at)
		VALUES (?, ?, ?, '[]', ?)
		ON CONFLICT(path) DO UPDATE SET
			content_hash = excluded.content_hash,
			chunk_hashes = excluded.chunk_hashes,
			uploaded = '[]',
			started_at = excluded.started_at`,
		path, contentHash, string(hashes), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sync: starting upload progress for %q: %w", path, err)
	}
	return nil
}

// Progress returns the resume record for path, or ErrStateNotFound.
func (s *Store) Progress(ctx context.Context, path string) (*UploadProgress, error) {
	var (
		contentHash string
		hashesJSON  string
		ackedJSON   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT content_hash, chunk_hashes, uploaded FROM upload_progress WHERE path = ?`,
		path).Scan(&contentHash, &hashesJSON, &ackedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync: upload progress %q: %w", path, ErrStateNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sync: reading upload progress %q: %w", path, err)
	}

	p := &UploadProgress{Path: path, ContentHash: contentHash, Uploaded: make(map[string]bool)}
	if err := json.Unmarshal([]byte(hashesJSON), &p.ChunkHashes); err != nil {
		return nil, fmt.Errorf("sync: decoding chunk hashes for %q: %w", path, err)
	}

	var acked []string
	if err := json.Unmarshal([]byte(ackedJSON), &acked); err != nil {
		return nil, fmt.Errorf("sync: decoding uploaded chunks for %q: %w", path, err)
	}
	for _, h := range acked {
		p.Uploaded[h] = true
	}
	return p, nil
}

// MarkChunkUploaded records that one chunk of the in-flight upload
// reached the server.
func (s *Store) MarkChunkUploaded(ctx context.Context, path, hash string) error {
	p, err := s.Progress(ctx, path)
	if err != nil {
		return err
	}
	if p.Uploaded[hash] {
		return nil
	}
	p.Uploaded[hash] = true

	acked := make([]string, 0, len(p.Uploaded))
	for _, h := range p.ChunkHashes {
		if p.Uploaded[h] {
			acked = append(acked, h)
		}
	}
	data, err := json.Marshal(acked)
	if err != nil {
		return fmt.Errorf("sync: encoding uploaded chunks for %q: %w", path, err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE upload_progress SET uploaded = ? WHERE path = ?`, string(data), path)
	if err != nil {
		return fmt.Errorf("sync: recording uploaded chunk for %q: %w", path, err)
	}
	return nil
}

// ClearProgress drops the resume record after a successful commit.
func (s *Store) ClearProgress(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM upload_progress WHERE path = ?`, path); err != nil {
		return fmt.Errorf("sync: clearing upload progress %q: %w", path, err)
	}
	return nil
}

// Cursor returns the remote change cursor, zero if never set.
func (s *Store) Cursor(ctx context.Context) (time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("sync: reading change cursor: %w", err)
	}

	t, err := time.Parse(timeFormat, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("sync: parsing change cursor %q: %w", raw, err)
	}
	return t, nil
}

// SetCursor advances the remote change cursor.
func (s *Store) SetCursor(ctx context.Context, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		cursorKey, formatTime(t))
	if err != nil {
		return fmt.Errorf("sync: storing change cursor: %w", err)
	}
	return nil
}

// JournalPut mirrors a queued event so it survives a crash. One row
// per path, matching the queue's replace semantics.
func (s *Store) JournalPut(ctx context.Context, ev Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_journal (path, event_type, server_version, queued_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			event_type = excluded.event_type,
			server_version = excluded.server_version,
			queued_at = excluded.queued_at`,
		ev.Path, int(ev.Type), ev.ServerVersion, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("sync: journaling event for %q: %w", ev.Path, err)
	}
	return nil
}

// JournalRemove drops the journal row once the event's transfer has
// completed or terminally failed.
func (s *Store) JournalRemove(ctx context.Context, path string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM event_journal WHERE path = ?`, path); err != nil {
		return fmt.Errorf("sync: removing journal row %q: %w", path, err)
	}
	return nil
}

// JournalPending returns the journaled events in queue order so a
// restart can replay them.
func (s *Store) JournalPending(ctx context.Context) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, event_type, server_version
		FROM event_journal ORDER BY event_type, queued_at`)
	if err != nil {
		return nil, fmt.Errorf("sync: reading event journal: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev  Event
			typ int
		)
		if err := rows.Scan(&ev.Path, &typ, &ev.ServerVersion); err != nil {
			return nil, fmt.Errorf("sync: scanning journal row: %w", err)
		}
		ev.Type = EventType(typ)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sync: iterating journal rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileState(row rowScanner) (*FileState, error) {
	var (
		st         FileState
		status     string
		hashesJSON string
	)
	err := row.Scan(&st.Path, &status, &st.ServerFileID, &st.ServerVersion,
		&st.ContentHash, &hashesJSON, &st.LocalMtime, &st.LocalSize)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("sync: scanning state row: %w", err)
	}
	st.Status = FileStatus(status)

	if err := json.Unmarshal([]byte(hashesJSON), &st.ChunkHashes); err != nil {
		return nil, fmt.Errorf("sync: decoding chunk hashes for %q: %w", st.Path, err)
	}
	return &st, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}
