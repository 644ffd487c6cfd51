// Package blob is the server's content-addressed chunk store. Blobs
// are encrypted chunks keyed by the SHA-256 of their plaintext; the
// server never validates contents against the key because it cannot
// decrypt them. Layout is a two-level hash-prefix tree,
// <root>/aa/bb/<full-hash>, to keep directory fanout bounded.
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
)

// ErrNotFound is returned when no blob exists for the requested hash.
var ErrNotFound = errors.New("blob: chunk not found")

// ErrBadHash rejects keys that are not lowercase SHA-256 hex. This is
// a safety net against path traversal through the hash parameter.
var ErrBadHash = errors.New("blob: malformed chunk hash")

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store is a filesystem-backed blob store. All methods are safe for
// concurrent use: writes are temp-file-plus-rename and identical keys
// always carry identical plaintext, so the last rename wins harmlessly.
type Store struct {
	root   string
	logger *slog.Logger
}

// Open ensures the root directory exists and returns a Store.
func Open(root string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("blob: creating store root %q: %w", root, err)
	}
	return &Store{root: root, logger: logger}, nil
}

// path maps a hash to its sharded location under the root.
func (s *Store) path(hash string) (string, error) {
	if !hashPattern.MatchString(hash) {
		return "", fmt.Errorf("%w: %q", ErrBadHash, hash)
	}
	return filepath.Join(s.root, hash[:2], hash[2:4], hash), nil
}

// Put stores data under hash. Re-uploading an existing hash is a
// cheap no-op: content addressing guarantees the bytes decrypt to the
// same plaintext.
func (s *Store) Put(hash string, data []byte) error {
	p, err := s.path(hash)
	if err != nil {
		return err
	}

	if _, err := os.Stat(p); err == nil {
		s.logger.Debug("chunk already stored", "hash", hash)
		return nil
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("blob: creating shard directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".chunk-*.tmp")
	if err != nil {
		return fmt.Errorf("blob: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("blob: writing chunk %s: %w", hash, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("blob: syncing chunk %s: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("blob: closing chunk %s: %w", hash, err)
	}
	if err := os.Rename(tmpPath, p); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("blob: storing chunk %s: %w", hash, err)
	}

	s.logger.Debug("chunk stored", "hash", hash, "bytes", len(data))
	return nil
}

// Get reads the blob for hash.
func (s *Store) Get(hash string) ([]byte, error) {
	p, err := s.path(hash)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("blob: reading chunk %s: %w", hash, err)
	}
	return data, nil
}

// Exists reports whether a blob is stored for hash.
func (s *Store) Exists(hash string) (bool, error) {
	p, err := s.path(hash)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("blob: checking chunk %s: %w", hash, err)
	}
	return true, nil
}

// Delete removes the blob for hash.
func (s *Store) Delete(hash string) error {
	p, err := s.path(hash)
	if err != nil {
		return err
	}

	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return fmt.Errorf("blob: deleting chunk %s: %w", hash, err)
	}

	s.logger.Debug("chunk deleted", "hash", hash)
	return nil
}

// Size returns the stored byte length of the blob for hash.
func (s *Store) Size(hash string) (int64, error) {
	p, err := s.path(hash)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return 0, fmt.Errorf("blob: checking chunk %s: %w", hash, err)
	}
	return info.Size(), nil
}
