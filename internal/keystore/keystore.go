// Package keystore manages the shared 32-byte file-encryption key. The key
// is wrapped with a password-derived key (Argon2id) and stored in
// keyfile.json; the raw key only exists in memory after Unlock, or in the
// optional session cache written by the unlock command. The server never
// sees any of this.
package keystore

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/syncagent/syncagent/internal/cryptor"
)

// FileName is the keystore file inside the client config directory.
const FileName = "keyfile.json"

// sessionFileName caches the unlocked key between CLI invocations so sync
// runs do not need the password each time. Owner-only permissions; removed
// by reset.
const sessionFileName = "session.key"

// FilePerms restricts key material files to owner read/write.
const FilePerms = 0o600

// Argon2id parameters for the password KDF.
const (
	kdfTime      = 3
	kdfMemoryKiB = 64 * 1024
	kdfThreads   = 4
	saltSize     = 16
)

// Sentinel errors. Use errors.Is to classify.
var (
	ErrExists        = errors.New("keystore: keyfile already exists")
	ErrNotFound      = errors.New("keystore: no keyfile found (run init or import-key)")
	ErrLocked        = errors.New("keystore: locked (unlock with the master password first)")
	ErrWrongPassword = errors.New("keystore: wrong password")
	ErrBadImport     = errors.New("keystore: imported key must be base64 of exactly 32 bytes")
)

// keyFile is the on-disk JSON layout of keyfile.json.
type keyFile struct {
	Version    int       `json:"version"`
	KeyID      string    `json:"key_id"`
	Salt       string    `json:"salt"`
	WrappedKey string    `json:"wrapped_key"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is a loaded keystore. The raw key is nil until Unlock or
// LoadSession succeeds.
type Store struct {
	dir     string
	keyID   string
	salt    []byte
	wrapped []byte
	key     []byte
}

// deriveKey stretches the master password into a 32-byte wrapping key.
func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, kdfTime, kdfMemoryKiB, kdfThreads, cryptor.KeySize)
}

// Create generates a fresh random file-encryption key, wraps it with the
// password, and writes keyfile.json. Fails if a keyfile already exists.
func Create(dir, password string) (*Store, error) {
	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		return nil, ErrExists
	}

	key, err := cryptor.NewKey()
	if err != nil {
		return nil, err
	}

	return writeKeyFile(dir, password, key)
}

// ImportKey wraps a key exported from another machine with this machine's
// password and writes keyfile.json, replacing any existing one. The salt
// and therefore the key_id are fresh; only the raw key is shared.
func ImportKey(dir, password, encoded string) (*Store, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(key) != cryptor.KeySize {
		return nil, ErrBadImport
	}

	return writeKeyFile(dir, password, key)
}

// writeKeyFile wraps key with a fresh salt and persists the keyfile
// atomically. The returned store is already unlocked.
func writeKeyFile(dir, password string, key []byte) (*Store, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("keystore: generating salt: %w", err)
	}

	wrapper, err := cryptor.New(deriveKey(password, salt))
	if err != nil {
		return nil, err
	}

	wrapped, err := wrapper.Seal(key)
	if err != nil {
		return nil, fmt.Errorf("keystore: wrapping key: %w", err)
	}

	kf := keyFile{
		Version:    1,
		KeyID:      keyID(wrapped),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		WrappedKey: base64.StdEncoding.EncodeToString(wrapped),
		CreatedAt:  time.Now().UTC(),
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("keystore: encoding keyfile: %w", err)
	}

	if err := atomicWrite(filepath.Join(dir, FileName), data); err != nil {
		return nil, err
	}

	return &Store{dir: dir, keyID: kf.KeyID, salt: salt, wrapped: wrapped, key: key}, nil
}

// keyID is the public identifier of a wrapped key: the SHA-256 of the
// wrapped blob. It changes when the key is re-wrapped (import, new salt)
// but is stable for a given keyfile.
func keyID(wrapped []byte) string {
	sum := sha256.Sum256(wrapped)
	return hex.EncodeToString(sum[:])
}

// Load reads keyfile.json. The returned store is locked.
func Load(dir string) (*Store, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("keystore: reading keyfile: %w", err)
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("keystore: decoding keyfile: %w", err)
	}

	salt, err := base64.StdEncoding.DecodeString(kf.Salt)
	if err != nil {
		return nil, fmt.Errorf("keystore: decoding salt: %w", err)
	}

	wrapped, err := base64.StdEncoding.DecodeString(kf.WrappedKey)
	if err != nil {
		return nil, fmt.Errorf("keystore: decoding wrapped key: %w", err)
	}

	return &Store{dir: dir, keyID: kf.KeyID, salt: salt, wrapped: wrapped}, nil
}

// Unlock derives the wrapping key from password and opens the wrapped key.
func (s *Store) Unlock(password string) error {
	wrapper, err := cryptor.New(deriveKey(password, s.salt))
	if err != nil {
		return err
	}

	key, err := wrapper.Open(s.wrapped)
	if err != nil {
		if errors.Is(err, cryptor.ErrDecrypt) {
			return ErrWrongPassword
		}

		return err
	}

	s.key = key

	return nil
}

// Key returns the raw 32-byte file-encryption key, or ErrLocked.
func (s *Store) Key() ([]byte, error) {
	if s.key == nil {
		return nil, ErrLocked
	}

	return s.key, nil
}

// KeyID returns the public identifier of this keyfile.
func (s *Store) KeyID() string {
	return s.keyID
}

// Export returns the raw key base64-encoded for transfer to another
// machine. The store must be unlocked.
func (s *Store) Export() (string, error) {
	if s.key == nil {
		return "", ErrLocked
	}

	return base64.StdEncoding.EncodeToString(s.key), nil
}

// SaveSession caches the unlocked key in the config directory so later
// commands can run without the password. Owner-only permissions.
func (s *Store) SaveSession() error {
	if s.key == nil {
		return ErrLocked
	}

	data := []byte(base64.StdEncoding.EncodeToString(s.key))

	return atomicWrite(filepath.Join(s.dir, sessionFileName), data)
}

// LoadSession restores the key from the session cache if one exists.
// Returns ErrLocked when there is no session.
func (s *Store) LoadSession() error {
	data, err := os.ReadFile(filepath.Join(s.dir, sessionFileName))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrLocked
	}

	if err != nil {
		return fmt.Errorf("keystore: reading session: %w", err)
	}

	key, err := base64.StdEncoding.DecodeString(string(data))
	if err != nil || len(key) != cryptor.KeySize {
		return fmt.Errorf("keystore: session file corrupted, unlock again")
	}

	s.key = key

	return nil
}

// Reset removes the keyfile and any session cache. Irreversible: without
// an exported copy of the key, previously synced data cannot be decrypted.
func Reset(dir string) error {
	for _, name := range []string{FileName, sessionFileName} {
		err := os.Remove(filepath.Join(dir, name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("keystore: removing %s: %w", name, err)
		}
	}

	return nil
}

// ClearSession removes only the session cache, locking the keystore again.
func ClearSession(dir string) error {
	err := os.Remove(filepath.Join(dir, sessionFileName))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("keystore: removing session: %w", err)
	}

	return nil
}

// atomicWrite writes data to path via temp-file-and-rename with 0600
// permissions, same directory so the rename stays on one filesystem.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("keystore: creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".key-*.tmp")
	if err != nil {
		return fmt.Errorf("keystore: creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := os.Chmod(tmpPath, FilePerms); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: setting permissions: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: writing: %w", err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("keystore: syncing: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("keystore: closing: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("keystore: renaming: %w", err)
	}

	success = true

	return nil
}
