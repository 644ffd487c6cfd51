// Package meta is the server's metadata store: machines, tokens,
// invitations, file records with their chunk lists, the trash, and
// the append-only change log.
//
// It is backed by a single SQLite database opened with one writer
// connection. Every mutation runs in a transaction, and the change
// log entry is written in the same transaction as the file-record
// mutation it describes, so the log never has gaps. After a
// successful commit the store invokes the notification hook, which
// is how the WebSocket hub learns about changes.
package meta

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// Action is the kind of mutation a change log entry records.
type Action string

const (
	ActionCreated Action = "CREATED"
	ActionUpdated Action = "UPDATED"
	ActionDeleted Action = "DELETED"
)

// ServerMachineName is the reserved hidden machine that attributes
// server-originated mutations (restores, admin actions). It cannot
// be registered and is omitted from machine listings.
const ServerMachineName = "__server__"

var (
	ErrDuplicateName     = errors.New("meta: machine name already registered")
	ErrReservedName      = errors.New("meta: machine name is reserved")
	ErrInvalidInvitation = errors.New("meta: invalid or expired invitation")
	ErrInvalidToken      = errors.New("meta: invalid token")
	ErrMachineNotFound   = errors.New("meta: machine not found")
	ErrServerMachine     = errors.New("meta: server machine cannot be deleted")
	ErrPathExists        = errors.New("meta: path already exists")
	ErrFileNotFound      = errors.New("meta: file not found")
	ErrVersionConflict   = errors.New("meta: version conflict")
)

// Machine is a registered sync client.
type Machine struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Platform  string     `json:"platform"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen"`
}

// File is a server-side file record. DeletedAt non-nil means the
// file is in trash: hidden from listings but restorable, chunks
// retained.
type File struct {
	ID          int64      `json:"id"`
	Path        string     `json:"path"`
	Size        int64      `json:"size"`
	ContentHash string     `json:"content_hash"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at"`
}

// ChunkRef is one element of a file's ordered chunk list. Hash is
// the SHA-256 of the plaintext chunk, which is also the blob key.
type ChunkRef struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Size  int64  `json:"size"`
}

// Change is one change log entry. MachineID is empty for
// server-originated entries.
type Change struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Action    Action    `json:"action"`
	Version   int64     `json:"version"`
	MachineID string    `json:"machine_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Invitation is a single-use registration credential. Only its hash
// is stored; the raw token is shown once at creation.
type Invitation struct {
	ID        int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// tokenPrefix marks machine bearer tokens so they are recognizable
// in logs and support tickets without revealing the secret.
const tokenPrefix = "sa_"

const secretBytes = 32

// newSecret generates a random credential and its storable hash.
func newSecret(prefix string) (raw, hash string, err error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("meta: generating secret: %w", err)
	}
	raw = prefix + base64.RawURLEncoding.EncodeToString(buf)
	return raw, hashSecret(raw), nil
}

// hashSecret is how tokens and invitations are stored: only the
// SHA-256 of the raw credential ever touches the database.
func hashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// timeFormat is a fixed-width RFC 3339 UTC layout. Fixed width
// matters: change log pagination compares timestamps as strings in
// SQL, and trimmed fractional seconds do not sort correctly.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("meta: parsing stored timestamp %q: %w", s, err)
	}
	return t, nil
}
