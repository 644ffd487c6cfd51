package client

import "time"

// Machine is a registered sync client as the server reports it.
type Machine struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Platform  string     `json:"platform"`
	CreatedAt time.Time  `json:"created_at"`
	LastSeen  *time.Time `json:"last_seen"`
}

// File is a server-side file record.
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

// ChunkRef is one element of a file's ordered chunk list.
type ChunkRef struct {
	Index int    `json:"index"`
	Hash  string `json:"hash"`
	Size  int64  `json:"size"`
}

// Change is one server change log entry.
type Change struct {
	ID        int64     `json:"id"`
	Path      string    `json:"path"`
	Action    string    `json:"action"`
	Version   int64     `json:"version"`
	MachineID string    `json:"machine_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Change actions, matching the server's change log.
const (
	ActionCreated = "CREATED"
	ActionUpdated = "UPDATED"
	ActionDeleted = "DELETED"
)

// ChangePage is one page of the change log. Latest is the cursor for
// the next request.
type ChangePage struct {
	Changes []Change  `json:"changes"`
	HasMore bool      `json:"has_more"`
	Latest  time.Time `json:"latest_timestamp"`
}
