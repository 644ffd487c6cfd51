// Package sync is the client-side synchronization engine: it watches
// the sync root, scans for local and remote changes, and moves file
// content between the local disk and the server through a pool of
// transfer workers. All cross-goroutine coordination flows through the
// event queue, the state store, and the coordinator's transfer map.
package sync

import "fmt"

// EventType classifies a detected change. The numeric value is the
// queue priority: lower dequeues first, so deletes run before creates
// and local work runs before remote work.
type EventType int

const (
	LocalDeleted   EventType = 10
	RemoteDeleted  EventType = 11
	LocalCreated   EventType = 20
	LocalModified  EventType = 21
	RemoteCreated  EventType = 30
	RemoteModified EventType = 31

	// Transfer results loop back through the queue so the coordinator
	// processes them in its own goroutine, after all pending change
	// events for the batch.
	TransferComplete EventType = 90
	TransferFailed   EventType = 91
)

// String returns the event type name for logs.
func (t EventType) String() string {
	switch t {
	case LocalDeleted:
		return "LOCAL_DELETED"
	case RemoteDeleted:
		return "REMOTE_DELETED"
	case LocalCreated:
		return "LOCAL_CREATED"
	case LocalModified:
		return "LOCAL_MODIFIED"
	case RemoteCreated:
		return "REMOTE_CREATED"
	case RemoteModified:
		return "REMOTE_MODIFIED"
	case TransferComplete:
		return "TRANSFER_COMPLETE"
	case TransferFailed:
		return "TRANSFER_FAILED"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// IsLocal reports whether the event originated from the local disk.
func (t EventType) IsLocal() bool {
	return t == LocalCreated || t == LocalModified || t == LocalDeleted
}

// IsRemote reports whether the event originated from the server.
func (t EventType) IsRemote() bool {
	return t == RemoteCreated || t == RemoteModified || t == RemoteDeleted
}

// Event is one unit of work in the queue. Path is always relative to
// the sync root with forward slashes.
type Event struct {
	Type EventType
	Path string

	// ServerVersion is set on remote events: the version the server
	// announced for this path.
	ServerVersion int64

	// Err carries the failure on TRANSFER_FAILED events.
	Err error

	// conflictHandled marks a TRANSFER_COMPLETE whose task terminated
	// through the conflict protocol rather than a finished transfer.
	conflictHandled bool
}

// TransferType is the kind of work a transfer task performs.
type TransferType int

const (
	TransferUpload TransferType = iota
	TransferDownload
	TransferDelete
)

func (t TransferType) String() string {
	switch t {
	case TransferUpload:
		return "UPLOAD"
	case TransferDownload:
		return "DOWNLOAD"
	case TransferDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("TransferType(%d)", int(t))
	}
}

// FileStatus is the lifecycle state of a tracked path in the client
// state store.
type FileStatus string

const (
	StatusSynced        FileStatus = "SYNCED"
	StatusModified      FileStatus = "MODIFIED"
	StatusNew           FileStatus = "NEW"
	StatusPendingUpload FileStatus = "PENDING_UPLOAD"
	StatusConflict      FileStatus = "CONFLICT"
	StatusDeleted       FileStatus = "DELETED"
)

// ConflictType records where in an upload the conflicting server
// change was detected.
type ConflictType string

const (
	// ConflictPreTransfer: the pre-check found the server ahead of our
	// base version before any bytes moved.
	ConflictPreTransfer ConflictType = "PRE_TRANSFER"
	// ConflictMidTransfer: the periodic version re-check during chunk
	// upload found the server moved.
	ConflictMidTransfer ConflictType = "MID_TRANSFER"
	// ConflictAtCommit: the final metadata commit returned a version
	// conflict.
	ConflictAtCommit ConflictType = "AT_COMMIT"
	// ConflictConcurrentEvent: a remote event for the path arrived
	// while its upload was in flight.
	ConflictConcurrentEvent ConflictType = "CONCURRENT_EVENT"
)

// ConflictOutcome is the result of running the conflict protocol.
type ConflictOutcome int

const (
	// ConflictAlreadySynced: local and server content hashes matched;
	// no divergence existed (false conflict).
	ConflictAlreadySynced ConflictOutcome = iota
	// ConflictResolved: the local file was renamed to a conflict copy
	// and the server version was queued for download.
	ConflictResolved
	// ConflictRetryNeeded: the file changed during the rename; the
	// caller should re-enqueue the original event.
	ConflictRetryNeeded
)

// ConflictInfo is passed to the conflict notification callback.
type ConflictInfo struct {
	Path          string
	ConflictCopy  string
	Type          ConflictType
	ServerVersion int64
}

// Summary aggregates the outcome of one sync run.
type Summary struct {
	Uploaded   int
	Downloaded int
	Deleted    int
	Conflicts  int
	Errors     int
}

// Empty reports whether the run did no work at all.
func (s Summary) Empty() bool {
	return s.Uploaded == 0 && s.Downloaded == 0 && s.Deleted == 0 &&
		s.Conflicts == 0 && s.Errors == 0
}
