package sync

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncagent/syncagent/internal/client"
)

// newLocalScanner builds a scanner over a fresh root with no server;
// ScanLocal never touches the API.
func newLocalScanner(t *testing.T) (*Scanner, *Queue, *Store, string) {
	t.Helper()

	root := t.TempDir()
	store := newTestStore(t)
	queue := NewQueue(nil, testLogger())

	ig, err := NewIgnorer(root)
	require.NoError(t, err)

	return NewScanner(root, ig, store, nil, queue, testLogger()), queue, store, root
}

func writeFile(t *testing.T, root, relPath string, data []byte) {
	t.Helper()

	abs := filepath.Join(root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, data, 0o644))
}

func TestScanLocalClassifies(t *testing.T) {
	s, queue, store, root := newLocalScanner(t)
	ctx := context.Background()

	// New on disk, unknown to the store.
	writeFile(t, root, "new.txt", []byte("fresh"))

	// Synced but the size drifted.
	writeFile(t, root, "docs/changed.txt", []byte("now longer than before"))
	require.NoError(t, store.MarkSynced(ctx, &FileState{
		Path: "docs/changed.txt", ServerVersion: 1, LocalMtime: 1, LocalSize: 4,
	}))

	// Synced and untouched: mtime and size match the disk exactly.
	writeFile(t, root, "same.txt", []byte("stable"))
	info, err := os.Stat(filepath.Join(root, "same.txt"))
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, &FileState{
		Path: "same.txt", ServerVersion: 1,
		LocalMtime: info.ModTime().UnixNano(), LocalSize: info.Size(),
	}))

	// Tracked but gone from disk.
	require.NoError(t, store.MarkSynced(ctx, &FileState{Path: "vanished.txt", ServerVersion: 1}))

	queued, err := s.ScanLocal(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, queued)

	byPath := map[string]EventType{}
	for _, ev := range drainQueue(t, queue) {
		byPath[ev.Path] = ev.Type
	}
	assert.Equal(t, LocalCreated, byPath["new.txt"])
	assert.Equal(t, LocalModified, byPath["docs/changed.txt"])
	assert.Equal(t, LocalDeleted, byPath["vanished.txt"])
	assert.NotContains(t, byPath, "same.txt")

	// The scan updates the tracked statuses as it goes.
	st, err := store.Get(ctx, "new.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusNew, st.Status)

	st, err = store.Get(ctx, "docs/changed.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusModified, st.Status)

	st, err = store.Get(ctx, "vanished.txt")
	require.NoError(t, err)
	assert.Equal(t, StatusDeleted, st.Status)
}

func TestScanLocalSkipsIgnoredAndSpecial(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, syncignoreName), []byte("*.log\n"), 0o644))

	store := newTestStore(t)
	queue := NewQueue(nil, testLogger())
	ig, err := NewIgnorer(root)
	require.NoError(t, err)
	s := NewScanner(root, ig, store, nil, queue, testLogger())

	writeFile(t, root, "keep.txt", []byte("x"))
	writeFile(t, root, "debug.log", []byte("x"))
	writeFile(t, root, ".git/config", []byte("x"))
	writeFile(t, root, "scratch.tmp", []byte("x"))
	require.NoError(t, os.Symlink(filepath.Join(root, "keep.txt"), filepath.Join(root, "link.txt")))

	queued, err := s.ScanLocal(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	events := drainQueue(t, queue)
	require.Len(t, events, 1)
	assert.Equal(t, "keep.txt", events[0].Path)
}

func TestScanLocalResurrectedFile(t *testing.T) {
	s, queue, store, root := newLocalScanner(t)
	ctx := context.Background()

	// Deleted locally, delete not yet confirmed, then the file came
	// back before the sync ran.
	writeFile(t, root, "back.txt", []byte("returned"))
	require.NoError(t, store.MarkSynced(ctx, &FileState{Path: "back.txt", ServerVersion: 2}))
	require.NoError(t, store.MarkDeleted(ctx, "back.txt"))

	_, err := s.ScanLocal(ctx)
	require.NoError(t, err)

	events := drainQueue(t, queue)
	require.Len(t, events, 1)
	assert.Equal(t, LocalModified, events[0].Type)
	assert.Equal(t, "back.txt", events[0].Path)
}

func TestClassifyRemote(t *testing.T) {
	s, _, store, _ := newLocalScanner(t)
	ctx := context.Background()

	// Untracked path created on the server.
	ev, ok := s.classifyRemote(ctx, client.Change{Path: "new.txt", Action: client.ActionCreated, Version: 1})
	require.True(t, ok)
	assert.Equal(t, RemoteCreated, ev.Type)
	assert.Equal(t, int64(1), ev.ServerVersion)

	// Tracked and synced: a newer server version downloads, our own
	// echoed version does not.
	require.NoError(t, store.MarkSynced(ctx, &FileState{Path: "synced.txt", ServerVersion: 2}))

	_, ok = s.classifyRemote(ctx, client.Change{Path: "synced.txt", Action: client.ActionUpdated, Version: 2})
	assert.False(t, ok)

	ev, ok = s.classifyRemote(ctx, client.Change{Path: "synced.txt", Action: client.ActionUpdated, Version: 3})
	require.True(t, ok)
	assert.Equal(t, RemoteModified, ev.Type)

	// Local work pending: the remote change is skipped until the local
	// side resolves.
	require.NoError(t, store.MarkModified(ctx, "synced.txt"))
	_, ok = s.classifyRemote(ctx, client.Change{Path: "synced.txt", Action: client.ActionUpdated, Version: 4})
	assert.False(t, ok)

	// Deletion of an untracked path is a no-op; of a tracked one it
	// propagates.
	_, ok = s.classifyRemote(ctx, client.Change{Path: "ghost.txt", Action: client.ActionDeleted, Version: 1})
	assert.False(t, ok)

	require.NoError(t, store.MarkSynced(ctx, &FileState{Path: "gone.txt", ServerVersion: 1}))
	ev, ok = s.classifyRemote(ctx, client.Change{Path: "gone.txt", Action: client.ActionDeleted, Version: 1})
	require.True(t, ok)
	assert.Equal(t, RemoteDeleted, ev.Type)

	// A queued local delete loses to a remote modification: DELETED
	// rows do not block remote changes.
	require.NoError(t, store.MarkSynced(ctx, &FileState{Path: "tug.txt", ServerVersion: 1}))
	require.NoError(t, store.MarkDeleted(ctx, "tug.txt"))
	ev, ok = s.classifyRemote(ctx, client.Change{Path: "tug.txt", Action: client.ActionUpdated, Version: 2})
	require.True(t, ok)
	assert.Equal(t, RemoteModified, ev.Type)
}

func TestScanRemoteAdvancesCursor(t *testing.T) {
	srv := startTestServer(t)
	m := newMachine(t, srv, "laptop", testKey())
	ctx := context.Background()

	// Another machine publishes two files.
	other := srv.register(t, "desktop")
	_, err := other.CreateFile(ctx, "a.txt", 1, "h1", []client.ChunkRef{{Index: 0, Hash: "c1", Size: 1}})
	require.NoError(t, err)
	_, err = other.CreateFile(ctx, "b.txt", 1, "h2", []client.ChunkRef{{Index: 0, Hash: "c2", Size: 1}})
	require.NoError(t, err)

	ig, err := NewIgnorer(m.root)
	require.NoError(t, err)
	s := NewScanner(m.root, ig, m.store, m.api, m.queue, testLogger())

	queued, err := s.ScanRemote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, queued)

	events := drainQueue(t, m.queue)
	require.Len(t, events, 2)
	assert.Equal(t, RemoteCreated, events[0].Type)
	assert.Equal(t, RemoteCreated, events[1].Type)

	// Nothing new: the cursor suppresses a replay.
	queued, err = s.ScanRemote(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Zero(t, m.queue.Len())
}
