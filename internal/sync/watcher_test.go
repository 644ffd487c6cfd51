package sync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T) (*Watcher, *Queue, *Store, string) {
	t.Helper()

	root := t.TempDir()
	store := newTestStore(t)
	queue := NewQueue(nil, testLogger())

	ig, err := NewIgnorer(root)
	require.NoError(t, err)

	w := NewWatcher(root, ig, store, queue,
		20*time.Millisecond, 20*time.Millisecond, testLogger())
	return w, queue, store, root
}

// waitForEvent polls the queue until an event arrives.
func waitForEvent(t *testing.T, q *Queue) Event {
	t.Helper()

	var got Event
	require.Eventually(t, func() bool {
		ev, err := q.GetNowait(context.Background())
		if errors.Is(err, ErrQueueEmpty) {
			return false
		}
		require.NoError(t, err)
		got = ev
		return true
	}, 5*time.Second, 10*time.Millisecond, "no event reached the queue")
	return got
}

func TestWatcherClassify(t *testing.T) {
	w, _, store, root := newTestWatcher(t)
	ctx := context.Background()

	// Untracked file on disk.
	writeFile(t, root, "new.txt", []byte("x"))
	ev, ok := w.classify(ctx, "new.txt")
	require.True(t, ok)
	assert.Equal(t, LocalCreated, ev.Type)

	// Synced and unchanged on disk: this is how our own completed
	// transfers echo back through fsnotify, and they must die here.
	info, err := os.Stat(filepath.Join(root, "new.txt"))
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, &FileState{
		Path:          "new.txt",
		ServerVersion: 1,
		LocalMtime:    info.ModTime().UnixNano(),
		LocalSize:     info.Size(),
	}))
	_, ok = w.classify(ctx, "new.txt")
	assert.False(t, ok, "unchanged synced file classified as an event")

	// Synced but drifted from the recorded state.
	writeFile(t, root, "new.txt", []byte("xy"))
	ev, ok = w.classify(ctx, "new.txt")
	require.True(t, ok)
	assert.Equal(t, LocalModified, ev.Type)

	// Tracked file gone from disk.
	require.NoError(t, os.Remove(filepath.Join(root, "new.txt")))
	ev, ok = w.classify(ctx, "new.txt")
	require.True(t, ok)
	assert.Equal(t, LocalDeleted, ev.Type)

	// Untracked and absent: nothing to do.
	_, ok = w.classify(ctx, "never.txt")
	assert.False(t, ok)

	// Directories never sync.
	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	_, ok = w.classify(ctx, "sub")
	assert.False(t, ok)
}

func TestWatcherDetectsChanges(t *testing.T) {
	w, queue, store, root := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Let the initial watch registration settle.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, root, "note.txt", []byte("hello"))
	ev := waitForEvent(t, queue)
	assert.Equal(t, LocalCreated, ev.Type)
	assert.Equal(t, "note.txt", ev.Path)

	// Track it so the next events classify against the store.
	require.NoError(t, store.MarkSynced(ctx, &FileState{Path: "note.txt", ServerVersion: 1}))

	writeFile(t, root, "note.txt", []byte("hello again"))
	ev = waitForEvent(t, queue)
	assert.Equal(t, LocalModified, ev.Type)

	require.NoError(t, os.Remove(filepath.Join(root, "note.txt")))
	ev = waitForEvent(t, queue)
	assert.Equal(t, LocalDeleted, ev.Type)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestWatcherFollowsNewDirectories(t *testing.T) {
	w, queue, _, root := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub", "deep"), 0o755))
	// Give the watcher a beat to register the new directories.
	time.Sleep(200 * time.Millisecond)

	writeFile(t, root, "sub/deep/leaf.txt", []byte("x"))

	ev := waitForEvent(t, queue)
	assert.Equal(t, LocalCreated, ev.Type)
	assert.Equal(t, "sub/deep/leaf.txt", ev.Path)
}

func TestWatcherIgnoresFilteredPaths(t *testing.T) {
	w, queue, _, root := newTestWatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go w.Run(ctx)
	time.Sleep(200 * time.Millisecond)

	writeFile(t, root, "scratch.tmp", []byte("x"))
	writeFile(t, root, "kept.txt", []byte("x"))

	// Only the unfiltered file surfaces.
	ev := waitForEvent(t, queue)
	assert.Equal(t, "kept.txt", ev.Path)
	assert.Zero(t, queue.Len())
}
