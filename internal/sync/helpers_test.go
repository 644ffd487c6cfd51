package sync

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncagent/syncagent/internal/api"
	"github.com/syncagent/syncagent/internal/client"
	"github.com/syncagent/syncagent/internal/cryptor"
	"github.com/syncagent/syncagent/internal/server/blob"
	"github.com/syncagent/syncagent/internal/server/meta"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, cryptor.KeySize)
}

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenStore(context.Background(),
		filepath.Join(t.TempDir(), "state.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

// testServer is an in-process sync server that several test machines
// can register against.
type testServer struct {
	url  string
	meta *meta.Store
}

func startTestServer(t *testing.T) *testServer {
	t.Helper()

	logger := testLogger()
	dir := t.TempDir()

	metaStore, err := meta.Open(context.Background(), filepath.Join(dir, "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { metaStore.Close() })

	blobStore, err := blob.Open(filepath.Join(dir, "chunks"), logger)
	require.NoError(t, err)

	srv := api.New("127.0.0.1:0", metaStore, blobStore, api.NewHub(logger), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testServer{url: ts.URL, meta: metaStore}
}

func (s *testServer) register(t *testing.T, name string) *client.Client {
	t.Helper()

	inv, _, err := s.meta.CreateInvitation(context.Background(), time.Hour)
	require.NoError(t, err)

	resp, err := client.New(s.url, "").Register(context.Background(), name, inv)
	require.NoError(t, err)

	return client.New(s.url, resp.Token)
}

// conflictLog records conflict callbacks; transfer workers may fire
// them concurrently.
type conflictLog struct {
	mu    stdsync.Mutex
	infos []ConflictInfo
}

func (l *conflictLog) add(info ConflictInfo) {
	l.mu.Lock()
	l.infos = append(l.infos, info)
	l.mu.Unlock()
}

func (l *conflictLog) list() []ConflictInfo {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]ConflictInfo, len(l.infos))
	copy(out, l.infos)
	return out
}

// machine simulates one sync client: a root directory, a state store
// under its data directory, and a transferrer against the shared
// server.
type machine struct {
	name      string
	root      string
	api       *client.Client
	store     *Store
	crypt     *cryptor.Cryptor
	queue     *Queue
	tr        *Transferrer
	conflicts *conflictLog
}

func newMachine(t *testing.T, srv *testServer, name string, key []byte) *machine {
	t.Helper()

	root := t.TempDir()
	dataDir := filepath.Join(root, dataDirName)
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	store, err := OpenStore(context.Background(), filepath.Join(dataDir, "state.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	crypt, err := cryptor.New(key)
	require.NoError(t, err)

	m := &machine{
		name:      name,
		root:      root,
		api:       srv.register(t, name),
		store:     store,
		crypt:     crypt,
		conflicts: &conflictLog{},
	}
	m.queue = NewQueue(store, testLogger())
	m.tr = NewTransferrer(root, m.api, store, crypt, m.queue, name,
		m.conflicts.add, testLogger())

	return m
}

func (m *machine) write(t *testing.T, relPath string, data []byte) {
	t.Helper()

	abs := filepath.Join(m.root, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, data, 0o644))
}

func (m *machine) read(t *testing.T, relPath string) []byte {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(m.root, filepath.FromSlash(relPath)))
	require.NoError(t, err)
	return data
}

func (m *machine) exists(relPath string) bool {
	_, err := os.Stat(filepath.Join(m.root, filepath.FromSlash(relPath)))
	return err == nil
}

func newTask(typ EventType, path string) *Task {
	var transfer TransferType
	switch typ {
	case LocalCreated, LocalModified:
		transfer = TransferUpload
	case RemoteCreated, RemoteModified:
		transfer = TransferDownload
	case LocalDeleted, RemoteDeleted:
		transfer = TransferDelete
	}
	return &Task{
		Event:    Event{Type: typ, Path: path},
		Transfer: transfer,
		Cancel:   &cancelFlag{},
	}
}

// drainQueue pops every immediately available event.
func drainQueue(t *testing.T, q *Queue) []Event {
	t.Helper()

	var out []Event
	for {
		ev, err := q.GetNowait(context.Background())
		if errors.Is(err, ErrQueueEmpty) {
			return out
		}
		require.NoError(t, err)
		out = append(out, ev)
	}
}
