package e2e

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncagent/syncagent/internal/api"
	"github.com/syncagent/syncagent/internal/client"
	"github.com/syncagent/syncagent/internal/cryptor"
	"github.com/syncagent/syncagent/internal/server/blob"
	"github.com/syncagent/syncagent/internal/server/meta"
	syncpkg "github.com/syncagent/syncagent/internal/sync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sharedKey() []byte {
	return bytes.Repeat([]byte{0x42}, cryptor.KeySize)
}

// env is one in-process deployment: the coordination server plus any
// number of registered machines. chunkPuts counts PUT requests on the
// chunk storage endpoint so resume tests can assert how many chunk
// bodies actually went over the wire.
type env struct {
	url       string
	meta      *meta.Store
	chunkPuts atomic.Int64
}

func newEnv(t *testing.T) *env {
	t.Helper()

	logger := testLogger()
	dir := t.TempDir()

	metaStore, err := meta.Open(context.Background(), filepath.Join(dir, "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { metaStore.Close() })

	blobStore, err := blob.Open(filepath.Join(dir, "chunks"), logger)
	require.NoError(t, err)

	srv := api.New("127.0.0.1:0", metaStore, blobStore, api.NewHub(logger), logger)

	e := &env{meta: metaStore}

	handler := srv.Handler()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/api/storage/chunks/") {
			e.chunkPuts.Add(1)
		}
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	e.url = ts.URL

	return e
}

// machine is one sync client with its own root directory and state
// database, registered against the shared server.
type machine struct {
	name  string
	root  string
	api   *client.Client
	store *syncpkg.Store
	crypt *cryptor.Cryptor

	conflicts []syncpkg.ConflictInfo
}

func (e *env) newMachine(t *testing.T, name string) *machine {
	t.Helper()

	inv, _, err := e.meta.CreateInvitation(context.Background(), time.Hour)
	require.NoError(t, err)

	resp, err := client.New(e.url, "").Register(context.Background(), name, inv)
	require.NoError(t, err)

	root := t.TempDir()
	dataDir := filepath.Join(root, ".syncagent")
	require.NoError(t, os.MkdirAll(dataDir, 0o755))

	store, err := syncpkg.OpenStore(context.Background(),
		filepath.Join(dataDir, "state.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	crypt, err := cryptor.New(sharedKey())
	require.NoError(t, err)

	return &machine{
		name:  name,
		root:  root,
		api:   client.New(e.url, resp.Token),
		store: store,
		crypt: crypt,
	}
}

// sync runs one full engine pass, the same way "syncagent sync" does.
func (m *machine) sync(t *testing.T) syncpkg.Summary {
	t.Helper()

	engine, err := syncpkg.NewEngine(syncpkg.Options{
		Root:        m.root,
		API:         m.api,
		Store:       m.store,
		Cryptor:     m.crypt,
		MachineName: m.name,
		Workers:     2,
		OnConflict:  func(info syncpkg.ConflictInfo) { m.conflicts = append(m.conflicts, info) },
		Logger:      testLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	summary, err := engine.RunOnce(ctx)
	require.NoError(t, err)

	return summary
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

func (m *machine) remove(t *testing.T, relPath string) {
	t.Helper()

	require.NoError(t, os.Remove(filepath.Join(m.root, filepath.FromSlash(relPath))))
}

func (m *machine) exists(relPath string) bool {
	_, err := os.Stat(filepath.Join(m.root, filepath.FromSlash(relPath)))
	return err == nil
}

// state returns the tracking row for relPath, or nil if none exists.
func (m *machine) state(t *testing.T, relPath string) *syncpkg.FileState {
	t.Helper()

	st, err := m.store.Get(context.Background(), relPath)
	if err != nil {
		return nil
	}

	return st
}

// serverFile fetches the file record as the server sees it.
func (m *machine) serverFile(t *testing.T, relPath string) *client.File {
	t.Helper()

	f, err := m.api.GetFile(context.Background(), relPath)
	require.NoError(t, err)

	return f
}

// conflictCopies lists files in the root matching the conflict-copy
// pattern for the given stem.
func (m *machine) conflictCopies(t *testing.T, pattern string) []string {
	t.Helper()

	matches, err := filepath.Glob(filepath.Join(m.root, pattern))
	require.NoError(t, err)

	return matches
}
