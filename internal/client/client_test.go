package client

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncagent/syncagent/internal/api"
	"github.com/syncagent/syncagent/internal/server/blob"
	"github.com/syncagent/syncagent/internal/server/meta"
)

// newServer starts an in-process sync server and returns its URL plus
// a fresh invitation token.
func newServer(t *testing.T) (string, string) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	metaStore, err := meta.Open(context.Background(), filepath.Join(dir, "server.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { metaStore.Close() })

	blobStore, err := blob.Open(filepath.Join(dir, "chunks"), logger)
	require.NoError(t, err)

	srv := api.New("127.0.0.1:0", metaStore, blobStore, api.NewHub(logger), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	inv, _, err := metaStore.CreateInvitation(context.Background(), time.Hour)
	require.NoError(t, err)

	return ts.URL, inv
}

// newRegistered returns a client already registered as one machine.
func newRegistered(t *testing.T, name string) *Client {
	t.Helper()

	url, inv := newServer(t)

	resp, err := New(url, "").Register(context.Background(), name, inv)
	require.NoError(t, err)

	return New(url, resp.Token)
}

func TestRegisterAndHealth(t *testing.T) {
	url, inv := newServer(t)
	ctx := context.Background()

	c := New(url, "")
	require.NoError(t, c.Health(ctx))

	resp, err := c.Register(ctx, "laptop", inv)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Token, "sa_"))
	assert.Equal(t, "laptop", resp.Machine.Name)

	// Invitations are single use.
	_, err = c.Register(ctx, "desktop", inv)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
}

func TestFileRoundTrip(t *testing.T) {
	c := newRegistered(t, "laptop")
	ctx := context.Background()

	chunks := []ChunkRef{{Index: 0, Hash: "c1", Size: 5}}

	file, err := c.CreateFile(ctx, "docs/a.txt", 5, "h1", chunks)
	require.NoError(t, err)
	assert.Equal(t, int64(1), file.Version)

	_, err = c.CreateFile(ctx, "docs/a.txt", 5, "h1", chunks)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	got, err := c.GetFile(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "h1", got.ContentHash)

	updated, err := c.UpdateFile(ctx, "docs/a.txt", 7, "h2", 1,
		[]ChunkRef{{Index: 0, Hash: "c2", Size: 7}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// Stale parent version.
	_, err = c.UpdateFile(ctx, "docs/a.txt", 7, "h3", 1, chunks)
	require.Error(t, err)
	assert.True(t, IsConflict(err))

	hashes, err := c.FileChunks(ctx, "docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, []string{"c2"}, hashes)

	files, err := c.ListFiles(ctx, "docs/")
	require.NoError(t, err)
	require.Len(t, files, 1)

	require.NoError(t, c.DeleteFile(ctx, "docs/a.txt"))

	_, err = c.GetFile(ctx, "docs/a.txt")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestPathsWithSpacesAndUnicode(t *testing.T) {
	c := newRegistered(t, "laptop")
	ctx := context.Background()

	path := "docs/meeting notes/über plan.txt"
	_, err := c.CreateFile(ctx, path, 1, "h", []ChunkRef{{Index: 0, Hash: "c", Size: 1}})
	require.NoError(t, err)

	got, err := c.GetFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, path, got.Path)
}

func TestChunkTransfer(t *testing.T) {
	c := newRegistered(t, "laptop")
	ctx := context.Background()

	hash := strings.Repeat("cd", 32)

	exists, err := c.ChunkExists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, c.PutChunk(ctx, hash, []byte("sealed bytes")))

	exists, err = c.ChunkExists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := c.GetChunk(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed bytes"), data)

	_, err = c.GetChunk(ctx, strings.Repeat("ef", 32))
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestTrashAndChanges(t *testing.T) {
	c := newRegistered(t, "laptop")
	ctx := context.Background()

	_, err := c.CreateFile(ctx, "a.txt", 1, "h", []ChunkRef{{Index: 0, Hash: "c", Size: 1}})
	require.NoError(t, err)
	require.NoError(t, c.DeleteFile(ctx, "a.txt"))

	trash, err := c.ListTrash(ctx)
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.NotNil(t, trash[0].DeletedAt)

	restored, err := c.RestoreFile(ctx, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(2), restored.Version)

	page, err := c.Changes(ctx, time.Time{}, 0)
	require.NoError(t, err)
	// create, delete, restore-as-create.
	require.Len(t, page.Changes, 3)
	assert.Equal(t, ActionCreated, page.Changes[0].Action)
	assert.Equal(t, ActionDeleted, page.Changes[1].Action)
	assert.False(t, page.HasMore)

	latest, err := c.LatestChange(ctx)
	require.NoError(t, err)
	assert.Equal(t, page.Latest.UTC(), latest.UTC())

	// Resuming from the cursor yields an empty page.
	page, err = c.Changes(ctx, latest, 0)
	require.NoError(t, err)
	assert.Empty(t, page.Changes)
}

func TestUnauthorizedToken(t *testing.T) {
	url, _ := newServer(t)

	c := New(url, "sa_forged")
	_, err := c.ListFiles(context.Background(), "")
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
}
