package e2e

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncagent/syncagent/internal/chunker"
	"github.com/syncagent/syncagent/internal/client"
	syncpkg "github.com/syncagent/syncagent/internal/sync"
)

// Two machines sharing one key propagate a new file through the
// server.
func TestOneWayPropagation(t *testing.T) {
	env := newEnv(t)
	a := env.newMachine(t, "machine-a")
	b := env.newMachine(t, "machine-b")

	a.write(t, "hello.txt", []byte("Hello"))

	summary := a.sync(t)
	assert.Equal(t, 1, summary.Uploaded)

	summary = b.sync(t)
	assert.Equal(t, 1, summary.Downloaded)

	assert.Equal(t, []byte("Hello"), b.read(t, "hello.txt"))

	assert.EqualValues(t, 1, a.serverFile(t, "hello.txt").Version)

	for _, m := range []*machine{a, b} {
		st := m.state(t, "hello.txt")
		require.NotNil(t, st, "%s should track hello.txt", m.name)
		assert.Equal(t, syncpkg.StatusSynced, st.Status)
		assert.EqualValues(t, 1, st.ServerVersion)
	}
}

// An update on one machine reaches the other and bumps the version by
// exactly one.
func TestUpdateRoundTrip(t *testing.T) {
	env := newEnv(t)
	a := env.newMachine(t, "machine-a")
	b := env.newMachine(t, "machine-b")

	a.write(t, "hello.txt", []byte("Hello"))
	a.sync(t)
	b.sync(t)

	a.write(t, "hello.txt", []byte("Hello, world"))
	a.sync(t)
	b.sync(t)

	assert.Equal(t, []byte("Hello, world"), b.read(t, "hello.txt"))
	assert.EqualValues(t, 2, b.serverFile(t, "hello.txt").Version)
	assert.EqualValues(t, 2, a.state(t, "hello.txt").ServerVersion)
}

// Concurrent edits: the first writer wins at the original path, the
// loser keeps its content in a conflict copy that uploads as a new
// file on the next pass.
func TestConcurrentModification(t *testing.T) {
	env := newEnv(t)
	a := env.newMachine(t, "machine-a")
	b := env.newMachine(t, "machine-b")

	a.write(t, "hello.txt", []byte("Hello"))
	a.sync(t)
	b.sync(t)

	a.write(t, "hello.txt", []byte("AAA"))
	b.write(t, "hello.txt", []byte("BBB"))

	a.sync(t)

	// B's pass resolves the conflict to completion: the server's
	// winner lands at the original path, B's bytes survive in a
	// conflict copy, and the copy publishes as its own new file.
	summary := b.sync(t)
	assert.Equal(t, 1, summary.Conflicts)
	assert.Equal(t, 1, summary.Downloaded)
	assert.Equal(t, 1, summary.Uploaded)

	assert.Equal(t, []byte("AAA"), b.read(t, "hello.txt"))

	copies := b.conflictCopies(t, "hello.conflict-*.txt")
	require.Len(t, copies, 1)

	data, err := os.ReadFile(copies[0])
	require.NoError(t, err)
	assert.Equal(t, []byte("BBB"), data)

	assert.EqualValues(t, 2, b.serverFile(t, "hello.txt").Version)

	rel, err := filepath.Rel(b.root, copies[0])
	require.NoError(t, err)
	assert.EqualValues(t, 1, b.serverFile(t, filepath.ToSlash(rel)).Version)

	// Nothing left to do on the next pass.
	assert.True(t, b.sync(t).Empty())

	// And the winner picks it up.
	a.sync(t)
	assert.True(t, a.exists(filepath.ToSlash(rel)))
}

// Identical concurrent writes agree by content hash: no conflict copy,
// the late machine silently adopts the server's version.
func TestFalseConflictAutoHeals(t *testing.T) {
	env := newEnv(t)
	a := env.newMachine(t, "machine-a")
	b := env.newMachine(t, "machine-b")

	a.write(t, "same.txt", []byte("same"))
	b.write(t, "same.txt", []byte("same"))

	a.sync(t)
	summary := b.sync(t)

	assert.Equal(t, 0, summary.Conflicts)
	assert.Empty(t, b.conflictCopies(t, "same.conflict-*.txt"))

	st := b.state(t, "same.txt")
	require.NotNil(t, st)
	assert.Equal(t, syncpkg.StatusSynced, st.Status)
	assert.EqualValues(t, 1, st.ServerVersion)
}

// A deletion propagates: the file lands in the server trash and
// disappears from the other machine.
func TestDeletePropagation(t *testing.T) {
	env := newEnv(t)
	a := env.newMachine(t, "machine-a")
	b := env.newMachine(t, "machine-b")

	a.write(t, "hello.txt", []byte("Hello"))
	a.sync(t)
	b.sync(t)

	a.remove(t, "hello.txt")
	summary := a.sync(t)
	assert.Equal(t, 1, summary.Deleted)

	summary = b.sync(t)
	assert.Equal(t, 1, summary.Deleted)

	assert.False(t, b.exists("hello.txt"))
	assert.Nil(t, b.state(t, "hello.txt"))

	_, err := b.api.GetFile(context.Background(), "hello.txt")
	assert.True(t, client.IsNotFound(err))

	trash, err := b.api.ListTrash(context.Background())
	require.NoError(t, err)
	require.Len(t, trash, 1)
	assert.Equal(t, "hello.txt", trash[0].Path)
	assert.NotNil(t, trash[0].DeletedAt)
}

// An interrupted upload resumes: chunks acknowledged before the crash
// are not sent again.
func TestResumableUpload(t *testing.T) {
	env := newEnv(t)
	a := env.newMachine(t, "machine-a")

	// Random content so the chunker produces real boundaries.
	payload := make([]byte, 40<<20)
	_, err := io.ReadFull(rand.Reader, payload)
	require.NoError(t, err)

	a.write(t, "big.bin", payload)

	refs, contentHash, _, err := chunker.ManifestFile(filepath.Join(a.root, "big.bin"))
	require.NoError(t, err)
	require.Greater(t, len(refs), 4, "payload should split into several chunks")

	// Simulate the killed first attempt: four chunks made it to the
	// server and into the progress record before the process died.
	ctx := context.Background()
	hashes := make([]string, len(refs))
	for i, ref := range refs {
		hashes[i] = ref.Hash
	}
	require.NoError(t, a.store.StartProgress(ctx, "big.bin", contentHash, hashes))

	f, err := os.Open(filepath.Join(a.root, "big.bin"))
	require.NoError(t, err)
	defer f.Close()

	for _, ref := range refs[:4] {
		data, err := chunker.ReadChunk(f, ref)
		require.NoError(t, err)

		sealed, err := a.crypt.Seal(data)
		require.NoError(t, err)

		require.NoError(t, a.api.PutChunk(ctx, ref.Hash, sealed))
		require.NoError(t, a.store.MarkChunkUploaded(ctx, "big.bin", ref.Hash))
	}

	env.chunkPuts.Store(0)

	summary := a.sync(t)
	assert.Equal(t, 1, summary.Uploaded)

	// Only the remaining chunks crossed the wire.
	assert.EqualValues(t, len(refs)-4, env.chunkPuts.Load())

	file := a.serverFile(t, "big.bin")
	assert.Equal(t, contentHash, file.ContentHash)
	assert.EqualValues(t, 1, file.Version)

	serverHashes, err := a.api.FileChunks(ctx, "big.bin")
	require.NoError(t, err)
	assert.Equal(t, hashes, serverHashes)

	sum := sha256.Sum256(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), file.ContentHash)

	// A second machine assembles the original bytes from the chunks.
	b := env.newMachine(t, "machine-b")
	b.sync(t)
	assert.True(t, bytes.Equal(payload, b.read(t, "big.bin")))
}

// Trash restore brings a deleted file back to every machine.
func TestRestoreFromTrash(t *testing.T) {
	env := newEnv(t)
	a := env.newMachine(t, "machine-a")
	b := env.newMachine(t, "machine-b")

	a.write(t, "keep.txt", []byte("precious"))
	a.sync(t)
	b.sync(t)

	a.remove(t, "keep.txt")
	a.sync(t)
	b.sync(t)
	require.False(t, b.exists("keep.txt"))

	_, err := a.api.RestoreFile(context.Background(), "keep.txt")
	require.NoError(t, err)

	a.sync(t)
	b.sync(t)

	assert.Equal(t, []byte("precious"), a.read(t, "keep.txt"))
	assert.Equal(t, []byte("precious"), b.read(t, "keep.txt"))
}

// Ignored paths never reach the server.
func TestSyncignoreRespected(t *testing.T) {
	env := newEnv(t)
	a := env.newMachine(t, "machine-a")

	a.write(t, ".syncignore", []byte("*.log\n"))
	a.write(t, "kept.txt", []byte("kept"))
	a.write(t, "noise.log", []byte("noise"))
	a.write(t, "scratch.tmp", []byte("temp"))

	a.sync(t)

	files, err := a.api.ListFiles(context.Background(), "")
	require.NoError(t, err)

	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}

	assert.Contains(t, paths, "kept.txt")
	assert.NotContains(t, paths, ".syncignore")
	assert.NotContains(t, paths, "noise.log")
	assert.NotContains(t, paths, "scratch.tmp")
}
