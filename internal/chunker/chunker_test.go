package chunker

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomData returns deterministic pseudo-random bytes so boundary
// positions are stable across runs.
func randomData(t *testing.T, n int) []byte {
	t.Helper()

	data := make([]byte, n)
	rng := rand.New(rand.NewSource(42))
	_, err := rng.Read(data)
	require.NoError(t, err)

	return data
}

func TestSplitDeterministic(t *testing.T) {
	data := randomData(t, 10<<20)

	var first, second []Ref

	err := Split(bytes.NewReader(data), func(ch Chunk) error {
		first = append(first, ch.Ref)
		return nil
	})
	require.NoError(t, err)

	err = Split(bytes.NewReader(data), func(ch Chunk) error {
		second = append(second, ch.Ref)
		return nil
	})
	require.NoError(t, err)

	require.Equal(t, first, second)
	assert.Greater(t, len(first), 1, "10 MiB should split into multiple chunks")
}

func TestSplitRespectsBounds(t *testing.T) {
	data := randomData(t, 20<<20)

	var refs []Ref

	err := Split(bytes.NewReader(data), func(ch Chunk) error {
		refs = append(refs, ch.Ref)
		return nil
	})
	require.NoError(t, err)

	for i, ref := range refs {
		assert.LessOrEqual(t, ref.Size, int64(MaxSize), "chunk %d above max", i)

		if i < len(refs)-1 {
			assert.GreaterOrEqual(t, ref.Size, int64(MinSize), "chunk %d below min", i)
		}
	}
}

func TestSplitSmallFileSingleChunk(t *testing.T) {
	data := []byte("hello, world")

	var chunks []Chunk

	err := Split(bytes.NewReader(data), func(ch Chunk) error {
		chunks = append(chunks, Chunk{Ref: ch.Ref, Data: append([]byte(nil), ch.Data...)})
		return nil
	})
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, int64(len(data)), chunks[0].Size)
	assert.Equal(t, data, chunks[0].Data)
	assert.Equal(t, HashBytes(data), chunks[0].Hash)
}

func TestSplitCallbackError(t *testing.T) {
	sentinel := errors.New("stop here")

	err := Split(bytes.NewReader(randomData(t, 4<<20)), func(Chunk) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestSplitOffsetsContiguous(t *testing.T) {
	data := randomData(t, 12<<20)

	var refs []Ref

	err := Split(bytes.NewReader(data), func(ch Chunk) error {
		refs = append(refs, ch.Ref)
		return nil
	})
	require.NoError(t, err)

	var expect int64
	for _, ref := range refs {
		assert.Equal(t, expect, ref.Offset)
		expect += ref.Size
	}

	assert.Equal(t, int64(len(data)), expect)
}

func TestManifestFile(t *testing.T) {
	data := randomData(t, 6<<20)
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	refs, contentHash, size, err := ManifestFile(path)
	require.NoError(t, err)

	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), contentHash)
	assert.Equal(t, int64(len(data)), size)
	assert.NotEmpty(t, refs)
}

func TestManifestFileEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	refs, contentHash, size, err := ManifestFile(path)
	require.NoError(t, err)

	assert.Empty(t, refs)
	assert.Equal(t, HashBytes(nil), contentHash)
	assert.Zero(t, size)
}

func TestReadChunkRoundTrip(t *testing.T) {
	data := randomData(t, 5<<20)
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	refs, _, _, err := ManifestFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, refs)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var assembled []byte
	for _, ref := range refs {
		chunk, err := ReadChunk(f, ref)
		require.NoError(t, err)
		assembled = append(assembled, chunk...)
	}

	assert.Equal(t, data, assembled)
}

func TestReadChunkDetectsModification(t *testing.T) {
	data := randomData(t, 3<<20)
	path := filepath.Join(t.TempDir(), "blob.bin")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	refs, _, _, err := ManifestFile(path)
	require.NoError(t, err)

	// Flip a byte inside the first chunk.
	data[100] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = ReadChunk(f, refs[0])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestIdenticalContentSharesHashes(t *testing.T) {
	data := randomData(t, 8<<20)
	dir := t.TempDir()

	pathA := filepath.Join(dir, "a.bin")
	pathB := filepath.Join(dir, "b.bin")
	require.NoError(t, os.WriteFile(pathA, data, 0o644))
	require.NoError(t, os.WriteFile(pathB, data, 0o644))

	refsA, hashA, _, err := ManifestFile(pathA)
	require.NoError(t, err)

	refsB, hashB, _, err := ManifestFile(pathB)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Equal(t, refsA, refsB)
}
