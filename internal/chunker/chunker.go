// Package chunker splits file content into content-defined chunks so that
// identical data produces identical chunk boundaries on every machine.
// Chunk identity is the SHA-256 of the plaintext chunk, which doubles as
// the deduplication key on the server.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/restic/chunker"
)

// Chunk size bounds. The average is controlled by the number of hash bits
// tested for a boundary: 22 bits yields ~4 MiB chunks.
const (
	MinSize     = 1 << 20 // 1 MiB
	MaxSize     = 8 << 20 // 8 MiB
	averageBits = 22      // ~4 MiB average
)

// pol is the Rabin polynomial shared by all clients. It must never change:
// two machines chunking the same file have to agree on every boundary or
// chunk-level deduplication breaks.
const pol = chunker.Pol(0x3DA3358B4DC173)

// Ref identifies one chunk of a file without carrying its data.
type Ref struct {
	Index  int
	Hash   string
	Offset int64
	Size   int64
}

// Chunk is a Ref plus the plaintext bytes. Data is only valid for the
// duration of the Split callback; callers that need to keep it must copy.
type Chunk struct {
	Ref
	Data []byte
}

// Split reads r to EOF, invoking fn once per content-defined chunk in
// order. An error from fn aborts the split and is returned unwrapped so
// callers can match on their own sentinel errors.
func Split(r io.Reader, fn func(Chunk) error) error {
	c := chunker.NewWithBoundaries(r, pol, MinSize, MaxSize)
	c.SetAverageBits(averageBits)

	buf := make([]byte, MaxSize)
	index := 0

	var offset int64

	for {
		next, err := c.Next(buf)
		if err == io.EOF {
			return nil
		}

		if err != nil {
			return fmt.Errorf("chunker: splitting at offset %d: %w", offset, err)
		}

		sum := sha256.Sum256(next.Data)
		ch := Chunk{
			Ref: Ref{
				Index:  index,
				Hash:   hex.EncodeToString(sum[:]),
				Offset: offset,
				Size:   int64(next.Length),
			},
			Data: next.Data,
		}

		if err := fn(ch); err != nil {
			return err
		}

		offset += int64(next.Length)
		index++
	}
}

// ManifestFile chunks the file at path and returns the ordered chunk refs,
// the SHA-256 of the whole plaintext, and the total size. Zero-byte files
// yield an empty ref list and the hash of the empty string.
func ManifestFile(path string) ([]Ref, string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", 0, fmt.Errorf("chunker: opening %s: %w", path, err)
	}
	defer f.Close()

	whole := sha256.New()
	refs := []Ref{}

	var total int64

	err = Split(io.TeeReader(f, whole), func(ch Chunk) error {
		refs = append(refs, ch.Ref)
		total += ch.Size
		return nil
	})
	if err != nil {
		return nil, "", 0, err
	}

	return refs, hex.EncodeToString(whole.Sum(nil)), total, nil
}

// ReadChunk reads the bytes for a previously computed ref back out of the
// file and verifies the hash still matches. A mismatch means the file
// changed since the manifest was taken.
func ReadChunk(f *os.File, ref Ref) ([]byte, error) {
	data := make([]byte, ref.Size)
	if _, err := f.ReadAt(data, ref.Offset); err != nil {
		return nil, fmt.Errorf("chunker: reading chunk %d at offset %d: %w", ref.Index, ref.Offset, err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != ref.Hash {
		return nil, fmt.Errorf("chunker: chunk %d changed since manifest (hash mismatch)", ref.Index)
	}

	return data, nil
}

// HashBytes returns the SHA-256 hex digest of data. It is the single
// definition of content identity used by both sides of the protocol.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
