// Package cryptor implements the chunk encryption scheme: AES-256-GCM with
// a fresh random nonce per chunk, laid out as nonce || ciphertext || tag.
// The server only ever sees sealed chunks; the key never leaves the client.
package cryptor

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length prepended to every sealed chunk.
	NonceSize = 12
	// Overhead is the GCM authentication tag length appended by Seal.
	Overhead = 16
)

// Sentinel errors. Use errors.Is to classify.
var (
	// ErrInvalidKey means the key is not exactly KeySize bytes.
	ErrInvalidKey = errors.New("cryptor: key must be 32 bytes")
	// ErrChunkFormat means the ciphertext is too short or structurally invalid.
	ErrChunkFormat = errors.New("cryptor: malformed encrypted chunk")
	// ErrDecrypt means authentication failed: wrong key or corrupted data.
	ErrDecrypt = errors.New("cryptor: decryption failed (wrong key or corrupted chunk)")
)

// Cryptor seals and opens chunks with a fixed 32-byte key.
type Cryptor struct {
	aead cipher.AEAD
}

// New returns a Cryptor for the given 32-byte key.
func New(key []byte) (*Cryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptor: creating cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptor: creating GCM: %w", err)
	}

	return &Cryptor{aead: aead}, nil
}

// Seal encrypts plaintext, returning nonce || ciphertext || tag. The nonce
// is random per call, so sealing the same plaintext twice yields different
// bytes; dedup happens on the plaintext hash, never on ciphertext.
func (c *Cryptor) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("cryptor: generating nonce: %w", err)
	}

	// Seal appends to nonce, producing the full wire layout in one buffer.
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a sealed chunk produced by Seal.
func (c *Cryptor) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < NonceSize+Overhead {
		return nil, fmt.Errorf("%w: %d bytes", ErrChunkFormat, len(sealed))
	}

	nonce, ciphertext := sealed[:NonceSize], sealed[NonceSize:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	return plaintext, nil
}

// NewKey generates a fresh random 32-byte key.
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("cryptor: generating key: %w", err)
	}

	return key, nil
}
