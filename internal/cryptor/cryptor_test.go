package cryptor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCryptor(t *testing.T) (*Cryptor, []byte) {
	t.Helper()

	key, err := NewKey()
	require.NoError(t, err)

	c, err := New(key)
	require.NoError(t, err)

	return c, key
}

func TestSealOpenRoundTrip(t *testing.T) {
	c, _ := newTestCryptor(t)

	cases := [][]byte{
		[]byte("hello"),
		{},
		bytes.Repeat([]byte{0xab}, 4<<20),
	}

	for _, plaintext := range cases {
		sealed, err := c.Seal(plaintext)
		require.NoError(t, err)
		assert.Len(t, sealed, len(plaintext)+NonceSize+Overhead)

		opened, err := c.Open(sealed)
		require.NoError(t, err)
		assert.Equal(t, plaintext, opened)
	}
}

func TestSealUsesFreshNonce(t *testing.T) {
	c, _ := newTestCryptor(t)
	plaintext := []byte("same content")

	first, err := c.Seal(plaintext)
	require.NoError(t, err)

	second, err := c.Seal(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, first, second, "two seals of identical plaintext must differ")
}

func TestOpenWrongKey(t *testing.T) {
	c1, _ := newTestCryptor(t)
	c2, _ := newTestCryptor(t)

	sealed, err := c1.Seal([]byte("secret"))
	require.NoError(t, err)

	_, err = c2.Open(sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenCorruptedChunk(t *testing.T) {
	c, _ := newTestCryptor(t)

	sealed, err := c.Seal([]byte("secret"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xff

	_, err = c.Open(sealed)
	require.ErrorIs(t, err, ErrDecrypt)
}

func TestOpenTooShort(t *testing.T) {
	c, _ := newTestCryptor(t)

	for _, n := range []int{0, 1, NonceSize, NonceSize + Overhead - 1} {
		_, err := c.Open(make([]byte, n))
		require.ErrorIs(t, err, ErrChunkFormat, "length %d", n)
	}
}

func TestNewRejectsBadKey(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		_, err := New(make([]byte, n))
		require.ErrorIs(t, err, ErrInvalidKey, "key length %d", n)
	}
}

func TestNewKeyIsRandom(t *testing.T) {
	a, err := NewKey()
	require.NoError(t, err)
	require.Len(t, a, KeySize)

	b, err := NewKey()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}
