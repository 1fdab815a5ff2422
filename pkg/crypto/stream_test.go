package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipePair(t *testing.T) (*CipherWriter, *CipherReader, *bytes.Buffer) {
	t.Helper()
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")

	var buf bytes.Buffer
	w, err := NewCipherWriter(&buf, key, iv)
	require.NoError(t, err)
	r, err := NewCipherReader(&buf, key, iv)
	require.NoError(t, err)
	return w, r, &buf
}

func TestCipherPipeRoundTrip(t *testing.T) {
	w, r, _ := pipePair(t)

	frames := [][]byte{
		[]byte("hello"),
		[]byte(""),
		bytes.Repeat([]byte{0xAB}, 16),  // exactly one block
		bytes.Repeat([]byte{0xCD}, 700), // multi-block
	}

	for _, f := range frames {
		require.NoError(t, w.WriteFrame(f))
	}
	// The IV rolls forward between frames, so order matters and each frame
	// comes back as its own unit.
	for _, f := range frames {
		got, err := r.ReadFrame()
		require.NoError(t, err)
		if len(f) == 0 {
			assert.Empty(t, got)
		} else {
			assert.Equal(t, f, got)
		}
	}
}

func TestCipherFrameBoundaries(t *testing.T) {
	w, r, buf := pipePair(t)

	require.NoError(t, w.WriteFrame([]byte("one")))
	require.NoError(t, w.WriteFrame([]byte("two")))

	// Two padded single-block frames with 2-byte length prefixes.
	assert.Equal(t, 2*(2+16), buf.Len())

	one, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), one)

	two, err := r.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), two)
}

func TestCipherCloseIdempotent(t *testing.T) {
	w, r, _ := pipePair(t)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Equal(t, ErrClosed, w.WriteFrame([]byte("x")))
	_, err := r.ReadFrame()
	assert.Equal(t, ErrClosed, err)
}

func TestCipherReaderRejectsGarbage(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte("fedcba9876543210")

	// Length not a block multiple.
	r, err := NewCipherReader(bytes.NewReader([]byte{0x00, 0x05, 1, 2, 3, 4, 5}), key, iv)
	require.NoError(t, err)
	_, err = r.ReadFrame()
	assert.Error(t, err)

	// A block whose plaintext ends in 0x00 can never carry valid padding.
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	plain := bytes.Repeat([]byte{0x11}, 16)
	plain[15] = 0x00
	ct := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, plain)

	raw := append([]byte{0x00, 0x10}, ct...)
	r, err = NewCipherReader(bytes.NewReader(raw), key, iv)
	require.NoError(t, err)
	_, err = r.ReadFrame()
	assert.Error(t, err)
}
