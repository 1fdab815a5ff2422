package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrClosed is returned by reads and writes after Close.
var ErrClosed = errors.New("cipher stream closed")

const maxFrameSize = 1 << 15

// CipherWriter encrypts whole frames onto the underlying stream. Each frame
// is a 2-byte big-endian ciphertext length followed by PKCS#7-padded
// AES-128-CBC ciphertext. The IV rolls forward: the last ciphertext block of
// a frame chains into the next one.
type CipherWriter struct {
	mu     sync.Mutex
	w      io.Writer
	block  cipher.Block
	iv     []byte
	closed bool
}

// NewCipherWriter builds the outbound half from the session key and IV.
func NewCipherWriter(w io.Writer, key, iv []byte) (*CipherWriter, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &CipherWriter{w: w, block: block, iv: append([]byte(nil), iv...)}, nil
}

// WriteFrame encrypts and writes one plaintext frame.
func (c *CipherWriter) WriteFrame(plaintext []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	if len(padded) > maxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(padded))
	}

	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(ct, padded)
	copy(c.iv, ct[len(ct)-aes.BlockSize:])

	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(ct)))
	if _, err := c.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.w.Write(ct)
	return err
}

// Close is idempotent. It does not close the underlying stream; the socket
// is torn down separately by the session.
func (c *CipherWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// CipherReader decrypts frames produced by a matching CipherWriter.
type CipherReader struct {
	mu     sync.Mutex
	r      io.Reader
	block  cipher.Block
	iv     []byte
	closed bool
}

// NewCipherReader builds the inbound half from the session key and IV.
func NewCipherReader(r io.Reader, key, iv []byte) (*CipherReader, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &CipherReader{r: r, block: block, iv: append([]byte(nil), iv...)}, nil
}

// ReadFrame reads and decrypts the next whole frame.
func (c *CipherReader) ReadFrame() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	var hdr [2]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n == 0 || n%aes.BlockSize != 0 {
		return nil, fmt.Errorf("bad ciphertext length %d", n)
	}

	ct := make([]byte, n)
	if _, err := io.ReadFull(c.r, ct); err != nil {
		return nil, err
	}

	pt := make([]byte, n)
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(pt, ct)
	copy(c.iv, ct[n-aes.BlockSize:])

	return pkcs7Unpad(pt)
}

// Close is idempotent.
func (c *CipherReader) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	pad := blockSize - len(data)%blockSize
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(pad)}, pad)...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("empty padded frame")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, errors.New("bad padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, errors.New("bad padding")
		}
	}
	return data[:len(data)-pad], nil
}
