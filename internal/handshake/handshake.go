// Package handshake establishes the mutually-authenticated session with a
// connecting device: nonce challenge, RSA identity exchange, session-secret
// delivery, and construction of the AES cipher pipe.
package handshake

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Ario-Inc/spark-protocol/internal/models"
	"github.com/Ario-Inc/spark-protocol/internal/storage"
	"github.com/Ario-Inc/spark-protocol/pkg/crypto"
)

const (
	nonceSize      = 40
	deviceBlobSize = 256
	deviceIDSize   = 12

	defaultTimeout = 30 * time.Second
)

// Result is what a completed handshake hands to the session: the cipher
// pipe, the device identity, the decrypted Hello, and any plaintext that
// arrived during the handshake window.
type Result struct {
	CipherIn         *crypto.CipherReader
	CipherOut        *crypto.CipherWriter
	DeviceID         models.DeviceID
	InitialPlaintext []byte
	PendingBuffers   [][]byte
}

// Handshake performs the key exchange for incoming device connections.
type Handshake struct {
	serverKey KeyDecrypter
	keys      KeyStore
	timeout   time.Duration
}

// KeyDecrypter is the server-key side of the exchange.
type KeyDecrypter interface {
	Decrypt(blob []byte) ([]byte, error)
	Sign(digest []byte) ([]byte, error)
}

// KeyStore looks up device public keys.
type KeyStore interface {
	GetDeviceKey(ctx context.Context, id models.DeviceID) (*models.DeviceKey, error)
}

// New builds a handshake engine around the server key and the device key
// store.
func New(serverKey KeyDecrypter, keys KeyStore, timeout time.Duration) *Handshake {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Handshake{serverKey: serverKey, keys: keys, timeout: timeout}
}

// Perform runs the exchange on a fresh connection:
//
//  1. server sends a 40-byte random nonce;
//  2. device answers with a 256-byte RSA blob decrypting to nonce‖deviceID;
//  3. server encrypts a 40-byte session secret to the device's stored public
//     key, HMACs the ciphertext under the secret, signs the digest, and
//     sends ciphertext‖signature;
//  4. both sides switch to AES; the device's first encrypted frame is its
//     Hello, returned as InitialPlaintext.
func (h *Handshake) Perform(ctx context.Context, conn net.Conn) (*Result, error) {
	deadline := time.Now().Add(h.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	nonce, err := crypto.RandomBytes(nonceSize)
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	if _, err := conn.Write(nonce); err != nil {
		return nil, fmt.Errorf("send nonce: %w", err)
	}

	blob := make([]byte, deviceBlobSize)
	if _, err := io.ReadFull(conn, blob); err != nil {
		return nil, fmt.Errorf("read device response: %w", err)
	}

	plain, err := h.serverKey.Decrypt(blob)
	if err != nil {
		return nil, fmt.Errorf("decrypt device response: %w", err)
	}
	if len(plain) < nonceSize+deviceIDSize {
		return nil, fmt.Errorf("device response too short: %d bytes", len(plain))
	}
	if !bytes.Equal(plain[:nonceSize], nonce) {
		return nil, fmt.Errorf("nonce mismatch")
	}

	var deviceID models.DeviceID
	copy(deviceID[:], plain[nonceSize:nonceSize+deviceIDSize])

	key, err := h.keys.GetDeviceKey(ctx, deviceID)
	if err == storage.ErrNotFound {
		return nil, fmt.Errorf("unknown device %s", deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("load device key: %w", err)
	}
	devicePub, err := crypto.ParsePublicKey(key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}

	secret, err := crypto.RandomBytes(crypto.SessionSecretSize)
	if err != nil {
		return nil, fmt.Errorf("generate session secret: %w", err)
	}
	ciphertext, err := crypto.EncryptForDevice(devicePub, secret)
	if err != nil {
		return nil, fmt.Errorf("encrypt session secret: %w", err)
	}

	digest := crypto.HMACDigest(secret, ciphertext)
	signature, err := h.serverKey.Sign(digest)
	if err != nil {
		return nil, fmt.Errorf("sign session secret: %w", err)
	}

	if _, err := conn.Write(ciphertext); err != nil {
		return nil, fmt.Errorf("send session secret: %w", err)
	}
	if _, err := conn.Write(signature); err != nil {
		return nil, fmt.Errorf("send signature: %w", err)
	}

	aesKey := secret[0:16]
	aesIV := secret[16:32]

	cipherIn, err := crypto.NewCipherReader(conn, aesKey, aesIV)
	if err != nil {
		return nil, fmt.Errorf("build cipher reader: %w", err)
	}
	cipherOut, err := crypto.NewCipherWriter(conn, aesKey, aesIV)
	if err != nil {
		return nil, fmt.Errorf("build cipher writer: %w", err)
	}

	hello, err := cipherIn.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	log.Debug().
		Str("device", deviceID.String()).
		Str("remote", conn.RemoteAddr().String()).
		Msg("handshake complete")

	return &Result{
		CipherIn:         cipherIn,
		CipherOut:        cipherOut,
		DeviceID:         deviceID,
		InitialPlaintext: hello,
		// The frame reader pulls on demand, so nothing else decrypts during
		// the handshake window; the slot stays for transports that buffer.
		PendingBuffers: nil,
	}, nil
}
