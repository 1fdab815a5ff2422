package handshake

import (
	"crypto/rsa"

	"github.com/Ario-Inc/spark-protocol/pkg/crypto"
)

// ServerKey adapts the broker's RSA private key to the handshake.
type ServerKey struct {
	key *rsa.PrivateKey
}

// NewServerKey wraps a parsed RSA private key.
func NewServerKey(key *rsa.PrivateKey) *ServerKey {
	return &ServerKey{key: key}
}

// Decrypt opens a device identity blob.
func (k *ServerKey) Decrypt(blob []byte) ([]byte, error) {
	return crypto.DecryptWithServerKey(k.key, blob)
}

// Sign signs a handshake digest.
func (k *ServerKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(k.key, digest)
}

// Public exposes the public half for provisioning tooling.
func (k *ServerKey) Public() *rsa.PublicKey {
	return &k.key.PublicKey
}
