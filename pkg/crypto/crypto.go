// Package crypto supplies the session-establishment primitives: randoms,
// HMAC digests, the RSA operations used during handshake, and the framed
// AES cipher pipe both sides speak after it.
package crypto

import (
	"crypto"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SessionSecretSize is the handshake session secret: 16-byte AES key,
// 16-byte IV, 8-byte salt.
const SessionSecretSize = 40

// HashPassword hashes a password using bcrypt
func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// VerifyPassword verifies a password against a hash
func VerifyPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// RandomBytes generates n secure random bytes
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// RandomUint16 returns a random 16-bit value, used to seed message counters.
func RandomUint16() (uint16, error) {
	b, err := RandomBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// HMACDigest computes the HMAC-SHA1 of data under key, as used for
// handshake verification.
func HMACDigest(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// DecryptWithServerKey decrypts a handshake blob with the server's private
// key (PKCS#1 v1.5).
func DecryptWithServerKey(key *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	return rsa.DecryptPKCS1v15(rand.Reader, key, ciphertext)
}

// EncryptForDevice encrypts the session secret to the device's public key.
func EncryptForDevice(key *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	return rsa.EncryptPKCS1v15(rand.Reader, key, plaintext)
}

// Sign produces the server's signature over a handshake digest.
func Sign(key *rsa.PrivateKey, digest []byte) ([]byte, error) {
	hashed := sha256.Sum256(digest)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, hashed[:])
}

// Verify checks a signature produced by Sign.
func Verify(key *rsa.PublicKey, digest, sig []byte) error {
	hashed := sha256.Sum256(digest)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, hashed[:], sig)
}

// ParsePrivateKey parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8).
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in private key")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is %T, not RSA", parsed)
	}
	return key, nil
}

// ParsePublicKey parses a PEM- or DER-encoded RSA public key.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	if key, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", parsed)
	}
	return key, nil
}

// MarshalPublicKey renders an RSA public key as PKIX PEM for storage.
func MarshalPublicKey(key *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
