package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("wrong", hash))
}

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(40)
	require.NoError(t, err)
	b, err := RandomBytes(40)
	require.NoError(t, err)

	assert.Len(t, a, 40)
	assert.NotEqual(t, a, b)
}

func TestRandomUint16(t *testing.T) {
	seen := make(map[uint16]bool)
	for i := 0; i < 16; i++ {
		v, err := RandomUint16()
		require.NoError(t, err)
		seen[v] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestHMACDigest(t *testing.T) {
	key := []byte("secret")
	a := HMACDigest(key, []byte("payload"))
	b := HMACDigest(key, []byte("payload"))
	c := HMACDigest(key, []byte("other"))

	assert.Len(t, a, 20)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestRSAExchange(t *testing.T) {
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	deviceKey, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	secret, err := RandomBytes(SessionSecretSize)
	require.NoError(t, err)

	ciphertext, err := EncryptForDevice(&deviceKey.PublicKey, secret)
	require.NoError(t, err)
	plain, err := DecryptWithServerKey(deviceKey, ciphertext)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)

	digest := HMACDigest(secret, ciphertext)
	sig, err := Sign(serverKey, digest)
	require.NoError(t, err)
	assert.NoError(t, Verify(&serverKey.PublicKey, digest, sig))
	assert.Error(t, Verify(&serverKey.PublicKey, []byte("tampered"), sig))
}

func TestKeyPEMRoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	pub, err := MarshalPublicKey(&key.PublicKey)
	require.NoError(t, err)

	parsed, err := ParsePublicKey(pub)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, parsed.N)

	_, err = ParsePublicKey([]byte("not a key"))
	assert.Error(t, err)
	_, err = ParsePrivateKey([]byte("not a key"))
	assert.Error(t, err)
}
