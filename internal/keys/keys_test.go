package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBackendAlgorithms(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	p256, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	p384, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	cases := []struct {
		name string
		key  crypto.Signer
		alg  string
	}{
		{"rsa", rsaKey, "RS256"},
		{"p256", p256, "ES256"},
		{"p384", p384, "ES384"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend, err := NewLocalBackend(tc.key)
			require.NoError(t, err)
			assert.Equal(t, tc.alg, backend.Algorithm())
		})
	}
}

func TestLocalBackendRSASignatureVerifies(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	backend, err := NewLocalBackend(key)
	require.NoError(t, err)

	content := []byte("header.payload")
	sig, err := backend.Sign(context.Background(), content)
	require.NoError(t, err)

	digest := sha256.Sum256(content)
	assert.NoError(t, rsa.VerifyPKCS1v15(&key.PublicKey, crypto.SHA256, digest[:], sig))
}

func TestLocalBackendECDSASignatureIsFixedWidth(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	backend, err := NewLocalBackend(key)
	require.NoError(t, err)

	content := []byte("header.payload")
	sig, err := backend.Sign(context.Background(), content)
	require.NoError(t, err)
	require.Len(t, sig, 64, "ES256 signatures are r||s with 32 bytes each")

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	digest := sha256.Sum256(content)
	assert.True(t, ecdsa.Verify(&key.PublicKey, digest[:], r, s))
}

func TestNewLocalBackendRejectsUnsupportedKeys(t *testing.T) {
	_, err := NewLocalBackend(nil)
	assert.ErrorIs(t, err, ErrUnsupportedKey)
}

func TestLoadOrCreateAccountKeyRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "account.key")

	created, err := LoadOrCreateAccountKey(path, 2048)
	require.NoError(t, err)
	rsaCreated, ok := created.(*rsa.PrivateKey)
	require.True(t, ok, "generated account keys are RSA")

	loaded, err := LoadOrCreateAccountKey(path, 2048)
	require.NoError(t, err)
	rsaLoaded, ok := loaded.(*rsa.PrivateKey)
	require.True(t, ok)
	assert.Zero(t, rsaCreated.N.Cmp(rsaLoaded.N), "second call must load the persisted key, not generate")
}

func TestParsePrivateKeyAcceptsCommonEncodings(t *testing.T) {
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	encoded, err := EncodePrivateKey(ecKey)
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(encoded)
	require.NoError(t, err)
	parsedEC, ok := parsed.(*ecdsa.PrivateKey)
	require.True(t, ok)
	assert.True(t, parsedEC.Equal(ecKey))

	_, err = ParsePrivateKey([]byte("not pem"))
	assert.Error(t, err)
}

func TestGenerateCertificateKeyDefaultsToECDSA(t *testing.T) {
	key, err := GenerateCertificateKey(0)
	require.NoError(t, err)
	_, ok := key.(*ecdsa.PrivateKey)
	assert.True(t, ok)

	key, err = GenerateCertificateKey(2048)
	require.NoError(t, err)
	_, ok = key.(*rsa.PrivateKey)
	assert.True(t, ok)
}
