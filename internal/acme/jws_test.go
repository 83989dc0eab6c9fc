package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certforge/internal/keys"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	backend, err := keys.NewLocalBackend(key)
	require.NoError(t, err)

	nonces := NewNonceSource(nil, "")
	nonces.Update("test-nonce-1")
	return NewSigner(backend, nonces)
}

// decodedHeader unpacks the protected header of a flattened envelope.
func decodedHeader(t *testing.T, body []byte) map[string]json.RawMessage {
	t.Helper()
	var envelope jwsEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	headerJSON, err := base64.RawURLEncoding.DecodeString(envelope.Protected)
	require.NoError(t, err)
	var header map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(headerJSON, &header))
	return header
}

func TestSignEmbeddedCarriesJWKAndNoKID(t *testing.T) {
	signer := newTestSigner(t)

	body, err := signer.SignEmbedded(context.Background(), "https://ca.example/new-account", map[string]bool{"termsOfServiceAgreed": true})
	require.NoError(t, err)

	header := decodedHeader(t, body)
	assert.Contains(t, header, "jwk")
	assert.NotContains(t, header, "kid")
	assert.JSONEq(t, `"ES256"`, string(header["alg"]))
	assert.JSONEq(t, `"test-nonce-1"`, string(header["nonce"]))
	assert.JSONEq(t, `"https://ca.example/new-account"`, string(header["url"]))

	// The embedded JWK must be bare key material, no alg or use members.
	var jwk map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(header["jwk"], &jwk))
	assert.NotContains(t, jwk, "alg")
	assert.NotContains(t, jwk, "use")
}

func TestSignKeyIDCarriesKIDAndNoJWK(t *testing.T) {
	signer := newTestSigner(t)

	body, err := signer.SignKeyID(context.Background(), "https://ca.example/new-order", "https://ca.example/account/42", nil)
	require.NoError(t, err)

	header := decodedHeader(t, body)
	assert.Contains(t, header, "kid")
	assert.NotContains(t, header, "jwk")
	assert.JSONEq(t, `"https://ca.example/account/42"`, string(header["kid"]))

	// nil payload is POST-as-GET: the empty string, not "{}".
	var envelope jwsEnvelope
	require.NoError(t, json.Unmarshal(body, &envelope))
	assert.Equal(t, "", envelope.Payload)
}

func TestSignRejectsAmbiguousKeyIdentification(t *testing.T) {
	signer := newTestSigner(t)
	jwk := signer.publicJWK()

	_, err := signer.sign(context.Background(), "https://ca.example/x", &jwk, "https://ca.example/account/42", nil)
	assert.ErrorIs(t, err, ErrHeaderKeyAmbiguous)

	_, err = signer.sign(context.Background(), "https://ca.example/x", nil, "", nil)
	assert.ErrorIs(t, err, ErrHeaderKeyAmbiguous)

	_, err = signer.SignKeyID(context.Background(), "https://ca.example/x", "", nil)
	assert.ErrorIs(t, err, ErrHeaderKeyAmbiguous)
}

func TestSignatureVerifiesWithGoJose(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	backend, err := keys.NewLocalBackend(key)
	require.NoError(t, err)
	nonces := NewNonceSource(nil, "")
	nonces.Update("nonce-abc")
	signer := NewSigner(backend, nonces)

	payload := json.RawMessage(`{"hello":"world"}`)
	body, err := signer.SignEmbedded(context.Background(), "https://ca.example/new-account", payload)
	require.NoError(t, err)

	jws, err := jose.ParseSigned(string(body), []jose.SignatureAlgorithm{jose.ES256})
	require.NoError(t, err)
	verified, err := jws.Verify(&jose.JSONWebKey{Key: key.Public()})
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(verified))
	assert.Equal(t, "nonce-abc", jws.Signatures[0].Protected.Nonce)
}

func TestThumbprintIsDeterministicAndCanonical(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	backend, err := keys.NewLocalBackend(key)
	require.NoError(t, err)
	signer := NewSigner(backend, NewNonceSource(nil, ""))

	first, err := signer.Thumbprint()
	require.NoError(t, err)
	second, err := signer.Thumbprint()
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// RFC 7638: SHA-256 over {"e","kty","n"} in lexicographic member order
	// with no whitespace.
	canonical := fmt.Sprintf(`{"e":"%s","kty":"RSA","n":"%s"}`,
		base64.RawURLEncoding.EncodeToString([]byte{1, 0, 1}),
		base64.RawURLEncoding.EncodeToString(key.N.Bytes()))
	sum := sha256.Sum256([]byte(canonical))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), first)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	otherBackend, err := keys.NewLocalBackend(otherKey)
	require.NoError(t, err)
	otherThumb, err := NewSigner(otherBackend, NewNonceSource(nil, "")).Thumbprint()
	require.NoError(t, err)
	assert.NotEqual(t, first, otherThumb)
}
