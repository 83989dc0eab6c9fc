package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "keys"))
}

// ErrUnsupportedKey indicates a private key type this package cannot sign with.
var ErrUnsupportedKey = errors.New("keys: unsupported private key type")

// Backend signs ACME protocol requests with the account key. Implementations
// may hold the key locally or call out to a remote vault; callers treat both
// uniformly as an operation that can fail.
type Backend interface {
	// Algorithm returns the JWS algorithm name for this key, e.g. "RS256".
	Algorithm() string
	// PublicJWK returns the public part of the account key as a JWK.
	PublicJWK() jose.JSONWebKey
	// Sign signs the JWS signing input (the ASCII string
	// base64url(protected) + "." + base64url(payload)) and returns the raw
	// signature bytes in JWS format.
	Sign(ctx context.Context, content []byte) ([]byte, error)
}

// LocalBackend is a Backend over an in-process private key.
type LocalBackend struct {
	signer crypto.Signer
}

// NewLocalBackend wraps an RSA or ECDSA private key.
func NewLocalBackend(signer crypto.Signer) (*LocalBackend, error) {
	switch signer.(type) {
	case *rsa.PrivateKey:
	case *ecdsa.PrivateKey:
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, signer)
	}
	return &LocalBackend{signer: signer}, nil
}

func (b *LocalBackend) Algorithm() string {
	switch k := b.signer.(type) {
	case *rsa.PrivateKey:
		return "RS256"
	case *ecdsa.PrivateKey:
		switch k.Curve.Params().Name {
		case "P-256":
			return "ES256"
		case "P-384":
			return "ES384"
		default:
			return "ES512"
		}
	}
	return ""
}

func (b *LocalBackend) PublicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: b.signer.Public(), Algorithm: b.Algorithm(), Use: "sig"}
}

func (b *LocalBackend) Sign(ctx context.Context, content []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	digest := sha256.Sum256(content)
	switch key := b.signer.(type) {
	case *rsa.PrivateKey:
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	case *ecdsa.PrivateKey:
		return signECDSA(key, digest[:])
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, b.signer)
	}
}

// signECDSA converts the ASN.1 signature crypto.Signer produces into the
// fixed-width r||s form JWS requires.
func signECDSA(key *ecdsa.PrivateKey, digest []byte) ([]byte, error) {
	sigASN1, err := key.Sign(rand.Reader, digest, crypto.SHA256)
	if err != nil {
		return nil, err
	}

	var rs struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(sigASN1, &rs); err != nil {
		return nil, err
	}

	size := key.PublicKey.Params().BitSize / 8
	if key.PublicKey.Params().BitSize%8 > 0 {
		size++
	}
	rb, sb := rs.R.Bytes(), rs.S.Bytes()
	sig := make([]byte, size*2)
	copy(sig[size-len(rb):], rb)
	copy(sig[size*2-len(sb):], sb)
	return sig, nil
}

// LoadOrCreateAccountKey reads the account private key from path, generating
// and persisting a new RSA key when none exists yet.
func LoadOrCreateAccountKey(path string, bits int) (crypto.Signer, error) {
	pemBytes, err := os.ReadFile(path)
	if err == nil {
		return ParsePrivateKey(pemBytes)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read account key %s: %w", path, err)
	}

	logger.Info("account key not found, generating", zap.String("path", path), zap.Int("bits", bits))
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}

	encoded, err := EncodePrivateKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, encoded, 0600); err != nil {
		return nil, fmt.Errorf("failed to write account key %s: %w", path, err)
	}
	return key, nil
}

// EncodePrivateKey PEM-encodes a private key in PKCS#8 form.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}), nil
}

// ParsePrivateKey decodes a PEM private key, accepting PKCS#8, PKCS#1 and SEC1
// encodings.
func ParsePrivateKey(pemBytes []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("keys: no PEM block found in private key data")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, errors.New("keys: failed to parse private key (tried PKCS#8, PKCS#1, SEC1)")
}

// GenerateCertificateKey creates a fresh key pair for a certificate request.
// bits <= 0 selects a P-256 ECDSA key instead of RSA.
func GenerateCertificateKey(bits int) (crypto.Signer, error) {
	if bits <= 0 {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	return rsa.GenerateKey(rand.Reader, bits)
}
