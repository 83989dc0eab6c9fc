package acme

import (
	"context"
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-jose/go-jose/v4"

	"github.com/blockadesystems/certforge/internal/keys"
)

// ErrHeaderKeyAmbiguous is raised when a protected header would carry both or
// neither of jwk/kid. Exactly one must be present on every signed request.
var ErrHeaderKeyAmbiguous = errors.New("acme: protected header requires exactly one of jwk or kid")

// protectedHeader is the JWS protected header ACME mandates.
// https://datatracker.ietf.org/doc/html/rfc8555#section-6.2
type protectedHeader struct {
	Alg   string           `json:"alg"`
	Nonce string           `json:"nonce"`
	URL   string           `json:"url"`
	JWK   *jose.JSONWebKey `json:"jwk,omitempty"`
	KID   string           `json:"kid,omitempty"`
}

// jwsEnvelope is the flattened JSON serialization sent on the wire.
type jwsEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// Signer produces the signed JWS envelope ACME requires for every non-GET
// request. Signing failures from the key backend propagate; they are never
// retried at this layer.
type Signer struct {
	backend keys.Backend
	nonces  *NonceSource
}

// NewSigner binds a key backend to a session's nonce source.
func NewSigner(backend keys.Backend, nonces *NonceSource) *Signer {
	return &Signer{backend: backend, nonces: nonces}
}

// SignEmbedded signs payload with the public key embedded in the protected
// header ("jwk"). Used only while no account URL is known, i.e. new-account.
func (s *Signer) SignEmbedded(ctx context.Context, requestURL string, payload any) ([]byte, error) {
	jwk := s.publicJWK()
	return s.sign(ctx, requestURL, &jwk, "", payload)
}

// SignKeyID signs payload with the account URL as the key identifier ("kid").
// Used for every request once the account exists.
func (s *Signer) SignKeyID(ctx context.Context, requestURL, keyID string, payload any) ([]byte, error) {
	if keyID == "" {
		return nil, ErrHeaderKeyAmbiguous
	}
	return s.sign(ctx, requestURL, nil, keyID, payload)
}

func (s *Signer) sign(ctx context.Context, requestURL string, jwk *jose.JSONWebKey, kid string, payload any) ([]byte, error) {
	if (jwk == nil) == (kid == "") {
		return nil, ErrHeaderKeyAmbiguous
	}

	payloadJSON, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	nonce, err := s.nonces.Get(ctx)
	if err != nil {
		return nil, err
	}

	header := protectedHeader{
		Alg:   s.backend.Algorithm(),
		Nonce: nonce,
		URL:   requestURL,
		JWK:   jwk,
		KID:   kid,
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal protected header: %w", err)
	}

	protected := base64.RawURLEncoding.EncodeToString(headerJSON)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	signingInput := protected + "." + encodedPayload

	signature, err := s.backend.Sign(ctx, []byte(signingInput))
	if err != nil {
		return nil, fmt.Errorf("signing backend failed: %w", err)
	}

	envelope := jwsEnvelope{
		Protected: protected,
		Payload:   encodedPayload,
		Signature: base64.RawURLEncoding.EncodeToString(signature),
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JWS envelope: %w", err)
	}
	return body, nil
}

// encodePayload serializes the request payload. nil means the empty string
// payload used by POST-as-GET.
// https://datatracker.ietf.org/doc/html/rfc8555#section-6.3
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte{}, nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}
		return data, nil
	}
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of the account public
// key, base64url-encoded. go-jose canonicalizes the JWK members (for RSA
// exactly {"e","kty","n"}, lexicographic, no whitespace) before hashing.
func (s *Signer) Thumbprint() (string, error) {
	jwk := s.publicJWK()
	sum, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// publicJWK returns the bare public JWK for header embedding: no alg/use
// members, just the key material.
func (s *Signer) publicJWK() jose.JSONWebKey {
	return jose.JSONWebKey{Key: s.backend.PublicJWK().Key}
}
