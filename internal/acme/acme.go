// Package acme implements the client side of the ACME protocol (RFC 8555):
// directory discovery, nonce handling, JWS request signing, the typed
// resource accessors and the logged-in Session that composes them.
package acme

import (
	"go.uber.org/zap"
)

const (
	// ACME clients MUST send a User-Agent header field.
	// https://datatracker.ietf.org/doc/html/rfc8555#section-6.1
	userAgent = "certforge/1.0 (+https://github.com/blockadesystems/certforge)"

	// Signed requests must carry this content type.
	// https://datatracker.ietf.org/doc/html/rfc8555#section-6.2
	contentTypeJOSE = "application/jose+json"

	contentTypeProblem = "application/problem+json"

	// Certificate chains are bounded; anything larger is rejected.
	maxBodySize = 1 << 20
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "acme"))
}
