package acme

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/blockadesystems/certforge/internal/model"
)

// ACME error type URNs the client reacts to specifically.
// https://datatracker.ietf.org/doc/html/rfc8555#section-6.7
const (
	ErrorBadNonce     = "urn:ietf:params:acme:error:badNonce"
	ErrorMalformed    = "urn:ietf:params:acme:error:malformed"
	ErrorUnauthorized = "urn:ietf:params:acme:error:unauthorized"
	ErrorRateLimited  = "urn:ietf:params:acme:error:rateLimited"
)

// Problem is a server-reported protocol error (problem+json body). It wraps
// the wire object so callers can inspect the server's type and detail.
type Problem struct {
	model.ProblemDetails
}

func (p *Problem) Error() string {
	if p.Detail == "" {
		return fmt.Sprintf("acme: server error %s (HTTP %d)", p.Type, p.Status)
	}
	return fmt.Sprintf("acme: %s: %s (HTTP %d)", p.Type, p.Detail, p.Status)
}

// Retryable reports whether resubmitting the same logical request can
// succeed: a stale nonce always can, and transient server conditions may.
func (p *Problem) Retryable() bool {
	if p.Type == ErrorBadNonce {
		return true
	}
	switch {
	case p.Status == http.StatusTooManyRequests:
		return true
	case p.Status >= 500:
		return true
	}
	return false
}

// problemFromResponse turns an error response into a *Problem. Bodies that
// are not problem+json are wrapped opaquely with the raw body attached.
func problemFromResponse(resp *http.Response, body []byte) error {
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, contentTypeProblem) || strings.Contains(contentType, "application/json") {
		prob := &Problem{}
		if err := json.Unmarshal(body, &prob.ProblemDetails); err == nil && prob.Type != "" {
			if prob.ProblemDetails.Status == 0 {
				prob.ProblemDetails.Status = resp.StatusCode
			}
			return prob
		}
	}
	return &Problem{ProblemDetails: model.ProblemDetails{
		Type:   "urn:ietf:params:acme:error:serverInternal",
		Detail: fmt.Sprintf("unexpected response: %s", strings.TrimSpace(string(body))),
		Status: resp.StatusCode,
	}}
}
