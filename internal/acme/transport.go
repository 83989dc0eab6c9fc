package acme

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// response captures everything an accessor needs from one exchange: the body,
// the headers (Location, Retry-After) and the status code. The Replay-Nonce
// has already been fed back to the session's NonceSource by the time an
// accessor sees this.
type response struct {
	status int
	header http.Header
	body   []byte
}

// location returns the authoritative URL of a created resource.
func (r *response) location() string {
	return r.header.Get("Location")
}

// retryAfter parses the Retry-After header, which carries either delay
// seconds or an HTTP date. Zero means the server expressed no preference.
func (r *response) retryAfter() time.Duration {
	v := r.header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// postJOSE performs one signed POST: sign → send → record nonce → classify.
// useJWK selects the embedded-key header form; everything after new-account
// uses the account URL as kid. A nil payload produces the empty-string
// payload of a POST-as-GET.
func (s *Session) postJOSE(ctx context.Context, url string, payload any, useJWK bool, accept string) (*response, error) {
	var body []byte
	var err error
	if useJWK {
		body, err = s.signer.SignEmbedded(ctx, url, payload)
	} else {
		kid, kidErr := s.KeyID(ctx)
		if kidErr != nil {
			return nil, kidErr
		}
		body, err = s.signer.SignKeyID(ctx, url, kid, payload)
	}
	if err != nil {
		return nil, err
	}
	return s.send(ctx, url, body, accept)
}

// send ships a pre-signed envelope and parses the outcome. Any status >= 400
// becomes a *Problem; 2xx/3xx responses other than the conventional ones are
// tolerated with a warning, since several CAs are not strictly compliant.
func (s *Session) send(ctx context.Context, url string, signedBody []byte, accept string) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(signedBody))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", url, err)
	}
	req.Header.Set("Content-Type", contentTypeJOSE)
	req.Header.Set("User-Agent", userAgent)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	// Every response may carry a fresh nonce; never drop one.
	s.nonces.Update(resp.Header.Get("Replay-Nonce"))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", url, err)
	}

	if resp.StatusCode >= 400 {
		return nil, problemFromResponse(resp, body)
	}

	return &response{status: resp.StatusCode, header: resp.Header, body: body}, nil
}

// expectStatus logs a warning when the server answered with a success status
// other than the expected one. The response is still accepted.
func (r *response) expectStatus(operation string, expected ...int) {
	for _, want := range expected {
		if r.status == want {
			return
		}
	}
	logger.Warn("unexpected success status",
		zap.String("operation", operation),
		zap.Int("status", r.status),
		zap.Ints("expected", expected))
}
