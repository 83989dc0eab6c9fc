package acme

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

// ErrNoNonce indicates the server stopped supplying Replay-Nonce headers.
var ErrNoNonce = errors.New("acme: server did not supply a replay nonce")

// NonceSource holds the most recently observed anti-replay nonce for one
// session. Nonces are single-use but fungible: a consumer gets the latest
// value available at call time, not the one paired with any prior request.
//
// Concurrency contract: Update never blocks and never loses a newer value;
// Get consumes the stored nonce so each is used at most once, falling back to
// a HEAD request against newNonce when the slot is empty.
type NonceSource struct {
	client      *http.Client
	newNonceURL string

	mu    sync.Mutex
	nonce string
}

// NewNonceSource creates a source bound to the directory's newNonce endpoint.
func NewNonceSource(client *http.Client, newNonceURL string) *NonceSource {
	return &NonceSource{client: client, newNonceURL: newNonceURL}
}

// Update records a freshly observed nonce. Last write wins; empty values are
// ignored per RFC 8555 ("clients MUST ignore invalid Replay-Nonce values").
func (n *NonceSource) Update(nonce string) {
	if nonce == "" {
		return
	}
	n.mu.Lock()
	n.nonce = nonce
	n.mu.Unlock()
}

// Get returns a nonce to use on the next signed request, fetching one from
// the server if none has been observed yet. It never returns "".
func (n *NonceSource) Get(ctx context.Context) (string, error) {
	n.mu.Lock()
	nonce := n.nonce
	n.nonce = ""
	n.mu.Unlock()
	if nonce != "" {
		return nonce, nil
	}
	return n.fetch(ctx)
}

// Nonce implements go-jose's jose.NonceSource.
func (n *NonceSource) Nonce() (string, error) {
	return n.Get(context.Background())
}

// fetch performs HEAD newNonce.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.2
func (n *NonceSource) fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, n.newNonceURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build new-nonce request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := n.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("new-nonce fetch failed: %w", err)
	}
	defer resp.Body.Close()

	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", ErrNoNonce
	}
	logger.Debug("fetched fresh nonce", zap.String("url", n.newNonceURL))
	return nonce, nil
}
