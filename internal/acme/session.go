package acme

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/keys"
	"github.com/blockadesystems/certforge/internal/model"
)

// SessionConfig carries the knobs a Session needs at construction.
type SessionConfig struct {
	DirectoryURL         string
	Contact              []string // e.g. ["mailto:ops@example.com"]
	TermsOfServiceAgreed bool
	OnlyReturnExisting   bool
	Retry                Policy
	HTTPClient           *http.Client // optional; a default client is used when nil
}

// Session binds one account key to one ACME server and exposes a
// concurrency-safe view over the order lifecycle. The directory is fetched
// once at construction; account resolution and the key thumbprint are
// computed once and shared by all callers.
type Session struct {
	httpClient *http.Client
	dir        Directory
	nonces     *NonceSource
	signer     *Signer
	policy     Policy

	contact      []string
	termsAgreed  bool
	onlyExisting bool

	accountOnce sync.Once
	account     *model.Account
	accountURL  string
	accountErr  error

	thumbOnce sync.Once
	thumb     string
	thumbErr  error
}

// NewSession discovers the server's endpoints and logs the account in
// (create-or-fetch, depending on OnlyReturnExisting). The returned Session is
// safe for concurrent use.
func NewSession(ctx context.Context, cfg SessionConfig, backend keys.Backend) (*Session, error) {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	dir, err := FetchDirectory(ctx, httpClient, cfg.DirectoryURL)
	if err != nil {
		return nil, err
	}

	nonces := NewNonceSource(httpClient, dir.NewNonce)
	s := &Session{
		httpClient:   httpClient,
		dir:          dir,
		nonces:       nonces,
		signer:       NewSigner(backend, nonces),
		policy:       cfg.Retry,
		contact:      cfg.Contact,
		termsAgreed:  cfg.TermsOfServiceAgreed,
		onlyExisting: cfg.OnlyReturnExisting,
	}

	// Resolve the account eagerly so construction fails fast on bad
	// credentials; later callers share the memoized result.
	if _, err := s.Account(ctx); err != nil {
		return nil, err
	}
	logger.Info("session established",
		zap.String("directory", cfg.DirectoryURL),
		zap.String("account_url", s.accountURL))
	return s, nil
}

// Directory returns the endpoints fetched at construction.
func (s *Session) Directory() Directory {
	return s.dir
}

// Account returns the memoized account this session is logged in as.
func (s *Session) Account(ctx context.Context) (*model.Account, error) {
	s.accountOnce.Do(func() {
		s.account, s.accountURL, s.accountErr = s.registerAccount(ctx)
	})
	return s.account, s.accountErr
}

// KeyID returns the account URL used as the JWS "kid" on all requests after
// new-account.
func (s *Session) KeyID(ctx context.Context) (string, error) {
	if _, err := s.Account(ctx); err != nil {
		return "", err
	}
	return s.accountURL, nil
}

// Thumbprint returns the RFC 7638 thumbprint of the account key, stable
// across calls for the same key.
func (s *Session) Thumbprint() (string, error) {
	s.thumbOnce.Do(func() {
		s.thumb, s.thumbErr = s.signer.Thumbprint()
	})
	return s.thumb, s.thumbErr
}
