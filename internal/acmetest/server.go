// Package acmetest runs a minimal in-memory ACME server for exercising the
// client end to end. It implements directory discovery, nonce issuance, JWS
// verification, account and order lifecycles, challenge validation against
// caller-supplied solvers, and certificate issuance from a throwaway CA.
package acmetest

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/blockadesystems/certforge/internal/model"
)

const (
	nonceHeader        = "Replay-Nonce"
	problemContentType = "application/problem+json"
	pemChainType       = "application/pem-certificate-chain"
)

// Solvers answer challenge validation the way a real CA would probe the
// network. The http-01 solver receives the identifier and token and returns
// the key authorization the client is serving; the dns-01 solver receives the
// record host and returns the TXT value. A nil solver fails every challenge
// of that type.
type Solvers struct {
	HTTP01 func(identifier, token string) (string, error)
	DNS01  func(host string) (string, error)
}

type account struct {
	url   string
	key   *jose.JSONWebKey
	thumb string
	obj   model.Account
}

type order struct {
	id      string
	account string
	obj     model.Order
	certID  string
}

type authorization struct {
	id      string
	orderID string
	obj     model.Authorization
}

// Server is an in-memory ACME server bound to an httptest listener.
type Server struct {
	httpSrv *httptest.Server
	ca      *testCA
	solvers Solvers

	mu              sync.Mutex
	nonces          map[string]struct{}
	badNonceBudget  int
	accounts        map[string]*account // keyed by account URL
	accountsByThumb map[string]string
	orders          map[string]*order
	authzs          map[string]*authorization
	challenges      map[string]string // challenge ID -> authorization ID
	certs           map[string][]byte
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t *testing.T, solvers Solvers) *Server {
	t.Helper()

	ca, err := newTestCA()
	if err != nil {
		t.Fatalf("starting test CA: %v", err)
	}
	s := &Server{
		ca:              ca,
		solvers:         solvers,
		nonces:          make(map[string]struct{}),
		accounts:        make(map[string]*account),
		accountsByThumb: make(map[string]string),
		orders:          make(map[string]*order),
		authzs:          make(map[string]*authorization),
		challenges:      make(map[string]string),
		certs:           make(map[string][]byte),
	}

	e := echo.New()
	e.HideBanner = true
	e.GET("/dir", s.handleDirectory)
	e.HEAD("/new-nonce", s.handleNewNonce)
	e.GET("/new-nonce", s.handleNewNonce)
	e.POST("/new-account", s.handleNewAccount)
	e.POST("/new-order", s.handleNewOrder)
	e.POST("/order/:id", s.handleGetOrder)
	e.POST("/authz/:id", s.handleGetAuthorization)
	e.POST("/chall/:id", s.handleChallenge)
	e.POST("/finalize/:id", s.handleFinalize)
	e.POST("/cert/:id", s.handleCertificate)

	s.httpSrv = httptest.NewServer(e)
	t.Cleanup(s.Close)
	return s
}

// Close shuts the listener down.
func (s *Server) Close() {
	s.httpSrv.Close()
}

// DirectoryURL is what clients should be pointed at.
func (s *Server) DirectoryURL() string {
	return s.httpSrv.URL + "/dir"
}

// CACertificate returns the issuing certificate so tests can verify chains.
func (s *Server) CACertificate() *x509.Certificate {
	return s.ca.cert
}

// InjectBadNonce makes the next n signed requests fail with
// urn:ietf:params:acme:error:badNonce regardless of the nonce presented.
// Each rejection still carries a fresh Replay-Nonce.
func (s *Server) InjectBadNonce(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badNonceBudget = n
}

func (s *Server) url(format string, args ...any) string {
	return s.httpSrv.URL + fmt.Sprintf(format, args...)
}

func (s *Server) issueNonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := uuid.NewString()
	s.nonces[n] = struct{}{}
	return n
}

// consumeNonce marks a nonce used. Returns false for unknown or replayed
// nonces, and while a badNonceBudget is armed.
func (s *Server) consumeNonce(n string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.badNonceBudget > 0 {
		s.badNonceBudget--
		delete(s.nonces, n)
		return false
	}
	if _, ok := s.nonces[n]; !ok {
		return false
	}
	delete(s.nonces, n)
	return true
}

func (s *Server) problem(c echo.Context, status int, typ, detail string) error {
	c.Response().Header().Set(nonceHeader, s.issueNonce())
	c.Response().Header().Set(echo.HeaderContentType, problemContentType)
	c.Response().WriteHeader(status)
	if err := json.NewEncoder(c.Response()).Encode(&model.ProblemDetails{
		Type:   typ,
		Detail: detail,
		Status: status,
	}); err != nil {
		return err
	}
	// The response is committed; the non-nil error only tells callers to stop.
	return echo.NewHTTPError(status, detail)
}

func (s *Server) respond(c echo.Context, status int, location string, body any) error {
	c.Response().Header().Set(nonceHeader, s.issueNonce())
	if location != "" {
		c.Response().Header().Set("Location", location)
	}
	return c.JSON(status, body)
}

func (s *Server) handleDirectory(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"newNonce":   s.url("/new-nonce"),
		"newAccount": s.url("/new-account"),
		"newOrder":   s.url("/new-order"),
		"revokeCert": s.url("/revoke-cert"),
		"keyChange":  s.url("/key-change"),
		"meta": map[string]any{
			"termsOfService": s.url("/terms"),
		},
	})
}

func (s *Server) handleNewNonce(c echo.Context) error {
	c.Response().Header().Set(nonceHeader, s.issueNonce())
	c.Response().Header().Set("Cache-Control", "no-store")
	return c.NoContent(http.StatusOK)
}

// signedRequest is the result of JWS verification: who signed, and what.
type signedRequest struct {
	payload []byte
	jwk     *jose.JSONWebKey // embedded key, set for new-account
	account *account         // resolved account, set for kid requests
}

// verifyJWS checks the envelope the way RFC 8555 Section 6 requires: the
// signature must verify, the nonce must be fresh, the url header must match
// the request, and exactly one of jwk and kid must be present.
func (s *Server) verifyJWS(c echo.Context, wantJWK bool) (*signedRequest, error) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return nil, s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "unreadable body")
	}
	jws, err := jose.ParseSigned(string(body), []jose.SignatureAlgorithm{
		jose.RS256, jose.RS384, jose.RS512, jose.ES256, jose.ES384, jose.ES512,
	})
	if err != nil {
		return nil, s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "failed to parse JWS: "+err.Error())
	}
	if len(jws.Signatures) != 1 {
		return nil, s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "expected exactly one signature")
	}
	header := jws.Signatures[0].Protected

	if !s.consumeNonce(header.Nonce) {
		return nil, s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badNonce", "nonce is missing, unknown or already used")
	}

	wantURL := s.httpSrv.URL + c.Request().URL.Path
	if gotURL, _ := header.ExtraHeaders["url"].(string); gotURL != wantURL {
		return nil, s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed",
			fmt.Sprintf("url header %q does not match request url %q", header.ExtraHeaders["url"], wantURL))
	}

	hasJWK := header.JSONWebKey != nil
	hasKID := header.KeyID != ""
	if hasJWK == hasKID {
		return nil, s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "exactly one of jwk and kid must be set")
	}
	if wantJWK != hasJWK {
		return nil, s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "wrong key identification for this endpoint")
	}

	req := &signedRequest{}
	var verifyKey *jose.JSONWebKey
	if hasJWK {
		req.jwk = header.JSONWebKey
		verifyKey = header.JSONWebKey
	} else {
		s.mu.Lock()
		acct := s.accounts[header.KeyID]
		s.mu.Unlock()
		if acct == nil {
			return nil, s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:accountDoesNotExist", "unknown kid")
		}
		req.account = acct
		verifyKey = acct.key
	}

	payload, err := jws.Verify(verifyKey)
	if err != nil {
		return nil, s.problem(c, http.StatusUnauthorized, "urn:ietf:params:acme:error:unauthorized", "signature verification failed")
	}
	req.payload = payload
	return req, nil
}

// requireEmptyPayload enforces POST-as-GET semantics: the payload must be the
// empty string, not "{}".
func (s *Server) requireEmptyPayload(c echo.Context, req *signedRequest) error {
	if len(req.payload) != 0 {
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "POST-as-GET requires an empty payload")
	}
	return nil
}

func thumbprint(key *jose.JSONWebKey) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

func (s *Server) handleNewAccount(c echo.Context) error {
	req, err := s.verifyJWS(c, true)
	if err != nil {
		return err
	}

	var body model.Account
	if err := json.Unmarshal(req.payload, &body); err != nil {
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "invalid account payload")
	}
	thumb, err := thumbprint(req.jwk)
	if err != nil {
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badPublicKey", "cannot compute key thumbprint")
	}

	s.mu.Lock()
	if url, ok := s.accountsByThumb[thumb]; ok {
		acct := s.accounts[url]
		s.mu.Unlock()
		return s.respond(c, http.StatusOK, acct.url, acct.obj)
	}
	if body.OnlyReturnExisting {
		s.mu.Unlock()
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:accountDoesNotExist", "no account registered for this key")
	}
	acct := &account{
		url:   s.url("/account/%s", uuid.NewString()),
		key:   req.jwk,
		thumb: thumb,
		obj: model.Account{
			Status:               model.StatusValid,
			Contact:              body.Contact,
			TermsOfServiceAgreed: body.TermsOfServiceAgreed,
		},
	}
	s.accounts[acct.url] = acct
	s.accountsByThumb[thumb] = acct.url
	s.mu.Unlock()

	return s.respond(c, http.StatusCreated, acct.url, acct.obj)
}

func (s *Server) handleNewOrder(c echo.Context) error {
	req, err := s.verifyJWS(c, false)
	if err != nil {
		return err
	}

	var body struct {
		Identifiers []model.Identifier `json:"identifiers"`
	}
	if err := json.Unmarshal(req.payload, &body); err != nil || len(body.Identifiers) == 0 {
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "order needs at least one identifier")
	}

	s.mu.Lock()

	ord := &order{
		id:      uuid.NewString(),
		account: req.account.url,
	}
	ord.obj = model.Order{
		Status:      model.StatusPending,
		Expires:     time.Now().Add(24 * time.Hour),
		Identifiers: body.Identifiers,
		FinalizeURL: s.url("/finalize/%s", ord.id),
	}
	for _, ident := range body.Identifiers {
		az := s.newAuthorization(ord.id, ident)
		ord.obj.Authorizations = append(ord.obj.Authorizations, s.url("/authz/%s", az.id))
	}
	s.orders[ord.id] = ord
	obj := ord.obj
	s.mu.Unlock()

	return s.respond(c, http.StatusCreated, s.url("/order/%s", ord.id), obj)
}

// newAuthorization builds a pending authorization for one identifier.
// Wildcard names get the base name with the wildcard flag, and dns-01 is the
// only challenge offered for them. Caller holds s.mu.
func (s *Server) newAuthorization(orderID string, ident model.Identifier) *authorization {
	az := &authorization{
		id:      uuid.NewString(),
		orderID: orderID,
	}
	value, wildcard := strings.CutPrefix(ident.Value, "*.")

	types := []string{model.ChallengeHTTP01, model.ChallengeDNS01}
	if wildcard {
		types = []string{model.ChallengeDNS01}
	}
	var challenges []*model.Challenge
	for _, typ := range types {
		ch := &model.Challenge{
			Type:   typ,
			Status: model.StatusPending,
			Token:  uuid.NewString(),
		}
		chID := uuid.NewString()
		ch.URL = s.url("/chall/%s", chID)
		s.challenges[chID] = az.id
		challenges = append(challenges, ch)
	}

	az.obj = model.Authorization{
		Identifier: model.Identifier{Type: ident.Type, Value: value},
		Status:     model.StatusPending,
		Expires:    time.Now().Add(24 * time.Hour),
		Challenges: challenges,
		Wildcard:   wildcard,
	}
	s.authzs[az.id] = az
	return az
}

func (s *Server) handleGetOrder(c echo.Context) error {
	req, err := s.verifyJWS(c, false)
	if err != nil {
		return err
	}
	if err := s.requireEmptyPayload(c, req); err != nil {
		return err
	}

	s.mu.Lock()
	ord := s.orders[c.Param("id")]
	if ord == nil || ord.account != req.account.url {
		s.mu.Unlock()
		return s.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
	}

	// Finalized orders spend one poll in "processing" before turning valid,
	// so clients have to follow the state machine rather than assume.
	if ord.obj.Status == model.StatusProcessing && ord.certID != "" {
		ord.obj.Status = model.StatusValid
		ord.obj.CertificateURL = s.url("/cert/%s", ord.certID)
	}
	obj := ord.obj
	s.mu.Unlock()
	return s.respond(c, http.StatusOK, "", obj)
}

func (s *Server) handleGetAuthorization(c echo.Context) error {
	req, err := s.verifyJWS(c, false)
	if err != nil {
		return err
	}
	if err := s.requireEmptyPayload(c, req); err != nil {
		return err
	}

	s.mu.Lock()
	az := s.authzs[c.Param("id")]
	if az == nil {
		s.mu.Unlock()
		return s.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such authorization")
	}
	obj := az.obj
	s.mu.Unlock()
	return s.respond(c, http.StatusOK, "", obj)
}

func (s *Server) handleChallenge(c echo.Context) error {
	req, err := s.verifyJWS(c, false)
	if err != nil {
		return err
	}
	// Challenge submission is the one POST whose payload is the empty JSON
	// object rather than the empty string.
	var empty map[string]any
	if err := json.Unmarshal(req.payload, &empty); err != nil || len(empty) != 0 {
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "challenge response payload must be {}")
	}

	s.mu.Lock()
	azID, ok := s.challenges[c.Param("id")]
	az := s.authzs[azID]
	s.mu.Unlock()
	if !ok || az == nil {
		return s.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such challenge")
	}

	var ch *model.Challenge
	for _, candidate := range az.obj.Challenges {
		if candidate.URL == s.url("/chall/%s", c.Param("id")) {
			ch = candidate
		}
	}
	if ch == nil {
		return s.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such challenge")
	}

	// Validate synchronously. Real CAs do this out of band; for tests the
	// solver answers immediately and the order advances before the client's
	// next poll.
	validationErr := s.validate(az.obj.Identifier.Value, req.account.thumb, ch)

	s.mu.Lock()
	ord := s.orders[az.orderID]
	if validationErr != nil {
		ch.Status = model.StatusInvalid
		ch.Error = &model.ProblemDetails{
			Type:   "urn:ietf:params:acme:error:incorrectResponse",
			Detail: validationErr.Error(),
			Status: http.StatusForbidden,
		}
		az.obj.Status = model.StatusInvalid
		if ord != nil {
			ord.obj.Status = model.StatusInvalid
			ord.obj.Error = ch.Error
		}
		s.mu.Unlock()
		return s.respond(c, http.StatusOK, "", ch)
	}

	ch.Status = model.StatusValid
	ch.Validated = time.Now()
	az.obj.Status = model.StatusValid
	if ord != nil && allAuthorizationsValid(s, ord) {
		ord.obj.Status = model.StatusReady
	}
	s.mu.Unlock()
	return s.respond(c, http.StatusOK, "", ch)
}

// validate runs the configured solver for the challenge type and compares its
// answer to the key authorization derived from the account key thumbprint.
func (s *Server) validate(identifier, thumb string, ch *model.Challenge) error {
	keyAuth := ch.Token + "." + thumb
	switch ch.Type {
	case model.ChallengeHTTP01:
		if s.solvers.HTTP01 == nil {
			return fmt.Errorf("no http-01 solver configured")
		}
		got, err := s.solvers.HTTP01(identifier, ch.Token)
		if err != nil {
			return fmt.Errorf("http-01 probe failed: %w", err)
		}
		if got != keyAuth {
			return fmt.Errorf("http-01 key authorization mismatch for %s", identifier)
		}
	case model.ChallengeDNS01:
		if s.solvers.DNS01 == nil {
			return fmt.Errorf("no dns-01 solver configured")
		}
		got, err := s.solvers.DNS01("_acme-challenge." + identifier)
		if err != nil {
			return fmt.Errorf("dns-01 lookup failed: %w", err)
		}
		digest := sha256.Sum256([]byte(keyAuth))
		if got != base64.RawURLEncoding.EncodeToString(digest[:]) {
			return fmt.Errorf("dns-01 record mismatch for %s", identifier)
		}
	default:
		return fmt.Errorf("unsupported challenge type %q", ch.Type)
	}
	return nil
}

// allAuthorizationsValid reports whether every authorization on the order has
// been satisfied. Caller holds s.mu.
func allAuthorizationsValid(s *Server, ord *order) bool {
	for _, az := range s.authzs {
		if az.orderID == ord.id && az.obj.Status != model.StatusValid {
			return false
		}
	}
	return true
}

func (s *Server) handleFinalize(c echo.Context) error {
	req, err := s.verifyJWS(c, false)
	if err != nil {
		return err
	}

	var body struct {
		CSR string `json:"csr"`
	}
	if err := json.Unmarshal(req.payload, &body); err != nil || body.CSR == "" {
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:malformed", "finalize payload must carry a csr")
	}

	s.mu.Lock()
	ord := s.orders[c.Param("id")]
	s.mu.Unlock()
	if ord == nil || ord.account != req.account.url {
		return s.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such order")
	}
	if ord.obj.Status != model.StatusReady {
		return s.problem(c, http.StatusForbidden, "urn:ietf:params:acme:error:orderNotReady",
			fmt.Sprintf("order is %q, not ready", ord.obj.Status))
	}

	der, err := base64.RawURLEncoding.DecodeString(body.CSR)
	if err != nil {
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "csr is not base64url")
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", "csr does not parse")
	}
	if err := csrMatchesOrder(csr, ord.obj.Identifiers); err != nil {
		return s.problem(c, http.StatusBadRequest, "urn:ietf:params:acme:error:badCSR", err.Error())
	}

	chain, err := s.ca.signCSR(csr)
	if err != nil {
		return s.problem(c, http.StatusInternalServerError, "urn:ietf:params:acme:error:serverInternal", err.Error())
	}

	s.mu.Lock()
	ord.certID = uuid.NewString()
	s.certs[ord.certID] = chain
	ord.obj.Status = model.StatusProcessing
	obj := ord.obj
	s.mu.Unlock()
	return s.respond(c, http.StatusOK, s.url("/order/%s", ord.id), obj)
}

// csrMatchesOrder requires the CSR names to be a subset of the order's
// identifiers.
func csrMatchesOrder(csr *x509.CertificateRequest, identifiers []model.Identifier) error {
	allowed := make(map[string]bool, len(identifiers))
	for _, ident := range identifiers {
		allowed[ident.Value] = true
	}
	names := csr.DNSNames
	if csr.Subject.CommonName != "" {
		names = append(names, csr.Subject.CommonName)
	}
	for _, name := range names {
		if !allowed[name] {
			return fmt.Errorf("csr name %q is not covered by the order", name)
		}
	}
	return nil
}

func (s *Server) handleCertificate(c echo.Context) error {
	req, err := s.verifyJWS(c, false)
	if err != nil {
		return err
	}
	if err := s.requireEmptyPayload(c, req); err != nil {
		return err
	}

	s.mu.Lock()
	chain, ok := s.certs[c.Param("id")]
	s.mu.Unlock()
	if !ok {
		return s.problem(c, http.StatusNotFound, "urn:ietf:params:acme:error:malformed", "no such certificate")
	}
	c.Response().Header().Set(nonceHeader, s.issueNonce())
	return c.Blob(http.StatusOK, pemChainType, chain)
}
