package acme

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certforge/internal/acmetest"
	"github.com/blockadesystems/certforge/internal/keys"
	"github.com/blockadesystems/certforge/internal/model"
)

func newSessionAgainst(t *testing.T, srv *acmetest.Server, backend keys.Backend) *Session {
	t.Helper()
	session, err := NewSession(context.Background(), SessionConfig{
		DirectoryURL:         srv.DirectoryURL(),
		Contact:              []string{"mailto:ops@example.com"},
		TermsOfServiceAgreed: true,
		Retry:                Policy{MaxRetries: 2},
	}, backend)
	require.NoError(t, err)
	return session
}

func newBackend(t *testing.T) keys.Backend {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	backend, err := keys.NewLocalBackend(key)
	require.NoError(t, err)
	return backend
}

func TestSessionRegistersAccountAndKeepsLocation(t *testing.T) {
	srv := acmetest.NewServer(t, acmetest.Solvers{})
	session := newSessionAgainst(t, srv, newBackend(t))

	account, err := session.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StatusValid, account.Status)

	kid, err := session.KeyID(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(kid, srv.DirectoryURL()[:strings.LastIndex(srv.DirectoryURL(), "/")]),
		"account URL should live on the issuing server, got %q", kid)
}

func TestSessionReusesAccountForSameKey(t *testing.T) {
	srv := acmetest.NewServer(t, acmetest.Solvers{})
	backend := newBackend(t)

	first := newSessionAgainst(t, srv, backend)
	second := newSessionAgainst(t, srv, backend)

	firstKID, err := first.KeyID(context.Background())
	require.NoError(t, err)
	secondKID, err := second.KeyID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, firstKID, secondKID, "same key must resolve to the same account")
}

func TestSessionOnlyReturnExistingFailsForUnknownKey(t *testing.T) {
	srv := acmetest.NewServer(t, acmetest.Solvers{})

	_, err := NewSession(context.Background(), SessionConfig{
		DirectoryURL:       srv.DirectoryURL(),
		OnlyReturnExisting: true,
	}, newBackend(t))
	require.Error(t, err)

	var prob *Problem
	require.ErrorAs(t, err, &prob)
	assert.Equal(t, "urn:ietf:params:acme:error:accountDoesNotExist", prob.Type)
}

func TestCreateAndPollOrder(t *testing.T) {
	srv := acmetest.NewServer(t, acmetest.Solvers{})
	session := newSessionAgainst(t, srv, newBackend(t))
	ctx := context.Background()

	order, orderURL, err := session.CreateOrder(ctx, []model.Identifier{
		{Type: "dns", Value: "www.example.com"},
		{Type: "dns", Value: "example.com"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, orderURL, "Location header identifies the order")
	assert.Equal(t, model.StatusPending, order.Status)
	assert.Len(t, order.Authorizations, 2)
	assert.NotEmpty(t, order.FinalizeURL)

	// POST-as-GET must return the same order state.
	polled, err := session.GetOrder(ctx, orderURL)
	require.NoError(t, err)
	assert.Equal(t, order.Status, polled.Status)
	assert.ElementsMatch(t, order.Identifiers, polled.Identifiers)

	authz, err := session.GetAuthorization(ctx, order.Authorizations[0])
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, authz.Status)

	var types []string
	for _, ch := range authz.Challenges {
		types = append(types, ch.Type)
		assert.NotEmpty(t, ch.Token)
		assert.NotEmpty(t, ch.URL)
	}
	assert.Contains(t, types, model.ChallengeHTTP01)
	assert.Contains(t, types, model.ChallengeDNS01)
}

func TestWildcardOrderOffersOnlyDNS01(t *testing.T) {
	srv := acmetest.NewServer(t, acmetest.Solvers{})
	session := newSessionAgainst(t, srv, newBackend(t))
	ctx := context.Background()

	order, _, err := session.CreateOrder(ctx, []model.Identifier{{Type: "dns", Value: "*.example.com"}})
	require.NoError(t, err)
	require.Len(t, order.Authorizations, 1)

	authz, err := session.GetAuthorization(ctx, order.Authorizations[0])
	require.NoError(t, err)
	assert.True(t, authz.Wildcard)
	assert.Equal(t, "example.com", authz.Identifier.Value)
	require.Len(t, authz.Challenges, 1)
	assert.Equal(t, model.ChallengeDNS01, authz.Challenges[0].Type)
}

func TestSessionRetriesBadNonceTransparently(t *testing.T) {
	srv := acmetest.NewServer(t, acmetest.Solvers{})
	session := newSessionAgainst(t, srv, newBackend(t))

	srv.InjectBadNonce(1)
	order, _, err := session.CreateOrder(context.Background(), []model.Identifier{{Type: "dns", Value: "example.com"}})
	require.NoError(t, err, "a single badNonce rejection must be absorbed by the retry policy")
	assert.Equal(t, model.StatusPending, order.Status)
}

func TestSessionFailsWhenBadNonceOutlastsBudget(t *testing.T) {
	srv := acmetest.NewServer(t, acmetest.Solvers{})
	session := newSessionAgainst(t, srv, newBackend(t))

	// Budget is 2 retries; three consecutive rejections exhaust it.
	srv.InjectBadNonce(3)
	_, _, err := session.CreateOrder(context.Background(), []model.Identifier{{Type: "dns", Value: "example.com"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
}
