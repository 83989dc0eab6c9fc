package provision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveToken(t *testing.T, r *Responder, token string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/.well-known/acme-challenge/"+token, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/.well-known/acme-challenge/:token")
	c.SetParamNames("token")
	c.SetParamValues(token)
	require.NoError(t, r.Handler(c))
	return rec
}

func TestResponderServesProvisionedKeyAuth(t *testing.T) {
	r := NewResponder()
	require.NoError(t, r.ProvisionHTTP(context.Background(), "tok", "tok.thumb"))

	rec := serveToken(t, r, "tok")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "tok.thumb", rec.Body.String())
}

func TestResponderUnknownTokenIs404(t *testing.T) {
	rec := serveToken(t, NewResponder(), "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResponderRemoveDropsToken(t *testing.T) {
	r := NewResponder()
	require.NoError(t, r.ProvisionHTTP(context.Background(), "tok", "tok.thumb"))
	r.Remove("tok")

	_, ok := r.Lookup("tok")
	assert.False(t, ok)
	rec := serveToken(t, r, "tok")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
