package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/certforge/internal/certbot"
	"github.com/blockadesystems/certforge/internal/config"
	"github.com/blockadesystems/certforge/internal/model"
	"github.com/blockadesystems/certforge/internal/provision"
	"github.com/blockadesystems/certforge/internal/queue"
)

// memoryStorage is an in-memory queue.Storage for handler tests.
type memoryStorage struct {
	mu       sync.Mutex
	requests map[string]*model.CertificateRequest
	apiKeys  map[string][]string
}

var _ queue.Storage = (*memoryStorage)(nil)

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{
		requests: make(map[string]*model.CertificateRequest),
		apiKeys:  make(map[string][]string),
	}
}

func (m *memoryStorage) SaveRequest(ctx context.Context, req *model.CertificateRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *req
	m.requests[req.ID] = &clone
	return nil
}

func (m *memoryStorage) GetRequest(ctx context.Context, id string) (*model.CertificateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, queue.ErrNotFound
	}
	clone := *req
	return &clone, nil
}

func (m *memoryStorage) ListRequests(ctx context.Context) ([]*model.CertificateRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CertificateRequest
	for _, req := range m.requests {
		clone := *req
		out = append(out, &clone)
	}
	return out, nil
}

func (m *memoryStorage) ListPendingRequests(ctx context.Context) ([]*model.CertificateRequest, error) {
	all, _ := m.ListRequests(ctx)
	var out []*model.CertificateRequest
	for _, req := range all {
		if req.Status == model.StatusPending {
			out = append(out, req)
		}
	}
	return out, nil
}

func (m *memoryStorage) MarkIssued(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return queue.ErrNotFound
	}
	req.Status = "issued"
	return nil
}

func (m *memoryStorage) MarkFailed(ctx context.Context, id string, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return queue.ErrNotFound
	}
	req.Status = "failed"
	req.LastError = detail
	return nil
}

func (m *memoryStorage) DeleteRequest(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return queue.ErrNotFound
	}
	delete(m.requests, id)
	return nil
}

func (m *memoryStorage) SaveAPIKey(ctx context.Context, apiKey string, roles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apiKeys[apiKey] = roles
	return nil
}

func (m *memoryStorage) GetAPIKey(ctx context.Context, apiKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.apiKeys[apiKey], nil
}

func (m *memoryStorage) WithinTransaction(ctx context.Context, fn func(ctx context.Context, txStorage queue.Storage) error) error {
	return fn(ctx, m)
}

func (m *memoryStorage) Close() error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		APIKeys: map[string]config.APIKey{
			"requester-key": {Roles: []string{"requester"}},
			"admin-key":     {Roles: []string{"admin"}},
			"viewer-key":    {Roles: []string{"viewer"}},
		},
	}
}

// setupMgmt builds the management instance with a nil CertBot; only routes
// that never reach Submit are exercised unless a bot is supplied.
func setupMgmt(t *testing.T, store queue.Storage, cfg *config.Config, bot *certbot.CertBot) *echo.Echo {
	t.Helper()
	httpInstance := echo.New()
	mgmtInstance := echo.New()
	ApplyCommonMiddleware(httpInstance, store, cfg, bot, zaptest.NewLogger(t))
	ApplyCommonMiddleware(mgmtInstance, store, cfg, bot, zaptest.NewLogger(t))
	SetupRouter(httpInstance, mgmtInstance, provision.NewResponder(), store, cfg)
	return mgmtInstance
}

func doJSON(e *echo.Echo, method, path, apiKey, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if apiKey != "" {
		req.Header.Set(apiKeyHeader, apiKey)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAPIKeyAuth(t *testing.T) {
	store := newMemoryStorage()
	e := setupMgmt(t, store, testConfig(), nil)

	t.Run("missing key", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/api/v1/requests", "", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unknown key", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/api/v1/requests", "nope", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("insufficient role", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/api/v1/requests", "viewer-key", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("requester role", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/api/v1/requests", "requester-key", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("admin implies requester", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/api/v1/requests", "admin-key", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("key from storage", func(t *testing.T) {
		require.NoError(t, store.SaveAPIKey(context.Background(), "db-key", []string{"requester"}))
		rec := doJSON(e, http.MethodGet, "/api/v1/requests", "db-key", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestSubmitRequestValidation(t *testing.T) {
	e := setupMgmt(t, newMemoryStorage(), testConfig(), nil)

	t.Run("empty name", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/api/v1/requests", "requester-key",
			`{"name":"","dnsNames":["www.example.com"]}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("no dns names", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/api/v1/requests", "requester-key",
			`{"name":"web"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := doJSON(e, http.MethodPost, "/api/v1/requests", "requester-key", `{"name":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestGetListDeleteRequest(t *testing.T) {
	store := newMemoryStorage()
	e := setupMgmt(t, store, testConfig(), nil)

	req := &model.CertificateRequest{
		ID:       "11111111-1111-1111-1111-111111111111",
		Name:     "web",
		DNSNames: []string{"www.example.com"},
		Status:   model.StatusPending,
	}
	require.NoError(t, store.SaveRequest(context.Background(), req))

	t.Run("list", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/api/v1/requests", "requester-key", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got []model.CertificateRequest
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "web", got[0].Name)
	})

	t.Run("get", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/api/v1/requests/"+req.ID, "requester-key", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var got model.CertificateRequest
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		assert.Equal(t, req.ID, got.ID)
	})

	t.Run("get missing", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/api/v1/requests/nope", "requester-key", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("delete", func(t *testing.T) {
		rec := doJSON(e, http.MethodDelete, "/api/v1/requests/"+req.ID, "requester-key", "")
		assert.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(e, http.MethodDelete, "/api/v1/requests/"+req.ID, "requester-key", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("list empty is array", func(t *testing.T) {
		rec := doJSON(e, http.MethodGet, "/api/v1/requests", "requester-key", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
	})
}
