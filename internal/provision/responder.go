package provision

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// Responder is the in-process http-01 backend: provisioned key
// authorizations are held in memory and served from the
// /.well-known/acme-challenge/:token route on the HTTP instance.
type Responder struct {
	responses sync.Map // token -> keyAuth
}

// NewResponder creates an empty responder.
func NewResponder() *Responder {
	return &Responder{}
}

// ProvisionHTTP implements HTTPBackend.
func (r *Responder) ProvisionHTTP(ctx context.Context, token, keyAuth string) error {
	r.responses.Store(token, keyAuth)
	logger.Debug("http-01 response stored", zap.String("token", token))
	return nil
}

// Lookup returns the stored key authorization for token, if provisioned.
func (r *Responder) Lookup(token string) (string, bool) {
	keyAuth, ok := r.responses.Load(token)
	if !ok {
		return "", false
	}
	return keyAuth.(string), true
}

// Remove drops a token after its authorization settled, best effort.
func (r *Responder) Remove(token string) {
	r.responses.Delete(token)
}

// Handler serves the stored key authorization for a token.
func (r *Responder) Handler(c echo.Context) error {
	token := c.Param("token")
	keyAuth, ok := r.responses.Load(token)
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.String(http.StatusOK, keyAuth.(string))
}

// MemoryDNS is an in-memory dns-01 backend used by tests and local setups
// where the validating server resolves through this process. Production
// deployments substitute a zone-API backed implementation.
type MemoryDNS struct {
	mu      sync.Mutex
	records map[string]string // host -> TXT value
}

// NewMemoryDNS creates an empty zone.
func NewMemoryDNS() *MemoryDNS {
	return &MemoryDNS{records: make(map[string]string)}
}

// ProvisionDNS implements DNSBackend.
func (m *MemoryDNS) ProvisionDNS(ctx context.Context, host, value string) error {
	m.mu.Lock()
	m.records[host] = value
	m.mu.Unlock()
	logger.Debug("dns-01 record stored", zap.String("host", host))
	return nil
}

// Lookup returns the TXT value for host, if provisioned.
func (m *MemoryDNS) Lookup(host string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.records[host]
	return value, ok
}
