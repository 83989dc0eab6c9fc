package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource status values defined by RFC 8555. The client never sets these
// itself; they always come back from the server.
const (
	StatusPending     = "pending"
	StatusReady       = "ready"
	StatusProcessing  = "processing"
	StatusValid       = "valid"
	StatusInvalid     = "invalid"
	StatusDeactivated = "deactivated"
	StatusExpired     = "expired"
	StatusRevoked     = "revoked"
)

// Challenge types. tls-alpn-01 is recognized but not provisioned by default.
const (
	ChallengeHTTP01    = "http-01"
	ChallengeDNS01     = "dns-01"
	ChallengeTLSALPN01 = "tls-alpn-01"
)

// Account represents an ACME account as seen by the client.
// The account has no "id" on the wire; it is identified by the URL the server
// returned in the Location header on creation (the JWS "kid").
type Account struct {
	Status               string   `json:"status,omitempty"`               // "valid", "deactivated" or "revoked"
	Contact              []string `json:"contact,omitempty"`              // Contact URLs (e.g. "mailto:...")
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"` // Client agreed to terms
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`   // Request field: look up only, never create
	Orders               string   `json:"orders,omitempty"`               // URL listing this account's orders
}

// Order represents a certificate order.
type Order struct {
	Status         string          `json:"status,omitempty"`      // "pending", "ready", "processing", "valid", "invalid"
	Expires        time.Time       `json:"expires,omitempty"`     // Time when the order expires
	Identifiers    []Identifier    `json:"identifiers"`           // Identifiers requested
	NotBefore      string          `json:"notBefore,omitempty"`   // Requested certificate start validity (RFC 3339)
	NotAfter       string          `json:"notAfter,omitempty"`    // Requested certificate end validity (RFC 3339)
	Error          *ProblemDetails `json:"error,omitempty"`       // Error if order failed
	Authorizations []string        `json:"authorizations"`        // URLs of Authorization resources
	FinalizeURL    string          `json:"finalize"`              // URL to finalize the order
	CertificateURL string          `json:"certificate,omitempty"` // Certificate download URL, appears when status is "valid"
}

// Terminal reports whether the order has reached a state the server will
// never move it out of.
func (o *Order) Terminal() bool {
	return o.Status == StatusValid || o.Status == StatusInvalid
}

// Identifier represents a domain or other identifier in an order.
type Identifier struct {
	Type  string `json:"type"`  // e.g. "dns"
	Value string `json:"value"` // e.g. "example.com"
}

// Authorization represents the state of an identifier authorization.
type Authorization struct {
	Identifier Identifier   `json:"identifier"`         // The identifier being authorized
	Status     string       `json:"status"`             // "pending", "valid", "invalid", "deactivated", "expired", "revoked"
	Expires    time.Time    `json:"expires,omitempty"`  // Time when the authorization expires
	Challenges []*Challenge `json:"challenges"`         // Offered challenges
	Wildcard   bool         `json:"wildcard,omitempty"` // Is this for a wildcard domain?
}

// Challenge represents one way of proving control over an identifier.
type Challenge struct {
	Type      string          `json:"type"`                // "http-01", "dns-01" or "tls-alpn-01"
	URL       string          `json:"url"`                 // URL of this challenge resource
	Status    string          `json:"status"`              // "pending", "processing", "valid", "invalid"
	Token     string          `json:"token"`               // Challenge token value
	Validated time.Time       `json:"validated,omitempty"` // Timestamp when validation succeeded
	Error     *ProblemDetails `json:"error,omitempty"`     // Error details if validation failed
}

// CertificateRequest describes one certificate the daemon should obtain. It is
// what the request queue stores and what CertBot deduplicates on.
type CertificateRequest struct {
	ID          string    `json:"id" db:"id"`                     // Queue row ID (UUID)
	Name        string    `json:"name" db:"name"`                 // Name the issued chain is stored under
	CommonName  string    `json:"commonName" db:"common_name"`    // Subject CN
	DNSNames    []string  `json:"dnsNames" db:"dns_names"`        // SAN list; first entry drives the order identifiers
	KeyBits     int       `json:"keyBits" db:"key_bits"`          // RSA key size for the certificate key
	Status      string    `json:"status" db:"status"`             // Queue status: "pending", "issued", "failed"
	LastError   string    `json:"lastError,omitempty" db:"last_error"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
	CompletedAt time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// Fingerprint is the dedup key for in-flight order processes: two requests
// with the same fingerprint share one outcome.
func (r *CertificateRequest) Fingerprint() string {
	fp := r.Name + "|" + r.CommonName + "|" + fmt.Sprint(r.KeyBits)
	for _, d := range r.DNSNames {
		fp += "|" + d
	}
	return fp
}

// Identifiers returns the ACME identifiers to place in a new-order request.
func (r *CertificateRequest) Identifiers() []Identifier {
	ids := make([]Identifier, 0, len(r.DNSNames))
	for _, d := range r.DNSNames {
		ids = append(ids, Identifier{Type: "dns", Value: d})
	}
	return ids
}

// ProblemDetails represents an ACME error object (RFC 7807 / RFC 8555 Section 6.7).
type ProblemDetails struct {
	Type        string          `json:"type"`                  // URL identifying the error type ("urn:ietf:params:acme:error:...")
	Detail      string          `json:"detail"`                // Human-readable explanation
	Status      int             `json:"status,omitempty"`      // HTTP status code associated with this error
	Instance    string          `json:"instance,omitempty"`    // URL identifying the specific occurrence (optional)
	Subproblems json.RawMessage `json:"subproblems,omitempty"` // For compound errors (structured JSON)
}
