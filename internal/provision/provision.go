// Package provision turns pending ACME authorizations into provisioned
// challenges ready for submission. Challenge selection is a closed switch
// over the known types; http-01 is preferred, dns-01 is used when the
// identifier is a wildcard or http-01 is not offered, and tls-alpn-01 is
// not provisioned.
package provision

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/model"
)

var logger *zap.Logger

func init() {
	logger = zap.L().With(zap.String("package", "provision"))
}

var (
	// ErrUnsupportedChallenge is returned when no backend supports any of
	// the challenge types the server offered.
	ErrUnsupportedChallenge = errors.New("provision: no supported challenge type offered")

	// ErrAuthorizationFailed is returned for authorizations in a state
	// that cannot be salvaged (invalid, expired, deactivated, revoked).
	ErrAuthorizationFailed = errors.New("provision: authorization cannot be satisfied")
)

// HTTPBackend makes keyAuth retrievable at
// http://{identifier}/.well-known/acme-challenge/{token}.
type HTTPBackend interface {
	ProvisionHTTP(ctx context.Context, token, keyAuth string) error
}

// DNSBackend creates or updates a TXT record at host with the given value.
type DNSBackend interface {
	ProvisionDNS(ctx context.Context, host, value string) error
}

// Provisioner selects and provisions one challenge per authorization.
type Provisioner struct {
	httpBackend HTTPBackend
	dnsBackend  DNSBackend
	thumbprint  string // account key thumbprint, RFC 7638
}

// New builds a Provisioner. Either backend may be nil when that challenge
// type is not deployable in this environment.
func New(httpBackend HTTPBackend, dnsBackend DNSBackend, thumbprint string) *Provisioner {
	return &Provisioner{httpBackend: httpBackend, dnsBackend: dnsBackend, thumbprint: thumbprint}
}

// Provision drives one authorization to a submittable challenge:
//
//	valid                                  -> return the already-valid challenge, nothing to do
//	pending                                -> pick a challenge, provision its response, return it
//	invalid/expired/deactivated/revoked    -> ErrAuthorizationFailed
//	anything else                          -> programming-error-class failure
//
// The returned challenge still needs SubmitChallenge; a nil challenge with a
// nil error means the authorization was already valid and nothing must be
// submitted.
func (p *Provisioner) Provision(ctx context.Context, authz *model.Authorization) (*model.Challenge, bool, error) {
	switch authz.Status {
	case model.StatusValid:
		// A valid authorization never needs re-provisioning.
		logger.Debug("authorization already valid",
			zap.String("identifier", authz.Identifier.Value))
		return pickValid(authz), false, nil

	case model.StatusPending:
		challenge, err := p.provisionPending(ctx, authz)
		if err != nil {
			return nil, false, err
		}
		return challenge, true, nil

	case model.StatusInvalid, model.StatusExpired, model.StatusDeactivated, model.StatusRevoked:
		return nil, false, fmt.Errorf("%w: identifier %q is %s",
			ErrAuthorizationFailed, authz.Identifier.Value, authz.Status)

	default:
		// Unreachable against a spec-compliant server.
		return nil, false, fmt.Errorf("provision: authorization for %q has unknown status %q",
			authz.Identifier.Value, authz.Status)
	}
}

func pickValid(authz *model.Authorization) *model.Challenge {
	for _, ch := range authz.Challenges {
		if ch.Status == model.StatusValid {
			return ch
		}
	}
	return nil
}

// provisionPending selects the highest-priority supported challenge and
// delegates to its backend. Wildcard identifiers mandate dns-01 per ACME
// semantics; otherwise http-01 wins over dns-01.
func (p *Provisioner) provisionPending(ctx context.Context, authz *model.Authorization) (*model.Challenge, error) {
	challenge := p.selectChallenge(authz)
	if challenge == nil {
		return nil, fmt.Errorf("%w: identifier %q offered %s",
			ErrUnsupportedChallenge, authz.Identifier.Value, offeredTypes(authz))
	}

	keyAuth := challenge.Token + "." + p.thumbprint

	switch challenge.Type {
	case model.ChallengeHTTP01:
		if err := p.httpBackend.ProvisionHTTP(ctx, challenge.Token, keyAuth); err != nil {
			return nil, fmt.Errorf("http-01 provisioning for %q failed: %w", authz.Identifier.Value, err)
		}
	case model.ChallengeDNS01:
		host := "_acme-challenge." + strings.TrimPrefix(authz.Identifier.Value, "*.")
		digest := sha256.Sum256([]byte(keyAuth))
		value := base64.RawURLEncoding.EncodeToString(digest[:])
		if err := p.dnsBackend.ProvisionDNS(ctx, host, value); err != nil {
			return nil, fmt.Errorf("dns-01 provisioning for %q failed: %w", authz.Identifier.Value, err)
		}
	default:
		return nil, fmt.Errorf("%w: selected %q", ErrUnsupportedChallenge, challenge.Type)
	}

	logger.Info("challenge provisioned",
		zap.String("identifier", authz.Identifier.Value),
		zap.String("type", challenge.Type),
		zap.String("url", challenge.URL))
	return challenge, nil
}

// selectChallenge applies the priority policy against the offered set and
// the available backends.
func (p *Provisioner) selectChallenge(authz *model.Authorization) *model.Challenge {
	wildcard := authz.Wildcard || strings.HasPrefix(authz.Identifier.Value, "*.")

	var http01, dns01 *model.Challenge
	for _, ch := range authz.Challenges {
		switch ch.Type {
		case model.ChallengeHTTP01:
			http01 = ch
		case model.ChallengeDNS01:
			dns01 = ch
		case model.ChallengeTLSALPN01:
			// Recognized but not provisioned.
		}
	}

	if !wildcard && http01 != nil && p.httpBackend != nil {
		return http01
	}
	if dns01 != nil && p.dnsBackend != nil {
		return dns01
	}
	return nil
}

func offeredTypes(authz *model.Authorization) string {
	types := make([]string, 0, len(authz.Challenges))
	for _, ch := range authz.Challenges {
		types = append(types, ch.Type)
	}
	return strings.Join(types, ",")
}
