package acme

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/blockadesystems/certforge/internal/model"
)

// GetAuthorization fetches one authorization via POST-as-GET.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.5
func (s *Session) GetAuthorization(ctx context.Context, authzURL string) (*model.Authorization, error) {
	return withRetry(ctx, s.policy, "getAuthorization", func(ctx context.Context) (*model.Authorization, error) {
		resp, err := s.postJOSE(ctx, authzURL, nil, false, "")
		if err != nil {
			return nil, err
		}
		resp.expectStatus("getAuthorization", http.StatusOK)

		authz := &model.Authorization{}
		if err := json.Unmarshal(resp.body, authz); err != nil {
			return nil, fmt.Errorf("failed to decode authorization response: %w", err)
		}
		return authz, nil
	})
}

// DeactivateAuthorization tells the server to stop attempting validation of
// an authorization the client no longer wants to satisfy.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.5.2
func (s *Session) DeactivateAuthorization(ctx context.Context, authzURL string) (*model.Authorization, error) {
	request := struct {
		Status string `json:"status"`
	}{Status: model.StatusDeactivated}

	return withRetry(ctx, s.policy, "deactivateAuthorization", func(ctx context.Context) (*model.Authorization, error) {
		resp, err := s.postJOSE(ctx, authzURL, request, false, "")
		if err != nil {
			return nil, err
		}
		resp.expectStatus("deactivateAuthorization", http.StatusOK)

		authz := &model.Authorization{}
		if err := json.Unmarshal(resp.body, authz); err != nil {
			return nil, fmt.Errorf("failed to decode authorization response: %w", err)
		}
		return authz, nil
	})
}
