package acme

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/blockadesystems/certforge/internal/model"
)

// SubmitChallenge tells the server the challenge response is provisioned and
// validation may begin. The payload is the empty JSON object, not the empty
// string: that distinction is what separates "start validating" from
// POST-as-GET.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.5.1
func (s *Session) SubmitChallenge(ctx context.Context, challengeURL string) (*model.Challenge, error) {
	return withRetry(ctx, s.policy, "submitChallenge", func(ctx context.Context) (*model.Challenge, error) {
		resp, err := s.postJOSE(ctx, challengeURL, json.RawMessage("{}"), false, "")
		if err != nil {
			return nil, err
		}
		resp.expectStatus("submitChallenge", http.StatusOK)

		challenge := &model.Challenge{}
		if err := json.Unmarshal(resp.body, challenge); err != nil {
			return nil, fmt.Errorf("failed to decode challenge response: %w", err)
		}
		return challenge, nil
	})
}

// GetChallenge reloads a challenge via POST-as-GET.
func (s *Session) GetChallenge(ctx context.Context, challengeURL string) (*model.Challenge, error) {
	return withRetry(ctx, s.policy, "getChallenge", func(ctx context.Context) (*model.Challenge, error) {
		resp, err := s.postJOSE(ctx, challengeURL, nil, false, "")
		if err != nil {
			return nil, err
		}
		resp.expectStatus("getChallenge", http.StatusOK)

		challenge := &model.Challenge{}
		if err := json.Unmarshal(resp.body, challenge); err != nil {
			return nil, fmt.Errorf("failed to decode challenge response: %w", err)
		}
		return challenge, nil
	})
}
