package acme

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/model"
)

// accountWithURL pairs a created resource with its authoritative Location.
type accountWithURL struct {
	account *model.Account
	url     string
}

// registerAccount performs new-account. 201 means newly created, 200 means
// the key was already registered; both are valid outcomes and the Location
// header is authoritative either way.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.3
func (s *Session) registerAccount(ctx context.Context) (*model.Account, string, error) {
	request := &model.Account{
		Contact:              s.contact,
		TermsOfServiceAgreed: s.termsAgreed,
		OnlyReturnExisting:   s.onlyExisting,
	}

	result, err := withRetry(ctx, s.policy, "newAccount", func(ctx context.Context) (accountWithURL, error) {
		resp, err := s.postJOSE(ctx, s.dir.NewAccount, request, true, "")
		if err != nil {
			return accountWithURL{}, err
		}
		resp.expectStatus("newAccount", http.StatusCreated, http.StatusOK)

		account := &model.Account{}
		if err := json.Unmarshal(resp.body, account); err != nil {
			return accountWithURL{}, fmt.Errorf("failed to decode new-account response: %w", err)
		}
		url := resp.location()
		if url == "" {
			return accountWithURL{}, fmt.Errorf("new-account response is missing the Location header")
		}
		return accountWithURL{account: account, url: url}, nil
	})
	if err != nil {
		return nil, "", err
	}

	logger.Info("account resolved",
		zap.String("url", result.url),
		zap.String("status", result.account.Status))
	return result.account, result.url, nil
}

// DeactivateAccount irreversibly deactivates this session's account.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.3.6
func (s *Session) DeactivateAccount(ctx context.Context) (*model.Account, error) {
	kid, err := s.KeyID(ctx)
	if err != nil {
		return nil, err
	}
	request := struct {
		Status string `json:"status"`
	}{Status: model.StatusDeactivated}

	return withRetry(ctx, s.policy, "deactivateAccount", func(ctx context.Context) (*model.Account, error) {
		resp, err := s.postJOSE(ctx, kid, request, false, "")
		if err != nil {
			return nil, err
		}
		resp.expectStatus("deactivateAccount", http.StatusOK)

		account := &model.Account{}
		if err := json.Unmarshal(resp.body, account); err != nil {
			return nil, fmt.Errorf("failed to decode account response: %w", err)
		}
		return account, nil
	})
}
