package acme

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/certforge/internal/model"
)

// orderWithURL pairs a created order with its authoritative Location.
type orderWithURL struct {
	order *model.Order
	url   string
}

// CreateOrder submits a new-order request for the given identifiers and
// returns the order plus its canonical URL from the Location header.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.4
func (s *Session) CreateOrder(ctx context.Context, identifiers []model.Identifier) (*model.Order, string, error) {
	request := struct {
		Identifiers []model.Identifier `json:"identifiers"`
	}{Identifiers: identifiers}

	result, err := withRetry(ctx, s.policy, "newOrder", func(ctx context.Context) (orderWithURL, error) {
		resp, err := s.postJOSE(ctx, s.dir.NewOrder, request, false, "")
		if err != nil {
			return orderWithURL{}, err
		}
		resp.expectStatus("newOrder", http.StatusCreated)

		order := &model.Order{}
		if err := json.Unmarshal(resp.body, order); err != nil {
			return orderWithURL{}, fmt.Errorf("failed to decode new-order response: %w", err)
		}
		url := resp.location()
		if url == "" {
			return orderWithURL{}, fmt.Errorf("new-order response is missing the Location header")
		}
		return orderWithURL{order: order, url: url}, nil
	})
	if err != nil {
		return nil, "", err
	}

	logger.Info("order created",
		zap.String("url", result.url),
		zap.String("status", result.order.Status),
		zap.Int("authorizations", len(result.order.Authorizations)))
	return result.order, result.url, nil
}

// GetOrder reloads an order via POST-as-GET.
func (s *Session) GetOrder(ctx context.Context, orderURL string) (*model.Order, error) {
	order, _, err := s.PollOrder(ctx, orderURL)
	return order, err
}

// orderWithDelay pairs an order snapshot with the server's Retry-After wish.
type orderWithDelay struct {
	order *model.Order
	delay time.Duration
}

// PollOrder reloads an order and additionally reports the minimum delay the
// server asked for before the next poll. Zero means no preference.
func (s *Session) PollOrder(ctx context.Context, orderURL string) (*model.Order, time.Duration, error) {
	result, err := withRetry(ctx, s.policy, "getOrder", func(ctx context.Context) (orderWithDelay, error) {
		resp, err := s.postJOSE(ctx, orderURL, nil, false, "")
		if err != nil {
			return orderWithDelay{}, err
		}
		resp.expectStatus("getOrder", http.StatusOK)

		order := &model.Order{}
		if err := json.Unmarshal(resp.body, order); err != nil {
			return orderWithDelay{}, fmt.Errorf("failed to decode order response: %w", err)
		}
		return orderWithDelay{order: order, delay: resp.retryAfter()}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return result.order, result.delay, nil
}

// FinalizeOrder submits the CSR (DER, base64url-encoded on the wire) to the
// order's finalize URL. The response is a fresh order snapshot which the
// caller re-dispatches through its normal status handling.
func (s *Session) FinalizeOrder(ctx context.Context, finalizeURL string, csrDER []byte) (*model.Order, error) {
	request := struct {
		CSR string `json:"csr"`
	}{CSR: base64.RawURLEncoding.EncodeToString(csrDER)}

	return withRetry(ctx, s.policy, "finalizeOrder", func(ctx context.Context) (*model.Order, error) {
		resp, err := s.postJOSE(ctx, finalizeURL, request, false, "")
		if err != nil {
			return nil, err
		}
		resp.expectStatus("finalizeOrder", http.StatusOK)

		order := &model.Order{}
		if err := json.Unmarshal(resp.body, order); err != nil {
			return nil, fmt.Errorf("failed to decode finalize response: %w", err)
		}
		return order, nil
	})
}
