package acme

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrRetriesExhausted wraps the last failure once the retry budget is spent.
var ErrRetriesExhausted = errors.New("acme: retries exhausted")

// Policy decides whether a failed request should be resubmitted. It holds no
// network state; the nonce refresh happens naturally because the failing
// response's Replay-Nonce was already recorded by the transport, and the next
// attempt signs with a fresh value.
type Policy struct {
	// MaxRetries bounds the number of retries per logical operation,
	// not counting the initial attempt.
	MaxRetries int
}

// DefaultPolicy matches the configured default budget.
func DefaultPolicy() Policy { return Policy{MaxRetries: 5} }

// Retryable reports whether err is worth retrying: badNonce always is,
// transient server conditions (429, 5xx) are, everything else is fatal.
func (p Policy) Retryable(err error) bool {
	var prob *Problem
	if errors.As(err, &prob) {
		return prob.Retryable()
	}
	return false
}

// withRetry runs op under the policy. Non-retryable errors propagate
// immediately without consuming budget; exceeding the budget surfaces
// ErrRetriesExhausted wrapping the last failure.
func withRetry[T any](ctx context.Context, policy Policy, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !policy.Retryable(err) {
			return zero, err
		}

		lastErr = err
		if attempt >= policy.MaxRetries {
			break
		}
		logger.Warn("retrying request",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", policy.MaxRetries),
			zap.Error(err))
	}

	return zero, fmt.Errorf("%w: %s failed after %d retries: %w", ErrRetriesExhausted, name, policy.MaxRetries, lastErr)
}
