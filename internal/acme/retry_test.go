package acme

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/certforge/internal/model"
)

func badNonceProblem() *Problem {
	return &Problem{ProblemDetails: model.ProblemDetails{
		Type:   ErrorBadNonce,
		Detail: "nonce already used",
		Status: http.StatusBadRequest,
	}}
}

func TestWithRetryExhaustsExactBudget(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (string, error) {
		calls++
		return "", badNonceProblem()
	}

	_, err := withRetry(context.Background(), Policy{MaxRetries: 2}, "new-order", op)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	// Budget 2 means the initial attempt plus exactly two retries.
	assert.Equal(t, 3, calls)

	var prob *Problem
	require.ErrorAs(t, err, &prob, "the last failure must stay inspectable")
	assert.Equal(t, ErrorBadNonce, prob.Type)
}

func TestWithRetryStopsOnNonRetryableError(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (string, error) {
		calls++
		return "", &Problem{ProblemDetails: model.ProblemDetails{
			Type:   ErrorMalformed,
			Status: http.StatusBadRequest,
		}}
	}

	_, err := withRetry(context.Background(), Policy{MaxRetries: 5}, "finalize", op)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, calls)
}

func TestWithRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	op := func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, badNonceProblem()
		}
		return 42, nil
	}

	result, err := withRetry(context.Background(), Policy{MaxRetries: 5}, "new-account", op)
	require.NoError(t, err)
	assert.Equal(t, 42, result)
	assert.Equal(t, 3, calls)
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := withRetry(ctx, Policy{MaxRetries: 5}, "poll", func(ctx context.Context) (string, error) {
		calls++
		return "", badNonceProblem()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestProblemRetryable(t *testing.T) {
	cases := []struct {
		name      string
		problem   *Problem
		retryable bool
	}{
		{"bad nonce", badNonceProblem(), true},
		{"rate limited", &Problem{ProblemDetails: model.ProblemDetails{Type: ErrorRateLimited, Status: http.StatusTooManyRequests}}, true},
		{"server internal", &Problem{ProblemDetails: model.ProblemDetails{Type: "urn:ietf:params:acme:error:serverInternal", Status: http.StatusInternalServerError}}, true},
		{"malformed", &Problem{ProblemDetails: model.ProblemDetails{Type: ErrorMalformed, Status: http.StatusBadRequest}}, false},
		{"unauthorized", &Problem{ProblemDetails: model.ProblemDetails{Type: ErrorUnauthorized, Status: http.StatusForbidden}}, false},
	}
	policy := DefaultPolicy()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, policy.Retryable(tc.problem))
		})
	}

	assert.False(t, policy.Retryable(errors.New("plain error")), "non-problem errors are not retried")
}
