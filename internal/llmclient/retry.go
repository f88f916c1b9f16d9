package llmclient

import (
	"context"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/xkilldash9x/saccessco/internal/config"
)

// retryableStatus reports whether an HTTP status from the model endpoint is
// worth another attempt: rate limiting and server-side failures.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// newBackOff builds the backoff schedule for one logical request from the
// configured policy. A policy with MaxAttempts of 1 never retries.
func newBackOff(ctx context.Context, policy config.RetryConfig) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	b.MaxElapsedTime = policy.MaxElapsedTime

	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// retry runs op under the policy. Errors wrapped with backoff.Permanent stop
// immediately and are returned unwrapped.
func retry(ctx context.Context, policy config.RetryConfig, op func() error) error {
	return backoff.Retry(op, newBackOff(ctx, policy))
}
