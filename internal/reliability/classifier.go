package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ClassifyHTTPStatus maps a provider HTTP status to a low-cardinality label
// for error metrics. A zero status means the request never got a response.
func ClassifyHTTPStatus(code int) string {
	switch {
	case code == 0:
		return "transport"
	case code == 429:
		return "rate_limited"
	case code == 401 || code == 403:
		return "auth"
	case code == 404:
		return "not_found"
	case code >= 500:
		return "upstream"
	case code >= 400:
		return "rejected"
	default:
		return "ok"
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Retry calls fn up to attempts times, backing off between tries while
// retryable reports the last error as transient.
func Retry(ctx context.Context, attempts int, base, cap time.Duration, fn func() error, retryable func(error) bool) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 || retryable == nil || !retryable(err) {
			return err
		}
		timer := time.NewTimer(ExponentialBackoff(i, base, cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}
