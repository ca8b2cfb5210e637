package prediction

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// StatusError is a non-2xx answer from an upstream model.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
}

// retryable reports whether a status is worth another attempt.
func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

type retryPolicy struct {
	maxRetries int
	initial    time.Duration
}

func (r retryPolicy) do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.Multiplier = 2
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = b
	if r.maxRetries >= 0 {
		policy = backoff.WithMaxRetries(b, uint64(r.maxRetries))
	}

	return backoff.Retry(func() error {
		err := op()
		if se, ok := err.(*StatusError); ok && !retryable(se.Code) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}
