package request

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"main/pkg/backoff"
	"main/pkg/exception"

	"github.com/yanun0323/logs"
)

// RetryOptions bound the retry loop around one call.
type RetryOptions struct {
	// MaxRetries bounds the total attempts for one call. Default 3.
	MaxRetries int
	// Policy paces the waits between attempts. Default linear 1s.
	Policy backoff.Policy
	// Condition decides whether an error is worth retrying.
	// Default: DefaultRetryCondition.
	Condition func(error) bool
}

// DefaultRetryCondition retries network errors (no response received) and
// HTTP 5xx/408/429. Any other client fault is final.
func DefaultRetryCondition(err error) bool {
	if errors.Is(err, exception.ErrNetwork) {
		return true
	}
	status := exception.HTTPStatus(err)
	if status == 0 {
		// No response made it back at all.
		return true
	}
	if status >= http.StatusInternalServerError {
		return true
	}
	return status == http.StatusRequestTimeout || status == http.StatusTooManyRequests
}

// executeWithRetry runs fn until it succeeds, the condition stops holding,
// or the budget runs out. The last error propagates to the caller.
func executeWithRetry(ctx context.Context, opts RetryOptions, fn func(ctx context.Context) (any, error)) (any, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Policy == (backoff.Policy{}) {
		opts.Policy = backoff.DefaultRetry()
	}
	if opts.Condition == nil {
		opts.Condition = DefaultRetryCondition
	}

	attempt := 0
	for {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		attempt++
		if !opts.Condition(err) {
			return nil, err
		}
		if attempt >= opts.MaxRetries {
			return nil, fmt.Errorf("%w: %w", exception.ErrRequestExhausted, err)
		}

		wait := opts.Policy.Delay(attempt)
		logs.Infof("retrying request in %s (attempt %d/%d): %v", wait, attempt, opts.MaxRetries, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
