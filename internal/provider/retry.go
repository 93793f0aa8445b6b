package provider

import (
	"context"
	"time"

	"github.com/caretta-ai/caretta/internal/debug"
)

// RetryPolicy bounds how hard a worker leans on a struggling provider.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetry is used by workers unless configured otherwise.
var DefaultRetry = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     30 * time.Second,
}

// CompleteWithRetry calls p.Complete, retrying retryable failures with
// exponential backoff. Non-retryable errors and context cancellation return
// immediately.
func CompleteWithRetry(ctx context.Context, p Provider, req Request, policy RetryPolicy) (Result, error) {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	delay := policy.InitialDelay

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		res, err := p.Complete(ctx, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !IsRetryable(err) || attempt == policy.MaxAttempts {
			return Result{}, err
		}

		debug.LogKV("provider", "retry", "provider", p.Name(), "attempt", attempt, "delay", delay.String(), "error", err.Error())
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return Result{}, lastErr
}
