// ABOUTME: Bounded exponential backoff for sync requests.
// ABOUTME: The error taxonomy decides which failures are worth another try.
package ledger

import (
	"context"
	"time"
)

// RetryConfig bounds how hard a failed sync request is retried.
type RetryConfig struct {
	Attempts  int           // total tries, including the first
	BaseDelay time.Duration // wait before the second try
	MaxDelay  time.Duration // backoff ceiling
	Factor    float64       // delay growth per try
}

// DefaultRetryConfig returns the defaults used when SyncConfig leaves
// retry unset.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
		Factor:    2,
	}
}

// delay returns the wait after failed try n (1-based), capped at MaxDelay.
func (cfg RetryConfig) delay(n int) time.Duration {
	d := cfg.BaseDelay
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * cfg.Factor)
		if cfg.MaxDelay > 0 && d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	return d
}

// WithRetry runs fn until it succeeds, fails non-retryably, or the attempt
// budget is spent. Failures come back wrapped in a SyncError carrying the
// operation, entity, and try count.
func WithRetry[T any](ctx context.Context, cfg RetryConfig, op, entity string, fn func() (T, error)) (T, error) {
	var zero T
	tries := cfg.Attempts
	if tries <= 0 {
		tries = 1
	}

	for n := 1; ; n++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !Retryable(err) || n >= tries {
			return zero, &SyncError{Op: op, Entity: entity, Err: err, Retries: n}
		}

		timer := time.NewTimer(cfg.delay(n))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
