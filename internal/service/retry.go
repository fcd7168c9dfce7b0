package service

import (
	"context"
	"errors"
	"time"

	"github.com/jamilxt/spring-chat/internal/store"
)

// RetryPolicy bounds how optimistic lock conflicts are retried. Only
// store.ErrVersionConflict triggers a retry; every other error is final.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// DefaultRetryPolicy retries twice more after the first conflict, waiting
// 100ms between attempts.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: 100 * time.Millisecond}

// withRetry re-invokes fn as long as it fails with a version conflict, up to
// the policy's attempt bound. The final conflict is surfaced when attempts
// exhaust. onConflict, when non-nil, observes each retried conflict.
func withRetry(ctx context.Context, p RetryPolicy, onConflict func(), fn func(ctx context.Context) error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if attempt > 0 {
			if onConflict != nil {
				onConflict()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Backoff):
			}
		}
		if err = fn(ctx); !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
	}
	return err
}
