// Package retry runs idempotent operations with bounded exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultPolicy is used for storage reads and upstream lookups.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// Do calls op until it succeeds, returns an error retryable rejects, the
// attempts are exhausted or ctx is done.
func Do(ctx context.Context, p Policy, retryable func(error) bool, op func() error) error {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, retryable func(error) bool, op func() (T, error)) (T, error) {
	var out T
	err := Do(ctx, p, retryable, func() error {
		v, err := op()
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
