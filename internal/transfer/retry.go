package transfer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultRetryAttempts bounds retries of idempotent transport operations.
const DefaultRetryAttempts = 3

// Retry runs op with exponential backoff, up to attempts additional tries.
// Only idempotent operations may be retried: uploads and queries, never
// anything with remote side effects that could double-apply.
func Retry(ctx context.Context, attempts uint64, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, attempts), ctx))
}
