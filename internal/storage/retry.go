package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// retryPolicy bounds how often a transaction is re-run after a transient
// conflict. Delays double per attempt with up to 100% jitter.
type retryPolicy struct {
	retries   int
	baseDelay time.Duration
}

// appendRunPolicy covers concurrent appends racing on the decision row.
var appendRunPolicy = retryPolicy{retries: 3, baseDelay: 25 * time.Millisecond}

// isRetriable reports serialization failures and deadlocks.
func isRetriable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// run executes fn, re-running it while it fails with a retriable error.
func (p retryPolicy) run(ctx context.Context, fn func() error) error {
	delay := p.baseDelay
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil || !isRetriable(err) || attempt == p.retries {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}
