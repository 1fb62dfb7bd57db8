package storage

import (
	"context"
	"errors"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/ashita-ai/mimamori/internal/retry"
)

// isRetriable returns true for SQLite result codes that indicate transient
// lock contention.
func isRetriable(err error) bool {
	var sqErr *sqlite.Error
	if !errors.As(err, &sqErr) {
		return false
	}
	switch sqErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

// WithRetry executes fn, retrying up to maxRetries times on busy or locked
// errors with exponential backoff starting at baseDelay. Other errors are
// returned immediately.
func WithRetry(ctx context.Context, maxRetries int, baseDelay time.Duration, fn func() error) error {
	return retry.Policy{Attempts: maxRetries + 1, Base: baseDelay}.Do(ctx, func(context.Context) error {
		err := fn()
		if err != nil && !isRetriable(err) {
			return retry.Permanent(err)
		}
		return err
	})
}
