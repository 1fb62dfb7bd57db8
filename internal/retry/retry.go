// Package retry runs an operation with exponential backoff: the wait before
// retry i (counting from 0) is 2^i times the base interval, one second by
// default. The monitoring core never retries on its own; callers that want
// retries wrap their calls with Do.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultBase is the first wait between attempts.
const DefaultBase = time.Second

// Policy controls Do.
type Policy struct {
	Attempts int           // total attempts including the first; values < 1 mean 1
	Base     time.Duration // first wait; zero means DefaultBase
	Logger   *slog.Logger  // optional; logs each failed attempt at Warn
}

// Permanent wraps err so Do stops retrying and returns err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *backoff.PermanentError
	return errors.As(err, &p)
}

// Do runs fn up to attempts times, waiting 2^i seconds between attempts.
func Do(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	return Policy{Attempts: attempts}.Do(ctx, fn)
}

// Do runs fn under the policy. It returns nil on the first success, the
// unwrapped error of a Permanent failure, ctx.Err() when the context ends
// during a wait, or the last error once attempts are exhausted.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = base
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = base << 20
	exp.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(attempts-1)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		return fn(ctx)
	}
	notify := func(err error, wait time.Duration) {
		if p.Logger != nil {
			p.Logger.Warn("retry: attempt failed", "attempt", attempt, "of", attempts, "wait", wait, "error", err)
		}
	}
	return backoff.RetryNotify(op, b, notify)
}
