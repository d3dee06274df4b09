package core

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// retryRunner wraps database calls with the endpoint's retry strategy and
// maps SQLSTATEs through the endpoint's error-code policy.
type retryRunner struct {
	strategy RetryStrategy
	policy   map[string]ErrorCodeMapping
	log      *zap.SugaredLogger
}

// transient reports whether err is worth retrying under the strategy.
// Context cancellation is never retried.
func (rr retryRunner) transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "" {
			return true
		}
		return rr.strategy.Allows(pgErr.Code)
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// delay returns the configured delay for the attempt that just failed.
// The sequence clamps at its last entry.
func (rr retryRunner) delay(n uint) time.Duration {
	seq := rr.strategy.RetrySequence
	if len(seq) == 0 {
		return 0
	}
	if int(n) >= len(seq) {
		return seq[len(seq)-1]
	}
	return seq[n]
}

// run executes fn under the retry strategy. Total attempts never exceed
// 1 + len(RetrySequence). Non-transient errors propagate after the first
// attempt; transient errors that survive every attempt come back as a
// RetryExhaustedError carrying each attempt error.
func (rr retryRunner) run(ctx context.Context, fn func() error) error {
	attempts := rr.strategy.MaxAttempts()

	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(uint(attempts)),
		retry.LastErrorOnly(false),
		retry.RetryIf(rr.transient),
		retry.DelayType(func(n uint, err error, config *retry.Config) time.Duration {
			return rr.delay(n)
		}),
		retry.OnRetry(func(n uint, err error) {
			if rr.log != nil {
				rr.log.Warnf("retrying database call (attempt %d): %s", n+1, err)
			}
		}),
	)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	var rerr retry.Error
	if errors.As(err, &rerr) {
		// the log is sized to the attempt budget; unused slots are nil
		var errs []error
		for _, e := range rerr.WrappedErrors() {
			if e != nil {
				errs = append(errs, rr.mapError(e))
			}
		}
		if len(errs) == 1 {
			return errs[0]
		}
		return &RetryExhaustedError{Attempts: len(errs), Errors: errs}
	}
	return rr.mapError(err)
}

// mapError applies the endpoint's error-code policy to a PgError.
func (rr retryRunner) mapError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	m, ok := rr.policy[pgErr.Code]
	if !ok {
		return err
	}
	return &ProblemError{
		State: pgErr.Code,
		Problem: Problem{
			Type:   m.Type,
			Title:  m.Title,
			Status: m.StatusCode,
			Detail: m.Details,
		},
	}
}
