package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryTransient(t *testing.T) {
	rr := retryRunner{strategy: RetryStrategy{ErrorCodes: []string{"40001"}}}

	assert.False(t, rr.transient(nil))
	assert.False(t, rr.transient(context.Canceled))
	assert.False(t, rr.transient(context.DeadlineExceeded))
	assert.False(t, rr.transient(errors.New("plain")))

	assert.True(t, rr.transient(&pgconn.PgError{Code: "40001"}))
	assert.False(t, rr.transient(&pgconn.PgError{Code: "23505"}))
}

func TestRetryDelayClamps(t *testing.T) {
	rr := retryRunner{strategy: RetryStrategy{
		RetrySequence: []time.Duration{time.Millisecond, 5 * time.Millisecond},
	}}
	assert.Equal(t, time.Millisecond, rr.delay(0))
	assert.Equal(t, 5*time.Millisecond, rr.delay(1))
	assert.Equal(t, 5*time.Millisecond, rr.delay(9))

	var none retryRunner
	assert.Equal(t, time.Duration(0), none.delay(0))
}

func TestRetryRunSucceedsAfterTransientFailure(t *testing.T) {
	rr := retryRunner{strategy: RetryStrategy{
		RetrySequence: []time.Duration{time.Millisecond},
		ErrorCodes:    []string{"40001"},
	}}

	calls := 0
	err := rr.run(context.Background(), func() error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40001", Message: "serialization failure"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRetryRunStopsOnNonTransient(t *testing.T) {
	rr := retryRunner{strategy: RetryStrategy{
		RetrySequence: []time.Duration{time.Millisecond, time.Millisecond},
		ErrorCodes:    []string{"40001"},
	}}

	calls := 0
	err := rr.run(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "23505", Message: "duplicate key"}
	})
	assert.Equal(t, 1, calls)

	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "23505", pgErr.Code)
}

func TestRetryRunExhausted(t *testing.T) {
	rr := retryRunner{strategy: RetryStrategy{
		RetrySequence: []time.Duration{time.Millisecond},
		ErrorCodes:    []string{"40001"},
	}}

	calls := 0
	err := rr.run(context.Background(), func() error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	assert.Equal(t, 2, calls)

	var rex *RetryExhaustedError
	require.ErrorAs(t, err, &rex)
	assert.Equal(t, 2, rex.Attempts)
	assert.Len(t, rex.Errors, 2)
}

func TestRetryRunUnrecoverableSkipsRetry(t *testing.T) {
	rr := retryRunner{strategy: RetryStrategy{
		RetrySequence: []time.Duration{time.Millisecond},
		ErrorCodes:    []string{"40001"},
	}}

	calls := 0
	err := rr.run(context.Background(), func() error {
		calls++
		return retry.Unrecoverable(&pgconn.PgError{Code: "40001", Message: "mid-stream"})
	})
	assert.Equal(t, 1, calls)
	assert.Error(t, err)
}

func TestRetryMapError(t *testing.T) {
	rr := retryRunner{policy: map[string]ErrorCodeMapping{
		"P0001": {StatusCode: 409, Title: "business rule", Type: "https://errors.example/raise"},
	}}

	mapped := rr.mapError(&pgconn.PgError{Code: "P0001", Message: "raise"})
	var perr *ProblemError
	require.ErrorAs(t, mapped, &perr)
	assert.Equal(t, 409, perr.Problem.Status)
	assert.Equal(t, "business rule", perr.Problem.Title)
	assert.Equal(t, "P0001", perr.State)

	plain := errors.New("untouched")
	assert.Equal(t, plain, rr.mapError(plain))

	unmapped := &pgconn.PgError{Code: "23505"}
	assert.Equal(t, error(unmapped), rr.mapError(unmapped))
}

func TestRetryRunMapsPolicyThroughRun(t *testing.T) {
	rr := retryRunner{
		strategy: RetryStrategy{},
		policy: map[string]ErrorCodeMapping{
			"P0001": {StatusCode: 422, Title: "rejected"},
		},
	}

	err := rr.run(context.Background(), func() error {
		return &pgconn.PgError{Code: "P0001"}
	})
	var perr *ProblemError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 422, perr.Problem.Status)
}

func TestRetryRunContextCancel(t *testing.T) {
	rr := retryRunner{strategy: RetryStrategy{RetrySequence: []time.Duration{time.Second}, ErrorCodes: []string{"40001"}}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := rr.run(ctx, func() error {
		return &pgconn.PgError{Code: "40001"}
	})
	assert.ErrorIs(t, err, context.Canceled)
}
