package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/errkind"
)

func TestRetry_SucceedsWithoutRetries(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesConflicts(t *testing.T) {
	calls := 0
	retried := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errkind.ErrConflict.Wrap(errors.New("deadlock"))
		}
		return nil
	}, WithBaseDelay(time.Millisecond), WithOnRetry(func(int, error) { retried++ }))

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retried)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), func(context.Context) error {
		calls++
		return errkind.ErrConflict
	}, WithMaxAttempts(3), WithBaseDelay(time.Millisecond), WithJitterFactor(0))

	require.Error(t, err)
	assert.True(t, errkind.Retryable(err))
	assert.Equal(t, 3, calls)
}

func TestRetry_PermanentErrorsFailFast(t *testing.T) {
	notFound := errkind.New(errkind.NotFound, "item_not_found", "item not found")
	for name, want := range map[string]error{
		"precondition": notFound,
		"lock timeout": ErrLockTimeout,
		"plain":        errors.New("boom"),
	} {
		t.Run(name, func(t *testing.T) {
			calls := 0
			err := Retry(context.Background(), func(context.Context) error {
				calls++
				return want
			}, WithBaseDelay(time.Millisecond))

			assert.ErrorIs(t, err, want)
			assert.Equal(t, 1, calls)
		})
	}
}

func TestRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, func(context.Context) error {
		calls++
		cancel()
		return errkind.ErrConflict
	}, WithBaseDelay(time.Second))

	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, errkind.ErrConflict)
	assert.Equal(t, 1, calls)
}

func TestRetry_InvalidOptions(t *testing.T) {
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, Retry(context.Background(), noop, WithMaxAttempts(0)), ErrInvalidMaxAttempts)
	assert.ErrorIs(t, Retry(context.Background(), noop, WithBaseDelay(-time.Millisecond)), ErrNegativeBaseDelay)
	assert.ErrorIs(t, Retry(context.Background(), noop, WithJitterFactor(1.5)), ErrInvalidJitterFactor)
}
