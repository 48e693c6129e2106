package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := fastPolicy().Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("503")
		}
		return nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := errors.New("rate limited")
	err := fastPolicy().Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		return transient
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentErrorNotRetried(t *testing.T) {
	calls := 0
	permanent := errors.New("404 unknown symbol")
	err := fastPolicy().Do(context.Background(), "fetch", func(context.Context) error {
		calls++
		return permanent
	}, func(err error) bool { return false })
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Policy{MaxAttempts: 5, BaseDelay: time.Minute}.Do(ctx, "fetch", func(context.Context) error {
		return errors.New("always failing")
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
