package util

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
)

var fastRetry = RetryConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

func TestRetryTransient_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := RetryTransient(lgcontext.Background(), fastRetry, "flaky", func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("dummy error")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryTransient_ExhaustedAttemptsAreTransient(t *testing.T) {
	calls := 0
	err := RetryTransient(lgcontext.Background(), fastRetry, "always failing", func() error {
		calls++
		return fmt.Errorf("dummy error")
	})
	assert.Equal(t, 3, calls)
	assert.True(t, lgerrors.IsKind(err, lgerrors.TransientInfraFailure))
	assert.Contains(t, err.Error(), "always failing")
}

func TestRetryTransient_DoesNotRetryKindedErrors(t *testing.T) {
	calls := 0
	err := RetryTransient(lgcontext.Background(), fastRetry, "lookup", func() error {
		calls++
		return lgerrors.ErrNotFound("scenario", "a")
	})
	assert.Equal(t, 1, calls)
	assert.True(t, lgerrors.IsKind(err, lgerrors.NotFound))
}

func TestRetryTransient_StopsOnCancel(t *testing.T) {
	ctx, cancel := lgcontext.WithCancel(lgcontext.Background())
	cancel()
	calls := 0
	err := RetryTransient(ctx, RetryConfig{Attempts: 10, Delay: 10 * time.Millisecond}, "cancelled", func() error {
		calls++
		return fmt.Errorf("dummy error")
	})
	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
