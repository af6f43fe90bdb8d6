package util

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
)

type RetryConfig struct {
	Attempts uint          `validate:"gte=1"`
	Delay    time.Duration `validate:"gte=0"`
	MaxDelay time.Duration `validate:"gte=0"`
}

// DefaultRetryConfig is used wherever a component is not given an explicit retry policy.
var DefaultRetryConfig = RetryConfig{Attempts: 3, Delay: 50 * time.Millisecond, MaxDelay: time.Second}

// RetryTransient runs performAction with bounded exponential backoff. Errors that already carry a
// non-transient kind (e.g. NotFound) are returned immediately; anything else is retried and, once
// attempts are exhausted, surfaced as a TransientInfraFailure describing operation.
func RetryTransient(ctx *lgcontext.Context, config RetryConfig, operation string, performAction func() error) error {
	attempts := config.Attempts
	if attempts == 0 {
		attempts = 1
	}
	err := retry.Do(
		performAction,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(config.Delay),
		retry.MaxDelay(config.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryable),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Warnf("%s failed (attempt %d of %d), retrying", operation, n+1, attempts)
		}),
	)
	if err == nil {
		return nil
	}
	if kind := lgerrors.KindOf(err); kind != lgerrors.Unknown {
		return err
	}
	return lgerrors.ErrTransient(operation, err)
}

func isRetryable(err error) bool {
	if err == context.Canceled || err == context.DeadlineExceeded {
		return false
	}
	kind := lgerrors.KindOf(err)
	return kind == lgerrors.Unknown || kind == lgerrors.TransientInfraFailure
}
