// Package admission asks an external policy service whether an execution may start.
package admission

import (
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/configuration"
	"github.com/loadgrid/loadgrid/internal/controller/metrics"
)

const unavailablePrefix = "admission service unavailable: "

// Gate wraps a Decider with a rate limit, per-attempt timeouts, retries and a circuit breaker.
// The gate fails closed: if no decision can be obtained the execution is denied.
type Gate struct {
	decider Decider
	config  configuration.AdmissionConfig
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

func NewGate(decider Decider, config configuration.AdmissionConfig, m *metrics.Metrics) *Gate {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "admission",
		MaxRequests: 1,
		Timeout:     config.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logrus.Warnf("%s circuit breaker moved from %s to %s", name, from, to)
		},
	})
	return &Gate{
		decider: decider,
		config:  config,
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Limit(config.RateLimit), config.RateBurst),
		metrics: m,
	}
}

// Validate returns a nil error if the execution described by request may start. Otherwise it
// returns an AdmissionDenied error carrying either the service's reason or the reason no decision
// could be made.
func (g *Gate) Validate(ctx *lgcontext.Context, request *Request) (*Decision, error) {
	attempts := g.config.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	var decision *Decision
	err := retry.Do(
		func() error {
			var err error
			decision, err = g.decideOnce(ctx, request)
			return err
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(g.config.RetryDelay),
		retry.MaxDelay(g.config.MaxRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return ctx.Err() == nil && isRetryable(err)
		}),
		retry.OnRetry(func(n uint, err error) {
			ctx.Log.WithError(err).Warnf("admission attempt %d failed", n+1)
		}),
	)
	if err != nil {
		g.metrics.RecordAdmission(metrics.AdmissionUnavailable)
		reason := unavailablePrefix + err.Error()
		ctx.Log.WithField("scenarioId", request.ScenarioId).Warn(reason)
		return &Decision{Allowed: false, Reason: reason}, lgerrors.ErrAdmissionDenied(reason)
	}
	if !decision.Allowed {
		g.metrics.RecordAdmission(metrics.AdmissionDenied)
		reason := decision.Reason
		if reason == "" {
			reason = "denied by admission service"
		}
		return decision, lgerrors.ErrAdmissionDenied(reason)
	}
	g.metrics.RecordAdmission(metrics.AdmissionAllowed)
	return decision, nil
}

// State reports the state of the circuit breaker.
func (g *Gate) State() gobreaker.State {
	return g.breaker.State()
}

func (g *Gate) decideOnce(ctx *lgcontext.Context, request *Request) (*Decision, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	result, err := g.breaker.Execute(func() (interface{}, error) {
		attemptCtx, cancel := lgcontext.WithTimeout(ctx, g.config.AttemptTimeout)
		defer cancel()
		decision, err := g.decider.Decide(attemptCtx, request)
		if err != nil {
			return nil, err
		}
		if decision == nil {
			return nil, errors.New("admission service returned an empty decision")
		}
		return decision, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Decision), nil
}

// isRetryable is false for an open breaker, which must fail fast, and for gRPC codes that
// another attempt will not change.
func isRetryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	s, ok := status.FromError(err)
	if !ok {
		return true
	}
	switch s.Code() {
	case codes.InvalidArgument, codes.Unimplemented, codes.PermissionDenied, codes.Unauthenticated, codes.FailedPrecondition:
		return false
	}
	return true
}
