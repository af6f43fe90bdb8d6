// Package orchestrator starts and stops executions of approved scenarios.
package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
	"k8s.io/utils/keymutex"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/common/logging"
	"github.com/loadgrid/loadgrid/internal/controller/admission"
	"github.com/loadgrid/loadgrid/internal/controller/aggregation"
	"github.com/loadgrid/loadgrid/internal/controller/configuration"
	"github.com/loadgrid/loadgrid/internal/controller/dispatch"
	"github.com/loadgrid/loadgrid/internal/controller/metrics"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/push"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
	"github.com/loadgrid/loadgrid/internal/controller/schedule"
)

// Admitter decides whether an execution may start.
type Admitter interface {
	Validate(ctx *lgcontext.Context, request *admission.Request) (*admission.Decision, error)
}

// Orchestrator drives the lifecycle of executions. Calls for the same scenario are serialised in
// process; the compare-and-set on the scenario's last execution id covers other controllers.
type Orchestrator struct {
	scenarios repository.ScenarioRepository
	admitter  Admitter
	registry  *dispatch.Registry
	engine    *aggregation.Engine
	active    *push.ActiveSet
	timers    *schedule.StopTimers
	clock     clock.PassiveClock
	policy    configuration.WorkerShortfallPolicy
	metrics   *metrics.Metrics
	locks     keymutex.KeyMutex
}

func New(
	scenarios repository.ScenarioRepository,
	admitter Admitter,
	registry *dispatch.Registry,
	engine *aggregation.Engine,
	active *push.ActiveSet,
	timers *schedule.StopTimers,
	clock clock.PassiveClock,
	policy configuration.WorkerShortfallPolicy,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		scenarios: scenarios,
		admitter:  admitter,
		registry:  registry,
		engine:    engine,
		active:    active,
		timers:    timers,
		clock:     clock,
		policy:    policy,
		metrics:   m,
		locks:     keymutex.NewHashed(0),
	}
}

// StartScenario starts a new execution of an approved, idle scenario and returns its id. The
// execution is stopped automatically once the scenario's duration has elapsed.
func (o *Orchestrator) StartScenario(ctx *lgcontext.Context, scenarioId string) (string, error) {
	o.locks.LockKey(scenarioId)
	defer func() { _ = o.locks.UnlockKey(scenarioId) }()

	ctx = lgcontext.WithLogField(ctx, "scenarioId", scenarioId)
	executionId, err := o.start(ctx, scenarioId)
	if err != nil {
		o.metrics.RecordStartFailure(err)
		return "", err
	}
	o.metrics.RecordExecutionStarted()
	return executionId, nil
}

func (o *Orchestrator) start(ctx *lgcontext.Context, scenarioId string) (string, error) {
	scenario, err := o.scenarios.GetScenario(ctx, scenarioId)
	if err != nil {
		return "", err
	}
	if scenario.ApprovalStatus != model.ApprovalApproved {
		return "", lgerrors.ErrPreconditionFailed("scenario %s is %s and must be APPROVED to start", scenarioId, scenario.ApprovalStatus)
	}
	if scenario.Running {
		return "", lgerrors.ErrPreconditionFailed("scenario %s is already running execution %s", scenarioId, scenario.LastExecutionId)
	}

	_, err = o.admitter.Validate(ctx, &admission.Request{
		ScenarioId:      scenario.Id,
		Tenant:          scenario.Tenant,
		WorkerCount:     scenario.Config.NumWorkers,
		DurationSeconds: scenario.Config.DurationSeconds,
		ApprovalStatus:  scenario.ApprovalStatus,
	})
	if err != nil {
		return "", err
	}

	if err := o.checkWorkers(ctx, scenario.Config.NumWorkers); err != nil {
		return "", err
	}

	executionId := uuid.NewString()
	ctx = lgcontext.WithLogField(ctx, "executionId", executionId)
	now := o.clock.Now()
	previous := *scenario
	scenario, err = o.scenarios.UpdateScenario(ctx, scenarioId, func(s *model.Scenario) error {
		if s.Running || s.LastExecutionId != previous.LastExecutionId {
			return lgerrors.ErrPreconditionFailed("scenario %s was started concurrently", scenarioId)
		}
		if s.ApprovalStatus != model.ApprovalApproved {
			return lgerrors.ErrPreconditionFailed("scenario %s is %s and must be APPROVED to start", scenarioId, s.ApprovalStatus)
		}
		s.Running = true
		s.LastExecutionId = executionId
		s.LastExecutedAt = &now
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		return "", err
	}

	tasks, err := dispatch.FromScenario(scenario, executionId, now)
	if err == nil {
		err = o.registry.Publish(ctx, tasks)
	}
	if err != nil {
		o.rollback(ctx, &previous, executionId)
		return "", err
	}

	if _, err := o.engine.Begin(ctx, executionId, scenarioId, scenario.Tenant); err != nil {
		if stopErr := o.registry.BroadcastStop(ctx, executionId, scenarioId); stopErr != nil {
			logging.WithStacktrace(ctx.Log, stopErr).Error("failed to stop workers of an execution that could not begin")
		}
		o.rollback(ctx, &previous, executionId)
		return "", err
	}

	o.active.Subscribe(scenarioId)
	o.metrics.SetActiveScenarios(o.active.Len())

	duration := time.Duration(scenario.Config.DurationSeconds) * time.Second
	timerCtx := lgcontext.WithoutCancel(ctx)
	o.timers.Schedule(executionId, duration, func() {
		if err := o.StopScenario(timerCtx, executionId); err != nil {
			logging.WithStacktrace(timerCtx.Log, err).Error("failed to stop execution at the end of its duration")
		}
	})

	ctx.Log.Infof("started execution with %d tasks, stopping in %s", len(tasks), duration)
	return executionId, nil
}

func (o *Orchestrator) checkWorkers(ctx *lgcontext.Context, required int) error {
	available, err := o.registry.ActiveWorkerCount(ctx)
	if err != nil {
		return err
	}
	if available >= required {
		return nil
	}
	if o.policy == configuration.ShortfallWarn {
		ctx.Log.Warnf("starting with %d active workers for %d tasks", available, required)
		return nil
	}
	return lgerrors.ErrInsufficientWorkers(required, available)
}

// rollback restores the execution fields of a scenario whose execution failed to start. It only
// touches the scenario if the failed execution is still the latest one.
func (o *Orchestrator) rollback(ctx *lgcontext.Context, previous *model.Scenario, executionId string) {
	ctx = lgcontext.WithoutCancel(ctx)
	_, err := o.scenarios.UpdateScenario(ctx, previous.Id, func(s *model.Scenario) error {
		if s.LastExecutionId != executionId {
			return nil
		}
		s.Running = false
		s.LastExecutionId = previous.LastExecutionId
		s.LastExecutedAt = previous.LastExecutedAt
		s.UpdatedAt = o.clock.Now()
		return nil
	})
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("failed to roll back running flag")
		return
	}
	ctx.Log.Warn("rolled back execution that failed to start")
}

// StopScenario stops an execution. Stopping an execution that has already stopped, or that has
// been superseded by a newer one, does nothing beyond cancelling its stop timer.
func (o *Orchestrator) StopScenario(ctx *lgcontext.Context, executionId string) error {
	execution, err := o.engine.Execution(ctx, executionId)
	if err != nil {
		return err
	}
	scenarioId := execution.ScenarioId
	ctx = lgcontext.WithLogFields(ctx, logrus.Fields{"scenarioId": scenarioId, "executionId": executionId})

	o.locks.LockKey(scenarioId)
	defer func() { _ = o.locks.UnlockKey(scenarioId) }()
	defer o.timers.Cancel(executionId)

	stopped := false
	_, err = o.scenarios.UpdateScenario(ctx, scenarioId, func(s *model.Scenario) error {
		stopped = false
		if !s.Running || s.LastExecutionId != executionId {
			return nil
		}
		s.Running = false
		s.UpdatedAt = o.clock.Now()
		stopped = true
		return nil
	})
	if err != nil {
		return err
	}
	if !stopped {
		ctx.Log.Debug("execution is not running")
		return nil
	}

	if err := o.registry.BroadcastStop(ctx, executionId, scenarioId); err != nil {
		logging.WithStacktrace(ctx.Log, err).Warn("failed to broadcast stop marker")
	}
	_, err = o.engine.Finalize(ctx, executionId)
	o.active.Unsubscribe(scenarioId)
	o.metrics.SetActiveScenarios(o.active.Len())
	o.metrics.RecordExecutionStopped()
	if err != nil {
		return err
	}
	ctx.Log.Info("stopped execution")
	return nil
}

// SyncActive makes the push active set match the scenarios the store says are running, so
// executions started by another process are streamed too.
func (o *Orchestrator) SyncActive(ctx *lgcontext.Context) error {
	scenarios, err := o.scenarios.GetAllScenarios(ctx)
	if err != nil {
		return err
	}
	for _, scenario := range scenarios {
		if scenario.Running {
			if o.active.Subscribe(scenario.Id) {
				ctx.Log.Infof("streaming scenario %s started elsewhere", scenario.Id)
			}
		} else {
			o.active.Unsubscribe(scenario.Id)
		}
	}
	o.metrics.SetActiveScenarios(o.active.Len())
	return nil
}
