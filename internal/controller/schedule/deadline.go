package schedule

import (
	"k8s.io/utils/clock"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/logging"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
)

type Stopper interface {
	StopScenario(ctx *lgcontext.Context, executionId string) error
}

// DeadlineSweeper stops running scenarios whose duration has elapsed. Stop timers live in memory,
// so after a restart this sweep is what ends executions started by a previous process.
type DeadlineSweeper struct {
	scenarios repository.ScenarioRepository
	stopper   Stopper
	clock     clock.PassiveClock
}

func NewDeadlineSweeper(scenarios repository.ScenarioRepository, stopper Stopper, clock clock.PassiveClock) *DeadlineSweeper {
	return &DeadlineSweeper{scenarios: scenarios, stopper: stopper, clock: clock}
}

func (s *DeadlineSweeper) EnforceDeadlines(ctx *lgcontext.Context) error {
	scenarios, err := s.scenarios.GetAllScenarios(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, scenario := range scenarios {
		deadline, ok := scenario.DeadlineAt()
		if !ok || now.Before(deadline) {
			continue
		}
		ctx.Log.Infof("execution %s of scenario %s passed its deadline of %s", scenario.LastExecutionId, scenario.Id, deadline)
		if err := s.stopper.StopScenario(ctx, scenario.LastExecutionId); err != nil {
			logging.WithStacktrace(ctx.Log, err).Errorf("failed to stop execution %s", scenario.LastExecutionId)
		}
	}
	return nil
}
