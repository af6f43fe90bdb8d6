// Package schedule runs scenarios on cron schedules and enforces execution deadlines.
package schedule

import (
	"k8s.io/utils/clock"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/logging"
	"github.com/loadgrid/loadgrid/internal/controller/metrics"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
)

// Starter starts an execution of a scenario and returns its execution id.
type Starter interface {
	StartScenario(ctx *lgcontext.Context, scenarioId string) (string, error)
}

type CronSweeper struct {
	tests   repository.ScheduledTestRepository
	starter Starter
	clock   clock.PassiveClock
	metrics *metrics.Metrics
}

func NewCronSweeper(tests repository.ScheduledTestRepository, starter Starter, clock clock.PassiveClock, m *metrics.Metrics) *CronSweeper {
	return &CronSweeper{tests: tests, starter: starter, clock: clock, metrics: m}
}

// CheckScheduledTests starts every enabled scheduled test that is due. The outcome of each run is
// recorded on the test itself; a failing test never stops the others from running.
func (s *CronSweeper) CheckScheduledTests(ctx *lgcontext.Context) error {
	tests, err := s.tests.GetAllScheduledTests(ctx)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	for _, test := range tests {
		if ctx.Err() != nil {
			return nil
		}
		if !test.Due(now) {
			continue
		}
		s.run(lgcontext.WithLogField(ctx, "scheduledTestId", test.Id), test)
	}
	return nil
}

func (s *CronSweeper) run(ctx *lgcontext.Context, test *model.ScheduledTest) {
	ctx.Log.Infof("running scheduled test %q", test.Name)
	executionId, startErr := s.starter.StartScenario(ctx, test.ScenarioId)
	now := s.clock.Now()
	next, cronErr := NextRun(test.CronExpression, now)

	_, err := s.tests.UpdateScheduledTest(ctx, test.Id, func(test *model.ScheduledTest) error {
		test.LastRunAt = &now
		test.LastRunScenarioId = test.ScenarioId
		if startErr != nil {
			test.LastRunStatus = model.RunFailed
			test.LastRunError = startErr.Error()
			test.LastRunExecutionId = ""
		} else {
			test.LastRunStatus = model.RunStarted
			test.LastRunError = ""
			test.LastRunExecutionId = executionId
		}
		if cronErr != nil {
			// Without a next run time the test would be due on every sweep.
			test.Enabled = false
			test.NextRunAt = nil
			if test.LastRunError != "" {
				test.LastRunError += "; "
			}
			test.LastRunError += cronErr.Error()
		} else {
			test.NextRunAt = &next
		}
		return nil
	})
	if err != nil {
		logging.WithStacktrace(ctx.Log, err).Error("failed to record scheduled run")
	}
	if startErr != nil {
		s.metrics.RecordScheduledRun(string(model.RunFailed))
		ctx.Log.WithError(startErr).Warn("scheduled test failed to start")
		return
	}
	s.metrics.RecordScheduledRun(string(model.RunStarted))
	ctx.Log.Infof("scheduled test started execution %s, next run at %s", executionId, next)
}
