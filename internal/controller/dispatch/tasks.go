package dispatch

import (
	"fmt"
	"time"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

// TaskId is the id of the task at ordinal within an execution. Workers use it as an idempotency key.
func TaskId(executionId string, ordinal int) string {
	return fmt.Sprintf("%s-w%d", executionId, ordinal)
}

// FromScenario splits the scenario's target rps across its workers. Every task gets the floor
// share and the first targetRps mod numWorkers tasks get one more, so the shares always add up
// to the target.
func FromScenario(scenario *model.Scenario, executionId string, startTime time.Time) ([]*model.WorkerTask, error) {
	numWorkers := scenario.Config.NumWorkers
	if numWorkers <= 0 {
		return nil, lgerrors.ErrInvalidArgument("numWorkers", numWorkers, "must be positive")
	}
	targetRps := scenario.Config.LoadProfile.TargetRps
	if targetRps < 0 {
		return nil, lgerrors.ErrInvalidArgument("targetRps", targetRps, "must not be negative")
	}
	share := targetRps / numWorkers
	remainder := targetRps % numWorkers

	target := scenario.Config.Target
	tasks := make([]*model.WorkerTask, numWorkers)
	for i := 0; i < numWorkers; i++ {
		rps := share
		if i < remainder {
			rps++
		}
		tasks[i] = &model.WorkerTask{
			TaskId:          TaskId(executionId, i),
			ScenarioId:      scenario.Id,
			ExecutionId:     executionId,
			Tenant:          scenario.Tenant,
			TargetUrl:       target.Url,
			Method:          target.Method,
			Headers:         target.Headers,
			Body:            target.Body,
			ProfileType:     scenario.Config.LoadProfile.Type,
			Rps:             rps,
			DurationSeconds: scenario.Config.DurationSeconds,
			StartTime:       startTime,
		}
	}
	return tasks, nil
}
