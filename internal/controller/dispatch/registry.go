package dispatch

import (
	"time"

	"k8s.io/utils/clock"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/util"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
)

// Registry publishes work to the worker pool and answers which workers are alive.
//
// Task delivery is at-least-once. A publish retried after a failure whose RPUSH had in fact been
// applied queues the tasks twice, and nothing here ever reassigns the task of a worker that dies.
type Registry struct {
	queues       repository.QueueRepository
	heartbeats   repository.HeartbeatRepository
	clock        clock.PassiveClock
	heartbeatTtl time.Duration
	retry        util.RetryConfig
}

func NewRegistry(
	queues repository.QueueRepository,
	heartbeats repository.HeartbeatRepository,
	clock clock.PassiveClock,
	heartbeatTtl time.Duration,
	retry util.RetryConfig,
) *Registry {
	return &Registry{
		queues:       queues,
		heartbeats:   heartbeats,
		clock:        clock,
		heartbeatTtl: heartbeatTtl,
		retry:        retry,
	}
}

// Publish queues all tasks with a single push.
func (r *Registry) Publish(ctx *lgcontext.Context, tasks []*model.WorkerTask) error {
	err := util.RetryTransient(ctx, r.retry, "publishing tasks", func() error {
		return r.queues.PushTasks(ctx, tasks)
	})
	if err != nil {
		return err
	}
	ctx.Log.Infof("published %d tasks", len(tasks))
	return nil
}

// Heartbeat overwrites whatever was recorded for the worker before.
func (r *Registry) Heartbeat(ctx *lgcontext.Context, heartbeat *model.WorkerHeartbeat) error {
	if heartbeat.Timestamp.IsZero() {
		heartbeat.Timestamp = r.clock.Now()
	}
	return r.heartbeats.StoreHeartbeat(ctx, heartbeat, r.heartbeatTtl)
}

func (r *Registry) ActiveWorkerIds(ctx *lgcontext.Context) ([]string, error) {
	var ids []string
	err := util.RetryTransient(ctx, r.retry, "listing active workers", func() error {
		var err error
		ids, err = r.heartbeats.GetActiveWorkerIds(ctx)
		return err
	})
	return ids, err
}

func (r *Registry) ActiveWorkerCount(ctx *lgcontext.Context) (int, error) {
	ids, err := r.ActiveWorkerIds(ctx)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Worker returns the latest heartbeat of a worker, or NotFound if it has expired.
func (r *Registry) Worker(ctx *lgcontext.Context, workerId string) (*model.WorkerHeartbeat, error) {
	return r.heartbeats.GetHeartbeat(ctx, workerId)
}

// Workers returns the latest heartbeat of every active worker. Workers whose heartbeat expires
// between listing and reading are left out.
func (r *Registry) Workers(ctx *lgcontext.Context) ([]*model.WorkerHeartbeat, error) {
	ids, err := r.ActiveWorkerIds(ctx)
	if err != nil {
		return nil, err
	}
	workers := make([]*model.WorkerHeartbeat, 0, len(ids))
	for _, id := range ids {
		heartbeat, err := r.heartbeats.GetHeartbeat(ctx, id)
		if err != nil {
			ctx.Log.WithError(err).Debugf("skipping worker %s", id)
			continue
		}
		workers = append(workers, heartbeat)
	}
	return workers, nil
}

// BroadcastStop asks every worker to halt the execution. Nothing confirms that they did.
func (r *Registry) BroadcastStop(ctx *lgcontext.Context, executionId string, scenarioId string) error {
	marker := &model.StopMarker{
		ExecutionId: executionId,
		ScenarioId:  scenarioId,
		IssuedAt:    r.clock.Now(),
	}
	return util.RetryTransient(ctx, r.retry, "broadcasting stop", func() error {
		return r.queues.PushStopMarker(ctx, marker)
	})
}

func (r *Registry) TaskQueueSize(ctx *lgcontext.Context) (int64, error) {
	return r.queues.TaskQueueSize(ctx)
}
