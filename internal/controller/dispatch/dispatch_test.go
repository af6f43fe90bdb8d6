package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/common/util"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
)

var testTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

var testRetry = util.RetryConfig{Attempts: 3, Delay: time.Millisecond, MaxDelay: time.Millisecond}

func scenarioWith(targetRps int, numWorkers int) *model.Scenario {
	return &model.Scenario{
		Id:     "s1",
		Tenant: "team-a",
		Config: model.ScenarioConfig{
			Target:          model.TargetSpec{Url: "https://example.com", Method: model.MethodPost, Body: "{}", Headers: map[string]string{"X-Test": "1"}},
			LoadProfile:     model.LoadProfile{Type: model.ProfileRamp, TargetRps: targetRps},
			DurationSeconds: 30,
			NumWorkers:      numWorkers,
		},
	}
}

func TestFromScenario_SplitsRps(t *testing.T) {
	tests := map[string]struct {
		targetRps  int
		numWorkers int
		expected   []int
	}{
		"even split":           {targetRps: 100, numWorkers: 4, expected: []int{25, 25, 25, 25}},
		"remainder to first":   {targetRps: 100, numWorkers: 3, expected: []int{34, 33, 33}},
		"remainder of two":     {targetRps: 11, numWorkers: 3, expected: []int{4, 4, 3}},
		"fewer rps than tasks": {targetRps: 2, numWorkers: 5, expected: []int{1, 1, 0, 0, 0}},
		"single worker":        {targetRps: 7, numWorkers: 1, expected: []int{7}},
		"zero rps":             {targetRps: 0, numWorkers: 2, expected: []int{0, 0}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			tasks, err := FromScenario(scenarioWith(tc.targetRps, tc.numWorkers), "exec", testTime)
			require.NoError(t, err)
			require.Len(t, tasks, tc.numWorkers)

			sum := 0
			for i, task := range tasks {
				assert.Equal(t, tc.expected[i], task.Rps)
				sum += task.Rps
			}
			assert.Equal(t, tc.targetRps, sum)
		})
	}
}

func TestFromScenario_CopiesTarget(t *testing.T) {
	tasks, err := FromScenario(scenarioWith(100, 3), "exec", testTime)
	require.NoError(t, err)
	for i, task := range tasks {
		assert.Equal(t, TaskId("exec", i), task.TaskId)
		assert.Equal(t, "s1", task.ScenarioId)
		assert.Equal(t, "exec", task.ExecutionId)
		assert.Equal(t, "team-a", task.Tenant)
		assert.Equal(t, "https://example.com", task.TargetUrl)
		assert.Equal(t, model.MethodPost, task.Method)
		assert.Equal(t, "{}", task.Body)
		assert.Equal(t, "1", task.Headers["X-Test"])
		assert.Equal(t, model.ProfileRamp, task.ProfileType)
		assert.Equal(t, 30, task.DurationSeconds)
		assert.Equal(t, testTime, task.StartTime)
	}
	assert.Equal(t, "exec-w0", tasks[0].TaskId)
	assert.Equal(t, "exec-w2", tasks[2].TaskId)
}

func TestFromScenario_InvalidWorkerCount(t *testing.T) {
	for _, numWorkers := range []int{0, -1} {
		_, err := FromScenario(scenarioWith(100, numWorkers), "exec", testTime)
		assert.True(t, lgerrors.IsKind(err, lgerrors.InvalidArgument))
	}
}

func withRegistry(t *testing.T, action func(r *Registry, db redis.UniversalClient, mr *miniredis.Miniredis)) {
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer db.Close()
	r := NewRegistry(
		repository.NewRedisQueueRepository(db),
		repository.NewRedisHeartbeatRepository(db),
		clock.NewFakeClock(testTime),
		time.Minute,
		testRetry,
	)
	action(r, db, mr)
}

func TestRegistry_PublishAndQueueSize(t *testing.T) {
	withRegistry(t, func(r *Registry, _ redis.UniversalClient, _ *miniredis.Miniredis) {
		ctx := lgcontext.Background()
		tasks, err := FromScenario(scenarioWith(100, 3), "exec", testTime)
		require.NoError(t, err)
		require.NoError(t, r.Publish(ctx, tasks))

		size, err := r.TaskQueueSize(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), size)
	})
}

func TestRegistry_HeartbeatsExpire(t *testing.T) {
	withRegistry(t, func(r *Registry, _ redis.UniversalClient, mr *miniredis.Miniredis) {
		ctx := lgcontext.Background()
		require.NoError(t, r.Heartbeat(ctx, &model.WorkerHeartbeat{WorkerId: "w1", Status: model.WorkerIdle}))
		require.NoError(t, r.Heartbeat(ctx, &model.WorkerHeartbeat{WorkerId: "w2", Status: model.WorkerIdle}))

		count, err := r.ActiveWorkerCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		mr.FastForward(45 * time.Second)
		require.NoError(t, r.Heartbeat(ctx, &model.WorkerHeartbeat{WorkerId: "w2", Status: model.WorkerBusy, CurrentTaskId: "exec-w0"}))
		mr.FastForward(30 * time.Second)

		count, err = r.ActiveWorkerCount(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		workers, err := r.Workers(ctx)
		require.NoError(t, err)
		require.Len(t, workers, 1)
		assert.Equal(t, "w2", workers[0].WorkerId)
		assert.Equal(t, model.WorkerBusy, workers[0].Status)
		assert.Equal(t, testTime, workers[0].Timestamp)

		_, err = r.Worker(ctx, "w1")
		assert.True(t, lgerrors.IsKind(err, lgerrors.NotFound))
	})
}

func TestRegistry_BroadcastStop(t *testing.T) {
	withRegistry(t, func(r *Registry, _ redis.UniversalClient, mr *miniredis.Miniredis) {
		require.NoError(t, r.BroadcastStop(lgcontext.Background(), "exec", "s1"))
		values, err := mr.List("queue:control")
		require.NoError(t, err)
		require.Len(t, values, 1)
		assert.JSONEq(t, `{"executionId":"exec","scenarioId":"s1","issuedAt":"2024-03-01T10:00:00Z"}`, values[0])
	})
}

type flakyQueues struct {
	repository.QueueRepository
	failures int
	pushes   int
}

func (q *flakyQueues) PushTasks(ctx context.Context, tasks []*model.WorkerTask) error {
	q.pushes++
	if q.pushes <= q.failures {
		return lgerrors.ErrTransient("publishing tasks", errors.New("connection reset"))
	}
	return q.QueueRepository.PushTasks(ctx, tasks)
}

func TestRegistry_PublishRetriesTransientFailures(t *testing.T) {
	withRegistry(t, func(r *Registry, db redis.UniversalClient, _ *miniredis.Miniredis) {
		queues := &flakyQueues{QueueRepository: repository.NewRedisQueueRepository(db), failures: 2}
		r.queues = queues
		require.NoError(t, r.Publish(lgcontext.Background(), []*model.WorkerTask{{TaskId: "exec-w0"}}))
		assert.Equal(t, 3, queues.pushes)

		queues.pushes = 0
		queues.failures = 5
		err := r.Publish(lgcontext.Background(), []*model.WorkerTask{{TaskId: "exec-w0"}})
		assert.True(t, lgerrors.IsKind(err, lgerrors.TransientInfraFailure))
		assert.Equal(t, 3, queues.pushes)
	})
}
