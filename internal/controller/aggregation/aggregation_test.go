package aggregation

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/common/util"
	"github.com/loadgrid/loadgrid/internal/controller/configuration"
	"github.com/loadgrid/loadgrid/internal/controller/metrics"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/push"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
)

var testTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

var testConfig = configuration.AggregationConfig{
	BatchSize:      100,
	IngestInterval: 500 * time.Millisecond,
	Retention:      time.Hour,
	LiveWindow:     30 * time.Second,
}

type recordingSink struct {
	mu     sync.Mutex
	topics []string
}

func (s *recordingSink) Publish(_ context.Context, topic string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	return nil
}

func (s *recordingSink) Close() error {
	return nil
}

func (s *recordingSink) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type testEnv struct {
	engine *Engine
	db     redis.UniversalClient
	clock  *clock.FakeClock
	sink   *recordingSink
}

func withEngine(t *testing.T, config configuration.AggregationConfig, action func(env *testEnv)) {
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer db.Close()

	m := metrics.NewMetrics("test_", nil)
	sink := &recordingSink{}
	fakeClock := clock.NewFakeClock(testTime)
	engine := NewEngine(
		repository.NewRedisQueueRepository(db),
		repository.NewRedisMetricRepository(db),
		repository.NewRedisExecutionRepository(db),
		push.NewPublisher(sink, m),
		fakeClock,
		config,
		util.RetryConfig{Attempts: 1},
		m,
	)
	action(&testEnv{engine: engine, db: db, clock: fakeClock, sink: sink})
}

func (env *testEnv) pushResults(t *testing.T, results ...*model.WorkerResult) {
	for _, result := range results {
		data, err := json.Marshal(result)
		require.NoError(t, err)
		require.NoError(t, env.db.RPush(context.Background(), "queue:results", data).Err())
	}
}

func single(latencyMs int64, statusCode int, success bool, at time.Time) *model.WorkerResult {
	return &model.WorkerResult{
		ScenarioId: "s1",
		TaskId:     "e-w0",
		WorkerId:   "w1",
		Timestamp:  at,
		LatencyMs:  latencyMs,
		StatusCode: statusCode,
		Success:    success,
	}
}

func TestToMetrics_SingleRequest(t *testing.T) {
	rows := ToMetrics(&model.WorkerResult{ScenarioId: "s1", WorkerId: "w1", TaskId: "e-w0", LatencyMs: 42, StatusCode: 503, Error: "unavailable"}, testTime)
	require.Len(t, rows, 1)
	assert.Equal(t, 42.0, rows[0].LatencyMs)
	assert.Equal(t, int64(1), rows[0].RequestCount)
	assert.False(t, rows[0].Success)
	assert.Equal(t, "unavailable", rows[0].ErrorMessage)
	assert.Equal(t, testTime, rows[0].Timestamp, "missing timestamps default to the receive time")
	assert.NotEmpty(t, rows[0].Id)
}

func TestToMetrics_Batch(t *testing.T) {
	histogram := newHistogram()
	require.NoError(t, histogram.RecordValues(10_000, 10))
	result := &model.WorkerResult{
		ScenarioId:       "s1",
		Timestamp:        testTime,
		StatusCode:       200,
		TotalRequests:    10,
		SuccessCount:     8,
		ErrorCount:       2,
		AvgLatencyMs:     10,
		LatencyHistogram: histogram.Export(),
	}
	rows := ToMetrics(result, testTime.Add(time.Second))
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Success)
	assert.Equal(t, int64(8), rows[0].RequestCount)
	assert.NotNil(t, rows[0].Histogram)
	assert.False(t, rows[1].Success)
	assert.Equal(t, int64(2), rows[1].RequestCount)
	assert.True(t, rows[1].HistogramCovered)
	assert.Equal(t, testTime, rows[1].Timestamp)

	result.SuccessCount, result.ErrorCount = 0, 0
	rows = ToMetrics(result, testTime)
	require.Len(t, rows, 1)
	assert.False(t, rows[0].Success)
	assert.Equal(t, int64(10), rows[0].RequestCount)
}

func TestToMetrics_UnaccountedRequestsCountAsFailures(t *testing.T) {
	result := &model.WorkerResult{ScenarioId: "s1", Timestamp: testTime, TotalRequests: 10, SuccessCount: 8, AvgLatencyMs: 5}
	rows := ToMetrics(result, testTime)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[1].RequestCount)
	assert.False(t, rows[1].Success)

	stats := ComputeStats("s1", rows, time.Minute, testTime)
	assert.Equal(t, int64(10), stats.TotalRequests)
	assert.Equal(t, int64(8), stats.SuccessfulRequests)
	assert.Equal(t, int64(2), stats.FailedRequests)

	result.ErrorCount = 1
	rows = ToMetrics(result, testTime)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[1].RequestCount)
}

func TestValidateSnapshot(t *testing.T) {
	histogram := newHistogram()
	require.NoError(t, histogram.RecordValue(1000))
	assert.NoError(t, validateSnapshot(histogram.Export()))

	truncated := histogram.Export()
	truncated.Counts = truncated.Counts[:1]
	tests := map[string]*hdrhistogram.Snapshot{
		"empty":            {},
		"too many figures": {LowestTrackableValue: 1, HighestTrackableValue: 1000, SignificantFigures: 6},
		"inverted range":   {LowestTrackableValue: 100, HighestTrackableValue: 10, SignificantFigures: 3},
		"truncated counts": truncated,
		"negative counts":  {LowestTrackableValue: 1, HighestTrackableValue: 1000, SignificantFigures: 3, Counts: []int64{-1}},
	}
	for name, snapshot := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, validateSnapshot(snapshot))
		})
	}
}

func TestComputeStats_EmptyWindow(t *testing.T) {
	stats := ComputeStats("s1", nil, 30*time.Second, testTime)
	assert.Equal(t, &model.ScenarioStats{
		ScenarioId:             "s1",
		WindowSeconds:          30,
		StatusCodeDistribution: map[int]int64{},
		LastUpdated:            testTime,
	}, stats)
}

func TestComputeStats_Scalars(t *testing.T) {
	rows := []*model.Metric{
		{LatencyMs: 10, StatusCode: 200, Success: true, RequestCount: 3},
		{LatencyMs: 50, StatusCode: 500, Success: false, RequestCount: 1},
		{LatencyMs: 20, StatusCode: 200, Success: true},
	}
	stats := ComputeStats("s1", rows, 10*time.Second, testTime)
	assert.Equal(t, int64(5), stats.TotalRequests)
	assert.Equal(t, int64(4), stats.SuccessfulRequests)
	assert.Equal(t, int64(1), stats.FailedRequests)
	assert.InDelta(t, 0.8, stats.SuccessRate, 1e-9)
	assert.InDelta(t, (10*3+50+20)/5.0, stats.AvgLatencyMs, 1e-9)
	assert.Equal(t, 10.0, stats.MinLatencyMs)
	assert.Equal(t, 50.0, stats.MaxLatencyMs)
	assert.Equal(t, map[int]int64{200: 4, 500: 1}, stats.StatusCodeDistribution)
	assert.InDelta(t, 0.5, stats.CurrentRps, 1e-9)
}

func TestComputeStats_Percentiles(t *testing.T) {
	var rows []*model.Metric
	for i := 1; i <= 100; i++ {
		rows = append(rows, &model.Metric{LatencyMs: float64(i), Success: true, RequestCount: 1})
	}
	stats := ComputeStats("s1", rows, time.Minute, testTime)
	assert.InDelta(t, 50, stats.P50LatencyMs, 0.1)
	assert.InDelta(t, 95, stats.P95LatencyMs, 0.1)
	assert.InDelta(t, 99, stats.P99LatencyMs, 0.1)
}

func TestComputeStats_BatchHistogramsKeepTheDistribution(t *testing.T) {
	// Two batches with the same average but very different tails.
	fast := newHistogram()
	slow := newHistogram()
	for i := 0; i < 99; i++ {
		require.NoError(t, fast.RecordValue(10_000))
		require.NoError(t, slow.RecordValue(1_000))
	}
	require.NoError(t, fast.RecordValue(10_000))
	require.NoError(t, slow.RecordValue(901_000))

	var rows []*model.Metric
	rows = append(rows, ToMetrics(&model.WorkerResult{ScenarioId: "s1", TotalRequests: 100, SuccessCount: 100, AvgLatencyMs: 10, LatencyHistogram: fast.Export()}, testTime)...)
	rows = append(rows, ToMetrics(&model.WorkerResult{ScenarioId: "s1", TotalRequests: 100, SuccessCount: 99, ErrorCount: 1, AvgLatencyMs: 10, LatencyHistogram: slow.Export()}, testTime)...)

	stats := ComputeStats("s1", rows, time.Minute, testTime)
	assert.Equal(t, int64(200), stats.TotalRequests)
	assert.InDelta(t, 10, stats.AvgLatencyMs, 1e-9)
	assert.InDelta(t, 1, stats.MinLatencyMs, 0.01)
	assert.InDelta(t, 901, stats.MaxLatencyMs, 1)
	assert.InDelta(t, 10, stats.P95LatencyMs, 0.1)
	assert.InDelta(t, 10, stats.P99LatencyMs, 0.1)
}

func TestComputeStats_OrderIndependent(t *testing.T) {
	var rows []*model.Metric
	for i := 0; i < 50; i++ {
		rows = append(rows, &model.Metric{LatencyMs: float64(i%7) + 0.1*float64(i), StatusCode: 200 + i%3, Success: i%4 != 0, RequestCount: int64(i%5 + 1)})
	}
	reversed := make([]*model.Metric, len(rows))
	for i, row := range rows {
		reversed[len(rows)-1-i] = row
	}
	assert.Equal(t, ComputeStats("s1", rows, time.Minute, testTime), ComputeStats("s1", reversed, time.Minute, testTime))
}

func TestIngestBatch_OutOfOrderYieldsIdenticalStats(t *testing.T) {
	results := []*model.WorkerResult{
		single(12, 200, true, testTime.Add(-5*time.Second)),
		single(48, 500, false, testTime.Add(-4*time.Second)),
		{ScenarioId: "s1", TaskId: "e-w1", WorkerId: "w2", Timestamp: testTime.Add(-3 * time.Second), StatusCode: 200, TotalRequests: 20, SuccessCount: 18, ErrorCount: 2, AvgLatencyMs: 33.3},
		single(7, 200, true, testTime.Add(-2*time.Second)),
	}
	var statsInOrder, statsReversed *model.ScenarioStats
	withEngine(t, testConfig, func(env *testEnv) {
		env.pushResults(t, results...)
		require.NoError(t, env.engine.IngestBatch(lgcontext.Background()))
		var err error
		statsInOrder, err = env.engine.RealTimeStats(lgcontext.Background(), "s1", time.Minute)
		require.NoError(t, err)
	})
	withEngine(t, testConfig, func(env *testEnv) {
		for i := len(results) - 1; i >= 0; i-- {
			env.pushResults(t, results[i])
			// One result per batch, as if several consumers had taken them.
			require.NoError(t, env.engine.IngestBatch(lgcontext.Background()))
		}
		var err error
		statsReversed, err = env.engine.RealTimeStats(lgcontext.Background(), "s1", time.Minute)
		require.NoError(t, err)
	})
	assert.Equal(t, int64(23), statsInOrder.TotalRequests)
	assert.Equal(t, statsInOrder, statsReversed)
}

func TestIngestBatch_SkipsMalformedResults(t *testing.T) {
	withEngine(t, testConfig, func(env *testEnv) {
		ctx := context.Background()
		require.NoError(t, env.db.RPush(ctx, "queue:results", "not json").Err())
		require.NoError(t, env.db.RPush(ctx, "queue:results", `{"taskId":"e-w0"}`).Err())
		env.pushResults(t, single(10, 200, true, testTime))
		require.NoError(t, env.db.RPush(ctx, "queue:results", `{"scenarioId":"s1","totalRequests":-1}`).Err())
		require.NoError(t, env.db.RPush(ctx, "queue:results", `{"scenarioId":"s1","totalRequests":5,"successCount":5,"latencyHistogram":{}}`).Err())
		require.NoError(t, env.db.RPush(ctx, "queue:results", `{"scenarioId":"s1","totalRequests":5,"successCount":5,"latencyHistogram":{"LowestTrackableValue":1,"HighestTrackableValue":1000,"SignificantFigures":3,"Counts":[1]}}`).Err())

		require.NoError(t, env.engine.IngestBatch(lgcontext.Background()))

		stats, err := env.engine.RealTimeStats(lgcontext.Background(), "s1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalRequests)
		assert.Equal(t, 1, env.sink.count(push.ResultsTopic("e-w0")))

		remaining, err := env.db.LLen(ctx, "queue:results").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(0), remaining)
	})
}

func TestIngestBatch_EmptyQueue(t *testing.T) {
	withEngine(t, testConfig, func(env *testEnv) {
		require.NoError(t, env.engine.IngestBatch(lgcontext.Background()))
	})
}

func TestIngestBatch_RespectsBatchSize(t *testing.T) {
	config := testConfig
	config.BatchSize = 2
	withEngine(t, config, func(env *testEnv) {
		env.pushResults(t, single(1, 200, true, testTime), single(2, 200, true, testTime), single(3, 200, true, testTime))
		require.NoError(t, env.engine.IngestBatch(lgcontext.Background()))

		remaining, err := env.db.LLen(context.Background(), "queue:results").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), remaining)
	})
}

func TestIngestBatch_PrunesExpiredRows(t *testing.T) {
	config := testConfig
	config.Retention = time.Minute
	withEngine(t, config, func(env *testEnv) {
		env.pushResults(t, single(10, 200, true, testTime.Add(-2*time.Minute)), single(20, 200, true, testTime))
		require.NoError(t, env.engine.IngestBatch(lgcontext.Background()))

		count, err := env.db.ZCard(context.Background(), "metrics:s1").Result()
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
	})
}

func TestRealTimeStats_Window(t *testing.T) {
	withEngine(t, testConfig, func(env *testEnv) {
		env.pushResults(t, single(10, 200, true, testTime.Add(-50*time.Second)), single(20, 200, true, testTime.Add(-10*time.Second)))
		require.NoError(t, env.engine.IngestBatch(lgcontext.Background()))

		stats, err := env.engine.RealTimeStats(lgcontext.Background(), "s1", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.TotalRequests)
		assert.Equal(t, 20.0, stats.AvgLatencyMs)

		stats, err = env.engine.RealTimeStats(lgcontext.Background(), "other", 30*time.Second)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.TotalRequests)
		assert.Equal(t, 0.0, stats.SuccessRate)
	})
}

func TestBeginAndFinalize(t *testing.T) {
	withEngine(t, testConfig, func(env *testEnv) {
		ctx := lgcontext.Background()
		_, err := env.engine.Begin(ctx, "exec", "s1", "team-a")
		require.NoError(t, err)

		env.clock.Step(10 * time.Second)
		env.pushResults(t, single(10, 200, true, env.clock.Now()), single(30, 200, true, env.clock.Now()))
		require.NoError(t, env.engine.IngestBatch(ctx))

		running, err := env.engine.ExecutionStats(ctx, "exec")
		require.NoError(t, err)
		assert.Equal(t, int64(2), running.TotalRequests)

		env.clock.Step(10 * time.Second)
		execution, err := env.engine.Finalize(ctx, "exec")
		require.NoError(t, err)
		require.True(t, execution.Finalized())
		assert.Equal(t, int64(2), execution.FinalStats.TotalRequests)
		assert.Equal(t, 20.0, execution.FinalStats.AvgLatencyMs)
		assert.Equal(t, 20.0, execution.FinalStats.WindowSeconds)
		assert.Equal(t, "team-a", execution.Tenant)
		assert.Equal(t, 1, env.sink.count(push.ExecutionTopic("exec")))

		// Results arriving after the stop don't change the final stats.
		env.pushResults(t, single(1000, 500, false, env.clock.Now()))
		require.NoError(t, env.engine.IngestBatch(ctx))
		env.clock.Step(time.Second)

		again, err := env.engine.Finalize(ctx, "exec")
		require.NoError(t, err)
		assert.Equal(t, int64(2), again.FinalStats.TotalRequests)
		assert.Equal(t, 1, env.sink.count(push.ExecutionTopic("exec")), "finalize is a no-op the second time")

		final, err := env.engine.ExecutionStats(ctx, "exec")
		require.NoError(t, err)
		assert.Equal(t, int64(2), final.TotalRequests)
	})
}

func TestFinalize_UnknownExecution(t *testing.T) {
	withEngine(t, testConfig, func(env *testEnv) {
		_, err := env.engine.Finalize(lgcontext.Background(), "missing")
		assert.True(t, lgerrors.IsKind(err, lgerrors.NotFound))
	})
}
