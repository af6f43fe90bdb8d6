package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/metrics"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

var testTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func TestActiveSet(t *testing.T) {
	s := NewActiveSet()
	assert.True(t, s.Subscribe("b"))
	assert.True(t, s.Subscribe("a"))
	assert.False(t, s.Subscribe("a"))
	assert.Equal(t, []string{"a", "b"}, s.Snapshot())
	assert.True(t, s.Contains("a"))

	snapshot := s.Snapshot()
	assert.True(t, s.Unsubscribe("a"))
	assert.False(t, s.Unsubscribe("a"))
	assert.Equal(t, []string{"a", "b"}, snapshot)
	assert.Equal(t, 1, s.Len())
	assert.False(t, s.Contains("a"))
}

func TestActiveSet_Concurrent(t *testing.T) {
	s := NewActiveSet()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i%10)
			s.Subscribe(id)
			_ = s.Snapshot()
			if i%2 == 0 {
				s.Unsubscribe(id)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, s.Len(), 10)
}

func TestNatsSubject(t *testing.T) {
	assert.Equal(t, "topic.metrics.abc", NatsSubject(MetricsTopic("abc")))
	assert.Equal(t, "topic.workers.status", NatsSubject(WorkerStatusTopic))
}

type recordingSink struct {
	mu       sync.Mutex
	messages map[string][][]byte
	fail     bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{messages: make(map[string][][]byte)}
}

func (s *recordingSink) Publish(_ context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink down")
	}
	s.messages[topic] = append(s.messages[topic], payload)
	return nil
}

func (s *recordingSink) Close() error {
	return nil
}

func (s *recordingSink) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages[topic])
}

type fakeStats struct {
	failFor string
}

func (f *fakeStats) RealTimeStats(_ *lgcontext.Context, scenarioId string, window time.Duration) (*model.ScenarioStats, error) {
	if scenarioId == f.failFor {
		return nil, lgerrors.ErrTransient("reading metrics", errors.New("timeout"))
	}
	return &model.ScenarioStats{ScenarioId: scenarioId, WindowSeconds: window.Seconds(), TotalRequests: 5}, nil
}

type fakeWorkers struct{}

func (fakeWorkers) Workers(*lgcontext.Context) ([]*model.WorkerHeartbeat, error) {
	return []*model.WorkerHeartbeat{{WorkerId: "w1", Status: model.WorkerBusy}}, nil
}

func (fakeWorkers) TaskQueueSize(*lgcontext.Context) (int64, error) {
	return 4, nil
}

func newStreamer(sink Sink, stats StatsSource, active *ActiveSet) *Streamer {
	m := metrics.NewMetrics("test_", nil)
	return NewStreamer(active, stats, fakeWorkers{}, NewPublisher(sink, m), 30*time.Second, clock.NewFakeClock(testTime), m)
}

func TestStreamer_PushMetricsSkipsFailingScenario(t *testing.T) {
	sink := newRecordingSink()
	active := NewActiveSet()
	active.Subscribe("good")
	active.Subscribe("bad")
	streamer := newStreamer(sink, &fakeStats{failFor: "bad"}, active)

	require.NoError(t, streamer.PushMetrics(lgcontext.Background()))
	assert.Equal(t, 1, sink.count(MetricsTopic("good")))
	assert.Equal(t, 0, sink.count(MetricsTopic("bad")))

	var stats model.ScenarioStats
	require.NoError(t, json.Unmarshal(sink.messages[MetricsTopic("good")][0], &stats))
	assert.Equal(t, int64(5), stats.TotalRequests)
	assert.Equal(t, 30.0, stats.WindowSeconds)
}

func TestStreamer_PushMetricsOnlyForActive(t *testing.T) {
	sink := newRecordingSink()
	active := NewActiveSet()
	streamer := newStreamer(sink, &fakeStats{}, active)

	require.NoError(t, streamer.PushMetrics(lgcontext.Background()))
	assert.Empty(t, sink.messages)

	active.Subscribe("s1")
	require.NoError(t, streamer.PushMetrics(lgcontext.Background()))
	active.Unsubscribe("s1")
	require.NoError(t, streamer.PushMetrics(lgcontext.Background()))
	assert.Equal(t, 1, sink.count(MetricsTopic("s1")))
}

func TestStreamer_PushWorkerStatus(t *testing.T) {
	sink := newRecordingSink()
	streamer := newStreamer(sink, &fakeStats{}, NewActiveSet())

	require.NoError(t, streamer.PushWorkerStatus(lgcontext.Background()))
	require.Equal(t, 1, sink.count(WorkerStatusTopic))

	var status WorkerPoolStatus
	require.NoError(t, json.Unmarshal(sink.messages[WorkerStatusTopic][0], &status))
	assert.Equal(t, 1, status.ActiveWorkers)
	assert.Equal(t, int64(4), status.TaskQueueSize)
	assert.Equal(t, "w1", status.Workers[0].WorkerId)
	assert.True(t, status.Timestamp.Equal(testTime))
}

func TestPublisher_FailureIsTransient(t *testing.T) {
	sink := newRecordingSink()
	sink.fail = true
	publisher := NewPublisher(sink, metrics.NewMetrics("test_", nil))

	err := publisher.ForwardResult(lgcontext.Background(), &model.WorkerResult{TaskId: "e-w0"})
	assert.True(t, lgerrors.IsKind(err, lgerrors.TransientInfraFailure))
}

func TestRedisSink(t *testing.T) {
	mr := miniredis.RunT(t)
	db := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer db.Close()
	ctx := context.Background()

	subscription := db.Subscribe(ctx, ResultsTopic("e-w0"))
	defer subscription.Close()
	_, err := subscription.Receive(ctx)
	require.NoError(t, err)

	publisher := NewPublisher(NewRedisSink(db), metrics.NewMetrics("test_", nil))
	require.NoError(t, publisher.ForwardResult(lgcontext.Background(), &model.WorkerResult{TaskId: "e-w0", WorkerId: "w1"}))

	select {
	case msg := <-subscription.Channel():
		assert.Equal(t, ResultsTopic("e-w0"), msg.Channel)
		assert.Contains(t, msg.Payload, `"workerId":"w1"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestNatsSink(t *testing.T) {
	opts := test.DefaultTestOptions
	opts.Port = -1
	server := test.RunServer(&opts)
	defer server.Shutdown()

	sink, err := NewNatsSink(server.ClientURL())
	require.NoError(t, err)
	defer sink.Close()

	subscriber, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	defer subscriber.Close()
	messages := make(chan *nats.Msg, 1)
	_, err = subscriber.ChanSubscribe("topic.executions.*", messages)
	require.NoError(t, err)
	require.NoError(t, subscriber.Flush())

	publisher := NewPublisher(sink, metrics.NewMetrics("test_", nil))
	require.NoError(t, publisher.PublishFinal(lgcontext.Background(), &model.Execution{ExecutionId: "exec", ScenarioId: "s1"}))

	select {
	case msg := <-messages:
		assert.Equal(t, "topic.executions.exec", msg.Subject)
		var execution model.Execution
		require.NoError(t, json.Unmarshal(msg.Data, &execution))
		assert.Equal(t, "s1", execution.ScenarioId)
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}
