// Package push turns controller state into events for real-time subscribers.
package push

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/common/logging"
	"github.com/loadgrid/loadgrid/internal/controller/metrics"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

// Publisher encodes events and hands them to a Sink. Failures are logged and counted; they never
// affect the operation that produced the event.
type Publisher struct {
	sink    Sink
	metrics *metrics.Metrics
}

func NewPublisher(sink Sink, m *metrics.Metrics) *Publisher {
	return &Publisher{sink: sink, metrics: m}
}

func (p *Publisher) publish(ctx *lgcontext.Context, stream string, topic string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err == nil {
		err = p.sink.Publish(ctx, topic, payload)
	}
	if err != nil {
		p.metrics.RecordPushFailure(stream)
		err = lgerrors.ErrTransient("publishing to "+topic, err)
		logging.WithStacktrace(ctx.Log, err).Warn("push failed")
		return err
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.sink.Close()
}

// ForwardResult publishes a single ingested worker result.
func (p *Publisher) ForwardResult(ctx *lgcontext.Context, result *model.WorkerResult) error {
	return p.publish(ctx, "results", ResultsTopic(result.TaskId), result)
}

// PublishFinal publishes the closing stats of an execution.
func (p *Publisher) PublishFinal(ctx *lgcontext.Context, execution *model.Execution) error {
	return p.publish(ctx, "executions", ExecutionTopic(execution.ExecutionId), execution)
}

type WorkerPoolStatus struct {
	ActiveWorkers int                      `json:"activeWorkers"`
	TaskQueueSize int64                    `json:"taskQueueSize"`
	Workers       []*model.WorkerHeartbeat `json:"workers"`
	Timestamp     time.Time                `json:"timestamp"`
}

type StatsSource interface {
	RealTimeStats(ctx *lgcontext.Context, scenarioId string, window time.Duration) (*model.ScenarioStats, error)
}

type WorkerSource interface {
	Workers(ctx *lgcontext.Context) ([]*model.WorkerHeartbeat, error)
	TaskQueueSize(ctx *lgcontext.Context) (int64, error)
}

// Streamer pushes live stats for every scenario in the active set and the state of the worker
// pool. Its methods are run as periodic background tasks.
type Streamer struct {
	active    *ActiveSet
	stats     StatsSource
	workers   WorkerSource
	publisher *Publisher
	window    time.Duration
	clock     clock.PassiveClock
	metrics   *metrics.Metrics
}

func NewStreamer(
	active *ActiveSet,
	stats StatsSource,
	workers WorkerSource,
	publisher *Publisher,
	window time.Duration,
	clock clock.PassiveClock,
	m *metrics.Metrics,
) *Streamer {
	return &Streamer{
		active:    active,
		stats:     stats,
		workers:   workers,
		publisher: publisher,
		window:    window,
		clock:     clock,
		metrics:   m,
	}
}

// PushMetrics publishes the live stats of each active scenario. A scenario whose stats can't be
// computed or published is skipped until the next sweep.
func (s *Streamer) PushMetrics(ctx *lgcontext.Context) error {
	scenarioIds := s.active.Snapshot()
	s.metrics.SetActiveScenarios(len(scenarioIds))
	for _, scenarioId := range scenarioIds {
		if ctx.Err() != nil {
			return nil
		}
		stats, err := s.stats.RealTimeStats(ctx, scenarioId, s.window)
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to compute live stats for scenario %s", scenarioId)
			continue
		}
		_ = s.publisher.publish(ctx, "metrics", MetricsTopic(scenarioId), stats)
	}
	return nil
}

// PushWorkerStatus publishes a snapshot of the worker pool.
func (s *Streamer) PushWorkerStatus(ctx *lgcontext.Context) error {
	workers, err := s.workers.Workers(ctx)
	if err != nil {
		return errors.WithMessage(err, "failed to list workers")
	}
	queueSize, err := s.workers.TaskQueueSize(ctx)
	if err != nil {
		return errors.WithMessage(err, "failed to read task queue size")
	}
	s.metrics.SetWorkerPool(len(workers), queueSize)
	return s.publisher.publish(ctx, "workers", WorkerStatusTopic, &WorkerPoolStatus{
		ActiveWorkers: len(workers),
		TaskQueueSize: queueSize,
		Workers:       workers,
		Timestamp:     s.clock.Now(),
	})
}
