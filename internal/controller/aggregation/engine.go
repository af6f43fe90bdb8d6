// Package aggregation ingests worker results and computes scenario statistics from them.
package aggregation

import (
	"crypto/rand"
	"encoding/json"
	"time"

	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/logging"
	"github.com/loadgrid/loadgrid/internal/common/util"
	"github.com/loadgrid/loadgrid/internal/controller/configuration"
	"github.com/loadgrid/loadgrid/internal/controller/metrics"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/push"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
)

// Engine stores no running totals: every query recomputes its stats from the persisted rows, so
// any number of engines may ingest concurrently and in any order.
type Engine struct {
	queues     repository.QueueRepository
	rows       repository.MetricRepository
	executions repository.ExecutionRepository
	publisher  *push.Publisher
	clock      clock.PassiveClock
	config     configuration.AggregationConfig
	retry      util.RetryConfig
	metrics    *metrics.Metrics
}

func NewEngine(
	queues repository.QueueRepository,
	rows repository.MetricRepository,
	executions repository.ExecutionRepository,
	publisher *push.Publisher,
	clock clock.PassiveClock,
	config configuration.AggregationConfig,
	retry util.RetryConfig,
	m *metrics.Metrics,
) *Engine {
	return &Engine{
		queues:     queues,
		rows:       rows,
		executions: executions,
		publisher:  publisher,
		clock:      clock,
		config:     config,
		retry:      retry,
		metrics:    m,
	}
}

// IngestBatch takes up to BatchSize results off the result queue, persists them as metric rows
// and forwards them to subscribers. Entries that can't be decoded are logged and dropped.
func (e *Engine) IngestBatch(ctx *lgcontext.Context) error {
	entries, err := e.queues.PopResults(ctx, e.config.BatchSize, e.config.PollTimeout)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	now := e.clock.Now()
	results := make([]*model.WorkerResult, 0, len(entries))
	var rows []*model.Metric
	for _, entry := range entries {
		result, err := decodeResult(entry)
		if err != nil {
			e.metrics.RecordMalformedResult()
			ctx.Log.WithError(err).Warnf("skipping malformed result %.200q", entry)
			continue
		}
		results = append(results, result)
		rows = append(rows, ToMetrics(result, now)...)
	}

	err = util.RetryTransient(ctx, e.retry, "storing metrics", func() error {
		return e.rows.StoreMetrics(ctx, rows)
	})
	if err != nil {
		return errors.WithMessagef(err, "lost %d results", len(results))
	}
	e.metrics.RecordResultsIngested(len(results), len(rows))

	scenarios := make(map[string]bool)
	for _, result := range results {
		scenarios[result.ScenarioId] = true
		_ = e.publisher.ForwardResult(ctx, result)
	}
	e.prune(ctx, scenarios, now)
	ctx.Log.Debugf("ingested %d results as %d metric rows", len(results), len(rows))
	return nil
}

func (e *Engine) prune(ctx *lgcontext.Context, scenarios map[string]bool, now time.Time) {
	if e.config.Retention <= 0 {
		return
	}
	cutoff := now.Add(-e.config.Retention)
	for scenarioId := range scenarios {
		if _, err := e.rows.PruneMetrics(ctx, scenarioId, cutoff); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warnf("failed to prune metrics of scenario %s", scenarioId)
		}
	}
}

func decodeResult(entry string) (*model.WorkerResult, error) {
	result := &model.WorkerResult{}
	if err := json.Unmarshal([]byte(entry), result); err != nil {
		return nil, errors.WithStack(err)
	}
	if result.ScenarioId == "" {
		return nil, errors.New("result has no scenarioId")
	}
	if result.TotalRequests < 0 || result.SuccessCount < 0 || result.ErrorCount < 0 {
		return nil, errors.New("result has negative counts")
	}
	if result.LatencyHistogram != nil {
		if err := validateSnapshot(result.LatencyHistogram); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// ToMetrics converts a worker result into metric rows. A single-request result becomes one row.
// A batch becomes a success row and a failure row, both at the batch's average latency; empty
// rows are left out. Requests of the batch total that are neither successes nor errors count as
// failures. A batch histogram is attached to the first row and the other row is marked
// as covered by it.
func ToMetrics(result *model.WorkerResult, receivedAt time.Time) []*model.Metric {
	timestamp := result.Timestamp
	if timestamp.IsZero() {
		timestamp = receivedAt
	}
	newRow := func() *model.Metric {
		return &model.Metric{
			Id:         ulid.MustNew(ulid.Timestamp(timestamp), rand.Reader).String(),
			ScenarioId: result.ScenarioId,
			WorkerId:   result.WorkerId,
			TaskId:     result.TaskId,
			Timestamp:  timestamp,
			StatusCode: result.StatusCode,
		}
	}

	if !result.IsBatch() {
		row := newRow()
		row.LatencyMs = float64(result.LatencyMs)
		row.Success = result.Success
		row.ErrorMessage = result.Error
		row.RequestCount = 1
		return []*model.Metric{row}
	}

	var rows []*model.Metric
	if result.SuccessCount > 0 {
		row := newRow()
		row.LatencyMs = result.AvgLatencyMs
		row.Success = true
		row.RequestCount = int64(result.SuccessCount)
		rows = append(rows, row)
	}
	failures := result.ErrorCount
	if unaccounted := result.TotalRequests - result.SuccessCount - result.ErrorCount; unaccounted > 0 {
		failures += unaccounted
	}
	if failures > 0 {
		row := newRow()
		row.LatencyMs = result.AvgLatencyMs
		row.Success = false
		row.ErrorMessage = result.Error
		row.RequestCount = int64(failures)
		rows = append(rows, row)
	}
	if result.LatencyHistogram != nil {
		rows[0].Histogram = result.LatencyHistogram
		for _, row := range rows[1:] {
			row.HistogramCovered = true
		}
	}
	return rows
}

// RealTimeStats computes stats over the last window of a scenario's metrics.
func (e *Engine) RealTimeStats(ctx *lgcontext.Context, scenarioId string, window time.Duration) (*model.ScenarioStats, error) {
	now := e.clock.Now()
	return e.statsBetween(ctx, scenarioId, now.Add(-window), now)
}

func (e *Engine) statsBetween(ctx *lgcontext.Context, scenarioId string, from time.Time, to time.Time) (*model.ScenarioStats, error) {
	var rows []*model.Metric
	err := util.RetryTransient(ctx, e.retry, "reading metrics", func() error {
		var err error
		rows, err = e.rows.GetMetrics(ctx, scenarioId, from, to)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ComputeStats(scenarioId, rows, to.Sub(from), to), nil
}

// Begin opens the aggregation window of an execution.
func (e *Engine) Begin(ctx *lgcontext.Context, executionId string, scenarioId string, tenant string) (*model.Execution, error) {
	execution := &model.Execution{
		ExecutionId: executionId,
		ScenarioId:  scenarioId,
		Tenant:      tenant,
		StartedAt:   e.clock.Now(),
	}
	err := util.RetryTransient(ctx, e.retry, "creating execution", func() error {
		return e.executions.CreateExecution(ctx, execution)
	})
	if err != nil {
		return nil, err
	}
	return execution, nil
}

// Execution returns an execution record.
func (e *Engine) Execution(ctx *lgcontext.Context, executionId string) (*model.Execution, error) {
	return e.executions.GetExecution(ctx, executionId)
}

// ExecutionStats returns the final stats of a finished execution or the stats so far of a
// running one.
func (e *Engine) ExecutionStats(ctx *lgcontext.Context, executionId string) (*model.ScenarioStats, error) {
	execution, err := e.executions.GetExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	if execution.Finalized() && execution.FinalStats != nil {
		return execution.FinalStats, nil
	}
	return e.statsBetween(ctx, execution.ScenarioId, execution.StartedAt, e.clock.Now())
}

// Finalize closes the window of an execution, stores its stats and publishes them. Finalizing an
// execution twice leaves the first result in place.
func (e *Engine) Finalize(ctx *lgcontext.Context, executionId string) (*model.Execution, error) {
	execution, err := e.executions.GetExecution(ctx, executionId)
	if err != nil {
		return nil, err
	}
	if execution.Finalized() {
		return execution, nil
	}

	now := e.clock.Now()
	stats, err := e.statsBetween(ctx, execution.ScenarioId, execution.StartedAt, now)
	if err != nil {
		return nil, err
	}
	var finalized bool
	err = util.RetryTransient(ctx, e.retry, "finalizing execution", func() error {
		var err error
		finalized, err = e.executions.FinalizeExecution(ctx, executionId, now, stats)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !finalized {
		return e.executions.GetExecution(ctx, executionId)
	}

	execution.StoppedAt = &now
	execution.FinalStats = stats
	_ = e.publisher.PublishFinal(ctx, execution)
	ctx.Log.WithField("executionId", executionId).Infof("execution finalized after %d requests", stats.TotalRequests)
	return execution, nil
}
