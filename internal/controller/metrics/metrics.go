package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
)

const MetricsPrefix = "loadgrid_controller_"

type AdmissionOutcome string

const (
	AdmissionAllowed     AdmissionOutcome = "allowed"
	AdmissionDenied      AdmissionOutcome = "denied"
	AdmissionUnavailable AdmissionOutcome = "unavailable"
)

type Metrics struct {
	admissionDecisions *prometheus.CounterVec
	executionsStarted  prometheus.Counter
	executionsStopped  prometheus.Counter
	startFailures      *prometheus.CounterVec
	resultsIngested    prometheus.Counter
	resultsMalformed   prometheus.Counter
	metricRowsStored   prometheus.Counter
	scheduledRuns      *prometheus.CounterVec
	pushFailures       *prometheus.CounterVec
	activeWorkers      prometheus.Gauge
	taskQueueSize      prometheus.Gauge
	activeScenarios    prometheus.Gauge
}

// NewMetrics creates the controller's collectors and registers them with registerer.
// A nil registerer leaves them unregistered, which is what tests want.
func NewMetrics(prefix string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		admissionDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "admission_decisions_total",
			Help: "Admission decisions grouped by outcome",
		}, []string{"outcome"}),
		executionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "executions_started_total",
			Help: "Number of executions started",
		}),
		executionsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "executions_stopped_total",
			Help: "Number of executions stopped",
		}),
		startFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "start_failures_total",
			Help: "Number of rejected or failed starts grouped by error kind",
		}, []string{"kind"}),
		resultsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "results_ingested_total",
			Help: "Number of worker results accepted from the result queue",
		}),
		resultsMalformed: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "results_malformed_total",
			Help: "Number of result queue entries skipped because they could not be decoded",
		}),
		metricRowsStored: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "metric_rows_stored_total",
			Help: "Number of metric rows persisted",
		}),
		scheduledRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "scheduled_runs_total",
			Help: "Scheduled test runs grouped by status",
		}, []string{"status"}),
		pushFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "push_failures_total",
			Help: "Number of events that could not be published grouped by stream",
		}, []string{"stream"}),
		activeWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "active_workers",
			Help: "Number of workers with an unexpired heartbeat",
		}),
		taskQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "task_queue_size",
			Help: "Number of tasks waiting to be picked up by a worker",
		}),
		activeScenarios: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "active_scenarios",
			Help: "Number of scenarios currently streamed to subscribers",
		}),
	}
}

func (m *Metrics) RecordAdmission(outcome AdmissionOutcome) {
	m.admissionDecisions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) RecordExecutionStarted() {
	m.executionsStarted.Inc()
}

func (m *Metrics) RecordExecutionStopped() {
	m.executionsStopped.Inc()
}

func (m *Metrics) RecordStartFailure(err error) {
	m.startFailures.WithLabelValues(lgerrors.KindOf(err).String()).Inc()
}

func (m *Metrics) RecordResultsIngested(results int, rows int) {
	m.resultsIngested.Add(float64(results))
	m.metricRowsStored.Add(float64(rows))
}

func (m *Metrics) RecordMalformedResult() {
	m.resultsMalformed.Inc()
}

func (m *Metrics) RecordScheduledRun(status string) {
	m.scheduledRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordPushFailure(stream string) {
	m.pushFailures.WithLabelValues(stream).Inc()
}

func (m *Metrics) SetWorkerPool(activeWorkers int, taskQueueSize int64) {
	m.activeWorkers.Set(float64(activeWorkers))
	m.taskQueueSize.Set(float64(taskQueueSize))
}

func (m *Metrics) SetActiveScenarios(n int) {
	m.activeScenarios.Set(float64(n))
}
