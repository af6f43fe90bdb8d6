package model

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "IDLE"
	WorkerBusy       WorkerStatus = "BUSY"
	WorkerPaused     WorkerStatus = "PAUSED"
	WorkerError      WorkerStatus = "ERROR"
	WorkerOffline    WorkerStatus = "OFFLINE"
	WorkerTerminated WorkerStatus = "TERMINATED"
)

// WorkerTask is one worker's share of an execution. Workers must treat TaskId as an idempotency
// key: the task queue is at-least-once.
type WorkerTask struct {
	TaskId          string            `json:"taskId"`
	ScenarioId      string            `json:"scenarioId"`
	ExecutionId     string            `json:"executionId"`
	Tenant          string            `json:"tenant"`
	TargetUrl       string            `json:"targetUrl"`
	Method          HttpMethod        `json:"method"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	ProfileType     ProfileType       `json:"profileType"`
	Rps             int               `json:"rps"`
	DurationSeconds int               `json:"durationSeconds"`
	StartTime       time.Time         `json:"startTime"`
}

// StopMarker asks workers to halt an execution. Delivery is best-effort and unacknowledged.
type StopMarker struct {
	ExecutionId string    `json:"executionId"`
	ScenarioId  string    `json:"scenarioId"`
	IssuedAt    time.Time `json:"issuedAt"`
}

type WorkerHeartbeat struct {
	WorkerId          string       `json:"workerId"`
	Timestamp         time.Time    `json:"timestamp"`
	Status            WorkerStatus `json:"status"`
	CurrentTaskId     string       `json:"currentTaskId,omitempty"`
	RequestsProcessed int64        `json:"requestsProcessed"`
}

// WorkerResult is what workers push onto the result queue. It either describes a single request
// (TotalRequests == 0) or a batch, in which case the counts and scalar aggregates are set and
// LatencyHistogram may carry the batch's latency distribution in microseconds.
type WorkerResult struct {
	ScenarioId string    `json:"scenarioId"`
	TaskId     string    `json:"taskId"`
	WorkerId   string    `json:"workerId"`
	Timestamp  time.Time `json:"timestamp"`

	LatencyMs  int64  `json:"latencyMs"`
	StatusCode int    `json:"statusCode"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`

	TotalRequests int     `json:"totalRequests"`
	SuccessCount  int     `json:"successCount"`
	ErrorCount    int     `json:"errorCount"`
	AvgLatencyMs  float64 `json:"avgLatencyMs"`
	P95LatencyMs  float64 `json:"p95LatencyMs"`
	P99LatencyMs  float64 `json:"p99LatencyMs"`

	LatencyHistogram *hdrhistogram.Snapshot `json:"latencyHistogram,omitempty"`
}

func (r *WorkerResult) IsBatch() bool {
	return r.TotalRequests > 0
}
