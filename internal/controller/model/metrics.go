package model

import (
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Metric is a persisted telemetry sample. RequestCount requests share LatencyMs, StatusCode and
// Success; Histogram, when present, holds their latency distribution in microseconds.
// HistogramCovered is set on rows whose latencies are already part of a sibling row's Histogram.
type Metric struct {
	Id           string                 `json:"id"`
	ScenarioId   string                 `json:"scenarioId"`
	WorkerId     string                 `json:"workerId"`
	TaskId       string                 `json:"taskId,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	LatencyMs    float64                `json:"latencyMs"`
	StatusCode   int                    `json:"statusCode"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	RequestCount int64                  `json:"requestCount"`
	Histogram    *hdrhistogram.Snapshot `json:"histogram,omitempty"`

	HistogramCovered bool `json:"histogramCovered,omitempty"`
}

type ScenarioStats struct {
	ScenarioId             string        `json:"scenarioId"`
	WindowSeconds          float64       `json:"windowSeconds"`
	TotalRequests          int64         `json:"totalRequests"`
	SuccessfulRequests     int64         `json:"successfulRequests"`
	FailedRequests         int64         `json:"failedRequests"`
	SuccessRate            float64       `json:"successRate"`
	AvgLatencyMs           float64       `json:"avgLatencyMs"`
	MinLatencyMs           float64       `json:"minLatencyMs"`
	MaxLatencyMs           float64       `json:"maxLatencyMs"`
	P50LatencyMs           float64       `json:"p50LatencyMs"`
	P95LatencyMs           float64       `json:"p95LatencyMs"`
	P99LatencyMs           float64       `json:"p99LatencyMs"`
	StatusCodeDistribution map[int]int64 `json:"statusCodeDistribution"`
	CurrentRps             float64       `json:"currentRps"`
	LastUpdated            time.Time     `json:"lastUpdated"`
}

// Execution records the aggregation window of one run of a scenario.
type Execution struct {
	ExecutionId string         `json:"executionId"`
	ScenarioId  string         `json:"scenarioId"`
	Tenant      string         `json:"tenant"`
	StartedAt   time.Time      `json:"startedAt"`
	StoppedAt   *time.Time     `json:"stoppedAt,omitempty"`
	FinalStats  *ScenarioStats `json:"finalStats,omitempty"`
}

func (e *Execution) Finalized() bool {
	return e.StoppedAt != nil
}
