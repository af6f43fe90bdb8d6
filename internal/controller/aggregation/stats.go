package aggregation

import (
	"math"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/pkg/errors"

	"github.com/loadgrid/loadgrid/internal/controller/model"
)

const (
	// Latencies are tracked in microseconds from 1µs to one hour with three significant figures.
	lowestTrackableMicros  = 1
	highestTrackableMicros = int64(time.Hour / time.Microsecond)
	significantFigures     = 3
)

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(lowestTrackableMicros, highestTrackableMicros, significantFigures)
}

// validateSnapshot reports whether a histogram snapshot received from a worker can be imported.
func validateSnapshot(snapshot *hdrhistogram.Snapshot) (err error) {
	if snapshot.SignificantFigures < 1 || snapshot.SignificantFigures > 5 {
		return errors.Errorf("histogram has %d significant figures, expected 1 to 5", snapshot.SignificantFigures)
	}
	if snapshot.LowestTrackableValue < 1 || snapshot.HighestTrackableValue < 2*snapshot.LowestTrackableValue {
		return errors.Errorf("histogram has invalid range [%d, %d]", snapshot.LowestTrackableValue, snapshot.HighestTrackableValue)
	}
	for _, count := range snapshot.Counts {
		if count < 0 {
			return errors.New("histogram has negative counts")
		}
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("histogram can't be imported: %v", r)
		}
	}()
	hdrhistogram.Import(snapshot)
	return nil
}

func toMicros(latencyMs float64) int64 {
	micros := int64(math.Round(latencyMs * 1000))
	if micros < 0 {
		return 0
	}
	if micros > highestTrackableMicros {
		return highestTrackableMicros
	}
	return micros
}

func toMillis(micros int64) float64 {
	return float64(micros) / 1000
}

// ComputeStats aggregates metric rows into a stats snapshot. The result depends only on the set
// of rows, not on their order, so it is the same however the rows were ingested. Latency sums
// are kept in integer microseconds for that reason.
func ComputeStats(scenarioId string, rows []*model.Metric, window time.Duration, now time.Time) *model.ScenarioStats {
	stats := &model.ScenarioStats{
		ScenarioId:             scenarioId,
		WindowSeconds:          window.Seconds(),
		StatusCodeDistribution: make(map[int]int64),
		LastUpdated:            now,
	}
	if len(rows) == 0 {
		return stats
	}

	histogram := newHistogram()
	var weightedLatencyMicros int64
	minLatency := math.MaxFloat64
	maxLatency := 0.0
	for _, row := range rows {
		count := row.RequestCount
		if count <= 0 {
			count = 1
		}
		stats.TotalRequests += count
		if row.Success {
			stats.SuccessfulRequests += count
		} else {
			stats.FailedRequests += count
		}
		stats.StatusCodeDistribution[row.StatusCode] += count
		weightedLatencyMicros += toMicros(row.LatencyMs) * count

		rowMin, rowMax := row.LatencyMs, row.LatencyMs
		if row.Histogram != nil {
			imported := hdrhistogram.Import(row.Histogram)
			histogram.Merge(imported)
			if imported.TotalCount() > 0 {
				rowMin, rowMax = toMillis(imported.Min()), toMillis(imported.Max())
			}
		} else if !row.HistogramCovered {
			_ = histogram.RecordValues(toMicros(row.LatencyMs), count)
		}
		minLatency = math.Min(minLatency, rowMin)
		maxLatency = math.Max(maxLatency, rowMax)
	}

	stats.SuccessRate = float64(stats.SuccessfulRequests) / float64(stats.TotalRequests)
	stats.AvgLatencyMs = toMillis(weightedLatencyMicros) / float64(stats.TotalRequests)
	stats.MinLatencyMs = minLatency
	stats.MaxLatencyMs = maxLatency
	if histogram.TotalCount() > 0 {
		stats.P50LatencyMs = toMillis(histogram.ValueAtQuantile(50))
		stats.P95LatencyMs = toMillis(histogram.ValueAtQuantile(95))
		stats.P99LatencyMs = toMillis(histogram.ValueAtQuantile(99))
	}
	if window > 0 {
		stats.CurrentRps = float64(stats.TotalRequests) / window.Seconds()
	}
	return stats
}
