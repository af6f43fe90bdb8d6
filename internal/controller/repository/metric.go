package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loadgrid/loadgrid/internal/controller/model"
)

type MetricRepository interface {
	StoreMetrics(ctx context.Context, metrics []*model.Metric) error
	// GetMetrics returns the metrics of a scenario with from <= timestamp <= to, oldest first.
	GetMetrics(ctx context.Context, scenarioId string, from time.Time, to time.Time) ([]*model.Metric, error)
	// PruneMetrics deletes metrics older than before and returns how many were removed.
	PruneMetrics(ctx context.Context, scenarioId string, before time.Time) (int64, error)
}

// RedisMetricRepository keeps one sorted set per scenario, scored by timestamp in milliseconds.
type RedisMetricRepository struct {
	db redis.UniversalClient
}

func NewRedisMetricRepository(db redis.UniversalClient) *RedisMetricRepository {
	return &RedisMetricRepository{db: db}
}

func (r *RedisMetricRepository) StoreMetrics(ctx context.Context, metrics []*model.Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	_, err := r.db.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, metric := range metrics {
			data, err := encode(metric)
			if err != nil {
				return err
			}
			pipe.ZAdd(ctx, metricPrefix+metric.ScenarioId, redis.Z{
				Score:  float64(metric.Timestamp.UnixMilli()),
				Member: data,
			})
		}
		return nil
	})
	return classify("storing metrics", err)
}

func (r *RedisMetricRepository) GetMetrics(ctx context.Context, scenarioId string, from time.Time, to time.Time) ([]*model.Metric, error) {
	values, err := r.db.ZRangeByScore(ctx, metricPrefix+scenarioId, &redis.ZRangeBy{
		Min: strconv.FormatInt(from.UnixMilli(), 10),
		Max: strconv.FormatInt(to.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, transient("reading metrics", err)
	}
	metrics := make([]*model.Metric, 0, len(values))
	for _, v := range values {
		metric, err := decode[model.Metric]([]byte(v), "metric")
		if err != nil {
			return nil, err
		}
		metrics = append(metrics, metric)
	}
	return metrics, nil
}

func (r *RedisMetricRepository) PruneMetrics(ctx context.Context, scenarioId string, before time.Time) (int64, error) {
	removed, err := r.db.ZRemRangeByScore(ctx, metricPrefix+scenarioId,
		"-inf", "("+strconv.FormatInt(before.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, transient("pruning metrics", err)
	}
	return removed, nil
}
