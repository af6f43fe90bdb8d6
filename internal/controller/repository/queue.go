package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loadgrid/loadgrid/internal/controller/model"
)

// QueueRepository is the controller's side of the worker queues. Tasks and stop markers are
// appended at the tail; results are consumed from the head.
type QueueRepository interface {
	// PushTasks appends all tasks with a single command, so either every task is queued or none is.
	PushTasks(ctx context.Context, tasks []*model.WorkerTask) error
	PushStopMarker(ctx context.Context, marker *model.StopMarker) error
	TaskQueueSize(ctx context.Context) (int64, error)
	// PopResults removes and returns up to max raw entries from the result queue. If the queue is
	// empty it blocks for up to wait for a single entry; a zero wait returns immediately.
	PopResults(ctx context.Context, max int, wait time.Duration) ([]string, error)
}

type RedisQueueRepository struct {
	db redis.UniversalClient
}

func NewRedisQueueRepository(db redis.UniversalClient) *RedisQueueRepository {
	return &RedisQueueRepository{db: db}
}

func (r *RedisQueueRepository) PushTasks(ctx context.Context, tasks []*model.WorkerTask) error {
	if len(tasks) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(tasks))
	for _, task := range tasks {
		data, err := encode(task)
		if err != nil {
			return err
		}
		values = append(values, data)
	}
	if err := r.db.RPush(ctx, taskQueueKey, values...).Err(); err != nil {
		return transient("publishing tasks", err)
	}
	return nil
}

func (r *RedisQueueRepository) PushStopMarker(ctx context.Context, marker *model.StopMarker) error {
	data, err := encode(marker)
	if err != nil {
		return err
	}
	if err := r.db.RPush(ctx, controlQueueKey, data).Err(); err != nil {
		return transient("publishing stop marker", err)
	}
	return nil
}

func (r *RedisQueueRepository) TaskQueueSize(ctx context.Context) (int64, error) {
	size, err := r.db.LLen(ctx, taskQueueKey).Result()
	if err != nil {
		return 0, transient("reading task queue size", err)
	}
	return size, nil
}

func (r *RedisQueueRepository) PopResults(ctx context.Context, max int, wait time.Duration) ([]string, error) {
	if max <= 0 {
		return nil, nil
	}
	var lrange *redis.StringSliceCmd
	_, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrange = pipe.LRange(ctx, resultQueueKey, 0, int64(max-1))
		pipe.LTrim(ctx, resultQueueKey, int64(max), -1)
		return nil
	})
	if err != nil {
		return nil, transient("reading result queue", err)
	}
	values := lrange.Val()
	if len(values) > 0 || wait <= 0 {
		return values, nil
	}

	popped, err := r.db.BLPop(ctx, wait, resultQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, transient("waiting on result queue", err)
	}
	// BLPOP replies with the key followed by the value.
	return popped[1:], nil
}
