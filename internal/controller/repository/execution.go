package repository

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

type ExecutionRepository interface {
	CreateExecution(ctx context.Context, execution *model.Execution) error
	GetExecution(ctx context.Context, executionId string) (*model.Execution, error)
	// FinalizeExecution stores the final stats of an execution. It returns false, and writes
	// nothing, if the execution had already been finalized.
	FinalizeExecution(ctx context.Context, executionId string, stoppedAt time.Time, stats *model.ScenarioStats) (bool, error)
}

type RedisExecutionRepository struct {
	db redis.UniversalClient
}

func NewRedisExecutionRepository(db redis.UniversalClient) *RedisExecutionRepository {
	return &RedisExecutionRepository{db: db}
}

func (r *RedisExecutionRepository) CreateExecution(ctx context.Context, execution *model.Execution) error {
	data, err := encode(execution)
	if err != nil {
		return err
	}
	created, err := r.db.SetNX(ctx, executionPrefix+execution.ExecutionId, data, 0).Result()
	if err != nil {
		return transient("creating execution", err)
	}
	if !created {
		return lgerrors.ErrPreconditionFailed("execution %s already exists", execution.ExecutionId)
	}
	return nil
}

func (r *RedisExecutionRepository) GetExecution(ctx context.Context, executionId string) (*model.Execution, error) {
	return getExecution(ctx, r.db, executionId)
}

func (r *RedisExecutionRepository) FinalizeExecution(ctx context.Context, executionId string, stoppedAt time.Time, stats *model.ScenarioStats) (bool, error) {
	key := executionPrefix + executionId
	finalized := false
	err := optimisticUpdate(ctx, r.db, key, func(tx *redis.Tx) error {
		execution, err := getExecution(ctx, tx, executionId)
		if err != nil {
			return err
		}
		if execution.Finalized() {
			return nil
		}
		execution.StoppedAt = &stoppedAt
		execution.FinalStats = stats
		data, err := encode(execution)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		if err != nil {
			return err
		}
		finalized = true
		return nil
	})
	if err != nil {
		return false, classify("finalizing execution", err)
	}
	return finalized, nil
}

func getExecution(ctx context.Context, db redis.Cmdable, executionId string) (*model.Execution, error) {
	data, err := db.Get(ctx, executionPrefix+executionId).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lgerrors.ErrNotFound("execution", executionId)
	} else if err != nil {
		return nil, transient("reading execution", err)
	}
	return decode[model.Execution](data, "execution")
}
