package repository

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

type ScheduledTestRepository interface {
	CreateScheduledTest(ctx context.Context, test *model.ScheduledTest) error
	GetScheduledTest(ctx context.Context, id string) (*model.ScheduledTest, error)
	GetAllScheduledTests(ctx context.Context) ([]*model.ScheduledTest, error)
	UpdateScheduledTest(ctx context.Context, id string, mutate func(*model.ScheduledTest) error) (*model.ScheduledTest, error)
	DeleteScheduledTest(ctx context.Context, id string) error
}

type RedisScheduledTestRepository struct {
	db redis.UniversalClient
}

func NewRedisScheduledTestRepository(db redis.UniversalClient) *RedisScheduledTestRepository {
	return &RedisScheduledTestRepository{db: db}
}

func (r *RedisScheduledTestRepository) CreateScheduledTest(ctx context.Context, test *model.ScheduledTest) error {
	data, err := encode(test)
	if err != nil {
		return err
	}
	created, err := r.db.SetNX(ctx, scheduledTestPrefix+test.Id, data, 0).Result()
	if err != nil {
		return transient("creating scheduled test", err)
	}
	if !created {
		return lgerrors.ErrPreconditionFailed("scheduled test %s already exists", test.Id)
	}
	if err := r.db.SAdd(ctx, scheduledTestIndex, test.Id).Err(); err != nil {
		return transient("indexing scheduled test", err)
	}
	return nil
}

func (r *RedisScheduledTestRepository) GetScheduledTest(ctx context.Context, id string) (*model.ScheduledTest, error) {
	return getScheduledTest(ctx, r.db, id)
}

func (r *RedisScheduledTestRepository) GetAllScheduledTests(ctx context.Context) ([]*model.ScheduledTest, error) {
	ids, err := r.db.SMembers(ctx, scheduledTestIndex).Result()
	if err != nil {
		return nil, transient("listing scheduled tests", err)
	}
	sort.Strings(ids)
	tests := make([]*model.ScheduledTest, 0, len(ids))
	for _, id := range ids {
		test, err := getScheduledTest(ctx, r.db, id)
		if lgerrors.IsKind(err, lgerrors.NotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		tests = append(tests, test)
	}
	return tests, nil
}

func (r *RedisScheduledTestRepository) UpdateScheduledTest(ctx context.Context, id string, mutate func(*model.ScheduledTest) error) (*model.ScheduledTest, error) {
	key := scheduledTestPrefix + id
	var updated *model.ScheduledTest
	err := optimisticUpdate(ctx, r.db, key, func(tx *redis.Tx) error {
		test, err := getScheduledTest(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(test); err != nil {
			return err
		}
		data, err := encode(test)
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
		updated = test
		return nil
	})
	if err != nil {
		return nil, classify("updating scheduled test", err)
	}
	return updated, nil
}

func (r *RedisScheduledTestRepository) DeleteScheduledTest(ctx context.Context, id string) error {
	_, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, scheduledTestPrefix+id)
		pipe.SRem(ctx, scheduledTestIndex, id)
		return nil
	})
	if err != nil {
		return transient("deleting scheduled test", err)
	}
	return nil
}

func getScheduledTest(ctx context.Context, db redis.Cmdable, id string) (*model.ScheduledTest, error) {
	data, err := db.Get(ctx, scheduledTestPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lgerrors.ErrNotFound("scheduled test", id)
	} else if err != nil {
		return nil, transient("reading scheduled test", err)
	}
	return decode[model.ScheduledTest](data, "scheduled test")
}
