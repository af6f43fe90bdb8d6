package repository

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

type ScenarioRepository interface {
	GetScenario(ctx context.Context, id string) (*model.Scenario, error)
	GetAllScenarios(ctx context.Context) ([]*model.Scenario, error)
	CreateScenario(ctx context.Context, scenario *model.Scenario) error
	// UpdateScenario applies mutate to the stored scenario and writes it back atomically.
	// If mutate returns an error nothing is written and that error is returned.
	UpdateScenario(ctx context.Context, id string, mutate func(*model.Scenario) error) (*model.Scenario, error)
	DeleteScenario(ctx context.Context, id string) error
}

type RedisScenarioRepository struct {
	db redis.UniversalClient
}

func NewRedisScenarioRepository(db redis.UniversalClient) *RedisScenarioRepository {
	return &RedisScenarioRepository{db: db}
}

func (r *RedisScenarioRepository) GetScenario(ctx context.Context, id string) (*model.Scenario, error) {
	return getScenario(ctx, r.db, id)
}

func (r *RedisScenarioRepository) GetAllScenarios(ctx context.Context) ([]*model.Scenario, error) {
	ids, err := r.db.SMembers(ctx, scenarioIndexKey).Result()
	if err != nil {
		return nil, transient("listing scenarios", err)
	}
	sort.Strings(ids)
	scenarios := make([]*model.Scenario, 0, len(ids))
	for _, id := range ids {
		scenario, err := getScenario(ctx, r.db, id)
		if lgerrors.IsKind(err, lgerrors.NotFound) {
			// Deleted between the index read and now.
			continue
		} else if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, scenario)
	}
	return scenarios, nil
}

func (r *RedisScenarioRepository) CreateScenario(ctx context.Context, scenario *model.Scenario) error {
	data, err := encode(scenario)
	if err != nil {
		return err
	}
	// SetNX is a no-op when the key exists, in which case created is false.
	created, err := r.db.SetNX(ctx, scenarioPrefix+scenario.Id, data, 0).Result()
	if err != nil {
		return transient("creating scenario", err)
	}
	if !created {
		return lgerrors.ErrPreconditionFailed("scenario %s already exists", scenario.Id)
	}
	if err := r.db.SAdd(ctx, scenarioIndexKey, scenario.Id).Err(); err != nil {
		return transient("indexing scenario", err)
	}
	return nil
}

func (r *RedisScenarioRepository) UpdateScenario(ctx context.Context, id string, mutate func(*model.Scenario) error) (*model.Scenario, error) {
	return updateScenario(ctx, r.db, id, mutate, nil)
}

func (r *RedisScenarioRepository) DeleteScenario(ctx context.Context, id string) error {
	_, err := r.db.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, scenarioPrefix+id)
		pipe.SRem(ctx, scenarioIndexKey, id)
		return nil
	})
	if err != nil {
		return transient("deleting scenario", err)
	}
	return nil
}

func getScenario(ctx context.Context, db redis.Cmdable, id string) (*model.Scenario, error) {
	data, err := db.Get(ctx, scenarioPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lgerrors.ErrNotFound("scenario", id)
	} else if err != nil {
		return nil, transient("reading scenario", err)
	}
	return decode[model.Scenario](data, "scenario")
}

// updateScenario reads, mutates and rewrites a scenario under WATCH. alsoWrite may queue further
// commands that must commit in the same MULTI/EXEC as the scenario write.
func updateScenario(
	ctx context.Context,
	db redis.UniversalClient,
	id string,
	mutate func(*model.Scenario) error,
	alsoWrite func(pipe redis.Pipeliner, scenario *model.Scenario) error,
) (*model.Scenario, error) {
	key := scenarioPrefix + id
	var updated *model.Scenario
	err := optimisticUpdate(ctx, db, key, func(tx *redis.Tx) error {
		scenario, err := getScenario(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := mutate(scenario); err != nil {
			return err
		}
		data, err := encode(scenario)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if alsoWrite != nil {
				return alsoWrite(pipe, scenario)
			}
			return nil
		})
		if err != nil {
			return err
		}
		updated = scenario
		return nil
	})
	if err != nil {
		return nil, classify("updating scenario", err)
	}
	return updated, nil
}
