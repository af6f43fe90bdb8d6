package repository

import (
	"context"
	"sort"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/controller/model"
)

type VersionRepository interface {
	// AppendVersion lets newVersion mutate the scenario and build the snapshot that describes the
	// result, then stores both atomically. Concurrent appends for the same scenario are serialised
	// so version numbers stay gap-free.
	AppendVersion(ctx context.Context, scenarioId string, newVersion func(*model.Scenario) (*model.ScenarioVersion, error)) (*model.Scenario, *model.ScenarioVersion, error)
	GetVersion(ctx context.Context, scenarioId string, version int) (*model.ScenarioVersion, error)
	// GetVersions returns every snapshot of a scenario, newest first.
	GetVersions(ctx context.Context, scenarioId string) ([]*model.ScenarioVersion, error)
}

type RedisVersionRepository struct {
	db redis.UniversalClient
}

func NewRedisVersionRepository(db redis.UniversalClient) *RedisVersionRepository {
	return &RedisVersionRepository{db: db}
}

func (r *RedisVersionRepository) AppendVersion(
	ctx context.Context,
	scenarioId string,
	newVersion func(*model.Scenario) (*model.ScenarioVersion, error),
) (*model.Scenario, *model.ScenarioVersion, error) {
	var version *model.ScenarioVersion
	scenario, err := updateScenario(ctx, r.db, scenarioId,
		func(scenario *model.Scenario) error {
			var err error
			version, err = newVersion(scenario)
			if err != nil {
				return err
			}
			scenario.Version = version.Version
			return nil
		},
		func(pipe redis.Pipeliner, _ *model.Scenario) error {
			data, err := encode(version)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, versionPrefix+scenarioId, strconv.Itoa(version.Version), data)
			return nil
		})
	if err != nil {
		return nil, nil, err
	}
	return scenario, version, nil
}

func (r *RedisVersionRepository) GetVersion(ctx context.Context, scenarioId string, version int) (*model.ScenarioVersion, error) {
	data, err := r.db.HGet(ctx, versionPrefix+scenarioId, strconv.Itoa(version)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, lgerrors.ErrNotFound("scenario version", scenarioId+"/"+strconv.Itoa(version))
	} else if err != nil {
		return nil, transient("reading scenario version", err)
	}
	return decode[model.ScenarioVersion](data, "scenario version")
}

func (r *RedisVersionRepository) GetVersions(ctx context.Context, scenarioId string) ([]*model.ScenarioVersion, error) {
	values, err := r.db.HGetAll(ctx, versionPrefix+scenarioId).Result()
	if err != nil {
		return nil, transient("reading scenario versions", err)
	}
	versions := make([]*model.ScenarioVersion, 0, len(values))
	for _, v := range values {
		version, err := decode[model.ScenarioVersion]([]byte(v), "scenario version")
		if err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version > versions[j].Version
	})
	return versions, nil
}
