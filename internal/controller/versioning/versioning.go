// Package versioning keeps the append-only history of scenario configs.
package versioning

import (
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/loadgrid/loadgrid/internal/common/lgcontext"
	"github.com/loadgrid/loadgrid/internal/common/lgerrors"
	"github.com/loadgrid/loadgrid/internal/common/logging"
	"github.com/loadgrid/loadgrid/internal/controller/model"
	"github.com/loadgrid/loadgrid/internal/controller/repository"
)

var validate = validator.New()

// ValidateConfig checks a scenario config, returning an InvalidArgument error naming the first bad field.
func ValidateConfig(config model.ScenarioConfig) error {
	err := validate.Struct(config)
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		fieldErr := validationErrors[0]
		return lgerrors.ErrInvalidArgument(fieldErr.Namespace(), fieldErr.Value(), "failed "+fieldErr.Tag())
	}
	return errors.WithStack(err)
}

type Service struct {
	scenarios repository.ScenarioRepository
	versions  repository.VersionRepository
	clock     clock.PassiveClock
}

func NewService(scenarios repository.ScenarioRepository, versions repository.VersionRepository, clock clock.PassiveClock) *Service {
	return &Service{scenarios: scenarios, versions: versions, clock: clock}
}

// CreateScenario stores a new draft scenario and its first version.
func (s *Service) CreateScenario(ctx *lgcontext.Context, owner string, tenant string, config model.ScenarioConfig) (*model.Scenario, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	scenario := &model.Scenario{
		Id:             uuid.NewString(),
		Owner:          owner,
		Tenant:         tenant,
		Config:         config,
		ApprovalStatus: model.ApprovalDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.scenarios.CreateScenario(ctx, scenario); err != nil {
		return nil, err
	}
	created, _, err := s.Snapshot(ctx, scenario.Id)
	if err != nil {
		if deleteErr := s.scenarios.DeleteScenario(ctx, scenario.Id); deleteErr != nil {
			logging.WithStacktrace(ctx.Log, deleteErr).Warn("failed to remove scenario without a version")
		}
		return nil, err
	}
	return created, nil
}

// Snapshot appends the scenario's current config as a new version.
func (s *Service) Snapshot(ctx *lgcontext.Context, scenarioId string) (*model.Scenario, *model.ScenarioVersion, error) {
	return s.versions.AppendVersion(ctx, scenarioId, func(scenario *model.Scenario) (*model.ScenarioVersion, error) {
		return s.nextVersion(scenario)
	})
}

// UpdateConfig replaces the config of a scenario that is not running and snapshots the result.
func (s *Service) UpdateConfig(ctx *lgcontext.Context, scenarioId string, config model.ScenarioConfig) (*model.Scenario, *model.ScenarioVersion, error) {
	if err := ValidateConfig(config); err != nil {
		return nil, nil, err
	}
	return s.versions.AppendVersion(ctx, scenarioId, func(scenario *model.Scenario) (*model.ScenarioVersion, error) {
		if scenario.Running {
			return nil, lgerrors.ErrPreconditionFailed("scenario %s cannot be changed while it is running", scenario.Id)
		}
		scenario.Config = config
		return s.nextVersion(scenario)
	})
}

// Rollback restores the config stored in version target. History is extended, never rewritten:
// the restored config becomes a new version marked as a rollback.
func (s *Service) Rollback(ctx *lgcontext.Context, scenarioId string, target int) (*model.Scenario, *model.ScenarioVersion, error) {
	source, err := s.versions.GetVersion(ctx, scenarioId, target)
	if err != nil {
		return nil, nil, err
	}
	config, err := model.ParseConfig(source.ConfigJson)
	if err != nil {
		return nil, nil, errors.WithMessagef(err, "version %d of scenario %s is corrupt", target, scenarioId)
	}
	scenario, version, err := s.versions.AppendVersion(ctx, scenarioId, func(scenario *model.Scenario) (*model.ScenarioVersion, error) {
		if scenario.Running {
			return nil, lgerrors.ErrPreconditionFailed("scenario %s cannot be rolled back while it is running", scenario.Id)
		}
		scenario.Config = config
		version, err := s.nextVersion(scenario)
		if err != nil {
			return nil, err
		}
		version.Rollback = true
		version.RolledBackFrom = target
		return version, nil
	})
	if err != nil {
		return nil, nil, err
	}
	ctx.Log.WithField("scenarioId", scenarioId).Infof("rolled back to version %d as version %d", target, version.Version)
	return scenario, version, nil
}

func (s *Service) Versions(ctx *lgcontext.Context, scenarioId string) ([]*model.ScenarioVersion, error) {
	return s.versions.GetVersions(ctx, scenarioId)
}

func (s *Service) GetVersion(ctx *lgcontext.Context, scenarioId string, version int) (*model.ScenarioVersion, error) {
	return s.versions.GetVersion(ctx, scenarioId, version)
}

// DiffVersions returns the changes between two stored versions of a scenario.
func (s *Service) DiffVersions(ctx *lgcontext.Context, scenarioId string, from int, to int) (map[string]Change, error) {
	oldVersion, err := s.versions.GetVersion(ctx, scenarioId, from)
	if err != nil {
		return nil, err
	}
	newVersion, err := s.versions.GetVersion(ctx, scenarioId, to)
	if err != nil {
		return nil, err
	}
	return Diff(oldVersion.ConfigJson, newVersion.ConfigJson)
}

func (s *Service) nextVersion(scenario *model.Scenario) (*model.ScenarioVersion, error) {
	configJson, err := scenario.ConfigJson()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	scenario.UpdatedAt = now
	return &model.ScenarioVersion{
		ScenarioId: scenario.Id,
		Version:    scenario.Version + 1,
		ConfigJson: configJson,
		CreatedAt:  now,
	}, nil
}
